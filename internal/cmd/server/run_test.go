package serverrun

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	cfgpkg "conveyor/internal/config"
	logpkg "conveyor/pkg/log"
)

func TestBuildLoggerLevels(t *testing.T) {
	tests := []struct {
		name   string
		level  string
		format string
		want   logpkg.Level
	}{
		{name: "debug text", level: "debug", format: "text", want: logpkg.DebugLevel},
		{name: "error json", level: "error", format: "json", want: logpkg.ErrorLevel},
		{name: "bad level falls back to info", level: "loud", format: "text", want: logpkg.InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := buildLogger(cfgpkg.Log{Level: tt.level, Format: tt.format})
			if got := logger.GetLevel(); got != tt.want {
				t.Errorf("level = %v, want %v", got, tt.want)
			}
		})
	}
}

// Run starts real listeners, so keep this out of -short runs.
func TestRunIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping server startup in short mode")
	}

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "conveyor.yaml")
	cfgBody := `
storage:
  data_dir: ` + filepath.Join(dir, "data") + `
  fsync: never
blob:
  root: ` + filepath.Join(dir, "blobs") + `
site:
  root: ` + filepath.Join(dir, "site") + `
`
	if err := os.WriteFile(cfgPath, []byte(cfgBody), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	err := Run(ctx, Options{ConfigPath: cfgPath, HTTPAddr: "127.0.0.1:0"})
	if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		t.Errorf("expected clean shutdown, got %v", err)
	}
}
