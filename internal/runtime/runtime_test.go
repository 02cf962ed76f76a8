package runtime

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	cfgpkg "conveyor/internal/config"
	"conveyor/internal/message"
	logpkg "conveyor/pkg/log"
)

func testConfig(t *testing.T) cfgpkg.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := cfgpkg.Default()
	cfg.Storage.DataDir = filepath.Join(dir, "data")
	cfg.Storage.Fsync = "never"
	cfg.Blob.Root = filepath.Join(dir, "blobs")
	cfg.Site.Root = filepath.Join(dir, "site")
	cfg.Workers.Count = 1
	cfg.Workers.PollInterval = 10 * time.Millisecond
	return cfg
}

func openTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	rt, err := Open(testConfig(t), logpkg.NewLogger(logpkg.WithLevel(logpkg.ErrorLevel)))
	if err != nil {
		t.Fatalf("open runtime: %v", err)
	}
	t.Cleanup(func() { _ = rt.Close() })
	return rt
}

func TestOpenAndHealth(t *testing.T) {
	rt := openTestRuntime(t)
	if err := rt.CheckHealth(context.Background()); err != nil {
		t.Fatalf("health: %v", err)
	}
}

func TestEnqueueAndStatus(t *testing.T) {
	rt := openTestRuntime(t)
	ctx := context.Background()

	st, err := rt.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.QueueDepth != 0 || st.DesiredReplicas != 0 {
		t.Fatalf("empty status = %+v", st)
	}

	corr, err := rt.Enqueue(ctx, message.Message{Operation: message.OpWakeUp})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if corr == "" {
		t.Fatal("correlation id not generated")
	}

	st, err = rt.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.QueueDepth != 1 {
		t.Fatalf("depth = %d, want 1", st.QueueDepth)
	}
	if st.DesiredReplicas < 1 {
		t.Fatalf("desired replicas = %d, want >= 1", st.DesiredReplicas)
	}
}

func TestEnqueueRejectsInvalid(t *testing.T) {
	rt := openTestRuntime(t)
	ctx := context.Background()

	// process without a locator must never be accepted
	if _, err := rt.Enqueue(ctx, message.Message{
		Operation: message.OpProcess,
		Payload:   map[string]interface{}{"item_id": "x"},
	}); err == nil {
		t.Fatal("enqueue accepted a process message without blob_path")
	}
	if _, err := rt.Enqueue(ctx, message.Message{Operation: message.Operation("mystery")}); err == nil {
		t.Fatal("enqueue accepted an unknown operation")
	}
	if _, err := rt.Reprocess(ctx, "", "item-1"); err == nil {
		t.Fatal("reprocess accepted an empty locator")
	}
}

func TestOpenRejectsUnknownSourceKind(t *testing.T) {
	cfg := testConfig(t)
	// Validate catches this at config load; Open must enforce it for
	// programmatically built configs too
	cfg.Selection.Sources = append(cfg.Selection.Sources, cfgpkg.SourceConfig{
		Name: "mystery", Kind: "gopher", URL: "gopher://example.com",
	})
	rt, err := Open(cfg, logpkg.NewLogger(logpkg.WithLevel(logpkg.ErrorLevel)))
	if err == nil {
		_ = rt.Close()
		t.Fatal("Open accepted a source with an unknown kind")
	}
}

func TestStartStopDrainsWakeUp(t *testing.T) {
	rt := openTestRuntime(t)
	ctx := context.Background()

	if _, err := rt.Enqueue(ctx, message.Message{Operation: message.OpWakeUp}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	rt.Start(ctx)
	defer rt.Stop()

	deadline := time.After(5 * time.Second)
	for {
		st, err := rt.Status(ctx)
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		if st.QueueDepth == 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("wake_up not drained, depth=%d", st.QueueDepth)
		case <-time.After(20 * time.Millisecond):
		}
	}
}
