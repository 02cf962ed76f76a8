package config

import (
	"os"
	"strconv"
	"time"
)

// FromEnv overlays CONVEYOR_* environment variables onto cfg. Only the knobs
// operators flip per deployment are exposed; everything else belongs in the
// config file.
func FromEnv(cfg *Config) {
	if v := os.Getenv("CONVEYOR_SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("CONVEYOR_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("CONVEYOR_STORAGE_FSYNC"); v != "" {
		cfg.Storage.Fsync = v
	}
	if v := os.Getenv("CONVEYOR_TRANSPORT_KIND"); v != "" {
		cfg.Transport.Kind = v
	}
	if v := os.Getenv("CONVEYOR_TRANSPORT_URL"); v != "" {
		cfg.Transport.URL = v
	}
	if v := os.Getenv("CONVEYOR_WORKERS_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Workers.Count = n
		}
	}
	if v := os.Getenv("CONVEYOR_WORKERS_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Workers.PollInterval = d
		}
	}
	if v := os.Getenv("CONVEYOR_DEDUP_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Workers.DedupWindow = d
		}
	}
	if v := os.Getenv("CONVEYOR_ENRICH_API_KEY"); v != "" {
		cfg.Enrich.APIKey = v
	}
	if v := os.Getenv("CONVEYOR_ENRICH_ENDPOINT"); v != "" {
		cfg.Enrich.Endpoint = v
	}
	if v := os.Getenv("CONVEYOR_ENRICH_MODEL"); v != "" {
		cfg.Enrich.Model = v
	}
	if v := os.Getenv("CONVEYOR_MAX_REPLICAS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Autoscale.MaxReplicas = n
		}
	}
	if v := os.Getenv("CONVEYOR_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("CONVEYOR_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}
