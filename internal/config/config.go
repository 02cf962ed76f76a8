// Package config loads the coordinator configuration: YAML file with
// ${ENV} expansion, an optional .env file, and CONVEYOR_* variable
// overrides, in that order.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"conveyor/internal/autoscale"
	"conveyor/internal/score"
	"conveyor/internal/stage/enrich"
)

// Config is the top-level configuration.
type Config struct {
	Server    Server                 `yaml:"server"`
	Storage   Storage                `yaml:"storage"`
	Transport Transport              `yaml:"transport"`
	Workers   Workers                `yaml:"workers"`
	Stages    map[string]StagePolicy `yaml:"stages"`
	Scoring   Scoring                `yaml:"scoring"`
	Selection Selection              `yaml:"selection"`
	Blob      Blob                   `yaml:"blob"`
	Site      Site                   `yaml:"site"`
	Enrich    enrich.Config          `yaml:"enrich"`
	Autoscale autoscale.Config       `yaml:"autoscale"`
	Log       Log                    `yaml:"log"`
}

// Server configures the HTTP listener.
type Server struct {
	Addr string `yaml:"addr"`
}

// Storage configures the shared Pebble store.
type Storage struct {
	DataDir string `yaml:"data_dir"`
	// Fsync is one of "always", "interval", "never".
	Fsync string `yaml:"fsync"`
}

// Transport picks the queue implementation.
type Transport struct {
	// Kind is "pebble" or "amqp".
	Kind string `yaml:"kind"`
	// URL is the broker URL for the amqp transport.
	URL string `yaml:"url"`
	// MaxMessageBytes caps the encoded wire size.
	MaxMessageBytes int `yaml:"max_message_bytes"`
}

// Workers configures the polling loops.
type Workers struct {
	Count        int           `yaml:"count"`
	PollInterval time.Duration `yaml:"poll_interval"`
	BatchSize    int           `yaml:"batch_size"`
	DedupWindow  time.Duration `yaml:"dedup_window"`
}

// StagePolicy tunes one stage queue. The acceptable window between
// visibility timeout and lease TTL varies per collaborator, so it is
// configured per stage rather than globally.
type StagePolicy struct {
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
	LeaseTTL          time.Duration `yaml:"lease_ttl"`
	MaxDequeueCount   int           `yaml:"max_dequeue_count"`
}

// Scoring configures the priority scorer.
type Scoring struct {
	Weights score.Weights `yaml:"weights"`
	// Filter is an optional CEL expression over scored candidates.
	Filter string `yaml:"filter"`
}

// Selection configures the collection round.
type Selection struct {
	Window    time.Duration  `yaml:"window"`
	MaxPerRun int            `yaml:"max_per_run"`
	Sources   []SourceConfig `yaml:"sources"`
}

// SourceConfig declares one discovery adapter.
type SourceConfig struct {
	Name string `yaml:"name"`
	// Kind is "rss"; static sources exist only in tests.
	Kind    string  `yaml:"kind"`
	URL     string  `yaml:"url"`
	Quality float64 `yaml:"quality"`
}

// Blob configures the content store.
type Blob struct {
	Root string `yaml:"root"`
}

// Site configures the publish target.
type Site struct {
	Root    string `yaml:"root"`
	Section string `yaml:"section"`
}

// Log configures logging.
type Log struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string `yaml:"level"`
	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// Default returns built-in defaults. The node runs self-contained on the
// pebble transport with local blob and site trees under the data dir.
func Default() Config {
	dataDir := DefaultDataDir()
	return Config{
		Server:  Server{Addr: ":8474"},
		Storage: Storage{DataDir: dataDir, Fsync: "interval"},
		Transport: Transport{
			Kind:            "pebble",
			MaxMessageBytes: 64 << 10,
		},
		Workers: Workers{
			Count:        2,
			PollInterval: time.Second,
			BatchSize:    4,
			DedupWindow:  24 * time.Hour,
		},
		Stages: map[string]StagePolicy{
			"process": {VisibilityTimeout: 3 * time.Minute, LeaseTTL: 3 * time.Minute, MaxDequeueCount: 5},
			"render":  {VisibilityTimeout: time.Minute, LeaseTTL: time.Minute, MaxDequeueCount: 5},
			"publish": {VisibilityTimeout: time.Minute, LeaseTTL: time.Minute, MaxDequeueCount: 5},
			"site":    {VisibilityTimeout: 5 * time.Minute, LeaseTTL: 5 * time.Minute, MaxDequeueCount: 3},
		},
		Scoring: Scoring{Weights: score.DefaultWeights},
		Selection: Selection{
			Window:    24 * time.Hour,
			MaxPerRun: 20,
		},
		Blob: Blob{Root: dataDir + "/blobs"},
		Site: Site{Root: dataDir + "/site", Section: "posts"},
		Autoscale: autoscale.Config{
			MessagesPerReplica: 10,
			MaxReplicas:        8,
			ScaleDownCooldown:  5 * time.Minute,
		},
		Log: Log{Level: "info", Format: "text"},
	}
}

// Load reads configuration. A .env file in the working directory is applied
// first when present, then the YAML file (with ${VAR} expansion), then
// CONVEYOR_* environment overrides. An empty path yields defaults plus
// overrides.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		expanded := os.ExpandEnv(string(b))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	FromEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate fails fast on configurations that would misbehave at runtime.
func (c Config) Validate() error {
	if err := c.Scoring.Weights.Validate(); err != nil {
		return err
	}
	if _, err := score.NewFilter(c.Scoring.Filter); err != nil {
		return fmt.Errorf("config: scoring filter: %w", err)
	}
	switch c.Transport.Kind {
	case "pebble":
	case "amqp":
		if c.Transport.URL == "" {
			return fmt.Errorf("config: amqp transport requires transport.url")
		}
	default:
		return fmt.Errorf("config: unknown transport kind %q", c.Transport.Kind)
	}
	switch c.Storage.Fsync {
	case "always", "interval", "never":
	default:
		return fmt.Errorf("config: unknown storage fsync %q", c.Storage.Fsync)
	}
	if c.Workers.Count <= 0 {
		return fmt.Errorf("config: workers.count must be positive")
	}
	for name, p := range c.Stages {
		if p.VisibilityTimeout <= 0 {
			return fmt.Errorf("config: stage %s: visibility_timeout must be positive", name)
		}
		if p.LeaseTTL < 0 {
			return fmt.Errorf("config: stage %s: lease_ttl must not be negative", name)
		}
	}
	for _, s := range c.Selection.Sources {
		if s.Kind != "rss" {
			return fmt.Errorf("config: source %s: unknown kind %q", s.Name, s.Kind)
		}
		if s.Name == "" || s.URL == "" {
			return fmt.Errorf("config: rss sources need a name and url")
		}
	}
	return nil
}
