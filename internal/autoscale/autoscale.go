// Package autoscale turns queue depth into a desired replica count.
//
// The coordinator never scales anything itself; it publishes the advice
// through the status endpoint and an external scaler acts on it. Depth is the
// only input, which is the whole contract: visibility timeout and poll
// interval are tuned so depth alone is a faithful backlog signal.
package autoscale

import (
	"sync"
	"time"
)

// Config tunes the advisor.
type Config struct {
	// MessagesPerReplica is the backlog one replica is expected to absorb.
	MessagesPerReplica int `yaml:"messages_per_replica"`
	// MaxReplicas bounds the advice.
	MaxReplicas int `yaml:"max_replicas"`
	// ScaleDownCooldown delays reductions so short lulls do not thrash the
	// fleet.
	ScaleDownCooldown time.Duration `yaml:"scale_down_cooldown"`
}

func (c Config) withDefaults() Config {
	if c.MessagesPerReplica <= 0 {
		c.MessagesPerReplica = 10
	}
	if c.MaxReplicas <= 0 {
		c.MaxReplicas = 8
	}
	if c.ScaleDownCooldown <= 0 {
		c.ScaleDownCooldown = 5 * time.Minute
	}
	return c
}

// Advisor computes desired replicas from queue depth. Safe for concurrent
// use.
type Advisor struct {
	cfg Config
	now func() time.Time

	mu          sync.Mutex
	lastAdvice  int
	lastReduced time.Time
}

// NewAdvisor creates an advisor. Zero prior state advises zero replicas for
// an empty queue, which is how the fleet scales to nothing.
func NewAdvisor(cfg Config) *Advisor {
	return &Advisor{cfg: cfg.withDefaults(), now: time.Now}
}

// target is the raw advice: monotone and roughly linear in depth, bounded by
// [0, MaxReplicas].
func (a *Advisor) target(depth int) int {
	if depth <= 0 {
		return 0
	}
	n := (depth + a.cfg.MessagesPerReplica - 1) / a.cfg.MessagesPerReplica
	if n > a.cfg.MaxReplicas {
		return a.cfg.MaxReplicas
	}
	return n
}

// Desired returns the advised replica count for the observed depth.
// Increases apply immediately; decreases are held until the cooldown since
// the last reduction has elapsed.
func (a *Advisor) Desired(depth int) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	want := a.target(depth)
	switch {
	case want > a.lastAdvice:
		a.lastAdvice = want
	case want < a.lastAdvice:
		now := a.now()
		if a.lastReduced.IsZero() || now.Sub(a.lastReduced) >= a.cfg.ScaleDownCooldown {
			a.lastAdvice = want
			a.lastReduced = now
		}
	}
	return a.lastAdvice
}
