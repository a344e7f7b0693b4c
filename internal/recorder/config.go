package recorder

import (
	"fmt"

	"tradelog/internal/obs"
	"tradelog/internal/schema"
	"tradelog/pkg/backoff"
)

const defaultMaxAttempts = 5

// Config controls event log writer behavior.
type Config struct {
	Dir string
	// NoSync skips the fsync after each record. Appends are then durable only
	// once the OS flushes, which breaks log-then-act; meant for tests and
	// bulk imports.
	NoSync      bool
	MaxAttempts int
	Backoff     backoff.Backoff
	Sleeper     backoff.Sleeper
	Open        OpenFunc
	Metrics     *obs.Metrics
	// Registry, when set, checks candles against their venue's bar grid
	// instead of the UTC one.
	Registry *schema.Registry
}

// DefaultConfig returns a baseline configuration for the writer.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:         dir,
		MaxAttempts: defaultMaxAttempts,
		Backoff:     backoff.Default(),
	}
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts == 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.Backoff == (backoff.Backoff{}) {
		c.Backoff = backoff.Default()
	}
	if c.Sleeper == nil {
		c.Sleeper = backoff.TimerSleeper{}
	}
	if c.Open == nil {
		c.Open = OpenFile
	}
	return c
}

// Validate checks if the configuration is usable.
func (c Config) Validate() error {
	if c.Dir == "" {
		return fmt.Errorf("invalid recorder config: Dir is empty")
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("invalid recorder config: MaxAttempts must be > 0")
	}
	return nil
}
