package evalcache

import (
	"errors"
	"time"
)

const (
	// DefaultSweepInterval is how often idle units are swept if no interval
	// is specified.
	DefaultSweepInterval = time.Minute

	// DefaultIdleTimeout is how long a unit may go unused before a sweep
	// may reclaim it.
	DefaultIdleTimeout = 15 * time.Minute
)

// Duration is a time.Duration that (un)marshals as a string in TOML.
type Duration time.Duration

// UnmarshalText parses a duration literal such as "90s".
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText renders the duration as a string.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Config represents the configuration for the evaluator cache.
type Config struct {
	// PinEnabled keeps a lease on the most recently loaded unit for the
	// duration of evaluator construction, shielding it from a concurrent
	// sweep. Disabling it never affects correctness, only reclamation
	// timing.
	PinEnabled bool `toml:"pin-enabled"`

	// SweepInterval is how often the background sweeper runs. Zero disables
	// the sweeper; Sweep may still be called manually.
	SweepInterval Duration `toml:"sweep-interval"`

	// IdleTimeout is the age since last use beyond which an unleased unit
	// is reclaimed by a sweep.
	IdleTimeout Duration `toml:"idle-timeout"`

	// MaxUnitsPerScope caps the cached units of one scope; the least
	// recently used unleased units beyond the cap are reclaimed by a
	// sweep. Zero means no cap.
	MaxUnitsPerScope int `toml:"max-units-per-scope"`
}

// NewConfig returns a new Config with defaults.
func NewConfig() Config {
	return Config{
		PinEnabled:    true,
		SweepInterval: Duration(DefaultSweepInterval),
		IdleTimeout:   Duration(DefaultIdleTimeout),
	}
}

// Validate returns an error if the Config is invalid.
func (c Config) Validate() error {
	if c.SweepInterval < 0 {
		return errors.New("sweep-interval must not be negative")
	}
	if c.IdleTimeout <= 0 {
		return errors.New("idle-timeout must be positive")
	}
	if c.MaxUnitsPerScope < 0 {
		return errors.New("max-units-per-scope must not be negative")
	}
	return nil
}
