package editlock

import (
	"fmt"
	"time"

	editerrors "github.com/mirkobrombin/go-editlock/v1/errors"
)

const (
	// DefaultRenewalWindow is how long a grant or renewal keeps a lock alive.
	DefaultRenewalWindow = 10 * time.Minute
	// DefaultMaxDuration caps a continuous hold.
	DefaultMaxDuration = time.Hour
)

// Config holds the lock durations.
type Config struct {
	// RenewalWindow is the TTL applied on every acquire and renew.
	RenewalWindow time.Duration
	// MaxDuration bounds the total lifetime of a hold measured from
	// AcquiredAt, however often it is renewed.
	MaxDuration time.Duration
	// OpTimeout bounds each cache round trip. Zero leaves it to the
	// caller's context.
	OpTimeout time.Duration
}

// DefaultConfig returns the default durations.
func DefaultConfig() Config {
	return Config{
		RenewalWindow: DefaultRenewalWindow,
		MaxDuration:   DefaultMaxDuration,
	}
}

// Validate rejects a non-positive window and a ceiling shorter than the window.
func (c Config) Validate() error {
	if c.RenewalWindow <= 0 {
		return fmt.Errorf("%w: renewal window must be positive, got %s", editerrors.ErrInvalidConfig, c.RenewalWindow)
	}
	if c.MaxDuration < c.RenewalWindow {
		return fmt.Errorf("%w: max duration %s is shorter than renewal window %s",
			editerrors.ErrInvalidConfig, c.MaxDuration, c.RenewalWindow)
	}
	if c.OpTimeout < 0 {
		return fmt.Errorf("%w: negative operation timeout %s", editerrors.ErrInvalidConfig, c.OpTimeout)
	}
	return nil
}

func (c Config) initialTTL() time.Duration {
	return min(c.RenewalWindow, c.MaxDuration)
}

// nextTTL is the TTL a renewal at now may grant. Non-positive means the
// ceiling has been reached.
func (c Config) nextTTL(acquiredAt, now time.Time) time.Duration {
	return min(c.RenewalWindow, acquiredAt.Add(c.MaxDuration).Sub(now))
}
