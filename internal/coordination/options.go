package coordination

import (
	"time"

	"github.com/Iron-Ham/crew/internal/taskgraph"
)

// hubConfig holds optional configuration for a Hub.
type hubConfig struct {
	retryAttempts int
	now           func() time.Time
}

func defaultHubConfig() hubConfig {
	return hubConfig{
		retryAttempts: taskgraph.DefaultRetryAttempts,
		now:           time.Now,
	}
}

// Option configures a Hub.
type Option func(*hubConfig)

// WithRetryAttempts sets how many compare-and-set rounds task updates make
// before giving up with a conflict. Values below 1 keep the default.
func WithRetryAttempts(n int) Option {
	return func(c *hubConfig) {
		if n > 0 {
			c.retryAttempts = n
		}
	}
}

// WithClock overrides the time source for event timestamps and session
// creation times.
func WithClock(now func() time.Time) Option {
	return func(c *hubConfig) {
		if now != nil {
			c.now = now
		}
	}
}
