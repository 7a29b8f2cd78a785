package channels

import "log/slog"

type config struct {
	logger *slog.Logger
}

// Option configures a channel
type Option func(*config)

// WithLogger sets the logger used by the channel
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func newConfig(options []Option) config {
	c := config{logger: slog.Default()}
	for _, opt := range options {
		opt(&c)
	}
	return c
}
