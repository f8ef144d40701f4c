package litevfs

import (
	"crypto/rand"
	"io"
	"log/slog"
	"time"
)

// Option configures an Instance at registration.
type Option func(*options)

type options struct {
	maxPathname int
	logger      *slog.Logger
	rand        io.Reader
	now         func() time.Time
	sleep       func(time.Duration)
}

func newOptions(opts []Option) options {
	o := options{
		maxPathname: DefaultMaxPathname,
		logger:      slog.Default(),
		rand:        rand.Reader,
		now:         time.Now,
		sleep:       time.Sleep,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithMaxPathname sets the longest pathname SQLite will pass to the VFS.
// Values less than 1 are ignored.
func WithMaxPathname(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxPathname = n
		}
	}
}

// WithLogger sets the logger used for the instance. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithRandomness sets the source used for xRandomness. Defaults to crypto/rand.
func WithRandomness(r io.Reader) Option {
	return func(o *options) {
		if r != nil {
			o.rand = r
		}
	}
}

// WithClock sets the clock used for xCurrentTime and xCurrentTimeInt64.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithSleep sets the function used for xSleep. Defaults to time.Sleep.
func WithSleep(fn func(time.Duration)) Option {
	return func(o *options) {
		if fn != nil {
			o.sleep = fn
		}
	}
}
