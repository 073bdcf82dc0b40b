package monitor

import (
	"time"

	"codeberg.org/mutker/vibrationmon/internal/journal"
	"codeberg.org/mutker/vibrationmon/internal/logger"
	"codeberg.org/mutker/vibrationmon/internal/metrics"
)

const (
	DefaultInterval    = 30 * time.Second
	DefaultSendTimeout = 10 * time.Second
)

type Option func(*options)

type options struct {
	interval    time.Duration
	sendTimeout time.Duration
	log         logger.Logger
	metrics     *metrics.Metrics
	journal     journal.Journal
	after       func(time.Duration) <-chan time.Time
	now         func() time.Time
}

func defaultOptions() options {
	return options{
		interval:    DefaultInterval,
		sendTimeout: DefaultSendTimeout,
		log:         logger.New("monitor"),
		after:       time.After,
		now:         time.Now,
	}
}

// WithInterval sets the sampling interval used until the cloud sets one.
func WithInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.interval = d
		}
	}
}

// WithSendTimeout bounds each telemetry send.
func WithSendTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.sendTimeout = d
		}
	}
}

func WithLogger(l logger.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

func WithJournal(j journal.Journal) Option {
	return func(o *options) {
		o.journal = j
	}
}

// WithClock replaces time.After for the inter-iteration delay.
func WithClock(after func(time.Duration) <-chan time.Time) Option {
	return func(o *options) {
		if after != nil {
			o.after = after
		}
	}
}
