// Package monitor samples the accelerometer on the configured interval and
// keeps the device configuration in step with the twin's desired properties.
package monitor

import (
	"context"
	"sync"
	"sync/atomic"

	"codeberg.org/mutker/vibrationmon/internal/errors"
	"codeberg.org/mutker/vibrationmon/internal/metrics"
	"codeberg.org/mutker/vibrationmon/internal/sensor"
	"codeberg.org/mutker/vibrationmon/internal/telemetry"
)

type Monitor struct {
	link   Link
	opener sensor.Opener
	opts   options

	state atomic.Pointer[DeviceConfig]

	// mu serializes reconciler writers; the loop only loads state.
	mu     sync.Mutex
	closed bool

	retiredMu sync.Mutex
	retired   []sensor.Sensor

	changed chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

func New(link Link, opener sensor.Opener, opts ...Option) *Monitor {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	ctx, cancel := context.WithCancel(context.Background())

	m := &Monitor{
		link:    link,
		opener:  opener,
		opts:    o,
		changed: make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
	}
	m.state.Store(&DeviceConfig{Interval: o.interval})
	o.metrics.SetInterval(o.interval)

	return m
}

// Initialize subscribes to desired property changes, then fetches and
// applies the current desired snapshot before returning.
func (m *Monitor) Initialize(ctx context.Context) error {
	m.link.OnDesiredConfigChanged(func(desired map[string]string) {
		m.opts.log.Info().
			Interface("desired", desired).
			Msg("Desired configuration changed")
		m.Apply(m.ctx, desired)
	})

	desired, err := m.link.DesiredConfig(ctx)
	if err != nil {
		return errors.New().Wrap(ErrFetchDesired, err)
	}

	m.opts.log.Info().
		Interface("desired", desired).
		Msg("Desired configuration received")

	m.Apply(ctx, desired)

	return nil
}

// Snapshot returns the currently applied configuration.
func (m *Monitor) Snapshot() DeviceConfig {
	return *m.state.Load()
}

// Run samples, encodes and sends telemetry until ctx is cancelled.
// Cancellation is observed between iterations only, so an in-flight read
// or send always completes.
func (m *Monitor) Run(ctx context.Context) error {
	m.opts.log.Info().Msg("Monitoring loop started")

	for {
		if ctx.Err() != nil {
			break
		}

		m.closeRetired()

		cfg := m.state.Load()
		if !cfg.Configured() {
			m.opts.log.Debug().
				Dur("interval", cfg.Interval).
				Msg("Sensor not configured, waiting for desired configuration")

			select {
			case <-ctx.Done():
			case <-m.changed:
			case <-m.opts.after(cfg.Interval):
			}
			continue
		}

		m.sample(ctx, cfg)

		select {
		case <-ctx.Done():
		case <-m.opts.after(m.state.Load().Interval):
		}
	}

	m.closeRetired()
	m.opts.log.Info().Msg("Monitoring loop stopped")

	return nil
}

func (m *Monitor) sample(ctx context.Context, cfg *DeviceConfig) {
	reading, err := cfg.Sensor.Acceleration()
	if err != nil {
		m.opts.metrics.LoopFailure(metrics.StageRead)
		m.opts.log.Error().Err(err).Msg("Failed to read acceleration")
		return
	}

	m.opts.log.Debug().
		Float64("x", reading.X).
		Float64("y", reading.Y).
		Float64("z", reading.Z).
		Str("range", cfg.GravityRange.String()).
		Msg("Acceleration read")

	payload, err := telemetry.Encode(reading)
	if err != nil {
		m.opts.metrics.LoopFailure(metrics.StageEncode)
		m.opts.log.Error().Err(err).Msg("Failed to encode telemetry, skipping sample")
		return
	}

	m.opts.log.Debug().RawJSON("payload", payload).Msg("Sending telemetry")

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.sendTimeout)
	defer cancel()

	start := m.opts.now()
	err = m.link.SendTelemetry(sendCtx, payload)
	m.opts.metrics.TelemetrySent(m.opts.now().Sub(start), err == nil)
	if err != nil {
		m.opts.log.Error().Err(err).Msg("Failed to send telemetry")
	}
}

func (m *Monitor) notify() {
	select {
	case m.changed <- struct{}{}:
	default:
	}
}

func (m *Monitor) retire(s sensor.Sensor) {
	if s == nil {
		return
	}

	m.retiredMu.Lock()
	defer m.retiredMu.Unlock()

	m.retired = append(m.retired, s)
}

func (m *Monitor) closeRetired() {
	m.retiredMu.Lock()
	retired := m.retired
	m.retired = nil
	m.retiredMu.Unlock()

	for _, s := range retired {
		if err := sensor.Release(s); err != nil {
			m.opts.log.Warn().Err(err).
				Str("range", s.Range().String()).
				Msg("Failed to release retired sensor handle")
		}
	}
}

// Close stops change handling and releases every sensor handle. It must not
// be called while Run is active.
func (m *Monitor) Close() error {
	m.cancel()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.closeRetired()

	cfg := m.state.Load()
	if cfg.Sensor == nil {
		return nil
	}

	next := *cfg
	next.Sensor = nil
	m.state.Store(&next)

	if err := cfg.Sensor.Close(); err != nil {
		return errors.New().Wrap(ErrClose, err)
	}

	return nil
}
