package monitor

import (
	"context"
	"math"
	"strconv"
	"strings"
	"time"

	"codeberg.org/mutker/vibrationmon/internal/errors"
	"codeberg.org/mutker/vibrationmon/internal/journal"
	"codeberg.org/mutker/vibrationmon/internal/sensor"
)

// Desired property keys understood by the device.
const (
	GravityRangeKey = "GravityRangeSetting"
	SamplingRateKey = "SamplingRate"
)

// reconciler applies one desired key and returns the value to report.
type reconciler struct {
	key   string
	apply func(m *Monitor, value string) (any, error)
}

var reconcilers = []reconciler{
	{key: GravityRangeKey, apply: (*Monitor).applyGravityRange},
	{key: SamplingRateKey, apply: (*Monitor).applySamplingRate},
}

// Apply reconciles the device with a set of desired properties. Keys are
// handled independently: absent keys are left untouched, invalid values are
// logged and ignored, and every applied value is reported back to the twin.
func (m *Monitor) Apply(ctx context.Context, desired map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		m.opts.log.Debug().Msg("Monitor closed, ignoring desired configuration")
		return
	}

	for _, r := range reconcilers {
		value, ok := desired[r.key]
		if !ok {
			continue
		}

		reported, err := r.apply(m, value)
		m.record(ctx, r.key, value, err)
		if err != nil {
			m.opts.log.Warn().Err(err).
				Str("key", r.key).
				Str("value", value).
				Msg("Desired value rejected, keeping current setting")
			continue
		}

		m.opts.log.Info().
			Str("key", r.key).
			Interface("value", reported).
			Msg("Desired value applied")

		m.report(ctx, r.key, reported)
	}

	for key := range desired {
		if !isKnownKey(key) {
			m.opts.log.Debug().Str("key", key).Msg("Ignoring unknown desired property")
		}
	}
}

func (m *Monitor) applyGravityRange(value string) (any, error) {
	errFactory := errors.New()

	r, err := sensor.ParseGravityRange(value)
	if err != nil {
		return nil, errFactory.Wrap(ErrInvalidGravityRange, err)
	}

	cur := m.state.Load()
	if cur.RangeSet && cur.GravityRange == r && cur.Sensor != nil {
		m.opts.log.Debug().
			Str("range", r.String()).
			Msg("Gravity range unchanged, reusing sensor handle")
		return r.String(), nil
	}

	handle, err := m.opener.Open(r)
	if err != nil {
		return nil, errFactory.Wrap(ErrOpenSensor, err)
	}

	next := *cur
	next.RangeSet = true
	next.GravityRange = r
	next.Sensor = handle
	m.state.Store(&next)

	m.retire(cur.Sensor)
	m.notify()
	m.opts.metrics.SetGravityRange(r.G())

	return r.String(), nil
}

func (m *Monitor) applySamplingRate(value string) (any, error) {
	seconds, err := ParseSamplingRate(value)
	if err != nil {
		return nil, err
	}

	cur := m.state.Load()
	next := *cur
	next.Interval = time.Duration(seconds) * time.Second
	m.state.Store(&next)

	m.notify()
	m.opts.metrics.SetInterval(next.Interval)

	return seconds, nil
}

// ParseSamplingRate accepts a positive whole number of seconds.
func ParseSamplingRate(value string) (int, error) {
	errFactory := errors.New()

	seconds, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, errFactory.Wrap(ErrInvalidSamplingRate, err)
	}
	if seconds <= 0 || int64(seconds) > math.MaxInt64/int64(time.Second) {
		return 0, errFactory.WithMessage(ErrInvalidSamplingRate, "must be a positive number of seconds")
	}

	return seconds, nil
}

func (m *Monitor) report(ctx context.Context, key string, value any) {
	if err := m.link.ReportConfig(ctx, map[string]any{key: value}); err != nil {
		m.opts.log.Error().Err(err).
			Str("key", key).
			Msg("Failed to report applied value")
	}
}

func (m *Monitor) record(ctx context.Context, key, value string, err error) {
	m.opts.metrics.ConfigUpdate(key, err == nil)

	if m.opts.journal == nil {
		return
	}

	entry := &journal.Entry{
		Timestamp: m.opts.now(),
		Key:       key,
		Value:     value,
		Applied:   err == nil,
	}
	if err != nil {
		entry.Reason = err.Error()
	}

	if jerr := m.opts.journal.Record(ctx, entry); jerr != nil {
		m.opts.log.Warn().Err(jerr).Str("key", key).Msg("Failed to journal configuration change")
	}
}

func isKnownKey(key string) bool {
	for _, r := range reconcilers {
		if r.key == key {
			return true
		}
	}
	return false
}
