package monitor

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"codeberg.org/mutker/vibrationmon/internal/errors"
	"codeberg.org/mutker/vibrationmon/internal/journal"
	"codeberg.org/mutker/vibrationmon/internal/logger"
	"codeberg.org/mutker/vibrationmon/internal/metrics"
	"codeberg.org/mutker/vibrationmon/internal/sensor"
	"codeberg.org/mutker/vibrationmon/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMonitor(link *fakeLink, opener *fakeOpener, clk *manualClock, opts ...Option) *Monitor {
	base := []Option{WithLogger(logger.Nop())}
	if clk != nil {
		base = append(base, WithClock(clk.After))
	}
	return New(link, opener, append(base, opts...)...)
}

func startRun(t *testing.T, m *Monitor) (context.CancelFunc, <-chan error) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		done <- m.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		select {
		case <-stopped:
		case <-time.After(2 * time.Second):
		}
	})

	return cancel, done
}

func waitSent(t *testing.T, link *fakeLink) []byte {
	t.Helper()

	select {
	case b := <-link.sentCh:
		return b
	case <-time.After(2 * time.Second):
		t.Fatal("no telemetry sent")
		return nil
	}
}

func TestInitializeAppliesSnapshotAndRuns(t *testing.T) {
	link := newFakeLink(map[string]string{
		GravityRangeKey: "Range08",
		SamplingRateKey: "10",
	})
	opener := &fakeOpener{prepare: func(s *fakeSensor) {
		s.readings = []sensor.Acceleration{{X: 0.01, Y: -0.02, Z: 0.98}}
	}}
	clk := newManualClock()
	m := newTestMonitor(link, opener, clk)

	require.NoError(t, m.Initialize(context.Background()))

	handles := opener.handles()
	require.Len(t, handles, 1)
	assert.Equal(t, sensor.Range08, handles[0].Range())
	assert.Equal(t, []map[string]any{
		{GravityRangeKey: "Range08"},
		{SamplingRateKey: 10},
	}, link.reported())

	cfg := m.Snapshot()
	assert.Equal(t, 10*time.Second, cfg.Interval)
	assert.True(t, cfg.RangeSet)
	assert.Equal(t, sensor.Range08, cfg.GravityRange)

	startRun(t, m)

	payload := waitSent(t, link)
	got, err := telemetry.Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, sensor.Acceleration{X: 0.01, Y: -0.02, Z: 0.98}, got)
	assert.Equal(t, 10*time.Second, clk.waitRequest(t))

	clk.tick(t)
	waitSent(t, link)
	assert.Equal(t, 10*time.Second, clk.waitRequest(t))
}

func TestInitializeFailsWhenDesiredUnavailable(t *testing.T) {
	link := newFakeLink(nil)
	link.fetchErr = fmt.Errorf("connection refused")
	opener := &fakeOpener{}
	m := newTestMonitor(link, opener, nil)

	err := m.Initialize(context.Background())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, ErrFetchDesired))
	assert.Empty(t, opener.handles())
	assert.Empty(t, link.reported())
}

func TestApplyIsIdempotent(t *testing.T) {
	link := newFakeLink(nil)
	opener := &fakeOpener{}
	m := newTestMonitor(link, opener, nil)

	desired := map[string]string{GravityRangeKey: "Range04", SamplingRateKey: "5"}
	m.Apply(context.Background(), desired)
	first := m.Snapshot()
	m.Apply(context.Background(), desired)
	second := m.Snapshot()

	assert.Equal(t, first, second)
	require.Len(t, opener.handles(), 1, "same range must reuse the sensor handle")
	assert.False(t, opener.handles()[0].isClosed())
	assert.Equal(t, []map[string]any{
		{GravityRangeKey: "Range04"},
		{SamplingRateKey: 5},
		{GravityRangeKey: "Range04"},
		{SamplingRateKey: 5},
	}, link.reported())
}

func TestApplyPartialUpdate(t *testing.T) {
	link := newFakeLink(nil)
	opener := &fakeOpener{}
	m := newTestMonitor(link, opener, nil)

	m.Apply(context.Background(), map[string]string{GravityRangeKey: "Range16"})
	before := m.Snapshot()

	m.Apply(context.Background(), map[string]string{SamplingRateKey: "60"})
	after := m.Snapshot()

	assert.Equal(t, 60*time.Second, after.Interval)
	assert.Equal(t, before.GravityRange, after.GravityRange)
	assert.Same(t, before.Sensor, after.Sensor)
	assert.Len(t, opener.handles(), 1)
	assert.Equal(t, map[string]any{SamplingRateKey: 60}, link.reported()[1])
}

func TestApplyRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		desired map[string]string
	}{
		{"unknown range", map[string]string{GravityRangeKey: "Range99"}},
		{"empty range", map[string]string{GravityRangeKey: ""}},
		{"non-numeric rate", map[string]string{SamplingRateKey: "abc"}},
		{"zero rate", map[string]string{SamplingRateKey: "0"}},
		{"negative rate", map[string]string{SamplingRateKey: "-5"}},
		{"fractional rate", map[string]string{SamplingRateKey: "2.5"}},
		{"null rate", map[string]string{SamplingRateKey: ""}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			link := newFakeLink(nil)
			opener := &fakeOpener{}
			m := newTestMonitor(link, opener, nil, WithInterval(30*time.Second))

			before := m.Snapshot()
			m.Apply(context.Background(), tt.desired)

			assert.Equal(t, before, m.Snapshot())
			assert.Empty(t, link.reported())
			assert.Empty(t, opener.handles())
		})
	}
}

func TestApplyKeysAreIndependent(t *testing.T) {
	link := newFakeLink(nil)
	opener := &fakeOpener{}
	m := newTestMonitor(link, opener, nil)

	m.Apply(context.Background(), map[string]string{
		GravityRangeKey: "bogus",
		SamplingRateKey: "15",
		"Unrelated":     "x",
	})

	cfg := m.Snapshot()
	assert.False(t, cfg.RangeSet)
	assert.Nil(t, cfg.Sensor)
	assert.Equal(t, 15*time.Second, cfg.Interval)
	assert.Equal(t, []map[string]any{{SamplingRateKey: 15}}, link.reported())
}

func TestApplyOpenFailureKeepsState(t *testing.T) {
	link := newFakeLink(nil)
	opener := &fakeOpener{}
	m := newTestMonitor(link, opener, nil)

	m.Apply(context.Background(), map[string]string{GravityRangeKey: "Range02"})
	opener.err = fmt.Errorf("spi busy")
	m.Apply(context.Background(), map[string]string{GravityRangeKey: "Range16"})

	cfg := m.Snapshot()
	assert.Equal(t, sensor.Range02, cfg.GravityRange)
	assert.Len(t, link.reported(), 1)
}

func TestReportFailureKeepsAppliedState(t *testing.T) {
	link := newFakeLink(nil)
	link.reportErr = fmt.Errorf("twin unavailable")
	m := newTestMonitor(link, &fakeOpener{}, nil)

	m.Apply(context.Background(), map[string]string{SamplingRateKey: "7"})

	assert.Equal(t, 7*time.Second, m.Snapshot().Interval)
}

func TestParseSamplingRate(t *testing.T) {
	n, err := ParseSamplingRate(" 10 ")
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	for _, in := range []string{"", "0", "-1", "1.5", "ten", "99999999999999999999"} {
		_, err := ParseSamplingRate(in)
		assert.True(t, errors.HasCode(err, ErrInvalidSamplingRate), "input %q", in)
	}
}

func TestRunWaitsForGravityRange(t *testing.T) {
	link := newFakeLink(map[string]string{})
	opener := &fakeOpener{}
	clk := newManualClock()
	m := newTestMonitor(link, opener, clk, WithInterval(20*time.Second))

	require.NoError(t, m.Initialize(context.Background()))
	startRun(t, m)

	assert.Equal(t, 20*time.Second, clk.waitRequest(t))
	clk.tick(t)
	assert.Equal(t, 20*time.Second, clk.waitRequest(t))

	assert.Empty(t, link.sentPayloads())
	assert.Empty(t, opener.handles())

	// A change notification wakes the loop without waiting for the interval.
	link.patch(map[string]string{GravityRangeKey: "Range04"})

	waitSent(t, link)
	assert.Equal(t, 20*time.Second, clk.waitRequest(t))
	require.Len(t, opener.handles(), 1)
	assert.Equal(t, 1, opener.handles()[0].readCount())
}

func TestRunContinuesAfterTransientErrors(t *testing.T) {
	link := newFakeLink(map[string]string{GravityRangeKey: "Range02", SamplingRateKey: "1"})
	link.sendErrs = []error{fmt.Errorf("publish timeout")}
	opener := &fakeOpener{prepare: func(s *fakeSensor) {
		s.errs = []error{fmt.Errorf("spi read failed")}
	}}
	clk := newManualClock()
	m := newTestMonitor(link, opener, clk)

	require.NoError(t, m.Initialize(context.Background()))
	startRun(t, m)

	// read failure
	assert.Equal(t, time.Second, clk.waitRequest(t))
	clk.tick(t)
	// send failure
	assert.Equal(t, time.Second, clk.waitRequest(t))
	assert.Empty(t, link.sentPayloads())
	clk.tick(t)

	waitSent(t, link)
	assert.Equal(t, time.Second, clk.waitRequest(t))
	assert.Equal(t, 3, opener.handles()[0].readCount())
}

func TestRunSkipsNonFiniteReadings(t *testing.T) {
	link := newFakeLink(map[string]string{GravityRangeKey: "Range02"})
	opener := &fakeOpener{prepare: func(s *fakeSensor) {
		s.readings = []sensor.Acceleration{{X: math.NaN()}, {Z: 1}}
	}}
	clk := newManualClock()
	m := newTestMonitor(link, opener, clk)

	require.NoError(t, m.Initialize(context.Background()))
	startRun(t, m)

	clk.waitRequest(t)
	assert.Empty(t, link.sentPayloads())
	clk.tick(t)

	assert.JSONEq(t, `{"x":0,"y":0,"z":1}`, string(waitSent(t, link)))
}

func TestRunStopsOnCancel(t *testing.T) {
	link := newFakeLink(map[string]string{GravityRangeKey: "Range02"})
	clk := newManualClock()
	m := newTestMonitor(link, &fakeOpener{}, clk)

	require.NoError(t, m.Initialize(context.Background()))
	cancel, done := startRun(t, m)

	clk.waitRequest(t)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	assert.Len(t, link.sentPayloads(), 1)
}

func TestRangeChangeRetiresHandleAtBoundary(t *testing.T) {
	link := newFakeLink(map[string]string{GravityRangeKey: "Range02"})
	opener := &fakeOpener{}
	clk := newManualClock()
	m := newTestMonitor(link, opener, clk)

	require.NoError(t, m.Initialize(context.Background()))
	startRun(t, m)
	clk.waitRequest(t)

	link.patch(map[string]string{GravityRangeKey: "Range16"})

	handles := opener.handles()
	require.Len(t, handles, 2)
	old, current := handles[0], handles[1]
	assert.False(t, old.isClosed(), "handle must stay open until the loop reaches a boundary")
	assert.Equal(t, []map[string]any{
		{GravityRangeKey: "Range02"},
		{GravityRangeKey: "Range16"},
	}, link.reported())

	clk.tick(t)
	clk.waitRequest(t)

	assert.True(t, old.isClosed())
	assert.Equal(t, 1, old.readCount())
	assert.Equal(t, 1, current.readCount())
	assert.False(t, current.isClosed())
}

func TestCloseReleasesHandles(t *testing.T) {
	link := newFakeLink(nil)
	opener := &fakeOpener{}
	m := newTestMonitor(link, opener, nil)

	m.Apply(context.Background(), map[string]string{GravityRangeKey: "Range02"})
	m.Apply(context.Background(), map[string]string{GravityRangeKey: "Range04"})
	require.NoError(t, m.Close())

	for _, h := range opener.handles() {
		assert.True(t, h.isClosed())
	}
	assert.False(t, m.Snapshot().Configured())

	// Changes after Close are ignored.
	m.Apply(context.Background(), map[string]string{GravityRangeKey: "Range08"})
	assert.Len(t, opener.handles(), 2)
}

func TestMetricsAndJournal(t *testing.T) {
	ctx := context.Background()
	met := metrics.New()
	j, err := journal.NewService(journal.Config{
		DBPath:  filepath.Join(t.TempDir(), "journal.db"),
		Enabled: true,
	}, logger.Nop())
	require.NoError(t, err)
	defer j.Close()

	link := newFakeLink(nil)
	m := newTestMonitor(link, &fakeOpener{}, nil, WithMetrics(met), WithJournal(j))

	m.Apply(ctx, map[string]string{GravityRangeKey: "Range08", SamplingRateKey: "0"})

	expected := `
# HELP vibrationmon_config_updates_total Total desired configuration values processed by key and result.
# TYPE vibrationmon_config_updates_total counter
vibrationmon_config_updates_total{key="GravityRangeSetting",result="applied"} 1
vibrationmon_config_updates_total{key="SamplingRate",result="rejected"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(met.Registry(), strings.NewReader(expected),
		"vibrationmon_config_updates_total"))

	entry, err := j.Latest(ctx, GravityRangeKey)
	require.NoError(t, err)
	assert.Equal(t, "Range08", entry.Value)

	_, err = j.Latest(ctx, SamplingRateKey)
	assert.True(t, errors.HasCode(err, journal.ErrNotFound), "rejected values are not the latest applied")
}

func TestRangeChangeKeepsSharedDeviceMeasuring(t *testing.T) {
	conn := newRegisterConn()
	var ports []*portCloser
	opener := sensor.OpenerFunc(func(r sensor.GravityRange) (sensor.Sensor, error) {
		p := &portCloser{}
		ports = append(ports, p)
		return sensor.NewADXL345(conn, p, r)
	})

	link := newFakeLink(map[string]string{GravityRangeKey: "Range02"})
	clk := newManualClock()
	m := New(link, opener, WithLogger(logger.Nop()), WithClock(clk.After))

	require.NoError(t, m.Initialize(context.Background()))
	cancel, done := startRun(t, m)
	clk.waitRequest(t)

	link.patch(map[string]string{GravityRangeKey: "Range08"})

	clk.tick(t)
	clk.waitRequest(t)

	require.Len(t, ports, 2)
	assert.True(t, ports[0].closed.Load(), "superseded handle releases its port")
	assert.False(t, ports[1].closed.Load())
	assert.Equal(t, byte(adxlMeasure), conn.reg(adxlPowerCtl), "device must stay in measurement mode")
	assert.Equal(t, byte(sensor.Range08), conn.reg(adxlDataFormat))
	assert.Len(t, link.sentPayloads(), 2)

	cancel()
	require.NoError(t, <-done)
	require.NoError(t, m.Close())

	assert.True(t, ports[1].closed.Load())
	assert.Equal(t, byte(0), conn.reg(adxlPowerCtl), "final close puts the device in standby")
}
