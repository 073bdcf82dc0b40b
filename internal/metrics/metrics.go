package metrics

import (
	"context"
	"net"
	"net/http"
	"time"

	"codeberg.org/mutker/vibrationmon/internal/errors"
	"codeberg.org/mutker/vibrationmon/internal/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "vibrationmon"

	StageRead   = "read"
	StageEncode = "encode"
	StageSend   = "send"

	ResultApplied  = "applied"
	ResultRejected = "rejected"

	shutdownTimeout = 5 * time.Second
)

// Metrics instruments the monitoring loop and the configuration reconciler.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry      *prometheus.Registry
	telemetrySent prometheus.Counter
	loopFailures  *prometheus.CounterVec
	configUpdates *prometheus.CounterVec
	interval      prometheus.Gauge
	gravityRange  prometheus.Gauge
	sendDuration  prometheus.Histogram
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		telemetrySent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "telemetry_sent_total",
			Help:      "Total telemetry messages accepted by the cloud.",
		}),
		loopFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loop_failures_total",
			Help:      "Total failed loop iterations by stage.",
		}, []string{"stage"}),
		configUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_updates_total",
			Help:      "Total desired configuration values processed by key and result.",
		}, []string{"key", "result"}),
		interval: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sampling_interval_seconds",
			Help:      "Current interval between telemetry samples.",
		}),
		gravityRange: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gravity_range_g",
			Help:      "Current sensor measurement range in g, 0 when unconfigured.",
		}),
		sendDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "telemetry_send_duration_seconds",
			Help:      "Histogram of telemetry send durations.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	m.registry.MustRegister(
		m.telemetrySent,
		m.loopFailures,
		m.configUpdates,
		m.interval,
		m.gravityRange,
		m.sendDuration,
	)

	for _, stage := range []string{StageRead, StageEncode, StageSend} {
		m.loopFailures.WithLabelValues(stage)
	}

	return m
}

// TelemetrySent records a send attempt. Failed sends count as a send-stage
// failure.
func (m *Metrics) TelemetrySent(duration time.Duration, success bool) {
	if m == nil {
		return
	}
	m.sendDuration.Observe(duration.Seconds())
	if success {
		m.telemetrySent.Inc()
		return
	}
	m.loopFailures.WithLabelValues(StageSend).Inc()
}

func (m *Metrics) LoopFailure(stage string) {
	if m == nil {
		return
	}
	m.loopFailures.WithLabelValues(stage).Inc()
}

func (m *Metrics) ConfigUpdate(key string, applied bool) {
	if m == nil {
		return
	}
	result := ResultRejected
	if applied {
		result = ResultApplied
	}
	m.configUpdates.WithLabelValues(key, result).Inc()
}

func (m *Metrics) SetInterval(d time.Duration) {
	if m == nil {
		return
	}
	m.interval.Set(d.Seconds())
}

func (m *Metrics) SetGravityRange(g float64) {
	if m == nil {
		return
	}
	m.gravityRange.Set(g)
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string, log logger.Logger) error {
	errFactory := errors.New()

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errFactory.WithData(ErrListenFailed, struct {
			Addr  string
			Error string
		}{
			Addr:  addr,
			Error: err.Error(),
		})
	}

	return m.serve(ctx, ln, log)
}

func (m *Metrics) serve(ctx context.Context, ln net.Listener, log logger.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	log.Info().Str("addr", ln.Addr().String()).Msg("Metrics endpoint listening")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.New().Wrap(ErrServeFailed, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.New().Wrap(ErrServeFailed, err)
	}

	log.Debug().Msg("Metrics endpoint stopped")

	return nil
}
