package monitor

import (
	"context"
	"time"

	"codeberg.org/mutker/vibrationmon/internal/sensor"
)

// Link is the cloud side of the monitor: a telemetry sink and the device twin.
type Link interface {
	SendTelemetry(ctx context.Context, payload []byte) error
	DesiredConfig(ctx context.Context) (map[string]string, error)
	ReportConfig(ctx context.Context, props map[string]any) error
	OnDesiredConfigChanged(fn func(map[string]string))
}

// DeviceConfig is an immutable snapshot of the applied configuration. Sensor
// is nil until a gravity range has been applied.
type DeviceConfig struct {
	Interval     time.Duration
	RangeSet     bool
	GravityRange sensor.GravityRange
	Sensor       sensor.Sensor
}

// Configured reports whether the loop can sample.
func (c DeviceConfig) Configured() bool {
	return c.Sensor != nil
}
