// Package telemetry encodes accelerometer readings into the device-to-cloud
// message body.
package telemetry

import (
	"encoding/json"
	"math"

	"codeberg.org/mutker/vibrationmon/internal/errors"
	"codeberg.org/mutker/vibrationmon/internal/sensor"
)

// ContentType and ContentEncoding describe the payload to the cloud router.
const (
	ContentType     = "application/json"
	ContentEncoding = "utf-8"
)

// Payload is the wire shape of one reading.
type Payload struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Encode returns the UTF-8 JSON object {"x":..,"y":..,"z":..} for a reading.
// Non-finite components cannot be represented in JSON and are rejected.
func Encode(a sensor.Acceleration) ([]byte, error) {
	errFactory := errors.New()

	for _, v := range [...]float64{a.X, a.Y, a.Z} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, errFactory.WithData(errors.ErrEncodeTelemetry, a.String())
		}
	}

	b, err := json.Marshal(Payload{X: a.X, Y: a.Y, Z: a.Z})
	if err != nil {
		return nil, errFactory.Wrap(errors.ErrEncodeTelemetry, err)
	}

	return b, nil
}

// Decode parses a payload produced by Encode.
func Decode(b []byte) (sensor.Acceleration, error) {
	var p Payload
	if err := json.Unmarshal(b, &p); err != nil {
		return sensor.Acceleration{}, errors.New().Wrap(errors.ErrEncodeTelemetry, err)
	}

	return sensor.Acceleration{X: p.X, Y: p.Y, Z: p.Z}, nil
}
