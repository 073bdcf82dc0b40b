package sensor

import (
	"fmt"
	"strconv"
	"strings"
)

// Acceleration is a single three axis reading in g.
type Acceleration struct {
	X, Y, Z float64
}

func (a Acceleration) String() string {
	return fmt.Sprintf("<%g, %g, %g>", a.X, a.Y, a.Z)
}

// Sensor is an open handle to an accelerometer configured for one gravity range.
type Sensor interface {
	Acceleration() (Acceleration, error)
	Range() GravityRange
	Close() error
}

// Releaser is implemented by handles that share a device with the handle
// superseding them. Release frees the handle but leaves the device running.
type Releaser interface {
	Release() error
}

// Release frees a superseded handle. Handles that do not implement Releaser
// are closed.
func Release(s Sensor) error {
	if r, ok := s.(Releaser); ok {
		return r.Release()
	}
	return s.Close()
}

// Opener constructs sensor handles bound to a gravity range.
type Opener interface {
	Open(r GravityRange) (Sensor, error)
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc func(r GravityRange) (Sensor, error)

func (f OpenerFunc) Open(r GravityRange) (Sensor, error) {
	return f(r)
}

// GravityRange is the measurement band of the accelerometer.
type GravityRange uint8

const (
	Range02 GravityRange = iota
	Range04
	Range08
	Range16
)

var rangeNames = [...]string{"Range02", "Range04", "Range08", "Range16"}

func (r GravityRange) String() string {
	if !r.IsValid() {
		return "GravityRange(" + strconv.Itoa(int(r)) + ")"
	}
	return rangeNames[r]
}

func (r GravityRange) IsValid() bool {
	return int(r) < len(rangeNames)
}

// G returns the upper bound of the band in g, e.g. 8 for Range08.
func (r GravityRange) G() float64 {
	return float64(int(2) << r)
}

// ParseGravityRange accepts a band name (case-insensitive) or its index 0-3.
func ParseGravityRange(s string) (GravityRange, error) {
	s = strings.TrimSpace(s)

	for i, name := range rangeNames {
		if strings.EqualFold(s, name) {
			return GravityRange(i), nil
		}
	}

	if n, err := strconv.Atoi(s); err == nil && n >= 0 && n < len(rangeNames) {
		return GravityRange(n), nil
	}

	return 0, fmt.Errorf("unknown gravity range %q", s)
}
