package monitor

import "codeberg.org/mutker/vibrationmon/internal/errors"

const (
	ErrFetchDesired        = errors.ErrInitFailed
	ErrInvalidGravityRange = errors.ErrInvalidGravityRange
	ErrInvalidSamplingRate = errors.ErrInvalidSamplingRate
	ErrOpenSensor          = errors.ErrSensorOpen
	ErrClose               = errors.ErrShutdownFailed
)
