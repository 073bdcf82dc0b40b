// Package errors provides the coded errors used across the vibration
// monitor. Every failure carries an ErrorCode that callers test with HasCode.
package errors

// ErrorCode identifies a failure class, e.g. "sensor_read_failed"
type ErrorCode string

// Error is an application error carrying a code and optional context data
type Error interface {
	error
	Code() ErrorCode
	WithMessage(msg string) Error
	WithData(data any) Error
	GetData() any
	Unwrap() error
}

// Factory creates coded errors
type Factory interface {
	New(code ErrorCode) Error
	Wrap(code ErrorCode, err error) Error
	WithMessage(code ErrorCode, msg string) Error
	WithData(code ErrorCode, data any) Error
}
