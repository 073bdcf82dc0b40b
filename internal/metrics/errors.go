package metrics

import "codeberg.org/mutker/vibrationmon/internal/errors"

const (
	ErrListenFailed = errors.ErrorCode("metrics_listen_failed")
	ErrServeFailed  = errors.ErrorCode("metrics_serve_failed")
)
