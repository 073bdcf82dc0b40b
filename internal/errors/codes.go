package errors

// Common error codes
const (
	// System errors
	ErrInternal        ErrorCode = "internal_error"
	ErrInvalidArgument ErrorCode = "invalid_argument"
	ErrUnavailable     ErrorCode = "service_unavailable"
	ErrAlreadyRunning  ErrorCode = "already_running"

	// Configuration errors
	ErrInvalidConfig   ErrorCode = "invalid_configuration"
	ErrReadConfig      ErrorCode = "read_config_failed"
	ErrBindFlags       ErrorCode = "bind_flags_failed"
	ErrInvalidInterval ErrorCode = "invalid_interval"
	ErrInvalidLogLevel ErrorCode = "invalid_log_level"

	// Startup errors
	ErrInitFailed        ErrorCode = "initialization_failed"
	ErrReadCredential    ErrorCode = "read_credential_failed"
	ErrInvalidCredential ErrorCode = "invalid_credential"
	ErrConnectFailed     ErrorCode = "connect_failed"
	ErrShutdownFailed    ErrorCode = "shutdown_failed"

	// Cloud link errors
	ErrTwinRequest   ErrorCode = "twin_request_failed"
	ErrTwinStatus    ErrorCode = "twin_status_error"
	ErrTwinDecode    ErrorCode = "twin_decode_failed"
	ErrSendTelemetry ErrorCode = "send_telemetry_failed"
	ErrNotConnected  ErrorCode = "not_connected"
	ErrTimeout       ErrorCode = "operation_timeout"

	// Telemetry errors
	ErrEncodeTelemetry ErrorCode = "encode_telemetry_failed"

	// Sensor errors
	ErrSensorOpen ErrorCode = "sensor_open_failed"
	ErrSensorRead ErrorCode = "sensor_read_failed"

	// Reconciler errors
	ErrInvalidGravityRange ErrorCode = "invalid_gravity_range"
	ErrInvalidSamplingRate ErrorCode = "invalid_sampling_rate"
)

// Common error messages
var errorMessages = map[ErrorCode]string{
	ErrInternal:            "Internal error occurred",
	ErrInvalidArgument:     "Invalid argument provided",
	ErrUnavailable:         "Service unavailable",
	ErrAlreadyRunning:      "Another instance is already running",
	ErrInvalidConfig:       "Invalid configuration",
	ErrReadConfig:          "Failed to read configuration",
	ErrBindFlags:           "Failed to bind flags",
	ErrInvalidInterval:     "Invalid interval value",
	ErrInvalidLogLevel:     "Invalid log level",
	ErrInitFailed:          "Initialization failed",
	ErrReadCredential:      "Failed to read device credential",
	ErrInvalidCredential:   "Invalid device connection string",
	ErrConnectFailed:       "Failed to connect to cloud",
	ErrShutdownFailed:      "Shutdown failed",
	ErrTwinRequest:         "Twin request failed",
	ErrTwinStatus:          "Twin request rejected",
	ErrTwinDecode:          "Failed to decode twin document",
	ErrSendTelemetry:       "Failed to send telemetry",
	ErrNotConnected:        "Not connected",
	ErrTimeout:             "Operation timed out",
	ErrEncodeTelemetry:     "Failed to encode telemetry",
	ErrSensorOpen:          "Failed to open sensor",
	ErrSensorRead:          "Failed to read sensor",
	ErrInvalidGravityRange: "Invalid gravity range",
	ErrInvalidSamplingRate: "Invalid sampling rate",
}

// GetErrorMessage returns the message for a given error code
func GetErrorMessage(code ErrorCode) string {
	if msg, ok := errorMessages[code]; ok {
		return msg
	}

	return string(code)
}
