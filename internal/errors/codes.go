package errors

// Common error codes
const (
	// System errors
	ErrInternal        ErrorCode = "internal_error"
	ErrInvalidArgument ErrorCode = "invalid_argument"
	ErrAlreadyRunning  ErrorCode = "already_running"

	// Configuration errors
	ErrInvalidConfig   ErrorCode = "invalid_configuration"
	ErrReadConfig      ErrorCode = "read_config_failed"
	ErrInvalidInterval ErrorCode = "invalid_interval"
	ErrInvalidLogLevel ErrorCode = "invalid_log_level"

	// Initialization errors
	ErrInitFailed     ErrorCode = "initialization_failed"
	ErrShutdownFailed ErrorCode = "shutdown_failed"

	// Metric source errors. Always recoverable: they trigger the
	// resolver's fallback chain and never escape internal/metrics.
	ErrSourcePermissionDenied ErrorCode = "source_permission_denied"
	ErrSourceToolUnavailable  ErrorCode = "source_tool_unavailable"
	ErrSourceParseFailure     ErrorCode = "source_parse_failure"
	ErrSourceTimeout          ErrorCode = "source_timeout"
	ErrSourceCanceled         ErrorCode = "source_canceled"
	ErrSourceNotApplicable    ErrorCode = "source_not_applicable"

	// Session errors. Surface only as state machine transitions,
	// never as propagated faults.
	ErrSessionScanAborted           ErrorCode = "session_scan_aborted"
	ErrSessionConnectTimeout        ErrorCode = "session_connect_timeout"
	ErrSessionCharacteristicMissing ErrorCode = "session_characteristic_missing"
	ErrSessionLinkLost              ErrorCode = "session_link_lost"
	ErrSessionWriteFailed           ErrorCode = "session_write_failed"

	// Codec errors. Malformed frames are dropped and logged, never fatal.
	ErrCodecMalformedFrame ErrorCode = "codec_malformed_frame"
	ErrCodecFrameOverflow  ErrorCode = "codec_frame_overflow"
	ErrCodecUnknownCommand ErrorCode = "codec_unknown_command"

	// Startup errors. The only codes that justify process exit.
	ErrNoAdapters ErrorCode = "startup_no_adapters"
)

// Common error messages
var errorMessages = map[ErrorCode]string{
	ErrInternal:        "Internal error occurred",
	ErrInvalidArgument: "Invalid argument provided",
	ErrAlreadyRunning:  "Another instance is already running",
	ErrInvalidConfig:   "Invalid configuration",
	ErrReadConfig:      "Failed to read configuration",
	ErrInvalidInterval: "Invalid interval value",
	ErrInvalidLogLevel: "Invalid log level",
	ErrInitFailed:      "Initialization failed",
	ErrShutdownFailed:  "Shutdown failed",

	ErrSourcePermissionDenied: "Metric source requires elevated privileges",
	ErrSourceToolUnavailable:  "Metric source tool is not available",
	ErrSourceParseFailure:     "Metric source produced unparseable output",
	ErrSourceTimeout:          "Metric source timed out",
	ErrSourceCanceled:         "Metric source canceled by shutdown",
	ErrSourceNotApplicable:    "Metric source does not apply to this platform",

	ErrSessionScanAborted:           "Advertisement scan aborted",
	ErrSessionConnectTimeout:        "Peripheral connection timed out",
	ErrSessionCharacteristicMissing: "Required characteristic not found on peripheral",
	ErrSessionLinkLost:              "BLE link lost",
	ErrSessionWriteFailed:           "Characteristic write failed",

	ErrCodecMalformedFrame: "Malformed frame",
	ErrCodecFrameOverflow:  "Encoded payload exceeds frame budget",
	ErrCodecUnknownCommand: "Unknown command identifier",

	ErrNoAdapters: "No metric adapters available for a mandatory category",
}

// GetErrorMessage returns the message for a given error code
func GetErrorMessage(code ErrorCode) string {
	if msg, ok := errorMessages[code]; ok {
		return msg
	}

	return string(code)
}
