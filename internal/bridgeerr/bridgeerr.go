// Package bridgeerr defines the sentinel error kinds named in the error
// handling design: each layer wraps one of these with fmt.Errorf("...: %w")
// so the supervisor can classify a failure with errors.Is without parsing
// strings.
package bridgeerr

import "errors"

var (
	// ErrConfig is raised at startup for a missing or invalid configuration value.
	ErrConfig = errors.New("config error")

	// ErrConnectFailed is raised when the WebSocket cannot be opened.
	ErrConnectFailed = errors.New("connect failed")

	// ErrAuthFailed is raised when the LOGIN response carries no user record.
	ErrAuthFailed = errors.New("auth failed")

	// ErrProtocol is raised by the codec on a malformed frame.
	ErrProtocol = errors.New("protocol error")

	// ErrShortFrame is a specific ErrProtocol cause: fewer bytes than the header needs.
	ErrShortFrame = errors.New("short frame")

	// ErrTimeout is raised when sendAwait does not see a matching response in time.
	ErrTimeout = errors.New("timeout")

	// ErrMqttPublish is raised when the MQTT client reports a publish failure.
	ErrMqttPublish = errors.New("mqtt publish error")

	// ErrCommandRejected is raised by the charging-sequence guards.
	ErrCommandRejected = errors.New("command rejected")

	// ErrUnknownPin is reported when a command arrives on a command topic that
	// has no routed (deviceId, pin) target.
	ErrUnknownPin = errors.New("unknown pin")
)
