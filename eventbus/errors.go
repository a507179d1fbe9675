package eventbus

import "errors"

var (
	// Connection state errors
	ErrNotConnected     = errors.New("event bus not connected")
	ErrConnectFailed    = errors.New("event bus connect failed")
	ErrAlreadyConsuming = errors.New("event bus already consuming")

	// Subscription errors
	ErrNilHandler     = errors.New("event handler cannot be nil")
	ErrInvalidPattern = errors.New("invalid topic pattern")

	// Transport errors
	ErrUnknownTransport = errors.New("unknown transport type")
)
