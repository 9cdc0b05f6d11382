package relay

import (
	"errors"
	"fmt"
)

// ErrorType classifies a connection failure so callers can pick a remedy
// without string-matching messages.
type ErrorType string

const (
	// ErrorAuthFailed means the credentials were rejected. Not retryable;
	// fresh credentials must be issued.
	ErrorAuthFailed ErrorType = "auth_failed"
	// ErrorServerUnreachable means a network-level failure. Retryable.
	ErrorServerUnreachable ErrorType = "server_unreachable"
	// ErrorConnectionFailed means a generic transport or server fault. Retryable.
	ErrorConnectionFailed ErrorType = "connection_failed"
	// ErrorUnknown is an unclassified failure. Retryable.
	ErrorUnknown ErrorType = "unknown"
)

// BridgeError is the structured error surfaced by the connection manager
// and the bridge client. CanRetry and CanResetCredentials let a consumer
// decide between waiting and prompting for new credentials.
type BridgeError struct {
	Type                ErrorType
	Message             string
	CanRetry            bool
	CanResetCredentials bool
	Err                 error
}

func (e *BridgeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *BridgeError) Unwrap() error { return e.Err }

// ErrNotConnected is returned by Send when no socket is open. Sends are
// never queued; callers must check the status first or handle this error.
var ErrNotConnected = errors.New("not connected: websocket is not open")

// ErrNoSocketImplementation is returned by a socket factory that has no
// transport available in the current environment.
var ErrNoSocketImplementation = errors.New("no websocket implementation available")

// ErrConnectInProgress is returned by Connect when a previous attempt has
// not settled yet.
var ErrConnectInProgress = errors.New("connection attempt already in progress")

func authError(msg string, cause error) *BridgeError {
	return &BridgeError{Type: ErrorAuthFailed, Message: msg, CanRetry: false, CanResetCredentials: true, Err: cause}
}

func connectionError(msg string, cause error) *BridgeError {
	return &BridgeError{Type: ErrorConnectionFailed, Message: msg, CanRetry: true, Err: cause}
}

func unreachableError(msg string, cause error) *BridgeError {
	return &BridgeError{Type: ErrorServerUnreachable, Message: msg, CanRetry: true, Err: cause}
}

func unknownError(msg string, cause error) *BridgeError {
	return &BridgeError{Type: ErrorUnknown, Message: msg, CanRetry: true, Err: cause}
}
