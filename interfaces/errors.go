package interfaces

import (
	"errors"
	"fmt"
)

var (
	// ErrOperationFailed is the single opaque error reported for every box
	// authentication, decryption or nonce validation failure.
	ErrOperationFailed = errors.New("operation failed")

	// ErrChannelNotReady is returned when an operation requires an established channel.
	ErrChannelNotReady = errors.New("channel not ready")

	// ErrSessionExists is returned when a handshake reuses a client key.
	ErrSessionExists = errors.New("session already exists")

	// ErrSessionNotFound is returned when no session is registered for a client key.
	ErrSessionNotFound = errors.New("session not found")

	// ErrInvalidTransition is returned for a channel state change the state machine does not allow.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrMethodNotFound is returned when no handler is registered for a method.
	ErrMethodNotFound = errors.New("method not found")

	// ErrBadRequest is returned when a request payload cannot be deserialized.
	ErrBadRequest = errors.New("bad request")

	// ErrAttestationUnavailable is returned when the quoting facility or the
	// attestation authority cannot be reached.
	ErrAttestationUnavailable = errors.New("attestation service unavailable")

	// ErrAttestationMismatch is returned when an attestation report does not
	// bind the expected context, key, nonce or measurement.
	ErrAttestationMismatch = errors.New("attestation mismatch")

	// ErrParse is returned for malformed wire messages.
	ErrParse = errors.New("parse error")

	// ErrResponseTooLarge is returned when a response exceeds the boundary's size limit.
	ErrResponseTooLarge = errors.New("response too large")

	// ErrUnknownEndpoint is returned by a boundary for an endpoint it does not serve.
	ErrUnknownEndpoint = errors.New("unknown endpoint")
)

// ErrorClass partitions channel errors by how a caller must react to them.
type ErrorClass int

const (
	// ProtocolError is a misuse or a failed request that leaves the channel usable.
	ProtocolError ErrorClass = iota + 1
	// SecurityError is fatal to the channel; only a reset and a new handshake recover.
	SecurityError
	// InfrastructureError is a transport or service failure; the channel state is unchanged.
	InfrastructureError
)

func (c ErrorClass) String() string {
	switch c {
	case ProtocolError:
		return "protocol"
	case SecurityError:
		return "security"
	case InfrastructureError:
		return "infrastructure"
	default:
		return "unknown"
	}
}

// ChannelError is a classified channel failure.
type ChannelError struct {
	Class ErrorClass

	// Status is the response status that produced the error, if any.
	Status StatusCode

	// Message is the payload of an error response, if any.
	Message string

	Err error
}

func (e *ChannelError) Error() string {
	switch {
	case e.Err != nil && e.Message != "":
		return fmt.Sprintf("%s error: %s: %v", e.Class, e.Message, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s error: %v", e.Class, e.Err)
	default:
		return fmt.Sprintf("%s error: %s", e.Class, e.Message)
	}
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the same request may be retried on the same channel.
func (e *ChannelError) Retryable() bool {
	return e.Class == InfrastructureError
}

func NewProtocolError(status StatusCode, message string, err error) *ChannelError {
	return &ChannelError{Class: ProtocolError, Status: status, Message: message, Err: err}
}

func NewSecurityError(err error) *ChannelError {
	return &ChannelError{Class: SecurityError, Status: StatusErrorSecureChannel, Err: err}
}

func NewInfrastructureError(err error) *ChannelError {
	return &ChannelError{Class: InfrastructureError, Err: err}
}

// ClassOf returns the class of the first ChannelError in err's chain.
func ClassOf(err error) (ErrorClass, bool) {
	var chErr *ChannelError
	if errors.As(err, &chErr) {
		return chErr.Class, true
	}
	return 0, false
}

// IsSecurityError reports whether err is fatal to the channel.
func IsSecurityError(err error) bool {
	class, ok := ClassOf(err)
	return ok && class == SecurityError
}

// IsRetryable reports whether err is a transient infrastructure failure.
func IsRetryable(err error) bool {
	class, ok := ClassOf(err)
	return ok && class == InfrastructureError
}

// InvalidTransitionError names the rejected state change.
type InvalidTransitionError struct {
	From ChannelState
	To   ChannelState
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition from %s to %s", e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}
