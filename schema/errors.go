package schema

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownProxyType indicates a proxy dialect name that is not supported.
	ErrUnknownProxyType = errors.New("unknown proxy type")
	// ErrMalformedProxySpec indicates a proxy specification that cannot be parsed.
	ErrMalformedProxySpec = errors.New("malformed proxy specification")
	// ErrUnknownTaskKind indicates a task kind missing from the callback registry.
	ErrUnknownTaskKind = errors.New("unknown task kind")
	// ErrRegistryFrozen indicates a registration attempt after startup.
	ErrRegistryFrozen = errors.New("callback registry is frozen")
	// ErrDuplicateTaskKind indicates a task kind registered twice.
	ErrDuplicateTaskKind = errors.New("task kind already registered")
	// ErrRedirectActive indicates a redirect request while another redirect is active.
	ErrRedirectActive = errors.New("redirect already active")
	// ErrActionSyntax indicates malformed action text.
	ErrActionSyntax = errors.New("action syntax error")
	// ErrUnknownAction indicates an action name with no handler.
	ErrUnknownAction = errors.New("unknown action")
	// ErrUnknownMacro indicates a macro name that is not defined in scope.
	ErrUnknownMacro = errors.New("unknown macro")
	// ErrNotConnected indicates an operation that needs a connected host.
	ErrNotConnected = errors.New("not connected")
	// ErrAlreadyConnected indicates a connect request while a connection exists.
	ErrAlreadyConnected = errors.New("already connected")
	// ErrTimeout indicates a task wait that expired.
	ErrTimeout = errors.New("wait timed out")
	// ErrAborted indicates an explicit cancellation.
	ErrAborted = errors.New("aborted")
	// ErrHandedOff indicates a proxy session whose transport was already handed off.
	ErrHandedOff = errors.New("transport already handed off")
	// ErrProxyClosed indicates the proxy closed the transport mid-negotiation.
	ErrProxyClosed = errors.New("proxy closed connection")
)

// ErrorKind classifies failures following the error taxonomy of the client.
type ErrorKind string

const (
	// ErrorConfiguration is an invalid configuration or proxy string. It is never retried.
	ErrorConfiguration ErrorKind = "configuration"
	// ErrorNegotiation is a rejected or malformed proxy reply.
	ErrorNegotiation ErrorKind = "negotiation"
	// ErrorTask is a non-fatal failure that completes a single task.
	ErrorTask ErrorKind = "task"
	// ErrorAbort is an explicit cancellation.
	ErrorAbort ErrorKind = "abort"
)

// Error wraps a failure with a stable classification.
type Error struct {
	Kind    ErrorKind
	Op      string
	Message string
	Err     error
}

// NewError constructs a classified error.
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf constructs a classified error with a formatted message wrapping err.
func Errorf(kind ErrorKind, op string, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...), Err: err}
}

func (e *Error) Error() string {
	if e == nil {
		return "error"
	}
	if e.Message != "" {
		if e.Op != "" {
			return e.Op + ": " + e.Message
		}
		return e.Message
	}
	if e.Err != nil {
		if e.Op != "" {
			return e.Op + ": " + e.Err.Error()
		}
		return e.Err.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("%s %s failed", e.Kind, e.Op)
	}
	return string(e.Kind) + " error"
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsKind reports whether any error in err's chain is a classified error of kind.
func IsKind(err error, kind ErrorKind) bool {
	var classified *Error
	for err != nil {
		if !errors.As(err, &classified) {
			return false
		}
		if classified.Kind == kind {
			return true
		}
		err = classified.Err
	}
	return false
}

// ConfigError returns a configuration error.
func ConfigError(op string, err error, format string, args ...any) *Error {
	return Errorf(ErrorConfiguration, op, err, format, args...)
}

// NegotiationError returns a negotiation error.
func NegotiationError(op string, err error, format string, args ...any) *Error {
	return Errorf(ErrorNegotiation, op, err, format, args...)
}

// TaskError returns a task error.
func TaskError(op string, err error, format string, args ...any) *Error {
	return Errorf(ErrorTask, op, err, format, args...)
}
