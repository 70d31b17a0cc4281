package errors

import (
	"encoding/json"
	"fmt"
)

// ReverieError is a classified failure: a code, the category that decides
// how callers react to it, and the peer or agent it concerns.
type ReverieError interface {
	error
	Code() ErrorCode
	Category() ErrorCategory
	Retryable() bool
	Metadata() map[string]string
	Unwrap() error
}

// Error is the concrete ReverieError.
type Error struct {
	code     ErrorCode
	category ErrorCategory
	message  string
	cause    error
	metadata map[string]string
	peer     string
	agent    string
}

var (
	_ ReverieError   = (*Error)(nil)
	_ json.Marshaler = (*Error)(nil)
)

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

func (e *Error) Code() ErrorCode { return e.code }

func (e *Error) Category() ErrorCategory { return e.category }

// Retryable reports whether the category allows another attempt, for
// instance against a different holder or successor.
func (e *Error) Retryable() bool { return e.category.IsRetryable() }

// Metadata returns a copy of the error metadata.
func (e *Error) Metadata() map[string]string {
	result := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		result[k] = v
	}
	return result
}

func (e *Error) Unwrap() error { return e.cause }

// MarshalJSON renders the error for administrative callers.
func (e *Error) MarshalJSON() ([]byte, error) {
	j := struct {
		Code      ErrorCode         `json:"code"`
		Category  ErrorCategory     `json:"category"`
		Message   string            `json:"message"`
		Cause     string            `json:"cause,omitempty"`
		Metadata  map[string]string `json:"metadata,omitempty"`
		Retryable bool              `json:"retryable"`
		Peer      string            `json:"peer,omitempty"`
		Agent     string            `json:"agent,omitempty"`
	}{
		Code:      e.code,
		Category:  e.category,
		Message:   e.message,
		Metadata:  e.metadata,
		Retryable: e.Retryable(),
		Peer:      e.peer,
		Agent:     e.agent,
	}
	if e.cause != nil {
		j.Cause = e.cause.Error()
	}
	return json.Marshal(j)
}

// Option configures an Error.
type Option func(*Error)

// WithMetadata adds a metadata key-value pair.
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithPeer records the remote peer involved.
func WithPeer(id string) Option {
	return func(e *Error) { e.peer = id }
}

// WithAgent records the agent identity (name-nonce) involved.
func WithAgent(agent string) Option {
	return func(e *Error) { e.agent = agent }
}

// WithCause sets the underlying cause.
func WithCause(cause error) Option {
	return func(e *Error) { e.cause = cause }
}

// New creates an Error in the default category of code.
func New(code ErrorCode, message string, opts ...Option) *Error {
	e := &Error{
		code:     code,
		category: code.DefaultCategory(),
		message:  message,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func Timeout(message string, opts ...Option) *Error {
	return New(ErrCodeTimeout, message, opts...)
}

func Unavailable(message string, opts ...Option) *Error {
	return New(ErrCodeUnavailable, message, opts...)
}

func Denied(message string, opts ...Option) *Error {
	return New(ErrCodeDenied, message, opts...)
}

func NotFound(message string, opts ...Option) *Error {
	return New(ErrCodeNotFound, message, opts...)
}

func InvalidInput(message string, opts ...Option) *Error {
	return New(ErrCodeInvalidInput, message, opts...)
}

func Precondition(message string, opts ...Option) *Error {
	return New(ErrCodePrecondition, message, opts...)
}

func Internal(message string, opts ...Option) *Error {
	return New(ErrCodeInternal, message, opts...)
}

// InsufficientThreshold reports that only got of need fragments were collected.
func InsufficientThreshold(agent string, got, need int, opts ...Option) *Error {
	opts = append([]Option{
		WithAgent(agent),
		WithMetadata("collected", fmt.Sprint(got)),
		WithMetadata("threshold", fmt.Sprint(need)),
	}, opts...)
	return New(ErrCodeInsufficientThreshold,
		fmt.Sprintf("collected %d of %d fragments for %s", got, need, agent), opts...)
}

// RespawnPending reports a duplicate migration trigger.
func RespawnPending(agent string, opts ...Option) *Error {
	opts = append([]Option{WithAgent(agent)}, opts...)
	return New(ErrCodeRespawnPending, fmt.Sprintf("respawn for %s already pending", agent), opts...)
}

// LoopClosed reports a command whose reply was dropped by a terminated loop.
func LoopClosed(command string) *Error {
	return New(ErrCodeLoopClosed, fmt.Sprintf("%s: event loop closed", command))
}
