package errors

// ErrorCategory classifies errors by their nature and retry semantics.
type ErrorCategory string

// Error categories define how errors should be handled.
const (
	// CategoryTransient indicates temporary failures where retry may succeed.
	// Examples: heartbeat send timeouts, a holder that did not answer in time.
	CategoryTransient ErrorCategory = "transient"

	// CategoryPermanent indicates failures where retry will not help.
	// Examples: a signed denial from a fragment holder, malformed input.
	CategoryPermanent ErrorCategory = "permanent"

	// CategoryResource indicates that not enough of a resource could be
	// obtained, e.g. fewer fragments than the reconstruction threshold.
	CategoryResource ErrorCategory = "resource"

	// CategoryInternal indicates unexpected errors, bugs, or a stopped loop.
	CategoryInternal ErrorCategory = "internal"
)

// String returns the string representation of the category.
func (c ErrorCategory) String() string {
	return string(c)
}

// IsRetryable returns true if errors in this category may succeed on retry.
func (c ErrorCategory) IsRetryable() bool {
	switch c {
	case CategoryTransient, CategoryResource:
		return true
	default:
		return false
	}
}

// ErrorCode identifies specific error types within categories.
type ErrorCode string

// Error codes for reverie failure scenarios.
const (
	// Transient errors
	ErrCodeTimeout     ErrorCode = "TIMEOUT"     // Operation timed out
	ErrCodeUnavailable ErrorCode = "UNAVAILABLE" // Peer unreachable or not responding
	ErrCodeNetworkErr  ErrorCode = "NETWORK_ERR" // Substrate failure

	// Permanent errors
	ErrCodeDenied       ErrorCode = "DENIED"        // Signed negative acknowledgement
	ErrCodeNotFound     ErrorCode = "NOT_FOUND"     // Unknown peer, agent or fragment
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT" // Malformed or invalid input
	ErrCodeConflict     ErrorCode = "CONFLICT"      // Conflicting operation or state
	ErrCodePrecondition ErrorCode = "PRECONDITION"  // Precondition not met
	ErrCodeCanceled     ErrorCode = "CANCELED"      // Operation was canceled

	// Resource errors
	ErrCodeInsufficientThreshold ErrorCode = "INSUFFICIENT_THRESHOLD" // Not enough fragments
	ErrCodeRespawnPending        ErrorCode = "RESPAWN_PENDING"        // Migration already in flight

	// Internal errors
	ErrCodeInternal   ErrorCode = "INTERNAL"    // Unexpected internal error
	ErrCodeLoopClosed ErrorCode = "LOOP_CLOSED" // Event loop terminated before replying
	ErrCodeAssertion  ErrorCode = "ASSERTION"   // Invariant violation
	ErrCodePanic      ErrorCode = "PANIC"       // Recovered from panic
)

// String returns the string representation of the error code.
func (c ErrorCode) String() string {
	return string(c)
}

// DefaultCategory returns the default category for an error code.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	switch c {
	case ErrCodeTimeout, ErrCodeUnavailable, ErrCodeNetworkErr:
		return CategoryTransient

	case ErrCodeDenied, ErrCodeNotFound, ErrCodeInvalidInput, ErrCodeConflict,
		ErrCodePrecondition, ErrCodeCanceled:
		return CategoryPermanent

	case ErrCodeInsufficientThreshold:
		return CategoryResource

	// A duplicate trigger is rejected at the guard; it is never retried.
	case ErrCodeRespawnPending:
		return CategoryPermanent

	case ErrCodeInternal, ErrCodeLoopClosed, ErrCodeAssertion, ErrCodePanic:
		return CategoryInternal

	default:
		return CategoryInternal
	}
}
