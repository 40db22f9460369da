package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorClass represents the classification of an error for retry and
// propagation logic.
type ErrorClass string

const (
	// ErrorClassConfiguration indicates an invalid declared topology
	// (cycle, unresolved reference, dependency violation). Fatal: the
	// pass aborts before any provider call is made.
	ErrorClassConfiguration ErrorClass = "configuration"

	// ErrorClassStaleState indicates a compare-and-swap conflict on a
	// state record. Recoverable: the caller re-reads and retries the write.
	ErrorClassStaleState ErrorClass = "stale_state"

	// ErrorClassProvider indicates a remote provider failure. Contained
	// to the failing node; dependents cascade to Skipped.
	ErrorClassProvider ErrorClass = "provider"

	// ErrorClassTimeout indicates a per-node operation deadline expired.
	// Treated as a provider failure for propagation purposes.
	ErrorClassTimeout ErrorClass = "timeout"

	// ErrorClassTransient indicates a temporary provider failure that may
	// succeed on retry. Examples: network blips, service unavailability.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates provider rate limiting or quota
	// exhaustion. Retried with a longer backoff.
	ErrorClassThrottled ErrorClass = "throttled"
)

// Common error codes.
const (
	ErrCodeCycle               = "CYCLIC_DEPENDENCY"
	ErrCodeUnresolvedReference = "UNRESOLVED_REFERENCE"
	ErrCodeDependencyViolation = "DEPENDENCY_VIOLATION"
	ErrCodeValidation          = "VALIDATION_ERROR"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeTimeout             = "TIMEOUT"
	ErrCodeProviderFailed      = "PROVIDER_FAILED"
	ErrCodeDependencyFailed    = "DEPENDENCY_FAILED"
	ErrCodeStaleState          = "STALE_STATE"
	ErrCodeInternal            = "INTERNAL_ERROR"
)

// Error represents a classified reconciliation error with context.
type Error struct {
	// Class is the error classification for retry and propagation logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Node is the logical id of the node that caused the error, if any.
	Node string `json:"node,omitempty"`

	// Op is the operation being performed when the error occurred.
	Op string `json:"op,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Class, e.Message)
	if e.Node != "" {
		fmt.Fprintf(&b, " (node=%s", e.Node)
		if e.Op != "" {
			fmt.Fprintf(&b, ", op=%s", e.Op)
		}
		b.WriteString(")")
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %s", e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Class == t.Class && (t.Code == "" || e.Code == t.Code)
}

// WithNode adds node context to an error.
func (e *Error) WithNode(id string) *Error {
	e.Node = id
	return e
}

// WithOp adds operation context to an error.
func (e *Error) WithOp(op string) *Error {
	e.Op = op
	return e
}

// WithCode adds an error code to an error.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// NewConfigurationError creates a fatal configuration error.
func NewConfigurationError(message string, err error) *Error {
	return &Error{Class: ErrorClassConfiguration, Message: message, Err: err}
}

// NewCyclicDependencyError creates a configuration error for a dependency
// cycle, with the cycle path in the message.
func NewCyclicDependencyError(cycle []string) *Error {
	return NewConfigurationError(
		fmt.Sprintf("cyclic dependency: %s", strings.Join(cycle, " -> ")), nil,
	).WithCode(ErrCodeCycle)
}

// NewUnresolvedReferenceError creates a configuration error for a reference
// to a node that does not exist in the graph.
func NewUnresolvedReferenceError(from, target string) *Error {
	return NewConfigurationError(
		fmt.Sprintf("node %s references non-existent node %s", from, target), nil,
	).WithCode(ErrCodeUnresolvedReference).WithNode(from)
}

// NewStaleStateError creates a recoverable CAS conflict error.
func NewStaleStateError(message string, err error) *Error {
	return &Error{Class: ErrorClassStaleState, Message: message, Err: err, Code: ErrCodeStaleState}
}

// NewProviderError creates a contained provider failure.
func NewProviderError(message string, err error) *Error {
	return &Error{Class: ErrorClassProvider, Message: message, Err: err, Code: ErrCodeProviderFailed}
}

// NewTimeoutError creates a per-node deadline error.
func NewTimeoutError(message string, err error) *Error {
	return &Error{Class: ErrorClassTimeout, Message: message, Err: err, Code: ErrCodeTimeout}
}

// NewTransientError creates a retryable transient error.
func NewTransientError(message string, err error) *Error {
	return &Error{Class: ErrorClassTransient, Message: message, Err: err}
}

// NewThrottledError creates a retryable rate-limit error.
func NewThrottledError(message string, err error) *Error {
	return &Error{Class: ErrorClassThrottled, Message: message, Err: err}
}

// ErrNotFound is returned by providers when a handle no longer refers to a
// real-world resource.
var ErrNotFound = &Error{Class: ErrorClassProvider, Message: "resource not found", Code: ErrCodeNotFound}

// classOf extracts the class of a classified error, or "" for plain errors.
func classOf(err error) ErrorClass {
	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}

// IsConfiguration returns true for fatal configuration errors.
func IsConfiguration(err error) bool {
	return classOf(err) == ErrorClassConfiguration
}

// IsStaleState returns true for CAS conflicts.
func IsStaleState(err error) bool {
	return classOf(err) == ErrorClassStaleState
}

// IsTimeout returns true for per-node deadline errors.
func IsTimeout(err error) bool {
	return classOf(err) == ErrorClassTimeout
}

// IsProvider returns true for provider failures, including timeouts.
func IsProvider(err error) bool {
	c := classOf(err)
	return c == ErrorClassProvider || c == ErrorClassTimeout ||
		c == ErrorClassTransient || c == ErrorClassThrottled
}

// IsNotFound returns true when a provider reported a missing resource.
func IsNotFound(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == ErrCodeNotFound
	}
	return false
}

// IsRetryable returns true if the error can be retried by the provider
// adapter. Transient and throttled errors are retryable; timeouts,
// not-found and plain provider failures are not.
func IsRetryable(err error) bool {
	c := classOf(err)
	return c == ErrorClassTransient || c == ErrorClassThrottled
}
