package reconciler

import (
	"errors"
	"fmt"
)

// ErrorClass classifies an error for retry and recovery decisions.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed
	// on retry, such as a package-manager lock held by another process.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassConflict indicates contention over a shared resource,
	// such as a second reconciliation run holding the state lock.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error, such as a
	// malformed cookbook or a package that does not exist.
	ErrorClassPermanent ErrorClass = "permanent"
)

// Common error codes.
const (
	ErrCodeParse        = "PARSE_ERROR"
	ErrCodeApply        = "APPLY_ERROR"
	ErrCodeTimeout      = "TIMEOUT"
	ErrCodeLocked       = "LOCKED"
	ErrCodeStateCorrupt = "STATE_CORRUPT"
)

// Error is a classified error with resource context.
type Error struct {
	Class    ErrorClass `json:"class"`
	Code     string     `json:"code,omitempty"`
	Message  string     `json:"message"`
	Resource string     `json:"resource,omitempty"`
	Err      error      `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Resource != "" {
		return fmt.Sprintf("[%s] %s (resource=%s): %s", e.Class, e.Message, e.Resource, e.unwrapMessage())
	}
	return fmt.Sprintf("[%s] %s: %s", e.Class, e.Message, e.unwrapMessage())
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// Is implements error equality for errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// WithResource attaches the failing resource identity.
func (e *Error) WithResource(id string) *Error {
	e.Resource = id
	return e
}

// NewParseError wraps a cookbook load failure. Parse errors surface before
// any resource is touched and never mutate state.
func NewParseError(message string, err error) *Error {
	return &Error{Class: ErrorClassPermanent, Code: ErrCodeParse, Message: message, Err: err}
}

// NewApplyError wraps a resource apply failure.
func NewApplyError(message string, err error) *Error {
	return &Error{Class: ErrorClassPermanent, Code: ErrCodeApply, Message: message, Err: err}
}

// NewTimeoutError wraps a command timeout. It carries a distinct code so
// callers can tell it apart from ordinary apply failures.
func NewTimeoutError(message string, err error) *Error {
	return &Error{Class: ErrorClassTransient, Code: ErrCodeTimeout, Message: message, Err: err}
}

// NewLockedError reports that another run holds the state lock.
func NewLockedError(err error) *Error {
	return &Error{Class: ErrorClassConflict, Code: ErrCodeLocked, Message: "state is locked by another run", Err: err}
}

// IsParseError reports whether err is a cookbook parse error.
func IsParseError(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == ErrCodeParse
}

// IsLocked reports whether err is a state lock conflict.
func IsLocked(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == ErrCodeLocked
}
