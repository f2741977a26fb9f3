package executor

import (
	"errors"
	"fmt"
)

// Error classes returned by executors and adapters. Callers match them with
// errors.Is.
var (
	// ErrTransient marks network failures, 5xx responses and malformed bodies.
	ErrTransient = errors.New("transient failure")
	// ErrAbsent marks an instrument or contract the exchange does not list.
	ErrAbsent = errors.New("instrument not found")
	// ErrAuth marks rejected, missing or expired credentials.
	ErrAuth = errors.New("authentication failed")
	// ErrContract marks invalid arguments detected before any network call.
	ErrContract = errors.New("invalid request")
	// ErrUnavailable marks an operation whose retries are exhausted.
	ErrUnavailable = errors.New("exchange unavailable")
)

// APIError carries an exchange's own error code and message.
type APIError struct {
	Exchange string
	Status   int
	Code     string
	Message  string
	// Kind is one of the error classes above, or nil for an unclassified
	// client error.
	Kind error
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s api error (status %d, code %s): %s", e.Exchange, e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("%s api error (status %d): %s", e.Exchange, e.Status, e.Message)
}

func (e *APIError) Unwrap() error { return e.Kind }

// Absent builds an APIError classified as ErrAbsent.
func Absent(exchange, code, msg string) error {
	return &APIError{Exchange: exchange, Code: code, Message: msg, Kind: ErrAbsent}
}

// Auth builds an APIError classified as ErrAuth.
func Auth(exchange, code, msg string) error {
	return &APIError{Exchange: exchange, Code: code, Message: msg, Kind: ErrAuth}
}

// Contractf formats an ErrContract error.
func Contractf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrContract, fmt.Sprintf(format, args...))
}

// Transientf formats an ErrTransient error.
func Transientf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrTransient, fmt.Sprintf(format, args...))
}

// IsAbsent reports whether err means the exchange does not list the
// instrument.
func IsAbsent(err error) bool { return errors.Is(err, ErrAbsent) }

// permanent reports errors that another attempt cannot fix.
func permanent(err error) bool {
	return errors.Is(err, ErrAbsent) || errors.Is(err, ErrAuth) || errors.Is(err, ErrContract)
}
