package conversation

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for store failure classification.
// Use errors.Is(err, ErrXxx) for typed assertions.
var (
	// ErrNotFound indicates the user has no stored conversation.
	ErrNotFound = errors.New("conversation not found")

	// ErrInvalid indicates a rejected argument.
	ErrInvalid = errors.New("invalid argument")

	// ErrTimeout indicates an operation timed out.
	ErrTimeout = errors.New("operation timed out")

	// ErrThrottled indicates rate limiting (429, SlowDown).
	ErrThrottled = errors.New("rate limited")

	// ErrAuth indicates authentication failure.
	ErrAuth = errors.New("authentication failed")

	// ErrAccessDenied indicates authorization failure.
	ErrAccessDenied = errors.New("access denied")

	// ErrNetwork indicates a network-level failure (connection refused, DNS).
	ErrNetwork = errors.New("network error")

	// ErrBackend indicates an unclassified backend failure.
	ErrBackend = errors.New("store backend error")
)

var errEmptyUser = errors.New("user id is empty")

// StoreError wraps an underlying error with a classification.
type StoreError struct {
	// Kind is the sentinel error for classification.
	Kind error
	// Op is the operation that failed ("save", "lookup", "init").
	Op string
	// Err is the underlying error.
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("conversation %s: %v: %v", e.Op, e.Kind, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As chain traversal.
func (e *StoreError) Unwrap() error {
	return e.Err
}

// Is reports whether the error matches the target sentinel.
func (e *StoreError) Is(target error) bool {
	return errors.Is(e.Kind, target)
}

// WrapError classifies err for op. Returns nil if err is nil.
func WrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Kind: Classify(err), Op: op, Err: err}
}

// Classify determines the sentinel for a backend error.
// Classification is based on error type and message patterns.
func Classify(err error) error {
	if err == nil {
		return nil
	}

	var timeoutErr interface{ Timeout() bool }
	if errors.As(err, &timeoutErr) && timeoutErr.Timeout() {
		return ErrTimeout
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "timeout", "timed out", "deadline exceeded"):
		return ErrTimeout
	case containsAny(msg, "slowdown", "rate exceeded", "throttl", "429", "toomanyrequests"):
		return ErrThrottled
	case containsAny(msg, "nocredentialproviders", "credentials", "invalidaccesskeyid",
		"signaturedoesnotmatch", "expiredtoken", "401", "unauthorized",
		"password authentication failed", "noauth"):
		return ErrAuth
	case containsAny(msg, "accessdenied", "access denied", "forbidden", "403", "permission denied"):
		return ErrAccessDenied
	case containsAny(msg, "connection refused", "no route to host", "network unreachable",
		"no such host", "dial tcp", "connection reset"):
		return ErrNetwork
	default:
		return ErrBackend
	}
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
