package batch

import (
	"context"
	"strings"

	"github.com/fieldsync/fieldsync/errors"
)

// Failure classes for automation errors. Transient failures are retried
// with backoff up to max_attempts; permanent failures surface
// immediately with no retry.
var (
	errTransient = errors.New("transient failure")
	errPermanent = errors.New("permanent failure")
)

// MarkTransient tags an error as retryable
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, errTransient)
}

// MarkPermanent tags an error as not retryable
func MarkPermanent(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, errPermanent)
}

// IsTransient reports whether a step failure should be retried.
// Explicit marks win; unmarked errors are classified by message
// pattern, and unknown failures default to transient so a flaky
// automation target gets the benefit of the retry budget.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, errPermanent) {
		return false
	}
	if errors.Is(err, errTransient) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "validation"),
		strings.Contains(msg, "unauthorized"),
		strings.Contains(msg, "forbidden"),
		strings.Contains(msg, "invalid"):
		return false
	case strings.Contains(msg, "timeout"),
		strings.Contains(msg, "timed out"),
		strings.Contains(msg, "connection"),
		strings.Contains(msg, "network"),
		strings.Contains(msg, "detached"),
		strings.Contains(msg, "navigation"):
		return true
	}
	return true
}
