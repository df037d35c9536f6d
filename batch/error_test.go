package batch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fieldsync/fieldsync/errors"
)

func TestIsTransient(t *testing.T) {
	assert.False(t, IsTransient(nil))

	// Explicit marks win over message heuristics
	assert.True(t, IsTransient(MarkTransient(errors.New("validation failed"))))
	assert.False(t, IsTransient(MarkPermanent(errors.New("connection timeout"))))

	// Wrapping preserves the mark
	wrapped := errors.Wrap(MarkPermanent(errors.New("bad credentials")), "step regular")
	assert.False(t, IsTransient(wrapped))

	assert.True(t, IsTransient(context.DeadlineExceeded))

	// Unmarked errors classify by message
	assert.True(t, IsTransient(errors.New("navigation aborted")))
	assert.True(t, IsTransient(errors.New("browser context detached")))
	assert.True(t, IsTransient(errors.New("connection reset by peer")))
	assert.False(t, IsTransient(errors.New("unauthorized")))
	assert.False(t, IsTransient(errors.New("invalid work order number")))

	// Unknown failures default to retryable
	assert.True(t, IsTransient(errors.New("something odd happened")))
}
