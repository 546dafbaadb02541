package apperrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrapAndIs(t *testing.T) {
	base := errors.New("connection reset")
	err := Wrap(KindTransientNetwork, base)

	assert.True(t, Is(err, KindTransientNetwork))
	assert.False(t, Is(err, KindFatal))
	assert.Equal(t, KindTransientNetwork, KindOf(err))
	assert.ErrorIs(t, err, base)
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Wrap(KindFatal, nil))
}

func TestKindOfPlainError(t *testing.T) {
	assert.Equal(t, KindFatal, KindOf(errors.New("boom")))
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(KindTransientNetwork))
	assert.True(t, Retryable(KindRateLimited))
	assert.True(t, Retryable(KindTimeout))
	assert.False(t, Retryable(KindAuthExpired))
	assert.False(t, Retryable(KindPermissionDenied))
	assert.False(t, Retryable(KindMalformed))
}
