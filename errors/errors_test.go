package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorClass_String(t *testing.T) {
	assert.Equal(t, "transient", ErrorTransient.String())
	assert.Equal(t, "invalid", ErrorInvalid.String())
	assert.Equal(t, "fatal", ErrorFatal.String())
	assert.Equal(t, "unknown", ErrorClass(99).String())
}

func TestIsTransient(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.True(t, IsTransient(ErrConnectionTimeout))
	assert.True(t, IsTransient(ErrConnectionLost))
	assert.True(t, IsTransient(ErrStorageUnavailable))
	assert.True(t, IsTransient(ErrRateLimited))
	assert.True(t, IsTransient(context.DeadlineExceeded))

	// Pattern matching on unclassified errors
	assert.True(t, IsTransient(errors.New("dial tcp: connection refused")))
	assert.True(t, IsTransient(errors.New("server temporarily unavailable")))
	assert.False(t, IsTransient(errors.New("field priority is required")))
}

func TestIsFatal(t *testing.T) {
	assert.False(t, IsFatal(nil))
	assert.True(t, IsFatal(ErrInvalidConfig))
	assert.True(t, IsFatal(ErrMissingConfig))
	assert.True(t, IsFatal(fmt.Errorf("load: %w", ErrMissingConfig)))
	assert.False(t, IsFatal(errors.New("some other error")))
}

func TestIsInvalid(t *testing.T) {
	assert.True(t, IsInvalid(ErrMalformedMessage))
	assert.True(t, IsInvalid(ErrParsingFailed))
	assert.False(t, IsInvalid(ErrConnectionLost))
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ErrorTransient, Classify(ErrConnectionLost))
	assert.Equal(t, ErrorFatal, Classify(ErrInvalidConfig))
	assert.Equal(t, ErrorInvalid, Classify(ErrMalformedMessage))
	// Unknown errors default to transient so callers may retry
	assert.Equal(t, ErrorTransient, Classify(errors.New("mystery")))
}

func TestWrap(t *testing.T) {
	assert.NoError(t, Wrap(nil, "Store", "Get", "read key"))

	base := errors.New("boom")
	err := Wrap(base, "Store", "Get", "read key")
	assert.EqualError(t, err, "Store.Get: read key failed: boom")
	assert.True(t, errors.Is(err, base))
}

func TestWrapClassified(t *testing.T) {
	base := errors.New("boom")

	err := WrapTransient(base, "Relay", "Publish", "ack wait")
	assert.True(t, IsTransient(err))
	assert.True(t, errors.Is(err, base))

	var ce *ClassifiedError
	assert.True(t, errors.As(err, &ce))
	assert.Equal(t, "Relay", ce.Component)
	assert.Equal(t, "Publish", ce.Operation)

	assert.True(t, IsFatal(WrapFatal(base, "Stage", "Start", "missing client")))
	assert.True(t, IsInvalid(WrapInvalid(base, "Stage", "Decode", "parse envelope")))
}

func TestClassifiedError_Unwrap(t *testing.T) {
	err := WrapInvalid(ErrMalformedMessage, "Stage", "Decode", "missing request_id")
	assert.True(t, errors.Is(err, ErrMalformedMessage))
}
