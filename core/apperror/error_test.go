package apperror

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppError_Wrapping(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewDatabase("insert outbox event", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "DATABASE_ERROR")
	assert.Contains(t, err.Error(), "connection refused")

	wrapped := fmt.Errorf("emit: %w", err)
	var appErr *AppError
	require.True(t, errors.As(wrapped, &appErr))
	assert.Equal(t, CodeDatabase, appErr.Code)
}

func TestIsCode(t *testing.T) {
	err := NewInvalidEvent("payload is required")
	assert.True(t, IsCode(err, CodeInvalidEvent))
	assert.False(t, IsCode(err, CodeDatabase))

	wrapped := fmt.Errorf("emit: %w", err)
	assert.True(t, IsCode(wrapped, CodeInvalidEvent))

	assert.False(t, IsCode(errors.New("plain"), CodeInvalidEvent))
	assert.False(t, IsCode(nil, CodeInvalidEvent))
}

func TestWithDetail(t *testing.T) {
	err := NewNoTransaction("outbox insert").WithDetail("table", "outbox_events")
	assert.Equal(t, "outbox_events", err.Details["table"])
	assert.Equal(t, CodeNoTransaction, err.Code)
}
