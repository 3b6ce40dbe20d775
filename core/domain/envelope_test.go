package domain

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeError_ProducesEnvelope(t *testing.T) {
	serialized := EncodeError(errors.New("disk full"))

	var env ErrorEnvelope
	require.NoError(t, json.Unmarshal([]byte(serialized), &env))
	assert.Equal(t, "Error", env.Name)
	assert.Equal(t, "disk full", env.Message)
	assert.NotEmpty(t, env.Stack)
}

func TestDecodeError_PreservesMessage(t *testing.T) {
	serialized := EncodeError(errors.New("disk full"))

	err := DecodeError(serialized)
	assert.EqualError(t, err, "disk full")

	var recorded *RecordedError
	require.ErrorAs(t, err, &recorded)
	assert.Equal(t, "Error", recorded.Name)
}

func TestErrorEnvelope_RetriesExceededRoundTrip(t *testing.T) {
	original := &RetriesExceededError{
		StepName:    "charge",
		MaxAttempts: 3,
		Cause:       errors.New("connection refused"),
	}
	serialized := EncodeError(original)

	err := DecodeError(serialized)
	var decoded *RetriesExceededError
	require.ErrorAs(t, err, &decoded)
	assert.Equal(t, original.Error(), decoded.Error())
	require.NotNil(t, decoded.Cause)
	assert.EqualError(t, decoded.Cause, "connection refused")
}

func TestDecodeError_MalformedPayload(t *testing.T) {
	err := DecodeError("not json at all")
	assert.EqualError(t, err, "not json at all")
}

func TestEncodeError_TypedNames(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"conflict", &ConflictError{WorkflowID: "w", FunctionID: 1}, "WorkflowConflict"},
		{"cancelled", &CancelledError{WorkflowID: "w"}, "Cancelled"},
		{"event", &EventAlreadySetError{WorkflowID: "w", Key: "k"}, "EventAlreadySet"},
		{"retries", &RetriesExceededError{StepName: "s", MaxAttempts: 2, Cause: errors.New("x")}, "RetriesExceeded"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var env ErrorEnvelope
			require.NoError(t, json.Unmarshal([]byte(EncodeError(tt.err)), &env))
			assert.Equal(t, tt.want, env.Name)
		})
	}
}

func TestWorkflowStatus_Terminal(t *testing.T) {
	assert.False(t, WorkflowStatusPending.Terminal())
	assert.True(t, WorkflowStatusSuccess.Terminal())
	assert.True(t, WorkflowStatusError.Terminal())
	assert.True(t, WorkflowStatusRetriesExceeded.Terminal())
	assert.True(t, WorkflowStatusCancelled.Terminal())
}
