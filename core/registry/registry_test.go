package registry

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sylvester-francis/everflow/core/domain"
	"github.com/sylvester-francis/everflow/core/ports"
)

func noopWorkflow(_ ports.WorkflowContext, input json.RawMessage) (json.RawMessage, error) {
	return input, nil
}

func noopStep(_ ports.StepContext, input json.RawMessage) (json.RawMessage, error) {
	return input, nil
}

func noopTransaction(_ ports.TransactionContext, input json.RawMessage) (json.RawMessage, error) {
	return input, nil
}

func TestRegistry_WorkflowLookup(t *testing.T) {
	r := New()
	r.RegisterWorkflow("checkout", noopWorkflow, WorkflowConfig{})

	w, err := r.Workflow("checkout")
	require.NoError(t, err)
	assert.Equal(t, "checkout", w.Name)

	_, err = r.Workflow("missing")
	var notRegistered *domain.NotRegisteredError
	require.ErrorAs(t, err, &notRegistered)
	assert.Equal(t, "workflow", notRegistered.Kind)
}

func TestRegistry_StepDefaults(t *testing.T) {
	r := New()
	r.RegisterStep("fetch", noopStep, StepConfig{RetriesAllowed: true})

	s, err := r.Step("fetch")
	require.NoError(t, err)
	assert.Equal(t, 3, s.Config.MaxAttempts)
	assert.Equal(t, time.Second, s.Config.Interval)
	assert.Equal(t, 2.0, s.Config.BackoffRate)
}

func TestRegistry_StepExplicitConfig(t *testing.T) {
	r := New()
	r.RegisterStep("fetch", noopStep, StepConfig{
		RetriesAllowed: true,
		MaxAttempts:    7,
		Interval:       50 * time.Millisecond,
		BackoffRate:    1.5,
	})

	s, err := r.Step("fetch")
	require.NoError(t, err)
	assert.Equal(t, 7, s.Config.MaxAttempts)
	assert.Equal(t, 50*time.Millisecond, s.Config.Interval)
	assert.Equal(t, 1.5, s.Config.BackoffRate)
}

func TestRegistry_TransactionDefaultIsolation(t *testing.T) {
	r := New()
	r.RegisterTransaction("write", noopTransaction, TransactionConfig{})

	tx, err := r.Transaction("write")
	require.NoError(t, err)
	assert.Equal(t, ports.Serializable, tx.Config.Isolation)
}

func TestRegistry_ReplaceKeepsName(t *testing.T) {
	r := New()
	r.RegisterWorkflow("job", noopWorkflow, WorkflowConfig{})
	r.RegisterWorkflow("job", noopWorkflow, WorkflowConfig{MaxRecoveryAttempts: 5})

	w, err := r.Workflow("job")
	require.NoError(t, err)
	assert.Equal(t, 5, w.Config.MaxRecoveryAttempts)
	assert.Equal(t, []string{"job"}, r.WorkflowNames())
}

func TestRegistry_HasWorkflow(t *testing.T) {
	r := New()
	assert.False(t, r.HasWorkflow("job"))
	r.RegisterWorkflow("job", noopWorkflow, WorkflowConfig{})
	assert.True(t, r.HasWorkflow("job"))
}
