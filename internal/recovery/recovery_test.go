package recovery_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sylvester-francis/everflow/core/domain"
	"github.com/sylvester-francis/everflow/core/ports"
	"github.com/sylvester-francis/everflow/internal/recovery"
	"github.com/sylvester-francis/everflow/internal/testutil/mocks"
)

type fakeRunner struct {
	mu    sync.Mutex
	ran   []string
	errBy map[string]error
}

func (f *fakeRunner) ExecuteWorkflowByID(_ context.Context, workflowID string) (ports.WorkflowHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.errBy[workflowID]; ok {
		return nil, err
	}
	f.ran = append(f.ran, workflowID)
	return nil, nil
}

func newTestCoordinator(t *testing.T) (*recovery.Coordinator, *mocks.SystemStore, *fakeRunner) {
	t.Helper()
	store := mocks.NewSystemStore()
	runner := &fakeRunner{errBy: make(map[string]error)}
	c, err := recovery.New(recovery.Config{
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		Store:        store,
		Runner:       runner,
		ExecutorID:   "self",
		HeartbeatTTL: time.Minute,
	})
	require.NoError(t, err)
	return c, store, runner
}

func pendingRow(id, executorID string) *domain.WorkflowStatusRow {
	return &domain.WorkflowStatusRow{
		WorkflowID: id,
		Status:     domain.WorkflowStatusPending,
		Name:       "job",
		ExecutorID: executorID,
	}
}

func TestRecoverPendingWorkflows_ResumesOwnAndOrphaned(t *testing.T) {
	c, store, runner := newTestCoordinator(t)

	// Owned by this executor from a previous run.
	store.Workflows["mine"] = pendingRow("mine", "self")
	// Owned by an executor with no heartbeat on record.
	store.Workflows["orphan"] = pendingRow("orphan", "dead-node")
	// Owned by a live executor: left alone.
	store.Workflows["busy"] = pendingRow("busy", "alive-node")
	require.NoError(t, store.RecordHeartbeat(context.Background(), "alive-node"))
	// Terminal rows are never touched.
	store.Workflows["done"] = &domain.WorkflowStatusRow{
		WorkflowID: "done", Status: domain.WorkflowStatusSuccess, Name: "job",
	}

	recovered, err := c.RecoverPendingWorkflows(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, recovered)
	assert.ElementsMatch(t, []string{"mine", "orphan"}, runner.ran)
}

func TestRecoverPendingWorkflows_ContinuesPastFailures(t *testing.T) {
	c, store, runner := newTestCoordinator(t)

	store.Workflows["bad"] = pendingRow("bad", "self")
	store.Workflows["good"] = pendingRow("good", "self")
	runner.errBy["bad"] = errors.New("function-unregistered")

	recovered, err := c.RecoverPendingWorkflows(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)
	assert.Equal(t, []string{"good"}, runner.ran)
}

func TestRecoverPendingWorkflows_NothingPending(t *testing.T) {
	c, _, runner := newTestCoordinator(t)

	recovered, err := c.RecoverPendingWorkflows(context.Background())
	require.NoError(t, err)
	assert.Zero(t, recovered)
	assert.Empty(t, runner.ran)
}
