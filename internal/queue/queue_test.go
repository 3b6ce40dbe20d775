package queue_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sylvester-francis/everflow/core/ports"
	"github.com/sylvester-francis/everflow/internal/queue"
	"github.com/sylvester-francis/everflow/internal/sysdb"
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

func newTestPump(t *testing.T) (*queue.Pump, *mocks.SystemStore, *fakeRunner) {
	t.Helper()
	store := mocks.NewSystemStore()
	runner := &fakeRunner{errBy: make(map[string]error)}
	p, err := queue.New(queue.Config{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Store:  store,
		Runner: runner,
	})
	require.NoError(t, err)
	return p, store, runner
}

func TestPumpOnce_AdmitsInFIFOOrder(t *testing.T) {
	p, store, runner := newTestPump(t)
	p.RegisterQueue(queue.Queue{Name: "mail", Concurrency: 10})

	for _, id := range []string{"w1", "w2", "w3"} {
		require.NoError(t, store.EnqueueWorkflow(context.Background(), id, "mail"))
	}

	p.PumpOnce(context.Background())
	assert.Equal(t, []string{"w1", "w2", "w3"}, runner.ran)
}

func TestPumpOnce_RespectsConcurrencyLimit(t *testing.T) {
	p, store, runner := newTestPump(t)
	p.RegisterQueue(queue.Queue{Name: "mail", Concurrency: 2})

	for _, id := range []string{"w1", "w2", "w3", "w4"} {
		require.NoError(t, store.EnqueueWorkflow(context.Background(), id, "mail"))
	}

	p.PumpOnce(context.Background())
	assert.Equal(t, []string{"w1", "w2"}, runner.ran, "only the concurrency limit is admitted")

	// Nothing finished, so another pump admits nothing.
	p.PumpOnce(context.Background())
	assert.Len(t, runner.ran, 2)

	// Completing one entry frees one slot.
	require.NoError(t, store.CompleteQueueEntry(context.Background(), "w1"))
	p.PumpOnce(context.Background())
	assert.Equal(t, []string{"w1", "w2", "w3"}, runner.ran)
}

func TestPumpOnce_RunnerFailureDoesNotStopOthers(t *testing.T) {
	p, store, runner := newTestPump(t)
	p.RegisterQueue(queue.Queue{Name: "mail", Concurrency: 10})
	runner.errBy["w1"] = errors.New("unregistered")

	require.NoError(t, store.EnqueueWorkflow(context.Background(), "w1", "mail"))
	require.NoError(t, store.EnqueueWorkflow(context.Background(), "w2", "mail"))

	p.PumpOnce(context.Background())
	assert.Equal(t, []string{"w2"}, runner.ran)
}

func TestRegisterQueue_ReplacesLimits(t *testing.T) {
	p, _, _ := newTestPump(t)
	p.RegisterQueue(queue.Queue{Name: "mail", Concurrency: 1})
	p.RegisterQueue(queue.Queue{Name: "mail", Concurrency: 5, RateLimit: &sysdb.RateLimit{Limit: 10}})

	queues := p.Queues()
	require.Len(t, queues, 1)
	assert.Equal(t, 5, queues[0].Concurrency)
	require.NotNil(t, queues[0].RateLimit)
}
