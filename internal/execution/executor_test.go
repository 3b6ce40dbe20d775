package execution_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sylvester-francis/everflow/core/domain"
	"github.com/sylvester-francis/everflow/core/ports"
	"github.com/sylvester-francis/everflow/core/registry"
	"github.com/sylvester-francis/everflow/internal/execution"
	"github.com/sylvester-francis/everflow/internal/testutil/mocks"
)

type testEnv struct {
	exec   *execution.Executor
	store  *mocks.SystemStore
	userDB *mocks.UserDB
	reg    *registry.Registry
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store := mocks.NewSystemStore()
	userDB := mocks.NewUserDB()
	reg := registry.New()

	exec, err := execution.New(execution.Config{
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		SystemDB:   store,
		UserDB:     userDB,
		Registry:   reg,
		ExecutorID: "test-executor",
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = exec.Shutdown(ctx)
	})

	return &testEnv{exec: exec, store: store, userDB: userDB, reg: reg}
}

// resetForReplay simulates a crash before the terminal status write: the row
// goes back to PENDING while the operation log keeps everything recorded.
func (env *testEnv) resetForReplay(workflowID string) {
	row := env.store.Workflows[workflowID]
	row.Status = domain.WorkflowStatusPending
	row.Output = nil
	row.Error = nil
}

func awaitResult(t *testing.T, h ports.WorkflowHandle) (json.RawMessage, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return h.GetResult(ctx)
}

func TestStartWorkflow_NotRegistered(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.exec.StartWorkflow(context.Background(), "missing", execution.StartOptions{}, nil)
	var notRegistered *domain.NotRegisteredError
	require.ErrorAs(t, err, &notRegistered)
	assert.Equal(t, "missing", notRegistered.Name)
}

func TestStartWorkflow_OnceAndOnlyOnce(t *testing.T) {
	env := newTestEnv(t)

	var stepRuns atomic.Int64
	env.reg.RegisterStep("charge", func(_ ports.StepContext, input json.RawMessage) (json.RawMessage, error) {
		stepRuns.Add(1)
		return input, nil
	}, registry.StepConfig{})
	env.reg.RegisterWorkflow("checkout", func(ctx ports.WorkflowContext, input json.RawMessage) (json.RawMessage, error) {
		return ctx.RunStep("charge", input)
	}, registry.WorkflowConfig{})

	h1, err := env.exec.StartWorkflow(context.Background(), "checkout", execution.StartOptions{WorkflowID: "W1"}, json.RawMessage(`42`))
	require.NoError(t, err)
	out1, err := awaitResult(t, h1)
	require.NoError(t, err)
	assert.JSONEq(t, `42`, string(out1))

	h2, err := env.exec.StartWorkflow(context.Background(), "checkout", execution.StartOptions{WorkflowID: "W1"}, json.RawMessage(`42`))
	require.NoError(t, err)
	out2, err := awaitResult(t, h2)
	require.NoError(t, err)
	assert.JSONEq(t, `42`, string(out2))

	assert.Equal(t, int64(1), stepRuns.Load(), "step body must run exactly once for one workflow id")
}

func TestStartWorkflow_ConflictingInput(t *testing.T) {
	env := newTestEnv(t)

	env.reg.RegisterWorkflow("noop", func(_ ports.WorkflowContext, input json.RawMessage) (json.RawMessage, error) {
		return input, nil
	}, registry.WorkflowConfig{})

	h, err := env.exec.StartWorkflow(context.Background(), "noop", execution.StartOptions{WorkflowID: "W1"}, json.RawMessage(`1`))
	require.NoError(t, err)
	_, err = awaitResult(t, h)
	require.NoError(t, err)

	_, err = env.exec.StartWorkflow(context.Background(), "noop", execution.StartOptions{WorkflowID: "W1"}, json.RawMessage(`2`))
	var conflict *domain.ConflictError
	require.ErrorAs(t, err, &conflict)
}

func TestFunctionIDs_StableAcrossReplay(t *testing.T) {
	env := newTestEnv(t)

	var runs atomic.Int64
	for _, name := range []string{"first", "second", "third"} {
		name := name
		env.reg.RegisterStep(name, func(_ ports.StepContext, _ json.RawMessage) (json.RawMessage, error) {
			runs.Add(1)
			return json.RawMessage(fmt.Sprintf("%q", name)), nil
		}, registry.StepConfig{})
	}
	env.reg.RegisterWorkflow("pipeline", func(ctx ports.WorkflowContext, _ json.RawMessage) (json.RawMessage, error) {
		for _, name := range []string{"first", "second", "third"} {
			if _, err := ctx.RunStep(name, nil); err != nil {
				return nil, err
			}
		}
		return json.RawMessage(`"done"`), nil
	}, registry.WorkflowConfig{})

	h, err := env.exec.StartWorkflow(context.Background(), "pipeline", execution.StartOptions{WorkflowID: "P"}, nil)
	require.NoError(t, err)
	_, err = awaitResult(t, h)
	require.NoError(t, err)

	require.Equal(t, 3, env.store.OperationCount("P"))
	for functionID, want := range []string{`"first"`, `"second"`, `"third"`} {
		res, err := env.store.CheckOperationOutput(context.Background(), "P", functionID)
		require.NoError(t, err)
		require.NotNil(t, res, "function id %d must have a recorded outcome", functionID)
		assert.Equal(t, want, *res.Output)
	}

	// A crash-replay assigns the same ids and replays every outcome.
	env.resetForReplay("P")
	h, err = env.exec.ResumeWorkflow(context.Background(), "P")
	require.NoError(t, err)
	out, err := awaitResult(t, h)
	require.NoError(t, err)
	assert.Equal(t, `"done"`, string(out))
	assert.Equal(t, int64(3), runs.Load(), "replay must not re-execute recorded steps")
}

func TestRunTransaction_AtMostOnceEffect(t *testing.T) {
	env := newTestEnv(t)

	var txRuns atomic.Int64
	env.reg.RegisterTransaction("insert_kv", func(_ ports.TransactionContext, input json.RawMessage) (json.RawMessage, error) {
		txRuns.Add(1)
		return input, nil
	}, registry.TransactionConfig{})
	env.reg.RegisterWorkflow("kv", func(ctx ports.WorkflowContext, input json.RawMessage) (json.RawMessage, error) {
		return ctx.RunTransaction("insert_kv", input)
	}, registry.WorkflowConfig{})

	h, err := env.exec.StartWorkflow(context.Background(), "kv", execution.StartOptions{WorkflowID: "T1"}, json.RawMessage(`42`))
	require.NoError(t, err)
	out, err := awaitResult(t, h)
	require.NoError(t, err)
	assert.Equal(t, `42`, string(out))

	row, ok := env.userDB.Row("T1", 0)
	require.True(t, ok, "guard row must be completed and committed")
	require.NotNil(t, row.Output)
	assert.Equal(t, `42`, *row.Output)

	env.resetForReplay("T1")
	h, err = env.exec.ResumeWorkflow(context.Background(), "T1")
	require.NoError(t, err)
	out, err = awaitResult(t, h)
	require.NoError(t, err)
	assert.Equal(t, `42`, string(out))
	assert.Equal(t, int64(1), txRuns.Load(), "transaction body must run at most once per (workflow, function)")
}

func TestRunTransaction_ErrorRecordedAndReplayed(t *testing.T) {
	env := newTestEnv(t)

	var txRuns atomic.Int64
	env.reg.RegisterTransaction("explode", func(_ ports.TransactionContext, _ json.RawMessage) (json.RawMessage, error) {
		txRuns.Add(1)
		return nil, errors.New("constraint violated")
	}, registry.TransactionConfig{})
	env.reg.RegisterWorkflow("fragile", func(ctx ports.WorkflowContext, input json.RawMessage) (json.RawMessage, error) {
		return ctx.RunTransaction("explode", input)
	}, registry.WorkflowConfig{})

	h, err := env.exec.StartWorkflow(context.Background(), "fragile", execution.StartOptions{WorkflowID: "T2"}, nil)
	require.NoError(t, err)
	_, err = awaitResult(t, h)
	require.EqualError(t, err, "constraint violated")

	row, ok := env.userDB.Row("T2", 0)
	require.True(t, ok, "failed transaction must record its error")
	require.NotNil(t, row.Error)

	env.resetForReplay("T2")
	h, err = env.exec.ResumeWorkflow(context.Background(), "T2")
	require.NoError(t, err)
	_, err = awaitResult(t, h)
	require.EqualError(t, err, "constraint violated")
	assert.Equal(t, int64(1), txRuns.Load(), "recorded error must replay without re-executing")
}

func TestRunTransaction_ReadOnlyBuffersOutput(t *testing.T) {
	env := newTestEnv(t)

	env.reg.RegisterTransaction("lookup", func(_ ports.TransactionContext, _ json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`"cached"`), nil
	}, registry.TransactionConfig{ReadOnly: true})
	env.reg.RegisterWorkflow("reader", func(ctx ports.WorkflowContext, input json.RawMessage) (json.RawMessage, error) {
		return ctx.RunTransaction("lookup", input)
	}, registry.WorkflowConfig{})

	h, err := env.exec.StartWorkflow(context.Background(), "reader", execution.StartOptions{WorkflowID: "RO"}, nil)
	require.NoError(t, err)
	out, err := awaitResult(t, h)
	require.NoError(t, err)
	assert.Equal(t, `"cached"`, string(out))

	_, ok := env.userDB.Row("RO", 0)
	assert.False(t, ok, "read-only outputs skip the synchronous durability write")

	env.exec.FlushTransactionBuffer(context.Background())
	row, ok := env.userDB.Row("RO", 0)
	require.True(t, ok, "the background flush persists buffered outputs")
	require.NotNil(t, row.Output)
	assert.Equal(t, `"cached"`, *row.Output)

	// A second flush has nothing left to write.
	env.exec.FlushTransactionBuffer(context.Background())
}

func TestRunStep_RetryExhaustion(t *testing.T) {
	env := newTestEnv(t)

	var attempts atomic.Int64
	env.reg.RegisterStep("flaky", func(_ ports.StepContext, _ json.RawMessage) (json.RawMessage, error) {
		attempts.Add(1)
		return nil, errors.New("upstream down")
	}, registry.StepConfig{
		RetriesAllowed: true,
		MaxAttempts:    3,
		Interval:       time.Millisecond,
		BackoffRate:    2,
	})
	env.reg.RegisterWorkflow("caller", func(ctx ports.WorkflowContext, _ json.RawMessage) (json.RawMessage, error) {
		return ctx.RunStep("flaky", nil)
	}, registry.WorkflowConfig{})

	h, err := env.exec.StartWorkflow(context.Background(), "caller", execution.StartOptions{WorkflowID: "R1"}, nil)
	require.NoError(t, err)
	_, err = awaitResult(t, h)

	var exceeded *domain.RetriesExceededError
	require.ErrorAs(t, err, &exceeded)
	assert.Contains(t, exceeded.Error(), "3 attempts")
	assert.Contains(t, exceeded.Error(), "upstream down")
	assert.Equal(t, int64(3), attempts.Load())

	status, statusErr := env.store.GetWorkflowStatus(context.Background(), "R1")
	require.NoError(t, statusErr)
	assert.Equal(t, domain.WorkflowStatusRetriesExceeded, status.Status)

	// Replay yields the recorded error verbatim without new attempts.
	env.resetForReplay("R1")
	h, resumeErr := env.exec.ResumeWorkflow(context.Background(), "R1")
	require.NoError(t, resumeErr)
	_, replayErr := awaitResult(t, h)
	require.ErrorAs(t, replayErr, &exceeded)
	assert.Equal(t, err.Error(), replayErr.Error())
	assert.Equal(t, int64(3), attempts.Load())
}

func TestRunStep_NoRetriesRecordsRawError(t *testing.T) {
	env := newTestEnv(t)

	var attempts atomic.Int64
	env.reg.RegisterStep("once", func(_ ports.StepContext, _ json.RawMessage) (json.RawMessage, error) {
		attempts.Add(1)
		return nil, errors.New("boom")
	}, registry.StepConfig{RetriesAllowed: false, MaxAttempts: 5})
	env.reg.RegisterWorkflow("single", func(ctx ports.WorkflowContext, _ json.RawMessage) (json.RawMessage, error) {
		return ctx.RunStep("once", nil)
	}, registry.WorkflowConfig{})

	h, err := env.exec.StartWorkflow(context.Background(), "single", execution.StartOptions{WorkflowID: "R2"}, nil)
	require.NoError(t, err)
	_, err = awaitResult(t, h)
	require.EqualError(t, err, "boom")
	assert.Equal(t, int64(1), attempts.Load())
}

func TestChildWorkflows_DeterministicIDs(t *testing.T) {
	env := newTestEnv(t)

	childRuns := make(map[string]*atomic.Int64)
	childRuns["P-0"] = &atomic.Int64{}
	childRuns["P-1"] = &atomic.Int64{}

	env.reg.RegisterWorkflow("child", func(ctx ports.WorkflowContext, input json.RawMessage) (json.RawMessage, error) {
		if counter, ok := childRuns[ctx.WorkflowID()]; ok {
			counter.Add(1)
		}
		return input, nil
	}, registry.WorkflowConfig{})
	env.reg.RegisterWorkflow("parent", func(ctx ports.WorkflowContext, _ json.RawMessage) (json.RawMessage, error) {
		h0, err := ctx.InvokeWorkflow("child", json.RawMessage(`"a"`))
		if err != nil {
			return nil, err
		}
		h1, err := ctx.InvokeWorkflow("child", json.RawMessage(`"b"`))
		if err != nil {
			return nil, err
		}
		r0, err := h0.GetResult(ctx)
		if err != nil {
			return nil, err
		}
		r1, err := h1.GetResult(ctx)
		if err != nil {
			return nil, err
		}
		return json.RawMessage(`[` + string(r0) + `,` + string(r1) + `]`), nil
	}, registry.WorkflowConfig{})

	h, err := env.exec.StartWorkflow(context.Background(), "parent", execution.StartOptions{WorkflowID: "P"}, nil)
	require.NoError(t, err)
	out, err := awaitResult(t, h)
	require.NoError(t, err)
	assert.JSONEq(t, `["a","b"]`, string(out))

	require.NotNil(t, env.store.Workflows["P-0"], "first child id derives from parent id and step position")
	require.NotNil(t, env.store.Workflows["P-1"])

	// Replaying the parent re-attaches to both children instead of spawning
	// new instances.
	env.resetForReplay("P")
	h, err = env.exec.ResumeWorkflow(context.Background(), "P")
	require.NoError(t, err)
	_, err = awaitResult(t, h)
	require.NoError(t, err)
	assert.Equal(t, int64(1), childRuns["P-0"].Load())
	assert.Equal(t, int64(1), childRuns["P-1"].Load())
}

func TestSendRecv_RoundTripAndReplay(t *testing.T) {
	env := newTestEnv(t)

	env.reg.RegisterWorkflow("receiver", func(ctx ports.WorkflowContext, _ json.RawMessage) (json.RawMessage, error) {
		return ctx.Recv("chan", 3*time.Second)
	}, registry.WorkflowConfig{})
	env.reg.RegisterWorkflow("sender", func(ctx ports.WorkflowContext, _ json.RawMessage) (json.RawMessage, error) {
		return nil, ctx.Send("B", "chan", json.RawMessage(`"hello"`))
	}, registry.WorkflowConfig{})

	hb, err := env.exec.StartWorkflow(context.Background(), "receiver", execution.StartOptions{WorkflowID: "B"}, nil)
	require.NoError(t, err)
	ha, err := env.exec.StartWorkflow(context.Background(), "sender", execution.StartOptions{WorkflowID: "A"}, nil)
	require.NoError(t, err)

	_, err = awaitResult(t, ha)
	require.NoError(t, err)
	out, err := awaitResult(t, hb)
	require.NoError(t, err)
	assert.Equal(t, `"hello"`, string(out))

	// Replaying the receiver returns the recorded message; nothing is left
	// to consume.
	env.resetForReplay("B")
	hb, err = env.exec.ResumeWorkflow(context.Background(), "B")
	require.NoError(t, err)
	out, err = awaitResult(t, hb)
	require.NoError(t, err)
	assert.Equal(t, `"hello"`, string(out))
	assert.Empty(t, env.store.Notifications)
}

func TestSend_UnknownDestination(t *testing.T) {
	env := newTestEnv(t)

	env.reg.RegisterWorkflow("sender", func(ctx ports.WorkflowContext, _ json.RawMessage) (json.RawMessage, error) {
		return nil, ctx.Send("nobody", "chan", json.RawMessage(`"hi"`))
	}, registry.WorkflowConfig{})

	h, err := env.exec.StartWorkflow(context.Background(), "sender", execution.StartOptions{WorkflowID: "A"}, nil)
	require.NoError(t, err)
	_, err = awaitResult(t, h)
	require.Error(t, err)
}

func TestEvents_SetOnceGetMany(t *testing.T) {
	env := newTestEnv(t)

	env.reg.RegisterWorkflow("publisher", func(ctx ports.WorkflowContext, _ json.RawMessage) (json.RawMessage, error) {
		if err := ctx.SetEvent("result", json.RawMessage(`"ready"`)); err != nil {
			return nil, err
		}
		return nil, ctx.SetEvent("result", json.RawMessage(`"changed"`))
	}, registry.WorkflowConfig{})

	h, err := env.exec.StartWorkflow(context.Background(), "publisher", execution.StartOptions{WorkflowID: "E"}, nil)
	require.NoError(t, err)
	_, err = awaitResult(t, h)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already set")

	env.reg.RegisterWorkflow("watcher", func(ctx ports.WorkflowContext, _ json.RawMessage) (json.RawMessage, error) {
		return ctx.GetEvent("E", "result", time.Second)
	}, registry.WorkflowConfig{})
	hw, err := env.exec.StartWorkflow(context.Background(), "watcher", execution.StartOptions{WorkflowID: "W"}, nil)
	require.NoError(t, err)
	out, err := awaitResult(t, hw)
	require.NoError(t, err)
	assert.Equal(t, `"ready"`, string(out), "the first write wins")
}

func TestCancelWorkflow(t *testing.T) {
	env := newTestEnv(t)

	started := make(chan struct{})
	env.reg.RegisterWorkflow("waiter", func(ctx ports.WorkflowContext, _ json.RawMessage) (json.RawMessage, error) {
		close(started)
		return ctx.Recv("never", 30*time.Second)
	}, registry.WorkflowConfig{})

	h, err := env.exec.StartWorkflow(context.Background(), "waiter", execution.StartOptions{WorkflowID: "C"}, nil)
	require.NoError(t, err)
	<-started

	require.NoError(t, env.exec.CancelWorkflow(context.Background(), "C"))

	_, err = awaitResult(t, h)
	var cancelled *domain.CancelledError
	require.ErrorAs(t, err, &cancelled)

	status, err := env.store.GetWorkflowStatus(context.Background(), "C")
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowStatusCancelled, status.Status)
}

func TestDebugWorkflow_RequiresRecordedHistory(t *testing.T) {
	env := newTestEnv(t)

	var runs atomic.Int64
	env.reg.RegisterStep("observe", func(_ ports.StepContext, _ json.RawMessage) (json.RawMessage, error) {
		runs.Add(1)
		return json.RawMessage(`"live"`), nil
	}, registry.StepConfig{})
	env.reg.RegisterWorkflow("traced", func(ctx ports.WorkflowContext, _ json.RawMessage) (json.RawMessage, error) {
		return ctx.RunStep("observe", nil)
	}, registry.WorkflowConfig{})

	// No history: replay mode must fail rather than execute.
	_, err := env.exec.DebugWorkflow(context.Background(), "traced", "D", nil)
	var debuggerErr *domain.DebuggerError
	require.ErrorAs(t, err, &debuggerErr)
	assert.Equal(t, int64(0), runs.Load())

	// With history: replay returns the recorded outcome, still without
	// executing.
	h, err := env.exec.StartWorkflow(context.Background(), "traced", execution.StartOptions{WorkflowID: "D"}, nil)
	require.NoError(t, err)
	_, err = awaitResult(t, h)
	require.NoError(t, err)
	require.Equal(t, int64(1), runs.Load())

	out, err := env.exec.DebugWorkflow(context.Background(), "traced", "D", nil)
	require.NoError(t, err)
	assert.Equal(t, `"live"`, string(out))
	assert.Equal(t, int64(1), runs.Load())
}

func TestSleep_RecordsDeadline(t *testing.T) {
	env := newTestEnv(t)

	env.reg.RegisterWorkflow("napper", func(ctx ports.WorkflowContext, _ json.RawMessage) (json.RawMessage, error) {
		if err := ctx.Sleep(5 * time.Millisecond); err != nil {
			return nil, err
		}
		return json.RawMessage(`"rested"`), nil
	}, registry.WorkflowConfig{})

	h, err := env.exec.StartWorkflow(context.Background(), "napper", execution.StartOptions{WorkflowID: "S"}, nil)
	require.NoError(t, err)
	_, err = awaitResult(t, h)
	require.NoError(t, err)

	res, err := env.store.CheckOperationOutput(context.Background(), "S", 0)
	require.NoError(t, err)
	require.NotNil(t, res, "sleep must record its wake deadline")
	require.NotNil(t, res.Output)

	// A replay whose deadline already passed returns immediately.
	env.resetForReplay("S")
	start := time.Now()
	h, err = env.exec.ResumeWorkflow(context.Background(), "S")
	require.NoError(t, err)
	_, err = awaitResult(t, h)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestExecuteWorkflowByID_Unregistered(t *testing.T) {
	env := newTestEnv(t)

	env.store.Workflows["ghost"] = &domain.WorkflowStatusRow{
		WorkflowID: "ghost",
		Status:     domain.WorkflowStatusPending,
		Name:       "gone",
	}

	_, err := env.exec.ExecuteWorkflowByID(context.Background(), "ghost")
	require.Error(t, err)

	status, gerr := env.store.GetWorkflowStatus(context.Background(), "ghost")
	require.NoError(t, gerr)
	assert.Equal(t, domain.WorkflowStatusError, status.Status)
	require.NotNil(t, status.Error)
	assert.Contains(t, *status.Error, "not registered")
}
