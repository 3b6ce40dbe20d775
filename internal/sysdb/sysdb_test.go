package sysdb

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newWaiterDB() *DB {
	return &DB{waiters: make(map[string][]chan struct{})}
}

func TestSubscribe_WakeClosesChannel(t *testing.T) {
	d := newWaiterDB()

	ch, cancel := d.subscribe(notificationsChannel, "wf::topic")
	defer cancel()

	d.wake(notificationsChannel, "wf::topic")

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken")
	}
}

func TestSubscribe_DifferentPayloadsAreIndependent(t *testing.T) {
	d := newWaiterDB()

	ch, cancel := d.subscribe(notificationsChannel, "wf::a")
	defer cancel()

	d.wake(notificationsChannel, "wf::b")
	d.wake(workflowEventsChannel, "wf::a")

	select {
	case <-ch:
		t.Fatal("waiter woken by unrelated payload")
	default:
	}
}

func TestSubscribe_CancelRemovesWaiter(t *testing.T) {
	d := newWaiterDB()

	_, cancel := d.subscribe(notificationsChannel, "wf::topic")
	cancel()

	d.waiterMu.Lock()
	defer d.waiterMu.Unlock()
	assert.Empty(t, d.waiters)
}

func TestSubscribe_MultipleWaitersAllWoken(t *testing.T) {
	d := newWaiterDB()

	ch1, cancel1 := d.subscribe(workflowEventsChannel, "wf::key")
	defer cancel1()
	ch2, cancel2 := d.subscribe(workflowEventsChannel, "wf::key")
	defer cancel2()

	d.wake(workflowEventsChannel, "wf::key")

	for i, ch := range []<-chan struct{}{ch1, ch2} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatalf("waiter %d was not woken", i)
		}
	}
}

func TestWakeAll(t *testing.T) {
	d := newWaiterDB()

	ch1, cancel1 := d.subscribe(notificationsChannel, "a::x")
	defer cancel1()
	ch2, cancel2 := d.subscribe(workflowEventsChannel, "b::y")
	defer cancel2()

	d.wakeAll()

	for _, ch := range []<-chan struct{}{ch1, ch2} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatal("waiter survived wakeAll")
		}
	}
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, isUniqueViolation(&pgconn.PgError{Code: "23505"}))
	assert.True(t, isUniqueViolation(fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})))
	assert.False(t, isUniqueViolation(&pgconn.PgError{Code: "40001"}))
	assert.False(t, isUniqueViolation(errors.New("boom")))
}

func TestStringPtrEqual(t *testing.T) {
	a, b := "x", "x"
	c := "y"
	assert.True(t, stringPtrEqual(nil, nil))
	assert.True(t, stringPtrEqual(&a, &b))
	assert.False(t, stringPtrEqual(&a, &c))
	assert.False(t, stringPtrEqual(&a, nil))
	assert.False(t, stringPtrEqual(nil, &a))
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{}
	require.Error(t, cfg.Validate())

	cfg.Logger = testLogger()
	require.Error(t, cfg.Validate(), "URL is required")

	cfg.URL = "postgres://localhost/app_dbos_sys"
	require.NoError(t, cfg.Validate())
	assert.NotNil(t, cfg.Clock)
	assert.Positive(t, cfg.PollInterval)
}
