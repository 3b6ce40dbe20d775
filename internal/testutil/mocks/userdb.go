package mocks

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/sylvester-francis/everflow/core/ports"
)

// TxOutputRow is an in-memory dbos.transaction_outputs row.
type TxOutputRow struct {
	Output   *string
	Error    *string
	Snapshot string
}

// UserDB is an in-memory stand-in for the user database adapter. It emulates
// just enough of the operation-log SQL — the guarded select, the guard-row
// insert with its unique key, the completing update, and the buffered-output
// batch — for the transactional step protocol to run hermetically. User SQL
// in step bodies is accepted and ignored.
type UserDB struct {
	mu sync.Mutex

	// TxOutputs is keyed by workflow id then function id.
	TxOutputs map[string]map[int]*TxOutputRow
}

var _ ports.UserDatabase = (*UserDB)(nil)

// NewUserDB creates an empty in-memory user database.
func NewUserDB() *UserDB {
	return &UserDB{TxOutputs: make(map[string]map[int]*TxOutputRow)}
}

// Transaction runs fn against a staged view; staged writes become visible
// only when fn succeeds, mirroring commit/rollback.
func (d *UserDB) Transaction(ctx context.Context, _ ports.TxOptions, fn func(ctx context.Context, tx pgx.Tx) error) error {
	tx := &fakeTx{db: d, staged: make(map[string]map[int]*TxOutputRow)}
	if err := fn(ctx, tx); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for workflowID, rows := range tx.staged {
		if d.TxOutputs[workflowID] == nil {
			d.TxOutputs[workflowID] = make(map[int]*TxOutputRow)
		}
		for functionID, row := range rows {
			if _, exists := d.TxOutputs[workflowID][functionID]; exists {
				continue
			}
			d.TxOutputs[workflowID][functionID] = row
		}
	}
	return nil
}

func (d *UserDB) IsRetriableTransactionError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "40001"
}

func (d *UserDB) IsKeyConflictError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (d *UserDB) Close() {}

// Row reads a committed transaction output row.
func (d *UserDB) Row(workflowID string, functionID int) (*TxOutputRow, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	row, ok := d.TxOutputs[workflowID][functionID]
	return row, ok
}

// fakeTx dispatches the runtime's operation-log SQL by shape.
type fakeTx struct {
	db     *UserDB
	staged map[string]map[int]*TxOutputRow
}

var _ pgx.Tx = (*fakeTx)(nil)

func (t *fakeTx) committed(workflowID string, functionID int) (*TxOutputRow, bool) {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()
	row, ok := t.db.TxOutputs[workflowID][functionID]
	return row, ok
}

func (t *fakeTx) stage(workflowID string, functionID int, row *TxOutputRow) {
	if t.staged[workflowID] == nil {
		t.staged[workflowID] = make(map[int]*TxOutputRow)
	}
	t.staged[workflowID][functionID] = row
}

func (t *fakeTx) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	if strings.Contains(sql, "pg_current_snapshot") {
		workflowID, _ := args[0].(string)
		functionID, _ := args[1].(int)
		if row, ok := t.committed(workflowID, functionID); ok {
			return &scanRow{vals: []any{row.Output, row.Error, "fake-snapshot", true}}
		}
		return &scanRow{vals: []any{(*string)(nil), (*string)(nil), "fake-snapshot", false}}
	}
	return &scanRow{err: errors.New("mocks: unexpected QueryRow: " + sql)}
}

func (t *fakeTx) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	switch {
	case strings.Contains(sql, "VALUES ($1, $2, NULL, NULL, NULL, $3, $4)"):
		// Guard row insert.
		workflowID, _ := args[0].(string)
		functionID, _ := args[1].(int)
		snapshot, _ := args[2].(string)
		if _, ok := t.committed(workflowID, functionID); ok {
			return pgconn.CommandTag{}, &pgconn.PgError{Code: "23505"}
		}
		if _, ok := t.staged[workflowID][functionID]; ok {
			return pgconn.CommandTag{}, &pgconn.PgError{Code: "23505"}
		}
		t.stage(workflowID, functionID, &TxOutputRow{Snapshot: snapshot})
		return pgconn.CommandTag{}, nil

	case strings.HasPrefix(strings.TrimSpace(sql), "UPDATE dbos.transaction_outputs"):
		workflowID, _ := args[0].(string)
		functionID, _ := args[1].(int)
		output, _ := args[2].(*string)
		if row, ok := t.staged[workflowID][functionID]; ok {
			row.Output = output
		}
		return pgconn.CommandTag{}, nil

	case strings.Contains(sql, "(workflow_uuid, function_id, error, created_at)"):
		workflowID, _ := args[0].(string)
		functionID, _ := args[1].(int)
		envelope, _ := args[2].(string)
		if _, ok := t.committed(workflowID, functionID); !ok {
			t.stage(workflowID, functionID, &TxOutputRow{Error: &envelope})
		}
		return pgconn.CommandTag{}, nil

	default:
		// User SQL inside step bodies is accepted and ignored.
		return pgconn.CommandTag{}, nil
	}
}

func (t *fakeTx) SendBatch(_ context.Context, b *pgx.Batch) pgx.BatchResults {
	for _, q := range b.QueuedQueries {
		args := q.Arguments
		workflowID, _ := args[0].(string)
		functionID, _ := args[1].(int)
		output, _ := args[2].(*string)
		snapshot, _ := args[3].(string)
		if _, ok := t.committed(workflowID, functionID); ok {
			continue
		}
		t.stage(workflowID, functionID, &TxOutputRow{Output: output, Snapshot: snapshot})
	}
	return &fakeBatchResults{}
}

func (t *fakeTx) Begin(context.Context) (pgx.Tx, error) { return t, nil }
func (t *fakeTx) Commit(context.Context) error          { return nil }
func (t *fakeTx) Rollback(context.Context) error        { return nil }

func (t *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, errors.New("mocks: CopyFrom not supported")
}

func (t *fakeTx) LargeObjects() pgx.LargeObjects { return pgx.LargeObjects{} }

func (t *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, errors.New("mocks: Prepare not supported")
}

func (t *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("mocks: Query not supported")
}

func (t *fakeTx) Conn() *pgx.Conn { return nil }

type fakeBatchResults struct{}

func (r *fakeBatchResults) Exec() (pgconn.CommandTag, error) { return pgconn.CommandTag{}, nil }
func (r *fakeBatchResults) Query() (pgx.Rows, error)         { return nil, errors.New("mocks: not supported") }
func (r *fakeBatchResults) QueryRow() pgx.Row                { return &scanRow{err: errors.New("mocks: not supported")} }
func (r *fakeBatchResults) Close() error                     { return nil }

// scanRow satisfies pgx.Row for scripted values.
type scanRow struct {
	vals []any
	err  error
}

func (r *scanRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		switch dst := d.(type) {
		case **string:
			*dst = r.vals[i].(*string)
		case *string:
			*dst = r.vals[i].(string)
		case *bool:
			*dst = r.vals[i].(bool)
		default:
			return errors.New("mocks: unsupported scan destination")
		}
	}
	return nil
}
