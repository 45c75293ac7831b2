package outbox

import (
	"context"
	"errors"
	"reflect"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type execCall struct {
	sql  string
	args []any
}

// fakeDB records statements instead of running them.
type fakeDB struct {
	mu      sync.Mutex
	execs   []execCall
	batches [][]execCall

	execErr    error
	batchErr   error
	batchFail  int
	queryErr   error
	pending    [][]any
	rowResults [][]any
	batchClose int
}

func (db *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.execs = append(db.execs, execCall{sql: sql, args: args})
	if db.execErr != nil {
		return pgconn.CommandTag{}, db.execErr
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (db *fakeDB) Query(_ context.Context, _ string, _ ...any) (pgx.Rows, error) {
	if db.queryErr != nil {
		return nil, db.queryErr
	}
	return &fakeRows{rows: db.pending}, nil
}

func (db *fakeDB) QueryRow(_ context.Context, _ string, _ ...any) pgx.Row {
	db.mu.Lock()
	defer db.mu.Unlock()
	if len(db.rowResults) == 0 {
		return &fakeRow{err: errors.New("no row configured")}
	}
	vals := db.rowResults[0]
	db.rowResults = db.rowResults[1:]
	return &fakeRow{vals: vals}
}

func (db *fakeDB) SendBatch(_ context.Context, b *pgx.Batch) pgx.BatchResults {
	db.mu.Lock()
	defer db.mu.Unlock()
	calls := make([]execCall, 0, b.Len())
	for _, q := range b.QueuedQueries {
		calls = append(calls, execCall{sql: q.SQL, args: q.Arguments})
	}
	db.batches = append(db.batches, calls)
	return &fakeBatchResults{db: db, failAt: db.batchFail, err: db.batchErr}
}

func (db *fakeDB) execsMatching(sql string) []execCall {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []execCall
	for _, c := range db.execs {
		if c.sql == sql {
			out = append(out, c)
		}
	}
	return out
}

type fakeBatchResults struct {
	db     *fakeDB
	i      int
	failAt int
	err    error
}

func (b *fakeBatchResults) Exec() (pgconn.CommandTag, error) {
	i := b.i
	b.i++
	if b.err != nil && i == b.failAt {
		return pgconn.CommandTag{}, b.err
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (b *fakeBatchResults) Query() (pgx.Rows, error) { return &fakeRows{}, nil }

func (b *fakeBatchResults) QueryRow() pgx.Row { return &fakeRow{} }

func (b *fakeBatchResults) Close() error {
	b.db.mu.Lock()
	b.db.batchClose++
	b.db.mu.Unlock()
	return nil
}

type fakeRow struct {
	vals []any
	err  error
}

func (r *fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return assignAll(dest, r.vals)
}

type fakeRows struct {
	rows [][]any
	i    int
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.NewCommandTag("SELECT") }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func (r *fakeRows) Next() bool {
	if r.i < len(r.rows) {
		r.i++
		return true
	}
	return false
}

func (r *fakeRows) Scan(dest ...any) error {
	return assignAll(dest, r.rows[r.i-1])
}

func (r *fakeRows) Values() ([]any, error) {
	return r.rows[r.i-1], nil
}

func assignAll(dest []any, vals []any) error {
	if len(dest) != len(vals) {
		return errors.New("column count mismatch")
	}
	for i, d := range dest {
		reflect.ValueOf(d).Elem().Set(reflect.ValueOf(vals[i]))
	}
	return nil
}
