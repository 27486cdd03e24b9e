package storage

import (
	"context"
	"fmt"
	"time"
)

// Row is any value that can be written as one table row.
type Row interface {
	Values() []any
}

// Rows adapts a typed row slice to []Row.
func Rows[R Row](in []R) []Row {
	out := make([]Row, len(in))
	for i := range in {
		out[i] = in[i]
	}
	return out
}

type statement struct {
	sql   string
	width int
}

// Loader writes rows through per-table parameterized inserts. Statements are
// rendered once by the repository's dialect when the Loader is built.
type Loader struct {
	stmts   map[string]statement
	timeout time.Duration
}

// NewLoader renders one insert statement per table.
//
// timeout bounds every single database call; zero disables the bound.
func NewLoader(repo Repository, tables []TableSpec, timeout time.Duration) (*Loader, error) {
	stmts := make(map[string]statement, len(tables))
	for _, t := range tables {
		if err := t.Validate(); err != nil {
			return nil, fmt.Errorf("loader: %w", err)
		}
		q, err := repo.InsertSQL(t)
		if err != nil {
			return nil, fmt.Errorf("loader: build insert for %s: %w", t.Name, err)
		}
		stmts[t.Name] = statement{sql: q, width: len(t.Columns)}
	}
	return &Loader{stmts: stmts, timeout: timeout}, nil
}

// Load executes one insert per row inside tx, in slice order. The first
// failure stops the load and is returned as *DatabaseWriteError; the caller
// owns the rollback.
func (l *Loader) Load(ctx context.Context, tx Tx, table string, rows []Row) (int64, error) {
	st, ok := l.stmts[table]
	if !ok {
		return 0, fmt.Errorf("loader: no statement for table %s", table)
	}

	var n int64
	for i, r := range rows {
		vals := r.Values()
		if len(vals) != st.width {
			return n, &DatabaseWriteError{
				Op:    OpInsert,
				Table: table,
				Row:   i,
				Err:   fmt.Errorf("row has %d values, table has %d columns", len(vals), st.width),
			}
		}

		cctx, cancel := l.callContext(ctx)
		err := tx.Exec(cctx, st.sql, vals...)
		cancel()
		if err != nil {
			return n, &DatabaseWriteError{Op: OpInsert, Table: table, Row: i, Err: err}
		}
		n++
	}
	return n, nil
}

// SQL returns the rendered insert for table, for diagnostics and tests.
func (l *Loader) SQL(table string) string {
	return l.stmts[table].sql
}

func (l *Loader) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if l.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, l.timeout)
}
