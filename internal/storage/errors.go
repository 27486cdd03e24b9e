package storage

import "fmt"

// Transaction steps reported in DatabaseWriteError.Op.
const (
	OpBegin  = "begin"
	OpInsert = "insert"
	OpCommit = "commit"
)

// DatabaseWriteError reports a failed write. For inserts, Row is the
// zero-based index of the row within the batch handed to Loader.Load. Begin
// and commit failures have no table and Row is -1.
type DatabaseWriteError struct {
	Op    string
	Table string
	Row   int
	Err   error
}

func (e *DatabaseWriteError) Error() string {
	if e.Op == OpBegin || e.Op == OpCommit {
		return fmt.Sprintf("write: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("write %s row %d: %v", e.Table, e.Row, e.Err)
}

func (e *DatabaseWriteError) Unwrap() error { return e.Err }
