package pipeline

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type FileKind string

const (
	SongFile FileKind = "song"
	LogFile  FileKind = "log"
)

// FileResult is the outcome of one input file. Rows is empty unless the
// file's transaction committed.
type FileResult struct {
	Path      string
	Kind      FileKind
	Rows      map[string]int64
	Discarded int
	Resolved  int
	Duration  time.Duration
	Err       error
}

func (f FileResult) Committed() bool { return f.Err == nil }

type Summary struct {
	RunID     uuid.UUID
	SongFiles int
	LogFiles  int
	Committed int
	Failed    int
	Rows      map[string]int64
	Discarded int
	Resolved  int
	Files     []FileResult
	Duration  time.Duration
}

func newSummary(runID uuid.UUID) Summary {
	return Summary{RunID: runID, Rows: make(map[string]int64)}
}

func (s *Summary) add(f FileResult) {
	s.Files = append(s.Files, f)
	switch f.Kind {
	case SongFile:
		s.SongFiles++
	case LogFile:
		s.LogFiles++
	}
	if !f.Committed() {
		s.Failed++
		return
	}
	s.Committed++
	for table, n := range f.Rows {
		s.Rows[table] += n
	}
	s.Discarded += f.Discarded
	s.Resolved += f.Resolved
}

// FailedFiles returns the results that were rolled back.
func (s Summary) FailedFiles() []FileResult {
	var out []FileResult
	for _, f := range s.Files {
		if !f.Committed() {
			out = append(out, f)
		}
	}
	return out
}

// ConnectionLostError aborts a run: the database stopped answering after a
// file failed.
type ConnectionLostError struct {
	Path string
	Err  error
}

func (e *ConnectionLostError) Error() string {
	return fmt.Sprintf("pipeline: connection lost after %s: %v", e.Path, e.Err)
}

func (e *ConnectionLostError) Unwrap() error { return e.Err }
