// Package file implements the local filesystem data source: enumerating
// input files under a root and opening them.
package file

import (
	"context"
	"fmt"
	"io"
	"os"
)

// Local opens a single file from the local disk.
type Local struct{ path string }

func NewLocal(path string) *Local { return &Local{path: path} }

// Path returns the bound path.
func (l *Local) Path() string { return l.path }

// Open returns ctx.Err() without touching the filesystem when ctx is already
// done. Filesystem errors are wrapped with the path and keep errors.Is
// semantics (os.ErrNotExist and friends).
func (l *Local) Open(ctx context.Context) (io.ReadCloser, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	f, err := os.Open(l.path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", l.path, err)
	}
	return f, nil
}
