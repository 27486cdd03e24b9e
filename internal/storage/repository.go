package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"sparkify/internal/model"
)

// Config is the minimal configuration needed to open a repository.
//
// Edge cases:
//   - Kind must be non-empty and must match a registered backend kind.
//   - DSN is passed through to the backend factory; validation is backend-specific.
type Config struct {
	Kind string
	DSN  string
}

// Repository is the backend-agnostic view of the warehouse database.
//
// Each backend holds a single long-lived connection. Callers must not issue
// repository calls while a Tx from Begin is open, since the transaction owns
// that connection.
type Repository interface {
	// Close releases the connection. Call once.
	Close()

	// Ping checks that the connection is still usable.
	Ping(ctx context.Context) error

	// DropTable drops the table if it exists.
	DropTable(ctx context.Context, name string) error

	// CreateTable creates the table with all of its constraints. The table
	// must not already exist.
	CreateTable(ctx context.Context, t TableSpec) error

	// InsertSQL renders the single-row parameterized insert for t, honouring
	// t.Load.Conflict in the backend's own dialect.
	InsertSQL(t TableSpec) (string, error)

	// LookupSongs resolves (title, artist name, duration) keys to song and
	// artist ids. Keys with no match are absent from the result.
	LookupSongs(ctx context.Context, keys []model.SongKey) (map[model.SongKey]model.SongMatch, error)

	// Begin opens a transaction on the repository connection.
	Begin(ctx context.Context) (Tx, error)
}

// Tx is a unit of work. Exactly one of Commit or Rollback must be called.
type Tx interface {
	Exec(ctx context.Context, query string, args ...any) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

type factory func(ctx context.Context, cfg Config) (Repository, error)

var (
	mu        sync.RWMutex
	factories = map[string]factory{}
)

// Register registers a backend under a kind (e.g. "postgres", "sqlite").
//
// Call Register from an init() function in a backend package.
//
// Panics:
//   - If kind is empty.
//   - If f is nil.
//   - If kind is already registered.
func Register(kind string, f factory) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: factory already registered for kind=%q", kind))
	}

	factories[kind] = f
}

// Open constructs a Repository using the registered backend factory.
//
// Errors:
//   - Returns an error if cfg.Kind is empty or unsupported.
//   - Returns whatever error the registered factory returns.
func Open(ctx context.Context, cfg Config) (Repository, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing kind")
	}

	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("storage: unsupported kind=%s (registered: %v)", cfg.Kind, Kinds())
	}
	return f(ctx, cfg)
}

// Kinds lists registered backend kinds in sorted order.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()

	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
