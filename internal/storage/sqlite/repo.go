package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"sparkify/internal/model"
	"sparkify/internal/storage"
)

func init() {
	storage.Register("sqlite", New)
}

// Repo implements storage.Repository for SQLite.
//
// Key design points vs Postgres:
//   - The pool is pinned to one connection. That keeps ":memory:" databases
//     alive for the life of the repo and makes PRAGMA foreign_keys stick.
//   - SQLite has no timestamp type; timestamps are stored as RFC3339Nano
//     TEXT in UTC, which sorts and compares correctly.
type Repo struct {
	db *sql.DB
}

// New opens cfg.DSN (a file path or ":memory:") and enables foreign keys.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: enable foreign keys: %w", err)
	}
	return &Repo{db: db}, nil
}

func (r *Repo) Close() { _ = r.db.Close() }

func (r *Repo) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *Repo) DropTable(ctx context.Context, name string) error {
	if _, err := r.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+sqlIdent(name)); err != nil {
		return fmt.Errorf("sqlite: drop table %s: %w", name, err)
	}
	return nil
}

func (r *Repo) CreateTable(ctx context.Context, t storage.TableSpec) error {
	q, err := buildCreateTableSQL(t)
	if err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("sqlite: create table %s: %w", t.Name, err)
	}
	return nil
}

func (r *Repo) InsertSQL(t storage.TableSpec) (string, error) {
	return buildInsertSQL(t)
}

const lookupSongSQL = `SELECT s.song_id, s.artist_id
FROM songs s
JOIN artists a ON a.artist_id = s.artist_id
WHERE s.title = ? AND a.name = ? AND s.duration = ?
ORDER BY s.song_id
LIMIT 1`

func (r *Repo) LookupSongs(ctx context.Context, keys []model.SongKey) (map[model.SongKey]model.SongMatch, error) {
	out := make(map[model.SongKey]model.SongMatch, len(keys))
	for _, k := range keys {
		if _, done := out[k]; done {
			continue
		}
		var m model.SongMatch
		err := r.db.QueryRowContext(ctx, lookupSongSQL, k.Title, k.Artist, k.Duration).Scan(&m.SongID, &m.ArtistID)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("sqlite: lookup song %q: %w", k.Title, err)
		}
		out[k] = m
	}
	return out, nil
}

func (r *Repo) Begin(ctx context.Context) (storage.Tx, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: begin tx: %w", err)
	}
	return &sqliteTx{tx: tx}, nil
}

type sqliteTx struct {
	tx *sql.Tx
}

// Exec converts time.Time arguments to the stored TEXT form before binding.
func (t *sqliteTx) Exec(ctx context.Context, query string, args ...any) error {
	for i, a := range args {
		if ts, ok := a.(time.Time); ok {
			args[i] = formatSQLiteTime(ts)
		}
	}
	_, err := t.tx.ExecContext(ctx, query, args...)
	return err
}

func (t *sqliteTx) Commit(context.Context) error   { return t.tx.Commit() }
func (t *sqliteTx) Rollback(context.Context) error { return t.tx.Rollback() }

func sqlIdent(id string) string {
	// SQLite supports "quoted identifiers"
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

func sqliteType(logical string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(logical)) {
	case storage.TypeID, storage.TypeText, storage.TypeTimestamp:
		return "TEXT", nil
	case storage.TypeInt, storage.TypeBigInt:
		return "INTEGER", nil
	case storage.TypeDouble:
		return "REAL", nil
	default:
		return "", fmt.Errorf("sqlite: unsupported column type %q", logical)
	}
}

func buildCreateTableSQL(t storage.TableSpec) (string, error) {
	if err := t.Validate(); err != nil {
		return "", fmt.Errorf("sqlite: %w", err)
	}

	var defs []string
	if pk := t.PrimaryKey; pk != nil {
		switch strings.ToLower(pk.Type) {
		case "serial", "bigserial":
			// Only INTEGER PRIMARY KEY aliases the rowid.
			defs = append(defs, sqlIdent(pk.Name)+" INTEGER PRIMARY KEY AUTOINCREMENT")
		default:
			return "", fmt.Errorf("sqlite: table %s: unsupported primary key type %q", t.Name, pk.Type)
		}
	}

	for _, c := range t.Columns {
		typ, err := sqliteType(c.Type)
		if err != nil {
			return "", fmt.Errorf("sqlite: table %s column %s: %w", t.Name, c.Name, err)
		}
		def := sqlIdent(c.Name) + " " + typ
		if !c.IsNullable() {
			def += " NOT NULL"
		}
		if c.References != "" {
			table, col, err := storage.SplitReference(c.References)
			if err != nil {
				return "", err
			}
			def += " REFERENCES " + sqlIdent(table) + " (" + sqlIdent(col) + ")"
		}
		defs = append(defs, def)
	}

	for _, con := range t.Constraints {
		switch con.Kind {
		case storage.ConstraintPrimaryKey:
			defs = append(defs, "PRIMARY KEY ("+joinIdentList(con.Columns)+")")
		case storage.ConstraintUnique:
			defs = append(defs, "UNIQUE ("+joinIdentList(con.Columns)+")")
		default:
			return "", fmt.Errorf("sqlite: table %s: unsupported constraint kind %q", t.Name, con.Kind)
		}
	}

	return fmt.Sprintf("CREATE TABLE %s (%s)", sqlIdent(t.Name), strings.Join(defs, ", ")), nil
}

// buildInsertSQL uses the upsert clause rather than INSERT OR IGNORE: OR
// IGNORE would also swallow NOT NULL violations.
func buildInsertSQL(t storage.TableSpec) (string, error) {
	if err := t.Validate(); err != nil {
		return "", fmt.Errorf("sqlite: %w", err)
	}
	cols := t.InsertColumns()

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(sqlIdent(t.Name))
	b.WriteString(" (")
	b.WriteString(joinIdentList(cols))
	b.WriteString(") VALUES (")
	b.WriteString(strings.TrimRight(strings.Repeat("?, ", len(cols)), ", "))
	b.WriteString(")")

	cf := t.Load.Conflict
	if cf == nil {
		return b.String(), nil
	}

	b.WriteString(" ON CONFLICT (")
	b.WriteString(joinIdentList(cf.TargetColumns))
	b.WriteString(")")

	update := t.UpdateColumns()
	if cf.Action == storage.ActionDoNothing || len(update) == 0 {
		b.WriteString(" DO NOTHING")
		return b.String(), nil
	}

	b.WriteString(" DO UPDATE SET ")
	for i, c := range update {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(sqlIdent(c))
		b.WriteString(" = excluded.")
		b.WriteString(sqlIdent(c))
	}
	return b.String(), nil
}

func joinIdentList(columns []string) string {
	out := make([]string, len(columns))
	for i, c := range columns {
		out[i] = sqlIdent(c)
	}
	return strings.Join(out, ", ")
}

// formatSQLiteTime is the single place timestamps are rendered for SQLite.
func formatSQLiteTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
