package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"sparkify/internal/model"
	"sparkify/internal/storage"
)

func init() {
	storage.Register("postgres", New)
}

/*
Repo implements storage.Repository for Postgres over a single pgx.Conn.

The loader is single-threaded and commits once per input file, so a pool
buys nothing here; one connection also keeps the session (and its
transaction) obvious when reading logs.
*/
type Repo struct {
	conn *pgx.Conn
}

// New connects to Postgres using cfg.DSN (URL or key/value form).
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	conn, err := pgx.Connect(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	return &Repo{conn: conn}, nil
}

// Close closes the connection.
func (r *Repo) Close() {
	_ = r.conn.Close(context.Background())
}

func (r *Repo) Ping(ctx context.Context) error {
	return r.conn.Ping(ctx)
}

func (r *Repo) DropTable(ctx context.Context, name string) error {
	if _, err := r.conn.Exec(ctx, "DROP TABLE IF EXISTS "+pgIdent(name)); err != nil {
		return fmt.Errorf("postgres: drop table %s: %w", name, err)
	}
	return nil
}

func (r *Repo) CreateTable(ctx context.Context, t storage.TableSpec) error {
	q, err := buildCreateTableSQL(t)
	if err != nil {
		return err
	}
	if _, err := r.conn.Exec(ctx, q); err != nil {
		return fmt.Errorf("postgres: create table %s: %w", t.Name, err)
	}
	return nil
}

func (r *Repo) InsertSQL(t storage.TableSpec) (string, error) {
	return buildInsertSQL(t)
}

const lookupSongSQL = `SELECT s.song_id, s.artist_id
FROM songs s
JOIN artists a ON a.artist_id = s.artist_id
WHERE s.title = $1 AND a.name = $2 AND s.duration = $3
ORDER BY s.song_id
LIMIT 1`

// LookupSongs runs one indexed point query per distinct key.
func (r *Repo) LookupSongs(ctx context.Context, keys []model.SongKey) (map[model.SongKey]model.SongMatch, error) {
	out := make(map[model.SongKey]model.SongMatch, len(keys))
	for _, k := range keys {
		if _, done := out[k]; done {
			continue
		}
		var m model.SongMatch
		err := r.conn.QueryRow(ctx, lookupSongSQL, k.Title, k.Artist, k.Duration).Scan(&m.SongID, &m.ArtistID)
		if errors.Is(err, pgx.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("postgres: lookup song %q: %w", k.Title, err)
		}
		out[k] = m
	}
	return out, nil
}

func (r *Repo) Begin(ctx context.Context) (storage.Tx, error) {
	tx, err := r.conn.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: begin tx: %w", err)
	}
	return &pgTx{tx: tx}, nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) Exec(ctx context.Context, query string, args ...any) error {
	_, err := t.tx.Exec(ctx, query, args...)
	return err
}

func (t *pgTx) Commit(ctx context.Context) error   { return t.tx.Commit(ctx) }
func (t *pgTx) Rollback(ctx context.Context) error { return t.tx.Rollback(ctx) }

// pgIdent quotes an identifier; "time" and "user" style names need it.
func pgIdent(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func pgType(logical string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(logical)) {
	case storage.TypeID, storage.TypeText:
		return "TEXT", nil
	case storage.TypeInt:
		return "INTEGER", nil
	case storage.TypeBigInt:
		return "BIGINT", nil
	case storage.TypeDouble:
		return "DOUBLE PRECISION", nil
	case storage.TypeTimestamp:
		return "TIMESTAMP", nil
	default:
		return "", fmt.Errorf("postgres: unsupported column type %q", logical)
	}
}

// buildColumnDef renders "<col> <type> [NOT NULL] [REFERENCES t (c)]".
func buildColumnDef(c storage.ColumnSpec) (string, error) {
	typ, err := pgType(c.Type)
	if err != nil {
		return "", fmt.Errorf("column %s: %w", c.Name, err)
	}

	var b strings.Builder
	b.WriteString(pgIdent(c.Name))
	b.WriteString(" ")
	b.WriteString(typ)
	if !c.IsNullable() {
		b.WriteString(" NOT NULL")
	}
	if c.References != "" {
		table, col, err := storage.SplitReference(c.References)
		if err != nil {
			return "", err
		}
		b.WriteString(" REFERENCES ")
		b.WriteString(pgIdent(table))
		b.WriteString(" (")
		b.WriteString(pgIdent(col))
		b.WriteString(")")
	}
	return b.String(), nil
}

func buildCreateTableSQL(t storage.TableSpec) (string, error) {
	if err := t.Validate(); err != nil {
		return "", fmt.Errorf("postgres: %w", err)
	}

	defs := make([]string, 0, len(t.Columns)+len(t.Constraints)+1)
	if pk := t.PrimaryKey; pk != nil {
		switch strings.ToLower(pk.Type) {
		case "serial":
			defs = append(defs, pgIdent(pk.Name)+" SERIAL PRIMARY KEY")
		case "bigserial":
			defs = append(defs, pgIdent(pk.Name)+" BIGSERIAL PRIMARY KEY")
		default:
			return "", fmt.Errorf("postgres: table %s: unsupported primary key type %q", t.Name, pk.Type)
		}
	}
	for _, c := range t.Columns {
		def, err := buildColumnDef(c)
		if err != nil {
			return "", fmt.Errorf("postgres: table %s: %w", t.Name, err)
		}
		defs = append(defs, def)
	}
	for _, con := range t.Constraints {
		switch con.Kind {
		case storage.ConstraintPrimaryKey:
			defs = append(defs, "PRIMARY KEY ("+joinIdents(con.Columns)+")")
		case storage.ConstraintUnique:
			defs = append(defs, "UNIQUE ("+joinIdents(con.Columns)+")")
		default:
			return "", fmt.Errorf("postgres: table %s: unsupported constraint kind %q", t.Name, con.Kind)
		}
	}

	return fmt.Sprintf("CREATE TABLE %s (%s)", pgIdent(t.Name), strings.Join(defs, ", ")), nil
}

// buildInsertSQL renders a single-row insert with $n placeholders.
//
//   - do_nothing => ON CONFLICT (<targets>) DO NOTHING
//   - update     => ON CONFLICT (<targets>) DO UPDATE SET c = EXCLUDED.c
func buildInsertSQL(t storage.TableSpec) (string, error) {
	if err := t.Validate(); err != nil {
		return "", fmt.Errorf("postgres: %w", err)
	}
	cols := t.InsertColumns()

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(pgIdent(t.Name))
	b.WriteString(" (")
	b.WriteString(joinIdents(cols))
	b.WriteString(") VALUES (")
	for i := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "$%d", i+1)
	}
	b.WriteString(")")

	cf := t.Load.Conflict
	if cf == nil {
		return b.String(), nil
	}

	b.WriteString(" ON CONFLICT (")
	b.WriteString(joinIdents(cf.TargetColumns))
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
		b.WriteString(pgIdent(c))
		b.WriteString(" = EXCLUDED.")
		b.WriteString(pgIdent(c))
	}
	return b.String(), nil
}

func joinIdents(cols []string) string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = pgIdent(c)
	}
	return strings.Join(out, ", ")
}
