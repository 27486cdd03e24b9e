package mssql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	// registers the "sqlserver" database/sql driver.
	_ "github.com/microsoft/go-mssqldb"

	"sparkify/internal/model"
	"sparkify/internal/storage"
)

func init() {
	storage.Register("mssql", New)
}

// Repo implements storage.Repository for Microsoft SQL Server.
//
// Conflict handling has no ON CONFLICT equivalent in T-SQL, so:
//   - do_nothing => INSERT ... SELECT ... WHERE NOT EXISTS (key match)
//   - update     => MERGE ... WITH (HOLDLOCK)
type Repo struct {
	db dbConn
}

// New opens a SQL Server connection using the "sqlserver" driver and pins
// the pool to a single connection.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	raw, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("mssql: open: %w", err)
	}
	raw.SetMaxOpenConns(1)
	raw.SetMaxIdleConns(1)

	if err := raw.PingContext(ctx); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("mssql: ping: %w", err)
	}
	return &Repo{db: &sqlDB{db: raw}}, nil
}

func (r *Repo) Close() {
	if r == nil || r.db == nil {
		return
	}
	_ = r.db.Close()
}

func (r *Repo) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *Repo) DropTable(ctx context.Context, name string) error {
	if _, err := r.db.ExecContext(ctx, buildDropTableSQL(name)); err != nil {
		return fmt.Errorf("mssql: drop table %s: %w", name, err)
	}
	return nil
}

func (r *Repo) CreateTable(ctx context.Context, t storage.TableSpec) error {
	q, err := buildCreateTableSQL(t)
	if err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("mssql: create table %s: %w", t.Name, err)
	}
	return nil
}

func (r *Repo) InsertSQL(t storage.TableSpec) (string, error) {
	return buildInsertSQL(t)
}

const lookupSongSQL = `SELECT TOP 1 s.[song_id], s.[artist_id]
FROM [songs] s
JOIN [artists] a ON a.[artist_id] = s.[artist_id]
WHERE s.[title] = @p1 AND a.[name] = @p2 AND s.[duration] = @p3
ORDER BY s.[song_id]`

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
			return nil, fmt.Errorf("mssql: lookup song %q: %w", k.Title, err)
		}
		out[k] = m
	}
	return out, nil
}

func (r *Repo) Begin(ctx context.Context) (storage.Tx, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("mssql: begin tx: %w", err)
	}
	return tx, nil
}

// mssqlIdent returns a bracket-quoted identifier, escaping ']' as ']]'.
func mssqlIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

func mssqlType(logical string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(logical)) {
	case storage.TypeID:
		// Keys cannot be NVARCHAR(MAX).
		return "NVARCHAR(256)", nil
	case storage.TypeText:
		return "NVARCHAR(MAX)", nil
	case storage.TypeInt:
		return "INT", nil
	case storage.TypeBigInt:
		return "BIGINT", nil
	case storage.TypeDouble:
		return "FLOAT", nil
	case storage.TypeTimestamp:
		return "DATETIME2", nil
	default:
		return "", fmt.Errorf("mssql: unsupported column type %q", logical)
	}
}

func buildDropTableSQL(name string) string {
	return fmt.Sprintf(
		"IF OBJECT_ID(N'%s', N'U') IS NOT NULL DROP TABLE %s;",
		strings.ReplaceAll(name, "'", "''"),
		mssqlIdent(name),
	)
}

func buildCreateTableSQL(t storage.TableSpec) (string, error) {
	if err := t.Validate(); err != nil {
		return "", fmt.Errorf("mssql: %w", err)
	}

	var parts []string
	if pk := t.PrimaryKey; pk != nil {
		switch strings.ToLower(pk.Type) {
		case "serial":
			parts = append(parts, mssqlIdent(pk.Name)+" INT IDENTITY(1,1) PRIMARY KEY")
		case "bigserial":
			parts = append(parts, mssqlIdent(pk.Name)+" BIGINT IDENTITY(1,1) PRIMARY KEY")
		default:
			return "", fmt.Errorf("mssql: table %s: unsupported primary key type %q", t.Name, pk.Type)
		}
	}

	for _, c := range t.Columns {
		typ, err := mssqlType(c.Type)
		if err != nil {
			return "", fmt.Errorf("mssql: table %s column %s: %w", t.Name, c.Name, err)
		}
		def := mssqlIdent(c.Name) + " " + typ
		if c.IsNullable() {
			def += " NULL"
		} else {
			def += " NOT NULL"
		}
		if c.References != "" {
			table, col, err := storage.SplitReference(c.References)
			if err != nil {
				return "", err
			}
			def += " REFERENCES " + mssqlIdent(table) + " (" + mssqlIdent(col) + ")"
		}
		parts = append(parts, def)
	}

	for _, con := range t.Constraints {
		switch con.Kind {
		case storage.ConstraintPrimaryKey:
			parts = append(parts, "PRIMARY KEY ("+joinIdents(con.Columns)+")")
		case storage.ConstraintUnique:
			parts = append(parts, "UNIQUE ("+joinIdents(con.Columns)+")")
		default:
			return "", fmt.Errorf("mssql: table %s: unsupported constraint kind %q", t.Name, con.Kind)
		}
	}

	return fmt.Sprintf("CREATE TABLE %s (%s);", mssqlIdent(t.Name), strings.Join(parts, ", ")), nil
}

// buildInsertSQL renders a single-row statement with @pN placeholders, where
// @pN binds the N-th insert column. Placeholders may be referenced more than
// once.
func buildInsertSQL(t storage.TableSpec) (string, error) {
	if err := t.Validate(); err != nil {
		return "", fmt.Errorf("mssql: %w", err)
	}
	cols := t.InsertColumns()
	param := make(map[string]string, len(cols))
	params := make([]string, len(cols))
	for i, c := range cols {
		params[i] = fmt.Sprintf("@p%d", i+1)
		param[strings.ToLower(c)] = params[i]
	}

	cf := t.Load.Conflict
	if cf == nil {
		return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s);",
			mssqlIdent(t.Name), joinIdents(cols), strings.Join(params, ", ")), nil
	}

	keyMatch := make([]string, len(cf.TargetColumns))
	for i, k := range cf.TargetColumns {
		p, ok := param[strings.ToLower(k)]
		if !ok {
			return "", fmt.Errorf("mssql: table %s: conflict column %s is not an insert column", t.Name, k)
		}
		keyMatch[i] = fmt.Sprintf("%s = %s", mssqlIdent(k), p)
	}

	update := t.UpdateColumns()
	if cf.Action == storage.ActionDoNothing || len(update) == 0 {
		return fmt.Sprintf("INSERT INTO %s (%s) SELECT %s WHERE NOT EXISTS (SELECT 1 FROM %s WITH (UPDLOCK, HOLDLOCK) WHERE %s);",
			mssqlIdent(t.Name), joinIdents(cols), strings.Join(params, ", "),
			mssqlIdent(t.Name), strings.Join(keyMatch, " AND ")), nil
	}

	src := make([]string, len(cols))
	srcCols := make([]string, len(cols))
	for i, c := range cols {
		src[i] = fmt.Sprintf("%s AS %s", params[i], mssqlIdent(c))
		srcCols[i] = "S." + mssqlIdent(c)
	}
	on := make([]string, len(cf.TargetColumns))
	for i, k := range cf.TargetColumns {
		on[i] = fmt.Sprintf("T.%s = S.%s", mssqlIdent(k), mssqlIdent(k))
	}
	set := make([]string, len(update))
	for i, c := range update {
		set[i] = fmt.Sprintf("T.%s = S.%s", mssqlIdent(c), mssqlIdent(c))
	}

	return fmt.Sprintf(
		"MERGE INTO %s WITH (HOLDLOCK) AS T USING (SELECT %s) AS S ON %s"+
			" WHEN MATCHED THEN UPDATE SET %s"+
			" WHEN NOT MATCHED THEN INSERT (%s) VALUES (%s);",
		mssqlIdent(t.Name), strings.Join(src, ", "), strings.Join(on, " AND "),
		strings.Join(set, ", "),
		joinIdents(cols), strings.Join(srcCols, ", "),
	), nil
}

func joinIdents(cols []string) string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = mssqlIdent(c)
	}
	return strings.Join(out, ", ")
}

// ---- database/sql seam types ----

// dbConn is a small interface over *sql.DB used to make this package testable.
type dbConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) rowScanner
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sqlTx, error)
	PingContext(ctx context.Context) error
	Close() error
}

// rowScanner is a narrow adapter over *sql.Row.Scan.
type rowScanner interface {
	Scan(dest ...any) error
}

type sqlDB struct {
	db *sql.DB
}

func (s *sqlDB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, query, args...)
}

func (s *sqlDB) QueryRowContext(ctx context.Context, query string, args ...any) rowScanner {
	return s.db.QueryRowContext(ctx, query, args...)
}

func (s *sqlDB) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sqlTx, error) {
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &sqlTx{tx: tx}, nil
}

func (s *sqlDB) PingContext(ctx context.Context) error { return s.db.PingContext(ctx) }
func (s *sqlDB) Close() error                          { return s.db.Close() }

// sqlTx wraps *sql.Tx to implement storage.Tx.
type sqlTx struct {
	tx *sql.Tx
}

func (s *sqlTx) Exec(ctx context.Context, query string, args ...any) error {
	_, err := s.tx.ExecContext(ctx, query, args...)
	return err
}

func (s *sqlTx) Commit(context.Context) error   { return s.tx.Commit() }
func (s *sqlTx) Rollback(context.Context) error { return s.tx.Rollback() }

var (
	_ dbConn     = (*sqlDB)(nil)
	_ storage.Tx = (*sqlTx)(nil)
)
