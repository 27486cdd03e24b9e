package mssql

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"

	"sparkify/internal/model"
	"sparkify/internal/schema"
	"sparkify/internal/storage"
)

func table(t *testing.T, name string) storage.TableSpec {
	t.Helper()
	spec, ok := schema.Table(name)
	if !ok {
		t.Fatalf("table %s not defined", name)
	}
	return spec
}

func TestBuildInsertSQL_DoNothing(t *testing.T) {
	t.Parallel()

	got, err := buildInsertSQL(table(t, schema.Time))
	if err != nil {
		t.Fatalf("buildInsertSQL: %v", err)
	}
	want := "INSERT INTO [time] ([start_time], [hour], [day], [week], [month], [year], [weekday])" +
		" SELECT @p1, @p2, @p3, @p4, @p5, @p6, @p7" +
		" WHERE NOT EXISTS (SELECT 1 FROM [time] WITH (UPDLOCK, HOLDLOCK) WHERE [start_time] = @p1);"
	if got != want {
		t.Fatalf("got:\n%s\nwant:\n%s", got, want)
	}
}

func TestBuildInsertSQL_Merge(t *testing.T) {
	t.Parallel()

	got, err := buildInsertSQL(table(t, schema.Users))
	if err != nil {
		t.Fatalf("buildInsertSQL: %v", err)
	}
	for _, sub := range []string{
		"MERGE INTO [users] WITH (HOLDLOCK) AS T",
		"USING (SELECT @p1 AS [user_id], @p2 AS [first_name], @p3 AS [last_name], @p4 AS [gender], @p5 AS [level]) AS S",
		"ON T.[user_id] = S.[user_id]",
		"WHEN MATCHED THEN UPDATE SET T.[first_name] = S.[first_name], T.[last_name] = S.[last_name], T.[gender] = S.[gender], T.[level] = S.[level]",
		"WHEN NOT MATCHED THEN INSERT ([user_id], [first_name], [last_name], [gender], [level]) VALUES (S.[user_id], S.[first_name], S.[last_name], S.[gender], S.[level]);",
	} {
		if !strings.Contains(got, sub) {
			t.Fatalf("missing %q in:\n%s", sub, got)
		}
	}
}

func TestBuildInsertSQL_Plain(t *testing.T) {
	t.Parallel()

	got, err := buildInsertSQL(table(t, schema.SongPlays))
	if err != nil {
		t.Fatalf("buildInsertSQL: %v", err)
	}
	if !strings.HasPrefix(got, "INSERT INTO [songplays] ([start_time], [user_id]") ||
		!strings.HasSuffix(got, "VALUES (@p1, @p2, @p3, @p4, @p5, @p6, @p7, @p8);") {
		t.Fatalf("unexpected sql: %s", got)
	}
}

func TestBuildCreateTableSQL(t *testing.T) {
	t.Parallel()

	got, err := buildCreateTableSQL(table(t, schema.SongPlays))
	if err != nil {
		t.Fatalf("buildCreateTableSQL: %v", err)
	}
	for _, sub := range []string{
		"CREATE TABLE [songplays] (",
		"[songplay_id] INT IDENTITY(1,1) PRIMARY KEY",
		"[start_time] DATETIME2 NOT NULL REFERENCES [time] ([start_time])",
		"[user_id] NVARCHAR(256) NULL REFERENCES [users] ([user_id])",
		"[user_agent] NVARCHAR(MAX) NULL",
	} {
		if !strings.Contains(got, sub) {
			t.Fatalf("missing %q in:\n%s", sub, got)
		}
	}
}

func TestBuildDropTableSQL(t *testing.T) {
	t.Parallel()

	got := buildDropTableSQL("time")
	want := "IF OBJECT_ID(N'time', N'U') IS NOT NULL DROP TABLE [time];"
	if got != want {
		t.Fatalf("got=%q want=%q", got, want)
	}
}

func TestMssqlIdent(t *testing.T) {
	t.Parallel()

	if got := mssqlIdent("a]b"); got != "[a]]b]" {
		t.Fatalf("got %s", got)
	}
}

type fakeRow struct {
	vals []string
	err  error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i := range dest {
		*(dest[i].(*string)) = r.vals[i]
	}
	return nil
}

type fakeDB struct {
	rows    map[string]fakeRow
	queries int
	execs   []string
	execErr error
}

func (f *fakeDB) ExecContext(_ context.Context, query string, _ ...any) (sql.Result, error) {
	f.execs = append(f.execs, query)
	return nil, f.execErr
}

func (f *fakeDB) QueryRowContext(_ context.Context, _ string, args ...any) rowScanner {
	f.queries++
	if r, ok := f.rows[args[0].(string)]; ok {
		return r
	}
	return fakeRow{err: sql.ErrNoRows}
}

func (f *fakeDB) BeginTx(context.Context, *sql.TxOptions) (*sqlTx, error) {
	return nil, errors.New("not supported")
}
func (f *fakeDB) PingContext(context.Context) error { return nil }
func (f *fakeDB) Close() error                      { return nil }

func TestLookupSongs(t *testing.T) {
	t.Parallel()

	db := &fakeDB{rows: map[string]fakeRow{
		"Hit":    {vals: []string{"S1", "A1"}},
		"Broken": {err: errors.New("network down")},
	}}
	r := &Repo{db: db}

	hit := model.SongKey{Title: "Hit", Artist: "X", Duration: 1}
	miss := model.SongKey{Title: "Miss", Artist: "X", Duration: 1}
	got, err := r.LookupSongs(context.Background(), []model.SongKey{hit, miss, hit})
	if err != nil {
		t.Fatalf("LookupSongs: %v", err)
	}
	if len(got) != 1 || got[hit].SongID != "S1" || got[hit].ArtistID != "A1" {
		t.Fatalf("got=%v", got)
	}
	if db.queries != 2 {
		t.Fatalf("queries=%d want 2 (repeated key served from result)", db.queries)
	}

	_, err = r.LookupSongs(context.Background(), []model.SongKey{{Title: "Broken"}})
	if err == nil || !strings.Contains(err.Error(), "network down") {
		t.Fatalf("got %v want wrapped query error", err)
	}
}

func TestDropAndCreate_UseDialectSQL(t *testing.T) {
	t.Parallel()

	db := &fakeDB{}
	r := &Repo{db: db}
	if err := schema.Provision(context.Background(), r); err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if len(db.execs) != 10 {
		t.Fatalf("execs=%d want 10", len(db.execs))
	}
	if !strings.HasPrefix(db.execs[0], "IF OBJECT_ID(N'songplays'") {
		t.Fatalf("first statement should drop songplays: %s", db.execs[0])
	}
	if !strings.HasPrefix(db.execs[5], "CREATE TABLE [artists]") {
		t.Fatalf("first create should be artists: %s", db.execs[5])
	}

	db.execErr = errors.New("denied")
	err := schema.Provision(context.Background(), r)
	var pe *schema.SchemaProvisionError
	if !errors.As(err, &pe) || pe.Op != "drop" || pe.Table != schema.SongPlays {
		t.Fatalf("got %v want drop songplays provision error", err)
	}
}
