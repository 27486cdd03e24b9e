// Package pipeline runs the ETL: song files first, then log files, one
// transaction per file.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"sparkify/internal/datasource/file"
	"sparkify/internal/metrics"
	"sparkify/internal/model"
	jsonparser "sparkify/internal/parser/json"
	"sparkify/internal/schema"
	"sparkify/internal/storage"
	"sparkify/internal/transformer"
)

type Options struct {
	Job          string
	RunID        uuid.UUID // generated when zero
	Extension    string    // default ".json"
	NextSongPage string    // default transformer.DefaultNextSongPage
	// Timeout bounds each database call. Zero disables the bound.
	Timeout time.Duration
	Logger  zerolog.Logger
}

type Runner struct {
	repo   storage.Repository
	loader *storage.Loader
	opts   Options
	log    zerolog.Logger
}

// NewRunner prepares the per-table insert statements against repo. The
// schema must already be provisioned.
func NewRunner(repo storage.Repository, opts Options) (*Runner, error) {
	if opts.RunID == uuid.Nil {
		opts.RunID = uuid.New()
	}
	if opts.Extension == "" {
		opts.Extension = ".json"
	}
	if opts.NextSongPage == "" {
		opts.NextSongPage = transformer.DefaultNextSongPage
	}
	loader, err := storage.NewLoader(repo, schema.Tables(), opts.Timeout)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	return &Runner{
		repo:   repo,
		loader: loader,
		opts:   opts,
		log:    opts.Logger.With().Str("job", opts.Job).Str("run_id", opts.RunID.String()).Logger(),
	}, nil
}

func (r *Runner) RunID() uuid.UUID { return r.opts.RunID }

// Run loads every song file under songRoot, then every log file under
// logRoot. A failed file is rolled back and skipped. The returned error is
// non-nil only when the run itself cannot continue: discovery failure,
// cancellation, or a lost connection. The Summary covers all files handled
// up to that point.
func (r *Runner) Run(ctx context.Context, songRoot, logRoot string) (sum Summary, err error) {
	start := time.Now()
	sum = newSummary(r.opts.RunID)
	defer func() { sum.Duration = time.Since(start) }()

	phases := []struct {
		kind FileKind
		root string
		load func(context.Context, string) (FileResult, error)
	}{
		{SongFile, songRoot, r.loadSongFile},
		{LogFile, logRoot, r.loadLogFile},
	}

	for _, ph := range phases {
		discoverStart := time.Now()
		paths, err := file.Discover(ph.root, r.opts.Extension)
		metrics.RecordStep(r.opts.Job, "discover", err, time.Since(discoverStart))
		if err != nil {
			return sum, fmt.Errorf("pipeline: %w", err)
		}
		r.log.Info().
			Str("stage", "discover").
			Str("kind", string(ph.kind)).
			Str("root", ph.root).
			Int("files", len(paths)).
			Msg("input files found")

		for i, path := range paths {
			if err := ctx.Err(); err != nil {
				return sum, err
			}

			res, err := r.runFile(ctx, ph.kind, path, ph.load)
			sum.add(res)
			if err != nil {
				return sum, err
			}
			r.log.Info().
				Str("stage", string(ph.kind)+"_file").
				Int("done", i+1).
				Int("total", len(paths)).
				Msgf("%d/%d files processed", i+1, len(paths))
		}
	}

	r.log.Info().
		Str("stage", "summary").
		Int("committed", sum.Committed).
		Int("failed", sum.Failed).
		Int("discarded", sum.Discarded).
		Int("resolved", sum.Resolved).
		Interface("rows", sum.Rows).
		Dur("elapsed", time.Since(start)).
		Msg("run complete")
	return sum, nil
}

// runFile loads one file and decides whether its failure ends the run.
func (r *Runner) runFile(ctx context.Context, kind FileKind, path string, load func(context.Context, string) (FileResult, error)) (FileResult, error) {
	start := time.Now()
	res, err := load(ctx, path)
	res.Path, res.Kind, res.Duration = path, kind, time.Since(start)
	res.Err = err

	step := string(kind) + "_file"
	metrics.RecordStep(r.opts.Job, step, err, res.Duration)

	if err == nil {
		metrics.RecordFile(r.opts.Job, "committed")
		for table, n := range res.Rows {
			metrics.RecordRow(r.opts.Job, table, n)
		}
		metrics.RecordRow(r.opts.Job, "discarded", int64(res.Discarded))
		metrics.RecordRow(r.opts.Job, "resolved", int64(res.Resolved))
		r.log.Debug().
			Str("stage", step).
			Str("path", path).
			Interface("rows", res.Rows).
			Dur("elapsed", res.Duration).
			Msg("file committed")
		return res, nil
	}

	metrics.RecordFile(r.opts.Job, "failed")
	r.log.Error().Err(err).Str("stage", step).Str("path", path).Msg("file rolled back")

	if ctxErr := ctx.Err(); ctxErr != nil {
		return res, ctxErr
	}
	if isInputError(err) {
		return res, nil
	}

	pctx, cancel := r.callContext(ctx)
	defer cancel()
	if perr := r.repo.Ping(pctx); perr != nil {
		return res, &ConnectionLostError{Path: path, Err: perr}
	}
	return res, nil
}

// isInputError reports failures caused by the file itself. Everything else
// touched the database and warrants a connectivity check.
func isInputError(err error) bool {
	var (
		mre *transformer.MalformedRecordError
		pe  *jsonparser.ParseError
		fe  *fs.PathError
	)
	return errors.As(err, &mre) || errors.As(err, &pe) || errors.As(err, &fe)
}

func (r *Runner) loadSongFile(ctx context.Context, path string) (FileResult, error) {
	recs, err := r.readFile(ctx, path, jsonparser.ReadObjects)
	if err != nil {
		return FileResult{}, err
	}

	if len(recs) == 0 {
		return FileResult{}, &transformer.MalformedRecordError{Path: path, Err: transformer.ErrNoRecords}
	}

	songs := make([]model.SongRow, 0, len(recs))
	artists := make([]model.ArtistRow, 0, len(recs))
	for _, rec := range recs {
		song, artist, err := transformer.TransformSong(rec)
		if err != nil {
			return FileResult{}, withPath(err, path)
		}
		songs = append(songs, song)
		artists = append(artists, artist)
	}

	rows, err := r.write(ctx, []tableRows{
		{schema.Artists, storage.Rows(artists)},
		{schema.Songs, storage.Rows(songs)},
	})
	if err != nil {
		return FileResult{}, err
	}
	return FileResult{Rows: rows}, nil
}

func (r *Runner) loadLogFile(ctx context.Context, path string) (FileResult, error) {
	recs, err := r.readFile(ctx, path, jsonparser.ReadLines)
	if err != nil {
		return FileResult{}, err
	}

	// Song lookups use the repository connection, so they run before the
	// file transaction is opened.
	lctx, cancel := r.callContext(ctx)
	out, err := transformer.TransformLog(lctx, recs, transformer.LogOptions{NextSongPage: r.opts.NextSongPage}, r.repo)
	cancel()
	if err != nil {
		return FileResult{}, withPath(err, path)
	}

	rows, err := r.write(ctx, []tableRows{
		{schema.Time, storage.Rows(out.Times)},
		{schema.Users, storage.Rows(out.Users)},
		{schema.SongPlays, storage.Rows(out.SongPlays)},
	})
	if err != nil {
		return FileResult{}, err
	}
	return FileResult{Rows: rows, Discarded: out.Discarded, Resolved: out.Resolved}, nil
}

func (r *Runner) readFile(ctx context.Context, path string, read func(context.Context, io.Reader) ([]transformer.Record, error)) ([]transformer.Record, error) {
	rc, err := file.NewLocal(path).Open(ctx)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	recs, err := read(ctx, rc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return recs, nil
}

func withPath(err error, path string) error {
	var mre *transformer.MalformedRecordError
	if errors.As(err, &mre) {
		mre.Path = path
	}
	return err
}

type tableRows struct {
	table string
	rows  []storage.Row
}

// write loads all batches in one transaction, in order.
//
// The transaction lives as long as the context handed to Begin, so Begin
// gets ctx itself; only the statements inside it are bounded by the call
// timeout.
func (r *Runner) write(ctx context.Context, batches []tableRows) (map[string]int64, error) {
	tx, err := r.repo.Begin(ctx)
	if err != nil {
		return nil, &storage.DatabaseWriteError{Op: storage.OpBegin, Row: -1, Err: err}
	}

	counts := make(map[string]int64, len(batches))
	for _, b := range batches {
		n, err := r.loader.Load(ctx, tx, b.table, b.rows)
		if err != nil {
			r.rollback(ctx, tx)
			return nil, err
		}
		counts[b.table] = n
	}

	cctx, cancel := r.callContext(ctx)
	defer cancel()
	if err := tx.Commit(cctx); err != nil {
		return nil, &storage.DatabaseWriteError{Op: storage.OpCommit, Row: -1, Err: err}
	}
	return counts, nil
}

// rollback runs even when ctx is already canceled.
func (r *Runner) rollback(ctx context.Context, tx storage.Tx) {
	rctx, cancel := r.callContext(context.WithoutCancel(ctx))
	defer cancel()
	if err := tx.Rollback(rctx); err != nil {
		r.log.Warn().Err(err).Msg("rollback failed")
	}
}

func (r *Runner) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.opts.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.opts.Timeout)
}
