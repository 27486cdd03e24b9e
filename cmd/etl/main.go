// Command etl loads the song and log datasets into the sparkify star schema.
//
// The schema must already exist (see cmd/create_tables). Song files are
// loaded first so log events can be matched to songs; every file is one
// transaction.
//
// Configuration comes from an optional JSON or YAML file (-config), a .env
// file in the working directory, and ${VAR} references in the database
// section. Without -config the defaults apply: ./data/song_data,
// ./data/log_data and a local Postgres database named sparkifydb.
//
// Exit codes: 0 when every file committed, 1 on any failure, 2 on usage
// errors.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"sparkify/internal/config"
	"sparkify/internal/logging"
	"sparkify/internal/metrics"
	"sparkify/internal/metrics/datadog"
	"sparkify/internal/metrics/prompush"
	"sparkify/internal/pipeline"
	"sparkify/internal/schema"
	"sparkify/internal/storage"

	// register all backends with the storage factory.
	_ "sparkify/internal/storage/all"
)

const usage = "usage: etl [-config path] [-metrics-backend none|datadog|pushgateway] [-pushgateway-url url] [-validate]"

// runner executes one ETL run for a normalized config.
type runner interface {
	Run(ctx context.Context, cfg config.Config, runID uuid.UUID) (pipeline.Summary, error)
}

type metricsOptions struct {
	Job            string
	Backend        string
	RunID          string
	PushgatewayURL string
}

type appDeps struct {
	readFile    func(path string) ([]byte, error)
	unmarshal   func(path string, data []byte, v any) error
	newRunner   func() runner
	initMetrics func(ctx context.Context, opts metricsOptions) (func(), error)
}

// metricsBackend is what initMetrics needs from a concrete backend: a final
// flush on shutdown.
type metricsBackend interface {
	Close() error
}

var (
	logger = logging.New("etl", logging.FromEnv(os.Stderr))

	logPrintf = logger.Printf

	setMetricsBackend = func(b any) {
		if mb, ok := b.(metrics.Backend); ok {
			metrics.SetBackend(mb)
		}
	}

	newDatadogBackend = func(ctx context.Context, opts datadog.Options) (metricsBackend, error) {
		b, err := datadog.NewBackend(ctx, opts)
		if err != nil {
			return nil, err
		}
		return b, nil
	}

	newPushBackend = func(job, url string) (metricsBackend, error) {
		b, err := prompush.NewBackend(job, url)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := runMain(ctx, os.Args[1:], os.Stdout, os.Stderr, appDeps{
		readFile:    os.ReadFile,
		unmarshal:   config.Unmarshal,
		newRunner:   func() runner { return pipelineRunner{log: logger} },
		initMetrics: initMetrics,
	})
	stop()
	os.Exit(code)
}

func runMain(ctx context.Context, args []string, stdout, stderr io.Writer, deps appDeps) int {
	fs := flag.NewFlagSet("etl", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		cfgPath     = fs.String("config", "", "JSON or YAML config path (defaults apply when empty)")
		backendFlag = fs.String("metrics-backend", "", "none, datadog or pushgateway (overrides env METRICS_BACKEND)")
		pushURL     = fs.String("pushgateway-url", "", "Pushgateway base URL (overrides env PUSHGATEWAY_URL)")
		validate    = fs.Bool("validate", false, "validate the configuration and exit")
	)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(stderr, usage)
		return 2
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(stderr, "unexpected argument %q\n%s\n", fs.Arg(0), usage)
		return 2
	}

	var cfg config.Config
	if path := strings.TrimSpace(*cfgPath); path != "" {
		data, err := deps.readFile(path)
		if err != nil {
			fmt.Fprintf(stderr, "read config: %v\n", err)
			return 1
		}
		if err := deps.unmarshal(path, data, &cfg); err != nil {
			fmt.Fprintf(stderr, "parse config: %v\n", err)
			return 1
		}
	}
	cfg.Normalize()

	issues := cfg.Validate()
	for _, iss := range issues {
		fmt.Fprintln(stderr, iss.Error())
	}
	if config.HasErrors(issues) {
		fmt.Fprintln(stderr, "invalid config")
		return 1
	}
	if *validate {
		fmt.Fprintln(stdout, "config ok")
		return 0
	}

	backend := *backendFlag
	if backend == "" {
		backend = os.Getenv("METRICS_BACKEND")
	}
	gwURL := *pushURL
	if gwURL == "" {
		gwURL = os.Getenv("PUSHGATEWAY_URL")
	}

	runID := uuid.New()
	cleanup, err := deps.initMetrics(ctx, metricsOptions{
		Job:            cfg.Job,
		Backend:        backend,
		RunID:          runID.String(),
		PushgatewayURL: gwURL,
	})
	if err != nil {
		fmt.Fprintf(stderr, "init metrics: %v\n", err)
		return 1
	}
	defer cleanup()

	sum, err := deps.newRunner().Run(ctx, cfg, runID)
	if err != nil {
		fmt.Fprintf(stderr, "run: %v\n", err)
		return 1
	}

	printSummary(stdout, sum)
	if sum.Failed > 0 {
		for _, fr := range sum.FailedFiles() {
			fmt.Fprintf(stderr, "failed: %s: %v\n", fr.Path, fr.Err)
		}
		fmt.Fprintf(stderr, "run: %d of %d files failed\n", sum.Failed, len(sum.Files))
		return 1
	}
	return 0
}

// printSummary writes the run report with grouped digits.
func printSummary(w io.Writer, sum pipeline.Summary) {
	p := message.NewPrinter(language.English)
	p.Fprintf(w, "run %s\n", sum.RunID)
	p.Fprintf(w, "files: %d song, %d log, %d committed, %d failed\n",
		sum.SongFiles, sum.LogFiles, sum.Committed, sum.Failed)
	for _, t := range schema.Tables() {
		p.Fprintf(w, "  %-10s %d\n", t.Name, sum.Rows[t.Name])
	}
	p.Fprintf(w, "events: %d discarded, %d resolved\n", sum.Discarded, sum.Resolved)
	p.Fprintf(w, "elapsed: %s\n", sum.Duration.Round(time.Millisecond))
}

// initMetrics wires the selected backend into package metrics. The returned
// cleanup is never nil and flushes the backend once.
func initMetrics(ctx context.Context, opts metricsOptions) (func(), error) {
	noop := func() {}

	var (
		b    metricsBackend
		name string
		err  error
	)
	switch strings.ToLower(strings.TrimSpace(opts.Backend)) {
	case "", "none", "noop":
		return noop, nil
	case "datadog", "dd":
		name = "datadog"
		b, err = newDatadogBackend(ctx, datadog.Options{
			JobName: opts.Job,
			RunID:   opts.RunID,
			Tags:    datadog.ParseTagsCSV(os.Getenv("METRICS_TAGS")),
		})
	case "pushgateway", "prometheus":
		name = "pushgateway"
		url := opts.PushgatewayURL
		if url == "" {
			url = "http://localhost:9091"
		}
		b, err = newPushBackend(opts.Job, url)
	default:
		return noop, fmt.Errorf("unknown metrics backend %q (want none|datadog|pushgateway)", opts.Backend)
	}
	if err != nil {
		return noop, fmt.Errorf("%s: %w", name, err)
	}

	setMetricsBackend(b)
	var once sync.Once
	return func() {
		once.Do(func() {
			if err := b.Close(); err != nil {
				logPrintf("metrics: %s close error: %v", name, err)
			}
		})
	}, nil
}

// pipelineRunner opens the configured database and runs the pipeline on it.
type pipelineRunner struct {
	log zerolog.Logger
}

func (p pipelineRunner) Run(ctx context.Context, cfg config.Config, runID uuid.UUID) (pipeline.Summary, error) {
	dsn, err := cfg.Database.ConnString()
	if err != nil {
		return pipeline.Summary{}, err
	}
	repo, err := storage.Open(ctx, storage.Config{Kind: cfg.Database.Kind, DSN: dsn})
	if err != nil {
		return pipeline.Summary{}, err
	}
	defer repo.Close()

	r, err := pipeline.NewRunner(repo, pipeline.Options{
		Job:          cfg.Job,
		RunID:        runID,
		Extension:    cfg.Input.Extension,
		NextSongPage: cfg.Log.NextSongPage,
		Timeout:      cfg.Database.Timeout(),
		Logger:       p.log,
	})
	if err != nil {
		return pipeline.Summary{}, err
	}

	p.log.Info().
		Str("run_id", runID.String()).
		Str("db", cfg.Database.Kind).
		Str("song_root", cfg.Input.SongRoot).
		Str("log_root", cfg.Input.LogRoot).
		Msg("starting run")
	return r.Run(ctx, cfg.Input.SongRoot, cfg.Input.LogRoot)
}
