// Command probe samples the song and log datasets and prints a field report
// for each: presence, null counts, distinct values and JSON types, plus the
// page values seen in the logs.
//
// Roots come from the shared config (-config, .env) unless -songs or -logs
// override them. Nothing is written to the database.
//
// Example:
//
//	probe -files 50
//	probe -kind log -logs ./data/log_data
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
	"syscall"

	"sparkify/internal/config"
	"sparkify/internal/probe"
)

const usage = "usage: probe [-config path] [-kind song|log|all] [-songs dir] [-logs dir] [-files n]"

type appDeps struct {
	readFile  func(path string) ([]byte, error)
	unmarshal func(path string, data []byte, v any) error
	sample    func(ctx context.Context, opts probe.Options) (probe.Report, error)
}

func main() {
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := runMain(ctx, os.Args[1:], os.Stdout, os.Stderr, appDeps{
		readFile:  os.ReadFile,
		unmarshal: config.Unmarshal,
		sample:    probe.Sample,
	})
	stop()
	os.Exit(code)
}

func runMain(ctx context.Context, args []string, stdout, stderr io.Writer, deps appDeps) int {
	fs := flag.NewFlagSet("probe", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		cfgPath  = fs.String("config", "", "JSON or YAML config path (defaults apply when empty)")
		kind     = fs.String("kind", "all", "which dataset to sample: song, log or all")
		songRoot = fs.String("songs", "", "song data root (overrides config)")
		logRoot  = fs.String("logs", "", "log data root (overrides config)")
		maxFiles = fs.Int("files", probe.DefaultMaxFiles, "files to sample per dataset; -1 samples all")
	)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(stderr, usage)
		return 2
	}
	if fs.NArg() > 0 || *maxFiles == 0 {
		fmt.Fprintln(stderr, usage)
		return 2
	}

	var kinds []probe.Kind
	switch strings.ToLower(*kind) {
	case "all":
		kinds = []probe.Kind{probe.Song, probe.Log}
	case "song", "songs":
		kinds = []probe.Kind{probe.Song}
	case "log", "logs":
		kinds = []probe.Kind{probe.Log}
	default:
		fmt.Fprintf(stderr, "unknown -kind %q\n%s\n", *kind, usage)
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
	if *songRoot != "" {
		cfg.Input.SongRoot = *songRoot
	}
	if *logRoot != "" {
		cfg.Input.LogRoot = *logRoot
	}
	cfg.Normalize()

	for i, k := range kinds {
		root := cfg.Input.SongRoot
		if k == probe.Log {
			root = cfg.Input.LogRoot
		}
		rep, err := deps.sample(ctx, probe.Options{
			Root:      root,
			Kind:      k,
			Extension: cfg.Input.Extension,
			MaxFiles:  *maxFiles,
		})
		if err != nil {
			fmt.Fprintf(stderr, "probe %s: %v\n", k, err)
			return 1
		}
		if i > 0 {
			fmt.Fprintln(stdout)
		}
		rep.Format(stdout)
	}
	return 0
}
