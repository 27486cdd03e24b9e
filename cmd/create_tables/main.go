// Command create_tables drops and re-creates the sparkify star schema.
//
// All loaded data is lost. Tables are dropped dependents first and created
// in dependency order: artists, songs, users, time, songplays. Run it once
// before cmd/etl, or again to start over.
//
// With -create-database (Postgres only) the database itself is dropped and
// created again first, UTF-8 encoded, from the "postgres" maintenance
// database.
//
// Configuration is shared with cmd/etl (-config, .env, ${VAR} expansion);
// only the database section is used.
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
	"time"

	"github.com/rs/zerolog"

	"sparkify/internal/config"
	"sparkify/internal/logging"
	"sparkify/internal/metrics"
	"sparkify/internal/schema"
	"sparkify/internal/storage"
	"sparkify/internal/storage/postgres"

	_ "sparkify/internal/storage/all"
)

const usage = "usage: create_tables [-config path] [-create-database]"

type appDeps struct {
	readFile       func(path string) ([]byte, error)
	unmarshal      func(path string, data []byte, v any) error
	createDatabase func(ctx context.Context, cfg config.Config) error
	provision      func(ctx context.Context, cfg config.Config) error
}

func main() {
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
		os.Exit(1)
	}

	log := logging.New("create_tables", logging.FromEnv(os.Stderr))
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := runMain(ctx, os.Args[1:], os.Stdout, os.Stderr, appDeps{
		readFile:  os.ReadFile,
		unmarshal: config.Unmarshal,
		createDatabase: func(ctx context.Context, cfg config.Config) error {
			return recreateDatabase(ctx, cfg, log)
		},
		provision: func(ctx context.Context, cfg config.Config) error {
			return provisionDatabase(ctx, cfg, log)
		},
	})
	stop()
	os.Exit(code)
}

func runMain(ctx context.Context, args []string, stdout, stderr io.Writer, deps appDeps) int {
	fs := flag.NewFlagSet("create_tables", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", "", "JSON or YAML config path (defaults apply when empty)")
	createDB := fs.Bool("create-database", false, "drop and re-create the Postgres database before the tables")
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

	if *createDB {
		if cfg.Database.Kind != "postgres" {
			fmt.Fprintf(stderr, "-create-database needs database kind postgres, got %q\n", cfg.Database.Kind)
			return 1
		}
		if err := deps.createDatabase(ctx, cfg); err != nil {
			fmt.Fprintf(stderr, "create database: %v\n", err)
			return 1
		}
		fmt.Fprintln(stdout, "created database")
	}

	if err := deps.provision(ctx, cfg); err != nil {
		fmt.Fprintf(stderr, "provision: %v\n", err)
		return 1
	}

	names := make([]string, 0, 5)
	for _, t := range schema.Tables() {
		names = append(names, t.Name)
	}
	fmt.Fprintf(stdout, "created tables: %s\n", strings.Join(names, ", "))
	return 0
}

func provisionDatabase(ctx context.Context, cfg config.Config, log zerolog.Logger) (err error) {
	start := time.Now()
	defer func() { metrics.RecordStep(cfg.Job, "provision", err, time.Since(start)) }()

	dsn, err := cfg.Database.ConnString()
	if err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, cfg.Database.Timeout())
	defer cancel()

	repo, err := storage.Open(cctx, storage.Config{Kind: cfg.Database.Kind, DSN: dsn})
	if err != nil {
		return err
	}
	defer repo.Close()

	log.Info().
		Str("stage", "provision").
		Str("db", cfg.Database.Kind).
		Msg("dropping and creating tables")
	if err := schema.Provision(cctx, repo); err != nil {
		return err
	}
	log.Info().
		Str("stage", "provision").
		Dur("elapsed", time.Since(start)).
		Msg("schema ready")
	return nil
}

func recreateDatabase(ctx context.Context, cfg config.Config, log zerolog.Logger) (err error) {
	start := time.Now()
	defer func() { metrics.RecordStep(cfg.Job, "create_database", err, time.Since(start)) }()

	dsn, err := cfg.Database.ConnString()
	if err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, cfg.Database.Timeout())
	defer cancel()

	log.Info().
		Str("stage", "create_database").
		Str("database", cfg.Database.Name).
		Msg("dropping and creating database")
	return postgres.RecreateDatabase(cctx, dsn)
}
