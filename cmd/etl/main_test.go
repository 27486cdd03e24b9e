package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"sparkify/internal/config"
	"sparkify/internal/metrics/datadog"
	"sparkify/internal/pipeline"
)

// fakeRunner records the config and run id it was handed and returns a
// canned summary.
type fakeRunner struct {
	sum   pipeline.Summary
	err   error
	calls atomic.Int64

	mu      sync.Mutex
	lastCfg config.Config
	lastID  uuid.UUID
}

func (r *fakeRunner) Run(_ context.Context, cfg config.Config, runID uuid.UUID) (pipeline.Summary, error) {
	r.calls.Add(1)
	r.mu.Lock()
	r.lastCfg, r.lastID = cfg, runID
	r.mu.Unlock()
	sum := r.sum
	sum.RunID = runID
	return sum, r.err
}

type fakeMetricsBackend struct {
	closeErr error
	closed   atomic.Int64
}

func (b *fakeMetricsBackend) Close() error {
	b.closed.Add(1)
	return b.closeErr
}

// failDeps returns seams that fail the test when touched.
func failDeps(t *testing.T) appDeps {
	return appDeps{
		readFile: func(string) ([]byte, error) {
			t.Fatalf("readFile must not be called")
			return nil, nil
		},
		unmarshal: func(string, []byte, any) error {
			t.Fatalf("unmarshal must not be called")
			return nil
		},
		newRunner: func() runner {
			t.Fatalf("newRunner must not be called")
			return &fakeRunner{}
		},
		initMetrics: func(context.Context, metricsOptions) (func(), error) {
			t.Fatalf("initMetrics must not be called")
			return func() {}, nil
		},
	}
}

func TestRunMain_UsageErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		args          []string
		wantStderrSub string
	}{
		{"unknown_flag", []string{"-nope"}, "flag provided but not defined"},
		{"positional_argument", []string{"data"}, "unexpected argument"},
		{"missing_flag_value", []string{"-config"}, "usage: etl"},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			var stdout, stderr bytes.Buffer
			code := runMain(context.Background(), tc.args, &stdout, &stderr, failDeps(t))
			if code != 2 {
				t.Fatalf("exit code=%d, want 2; stderr=%q", code, stderr.String())
			}
			if !strings.Contains(stderr.String(), tc.wantStderrSub) {
				t.Fatalf("stderr=%q, want contains %q", stderr.String(), tc.wantStderrSub)
			}
			if stdout.Len() != 0 {
				t.Fatalf("stdout=%q, want empty", stdout.String())
			}
		})
	}
}

func TestRunMain_FullFlow(t *testing.T) {
	t.Parallel()

	failedSum := pipeline.Summary{
		SongFiles: 1, LogFiles: 1, Committed: 1, Failed: 1,
		Files: []pipeline.FileResult{
			{Path: "a.json", Kind: pipeline.SongFile},
			{Path: "b.json", Kind: pipeline.LogFile, Err: errors.New("bad line")},
		},
	}

	tests := []struct {
		name             string
		readErr          error
		unmarshalErr     error
		kind             string
		initMetricsErr   error
		runErr           error
		sum              pipeline.Summary
		wantCode         int
		wantStderrSub    string
		wantStdoutSub    string
		wantRunnerCalls  int64
		wantCleanupCalls int64
	}{
		{name: "read_config_error", readErr: errors.New("no such file"), wantCode: 1, wantStderrSub: "read config:"},
		{name: "parse_config_error", unmarshalErr: errors.New("bad json"), wantCode: 1, wantStderrSub: "parse config:"},
		{name: "invalid_config", kind: "oracle", wantCode: 1, wantStderrSub: "invalid config"},
		{name: "init_metrics_error", initMetricsErr: errors.New("metrics unavailable"), wantCode: 1, wantStderrSub: "init metrics:"},
		{
			name: "runner_error_runs_cleanup", runErr: errors.New("db failed"),
			wantCode: 1, wantStderrSub: "run: db failed", wantRunnerCalls: 1, wantCleanupCalls: 1,
		},
		{
			name: "failed_files_exit_1", sum: failedSum,
			wantCode: 1, wantStderrSub: "run: 1 of 2 files failed", wantStdoutSub: "1 committed, 1 failed",
			wantRunnerCalls: 1, wantCleanupCalls: 1,
		},
		{
			name: "success", sum: pipeline.Summary{SongFiles: 2, Committed: 2},
			wantCode: 0, wantStdoutSub: "files: 2 song, 0 log, 2 committed, 0 failed",
			wantRunnerCalls: 1, wantCleanupCalls: 1,
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			var stdout, stderr bytes.Buffer
			fr := &fakeRunner{sum: tc.sum, err: tc.runErr}
			var cleanupCalls atomic.Int64

			deps := appDeps{
				readFile: func(path string) ([]byte, error) {
					if path != "cfg.yaml" {
						t.Fatalf("readFile path=%q, want cfg.yaml", path)
					}
					return []byte("job: job1\n"), tc.readErr
				},
				unmarshal: func(path string, _ []byte, v any) error {
					if path != "cfg.yaml" {
						t.Fatalf("unmarshal path=%q, want cfg.yaml", path)
					}
					if tc.unmarshalErr != nil {
						return tc.unmarshalErr
					}
					cfg, ok := v.(*config.Config)
					if !ok {
						t.Fatalf("unmarshal target type=%T, want *config.Config", v)
					}
					cfg.Job = "job1"
					cfg.Database.Kind = tc.kind
					if tc.kind == "" {
						cfg.Database.Kind = "sqlite"
					}
					return nil
				},
				initMetrics: func(_ context.Context, opts metricsOptions) (func(), error) {
					if opts.Job != "job1" || opts.Backend != "none" {
						t.Fatalf("metrics options=%+v", opts)
					}
					if _, err := uuid.Parse(opts.RunID); err != nil {
						t.Fatalf("run id %q: %v", opts.RunID, err)
					}
					if tc.initMetricsErr != nil {
						return func() {}, tc.initMetricsErr
					}
					return func() { cleanupCalls.Add(1) }, nil
				},
				newRunner: func() runner { return fr },
			}

			code := runMain(context.Background(),
				[]string{"-config", "cfg.yaml", "-metrics-backend", "none"},
				&stdout, &stderr, deps)

			if code != tc.wantCode {
				t.Fatalf("exit code=%d, want %d; stderr=%q", code, tc.wantCode, stderr.String())
			}
			if tc.wantStderrSub != "" && !strings.Contains(stderr.String(), tc.wantStderrSub) {
				t.Fatalf("stderr=%q, want contains %q", stderr.String(), tc.wantStderrSub)
			}
			if tc.wantStdoutSub != "" {
				if !strings.Contains(stdout.String(), tc.wantStdoutSub) {
					t.Fatalf("stdout=%q, want contains %q", stdout.String(), tc.wantStdoutSub)
				}
			} else if stdout.Len() != 0 {
				t.Fatalf("stdout=%q, want empty", stdout.String())
			}
			if got := fr.calls.Load(); got != tc.wantRunnerCalls {
				t.Fatalf("runner calls=%d, want %d", got, tc.wantRunnerCalls)
			}
			if got := cleanupCalls.Load(); got != tc.wantCleanupCalls {
				t.Fatalf("cleanup calls=%d, want %d", got, tc.wantCleanupCalls)
			}
		})
	}
}

func TestRunMain_NoConfigUsesDefaults(t *testing.T) {
	t.Parallel()

	fr := &fakeRunner{}
	deps := failDeps(t)
	deps.newRunner = func() runner { return fr }
	deps.initMetrics = func(context.Context, metricsOptions) (func(), error) { return func() {}, nil }

	var stdout, stderr bytes.Buffer
	if code := runMain(context.Background(), []string{"-metrics-backend", "none"}, &stdout, &stderr, deps); code != 0 {
		t.Fatalf("exit code=%d; stderr=%q", code, stderr.String())
	}

	fr.mu.Lock()
	defer fr.mu.Unlock()
	if fr.lastCfg.Input.SongRoot != config.DefaultSongRoot || fr.lastCfg.Input.LogRoot != config.DefaultLogRoot {
		t.Fatalf("input=%+v, want defaults", fr.lastCfg.Input)
	}
	if fr.lastCfg.Log.NextSongPage != "NextSong" {
		t.Fatalf("page=%q, want NextSong", fr.lastCfg.Log.NextSongPage)
	}
	if fr.lastID == uuid.Nil {
		t.Fatalf("run id not generated")
	}
}

func TestRunMain_ValidateOnly(t *testing.T) {
	t.Parallel()

	deps := failDeps(t)
	deps.readFile = func(string) ([]byte, error) { return []byte(`{}`), nil }
	deps.unmarshal = config.Unmarshal

	var stdout, stderr bytes.Buffer
	code := runMain(context.Background(), []string{"-config", "c.json", "-validate"}, &stdout, &stderr, deps)
	if code != 0 {
		t.Fatalf("exit code=%d; stderr=%q", code, stderr.String())
	}
	if stdout.String() != "config ok\n" {
		t.Fatalf("stdout=%q", stdout.String())
	}
}

func TestPrintSummary_GroupsDigits(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	printSummary(&buf, pipeline.Summary{
		RunID:     uuid.MustParse("7b0c3c0e-5d1f-4a57-9f43-3c1b3d1f0a11"),
		SongFiles: 71,
		LogFiles:  30,
		Committed: 101,
		Rows:      map[string]int64{"songplays": 6820, "time": 6813, "songs": 71},
		Discarded: 1236,
		Resolved:  1,
		Duration:  1234567 * time.Microsecond,
	})

	out := buf.String()
	for _, want := range []string{
		"run 7b0c3c0e-5d1f-4a57-9f43-3c1b3d1f0a11",
		"files: 71 song, 30 log, 101 committed, 0 failed",
		"songplays  6,820",
		"time       6,813",
		"artists    0",
		"events: 1,236 discarded, 1 resolved",
		"elapsed: 1.235s",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("summary missing %q:\n%s", want, out)
		}
	}
	// Tables appear in load order.
	if strings.Index(out, "artists") > strings.Index(out, "songplays") {
		t.Fatalf("table order:\n%s", out)
	}
}

// The tests below swap package-level seams and therefore do not run in
// parallel.

func TestInitMetrics_None_DoesNotMutateGlobalState(t *testing.T) {
	oldSet := setMetricsBackend
	defer func() { setMetricsBackend = oldSet }()
	setMetricsBackend = func(any) {
		t.Fatalf("setMetricsBackend must not be called for none")
	}

	for _, name := range []string{"", "none", "NOOP"} {
		cleanup, err := initMetrics(context.Background(), metricsOptions{Job: "job", Backend: name})
		if err != nil {
			t.Fatalf("initMetrics(%q) err=%v", name, err)
		}
		if cleanup == nil {
			t.Fatalf("cleanup=nil for %q", name)
		}
		cleanup()
	}
}

func TestInitMetrics_Datadog_WiresBackendAndClosesOnce(t *testing.T) {
	b := &fakeMetricsBackend{}
	var (
		newCalls, setCalls atomic.Int64
		gotOpts            datadog.Options
	)

	oldNew, oldSet, oldLog := newDatadogBackend, setMetricsBackend, logPrintf
	defer func() { newDatadogBackend, setMetricsBackend, logPrintf = oldNew, oldSet, oldLog }()

	newDatadogBackend = func(_ context.Context, opts datadog.Options) (metricsBackend, error) {
		newCalls.Add(1)
		gotOpts = opts
		return b, nil
	}
	setMetricsBackend = func(any) { setCalls.Add(1) }
	var logged bytes.Buffer
	logPrintf = func(format string, v ...any) { fmt.Fprintf(&logged, format, v...) }

	t.Setenv("METRICS_TAGS", "service:sparkify, team:data")
	cleanup, err := initMetrics(context.Background(), metricsOptions{Job: "jobA", Backend: "datadog", RunID: "r1"})
	if err != nil {
		t.Fatalf("initMetrics err=%v", err)
	}
	if gotOpts.JobName != "jobA" || gotOpts.RunID != "r1" {
		t.Fatalf("datadog options=%+v", gotOpts)
	}
	if len(gotOpts.Tags) != 2 || gotOpts.Tags[0] != "service:sparkify" {
		t.Fatalf("tags=%v", gotOpts.Tags)
	}
	if newCalls.Load() != 1 || setCalls.Load() != 1 {
		t.Fatalf("new=%d set=%d, want 1/1", newCalls.Load(), setCalls.Load())
	}

	cleanup()
	cleanup()
	if b.closed.Load() != 1 {
		t.Fatalf("backend closed=%d, want 1", b.closed.Load())
	}
	if logged.Len() != 0 {
		t.Fatalf("unexpected log output: %q", logged.String())
	}
}

func TestInitMetrics_CloseErrorIsLogged(t *testing.T) {
	b := &fakeMetricsBackend{closeErr: errors.New("flush failed")}

	oldNew, oldSet, oldLog := newDatadogBackend, setMetricsBackend, logPrintf
	defer func() { newDatadogBackend, setMetricsBackend, logPrintf = oldNew, oldSet, oldLog }()

	newDatadogBackend = func(context.Context, datadog.Options) (metricsBackend, error) { return b, nil }
	setMetricsBackend = func(any) {}
	var logged bytes.Buffer
	logPrintf = func(format string, v ...any) { fmt.Fprintf(&logged, format, v...) }

	cleanup, err := initMetrics(context.Background(), metricsOptions{Job: "job", Backend: "dd"})
	if err != nil {
		t.Fatalf("initMetrics err=%v", err)
	}
	cleanup()

	if !strings.Contains(logged.String(), "metrics: datadog close error") || !strings.Contains(logged.String(), "flush failed") {
		t.Fatalf("log=%q", logged.String())
	}
}

func TestInitMetrics_Pushgateway(t *testing.T) {
	b := &fakeMetricsBackend{}
	var gotJob, gotURL string

	oldPush, oldSet := newPushBackend, setMetricsBackend
	defer func() { newPushBackend, setMetricsBackend = oldPush, oldSet }()

	newPushBackend = func(job, url string) (metricsBackend, error) {
		gotJob, gotURL = job, url
		return b, nil
	}
	setMetricsBackend = func(any) {}

	cleanup, err := initMetrics(context.Background(), metricsOptions{Job: "jobP", Backend: "pushgateway"})
	if err != nil {
		t.Fatalf("initMetrics err=%v", err)
	}
	cleanup()

	if gotJob != "jobP" || gotURL != "http://localhost:9091" {
		t.Fatalf("job=%q url=%q", gotJob, gotURL)
	}
	if b.closed.Load() != 1 {
		t.Fatalf("closed=%d, want 1", b.closed.Load())
	}
}

func TestInitMetrics_ConstructorErrorIsWrapped(t *testing.T) {
	oldPush := newPushBackend
	defer func() { newPushBackend = oldPush }()
	newPushBackend = func(string, string) (metricsBackend, error) { return nil, errors.New("bad url") }

	cleanup, err := initMetrics(context.Background(), metricsOptions{Backend: "prometheus", PushgatewayURL: "::"})
	if err == nil || !strings.Contains(err.Error(), "pushgateway: bad url") {
		t.Fatalf("err=%v", err)
	}
	cleanup()
}

func TestInitMetrics_UnknownBackendErrors(t *testing.T) {
	t.Parallel()

	cleanup, err := initMetrics(context.Background(), metricsOptions{Job: "job", Backend: "nope"})
	if err == nil {
		t.Fatalf("initMetrics err=nil, want error")
	}
	if cleanup == nil {
		t.Fatalf("cleanup=nil, want non-nil")
	}
	cleanup()
	if !strings.Contains(err.Error(), "unknown metrics backend") || !strings.Contains(err.Error(), "none|datadog|pushgateway") {
		t.Fatalf("err=%q", err.Error())
	}
}

func BenchmarkRunMain_Success_NoIO(b *testing.B) {
	ctx := context.Background()
	fr := &fakeRunner{}
	deps := appDeps{
		readFile:    func(string) ([]byte, error) { return []byte(`{}`), nil },
		unmarshal:   func(string, []byte, any) error { return nil },
		initMetrics: func(context.Context, metricsOptions) (func(), error) { return func() {}, nil },
		newRunner:   func() runner { return fr },
	}
	args := []string{"-config", "cfg.json", "-metrics-backend", "none"}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		var stdout, stderr bytes.Buffer
		if code := runMain(ctx, args, &stdout, &stderr, deps); code != 0 {
			b.Fatalf("code=%d, stderr=%q", code, stderr.String())
		}
	}
}
