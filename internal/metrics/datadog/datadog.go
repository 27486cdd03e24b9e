// Package datadog is a Datadog backend for package metrics.
//
// Counters and duration samples are buffered in memory and submitted on a
// ticker (default once per minute) and once more on Close, so long loads
// still produce a time series rather than a single point at exit.
package datadog

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	dd "github.com/DataDog/datadog-api-client-go/v2/api/datadog"
	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"

	"sparkify/internal/metrics"
)

type Options struct {
	// JobName becomes tag "job:<name>". Defaults to "sparkify_etl".
	JobName string
	// RunID, when set, becomes tag "run_id:<id>".
	RunID string
	// Tags are extra tags such as "service:sparkify".
	Tags []string
	// FlushEvery defaults to 60s.
	FlushEvery time.Duration

	// test seams
	now       func() time.Time
	newTicker func(d time.Duration) *time.Ticker
	submitter metricsSubmitter
}

type metricsSubmitter interface {
	SubmitMetrics(ctx context.Context, body datadogV2.MetricPayload, params ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error)
}

// series identifies one buffered counter or sample set: a Datadog metric
// name plus its non-base tags in a fixed order.
type series struct {
	metric string
	tags   string // "\x00"-joined
}

func (s series) tagList() []string {
	if s.tags == "" {
		return nil
	}
	return strings.Split(s.tags, "\x00")
}

type Backend struct {
	api metricsSubmitter
	ctx context.Context

	flushEvery time.Duration
	stopCh     chan struct{}
	doneCh     chan struct{}
	closeOnce  sync.Once

	baseTags  []string
	now       func() time.Time
	newTicker func(d time.Duration) *time.Ticker

	mu      sync.Mutex
	counts  map[series]float64
	samples map[series][]float64
}

func resolveEnvTag() string {
	if v := strings.TrimSpace(os.Getenv("ENV")); v != "" {
		return "env:" + v
	}
	if v := strings.TrimSpace(os.Getenv("DD_ENV")); v != "" {
		return "env:" + v
	}
	return "env:unknown"
}

// NewBackend starts the periodic flush loop. Credentials and site come from
// the standard DD_API_KEY / DD_SITE environment handled by the client.
func NewBackend(parent context.Context, opts Options) (*Backend, error) {
	job := opts.JobName
	if job == "" {
		job = "sparkify_etl"
	}
	flushEvery := opts.FlushEvery
	if flushEvery <= 0 {
		flushEvery = 60 * time.Second
	}

	baseTags := []string{resolveEnvTag(), "job:" + job}
	if opts.RunID != "" {
		baseTags = append(baseTags, "run_id:"+opts.RunID)
	}
	baseTags = append(baseTags, opts.Tags...)

	now := opts.now
	if now == nil {
		now = time.Now
	}
	newTicker := opts.newTicker
	if newTicker == nil {
		newTicker = time.NewTicker
	}
	submitter := opts.submitter
	if submitter == nil {
		submitter = datadogV2.NewMetricsApi(dd.NewAPIClient(dd.NewConfiguration()))
	}

	b := &Backend{
		api:        submitter,
		ctx:        dd.NewDefaultContext(parent),
		flushEvery: flushEvery,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		baseTags:   baseTags,
		now:        now,
		newTicker:  newTicker,
		counts:     make(map[series]float64),
		samples:    make(map[series][]float64),
	}
	go b.loop()
	return b, nil
}

func (b *Backend) loop() {
	defer close(b.doneCh)

	t := b.newTicker(b.flushEvery)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			_ = b.Flush()
		case <-b.stopCh:
			return
		}
	}
}

// Close stops the flush loop and submits what is left. Safe to call more
// than once; later calls only flush.
func (b *Backend) Close() error {
	b.closeOnce.Do(func() {
		close(b.stopCh)
		<-b.doneCh
	})
	return b.Flush()
}

// toSeries maps a facade metric onto a Datadog name and its tags. Unknown
// metrics return ok=false.
func toSeries(name string, labels metrics.Labels) (series, bool) {
	switch name {
	case metrics.StepTotal:
		return series{"etl.step.total", stepTags(labels)}, true
	case metrics.StepDurationSeconds:
		return series{"etl.step.duration_seconds", stepTags(labels)}, true
	case metrics.RecordsTotal:
		if labels["kind"] == "" {
			return series{}, false
		}
		return series{"etl.records.total", "kind:" + labels["kind"]}, true
	case metrics.FilesTotal:
		return series{"etl.files.total", "status:" + orUnknown(labels["status"])}, true
	default:
		return series{}, false
	}
}

func stepTags(labels metrics.Labels) string {
	return "step:" + orUnknown(labels["step"]) + "\x00status:" + orUnknown(labels["status"])
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	if delta <= 0 {
		return
	}
	s, ok := toSeries(name, labels)
	if !ok {
		return
	}
	b.mu.Lock()
	b.counts[s] += delta
	b.mu.Unlock()
}

func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	if value < 0 {
		return
	}
	s, ok := toSeries(name, labels)
	if !ok {
		return
	}
	b.mu.Lock()
	b.samples[s] = append(b.samples[s], value)
	b.mu.Unlock()
}

// snapshotAndReset detaches the buffers so submission happens out of lock.
func (b *Backend) snapshotAndReset() (map[series]float64, map[series][]float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	counts, samples := b.counts, b.samples
	b.counts = make(map[series]float64)
	b.samples = make(map[series][]float64)
	return counts, samples
}

// Flush submits and resets the buffers. Buffers are reset even when the
// submission fails.
func (b *Backend) Flush() error {
	counts, samples := b.snapshotAndReset()
	if len(counts) == 0 && len(samples) == 0 {
		return nil
	}

	payload := datadogV2.MetricPayload{Series: b.buildSeries(counts, samples, b.now().Unix())}
	if _, _, err := b.api.SubmitMetrics(b.ctx, payload, *datadogV2.NewSubmitMetricsOptionalParameters()); err != nil {
		return fmt.Errorf("datadog: submit metrics: %w", err)
	}
	return nil
}

// buildSeries is pure so naming and tagging can be tested directly. Output
// is sorted by metric name then tags.
func (b *Backend) buildSeries(counts map[series]float64, samples map[series][]float64, nowUnix int64) []datadogV2.MetricSeries {
	out := make([]datadogV2.MetricSeries, 0, len(counts)+6*len(samples))

	for s, v := range counts {
		if v == 0 {
			continue
		}
		out = append(out, point(s.metric, datadogV2.METRICINTAKETYPE_COUNT, v, withTags(b.baseTags, s.tagList()...), nowUnix))
	}
	for s, vals := range samples {
		if len(vals) == 0 {
			continue
		}
		cp := append([]float64(nil), vals...)
		sort.Float64s(cp)
		tags := withTags(b.baseTags, s.tagList()...)
		for _, q := range []struct {
			suffix string
			p      float64
		}{{"p50", 0.50}, {"p90", 0.90}, {"p95", 0.95}, {"p99", 0.99}} {
			out = append(out, point(s.metric+"."+q.suffix, datadogV2.METRICINTAKETYPE_GAUGE, percentileNearestRank(cp, q.p), tags, nowUnix))
		}
		out = append(out, point(s.metric+".max", datadogV2.METRICINTAKETYPE_GAUGE, cp[len(cp)-1], tags, nowUnix))
		out = append(out, point(s.metric+".samples", datadogV2.METRICINTAKETYPE_GAUGE, float64(len(cp)), tags, nowUnix))
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Metric != out[j].Metric {
			return out[i].Metric < out[j].Metric
		}
		return strings.Join(out[i].Tags, ",") < strings.Join(out[j].Tags, ",")
	})
	return out
}

func point(metric string, typ datadogV2.MetricIntakeType, value float64, tags []string, nowUnix int64) datadogV2.MetricSeries {
	return datadogV2.MetricSeries{
		Metric: metric,
		Type:   typ.Ptr(),
		Points: []datadogV2.MetricPoint{
			{Timestamp: dd.PtrInt64(nowUnix), Value: dd.PtrFloat64(value)},
		},
		Tags: tags,
	}
}

func withTags(base []string, extras ...string) []string {
	out := make([]string, 0, len(base)+len(extras))
	out = append(out, base...)
	out = append(out, extras...)
	return out
}

// percentileNearestRank expects s sorted ascending.
func percentileNearestRank(s []float64, p float64) float64 {
	n := len(s)
	switch {
	case n == 0:
		return 0
	case p <= 0:
		return s[0]
	case p >= 1:
		return s[n-1]
	}
	idx := int(p*float64(n-1) + 0.5)
	if idx >= n {
		idx = n - 1
	}
	return s[idx]
}

var _ metrics.Backend = (*Backend)(nil)

// ParseTagsCSV parses "env:prod,service:sparkify" style tag lists.
func ParseTagsCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
