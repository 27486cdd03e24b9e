package metrics

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeBackend struct {
	mu sync.Mutex

	counters   []counterCall
	histograms []histCall
	flushes    int
}

type counterCall struct {
	name   string
	delta  float64
	labels Labels
}

type histCall struct {
	name   string
	value  float64
	labels Labels
}

func (f *fakeBackend) IncCounter(name string, delta float64, labels Labels) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counters = append(f.counters, counterCall{name, delta, labels})
}

func (f *fakeBackend) ObserveHistogram(name string, value float64, labels Labels) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.histograms = append(f.histograms, histCall{name, value, labels})
}

func (f *fakeBackend) Flush() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushes++
	return nil
}

// install swaps the global backend for the duration of a test.
func install(t *testing.T) *fakeBackend {
	t.Helper()
	orig := current()
	fb := &fakeBackend{}
	SetBackend(fb)
	t.Cleanup(func() { SetBackend(orig) })
	return fb
}

func TestRecordStep(t *testing.T) {
	fb := install(t)

	RecordStep("sparkify", "song_file", nil, 2*time.Second)
	RecordStep("sparkify", "log_file", errors.New("boom"), 1500*time.Millisecond)

	if len(fb.counters) != 2 || len(fb.histograms) != 2 {
		t.Fatalf("counters=%d histograms=%d want 2/2", len(fb.counters), len(fb.histograms))
	}
	c0, c1 := fb.counters[0], fb.counters[1]
	if c0.name != StepTotal || c0.delta != 1 || c0.labels["step"] != "song_file" || c0.labels["status"] != "success" {
		t.Fatalf("counter[0]=%#v", c0)
	}
	if c1.labels["step"] != "log_file" || c1.labels["status"] != "failure" || c1.labels["job"] != "sparkify" {
		t.Fatalf("counter[1]=%#v", c1)
	}
	if h := fb.histograms[1]; h.name != StepDurationSeconds || h.value < 1.499 || h.value > 1.501 {
		t.Fatalf("hist[1]=%#v want ~1.5s", h)
	}
}

func TestRecordRowAndFile(t *testing.T) {
	fb := install(t)

	RecordRow("sparkify", "songplays", 3)
	RecordRow("sparkify", "songplays", 0)
	RecordRow("sparkify", "discarded", -1)
	RecordFile("sparkify", "committed")

	if len(fb.counters) != 2 {
		t.Fatalf("counters=%d want 2", len(fb.counters))
	}
	if c := fb.counters[0]; c.name != RecordsTotal || c.delta != 3 || c.labels["kind"] != "songplays" {
		t.Fatalf("counter[0]=%#v", c)
	}
	if c := fb.counters[1]; c.name != FilesTotal || c.delta != 1 || c.labels["status"] != "committed" {
		t.Fatalf("counter[1]=%#v", c)
	}
}

func TestSetBackendAndFlush(t *testing.T) {
	fb := install(t)

	if err := Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if fb.flushes != 1 {
		t.Fatalf("flushes=%d want 1", fb.flushes)
	}

	SetBackend(nil)
	if current() != Backend(fb) {
		t.Fatalf("SetBackend(nil) replaced the backend")
	}
}
