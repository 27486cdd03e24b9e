// Package probe samples song and log files and reports which fields they
// carry, how often each is null and how many distinct values it takes.
//
// It is a read-only companion to the pipeline: run it against a new dataset
// before loading to check that the fields the transformers require are
// present and to see which page values occur in the logs.
//
// Sampling is bounded by file count and by a per-field distinct cap, so a
// probe over a large tree stays cheap.
package probe

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	json "github.com/goccy/go-json"

	"sparkify/internal/datasource/file"
	jsonparser "sparkify/internal/parser/json"
	"sparkify/internal/transformer"
)

type Kind string

const (
	Song Kind = "song"
	Log  Kind = "log"
)

const (
	DefaultMaxFiles      = 20
	distinctCapPerField  = 10000
	maxReportedPageCount = 20
)

// Fields the transformers read, per kind.
var expectedFields = map[Kind][]string{
	Song: {"song_id", "title", "artist_id", "year", "duration", "artist_name",
		"artist_location", "artist_latitude", "artist_longitude"},
	Log: {"page", "ts", "userId", "firstName", "lastName", "gender", "level",
		"sessionId", "location", "userAgent", "song", "artist", "length"},
}

type Options struct {
	Root      string
	Kind      Kind
	Extension string // default ".json"
	MaxFiles  int    // default DefaultMaxFiles; negative means all files
}

// FieldStats describes one top-level key across the sampled records.
type FieldStats struct {
	Name     string
	Present  int // records that carry the key, null or not
	Nulls    int
	Types    map[string]int
	Distinct int
	Capped   bool // Distinct stopped counting at the cap
}

type Report struct {
	Kind       Kind
	Root       string
	TotalFiles int
	Files      int // sampled
	Records    int
	Fields     []FieldStats // sorted by name
	Missing    []string     // expected fields never seen
	Pages      map[string]int
	Errors     []string // per-file decode failures; sampling continues
}

// Sample decodes up to opts.MaxFiles files under opts.Root, in the same
// order the pipeline loads them.
func Sample(ctx context.Context, opts Options) (Report, error) {
	if opts.Kind != Song && opts.Kind != Log {
		return Report{}, fmt.Errorf("probe: unknown kind %q (want song|log)", opts.Kind)
	}
	if opts.Extension == "" {
		opts.Extension = ".json"
	}
	if opts.MaxFiles == 0 {
		opts.MaxFiles = DefaultMaxFiles
	}

	paths, err := file.Discover(opts.Root, opts.Extension)
	if err != nil {
		return Report{}, fmt.Errorf("probe: %w", err)
	}

	acc := newAccumulator(opts.Kind)
	rep := Report{Kind: opts.Kind, Root: opts.Root, TotalFiles: len(paths)}
	if opts.MaxFiles > 0 && len(paths) > opts.MaxFiles {
		paths = paths[:opts.MaxFiles]
	}

	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return Report{}, err
		}
		if err := sampleFile(ctx, p, opts.Kind, acc.add); err != nil {
			if ctx.Err() != nil {
				return Report{}, ctx.Err()
			}
			rep.Errors = append(rep.Errors, fmt.Sprintf("%s: %v", p, err))
		}
		rep.Files++
	}

	acc.finish(&rep)
	return rep, nil
}

func sampleFile(ctx context.Context, path string, kind Kind, emit jsonparser.Emit) error {
	rc, err := file.NewLocal(path).Open(ctx)
	if err != nil {
		return err
	}
	defer rc.Close()

	if kind == Song {
		return jsonparser.DecodeObjects(ctx, rc, emit)
	}
	return jsonparser.DecodeLines(ctx, rc, emit)
}

type accumulator struct {
	kind    Kind
	records int
	fields  map[string]*FieldStats
	sets    map[string]map[string]struct{}
	pages   map[string]int
}

func newAccumulator(kind Kind) *accumulator {
	return &accumulator{
		kind:   kind,
		fields: make(map[string]*FieldStats),
		sets:   make(map[string]map[string]struct{}),
		pages:  make(map[string]int),
	}
}

func (a *accumulator) add(rec transformer.Record) error {
	a.records++
	for name, v := range rec.Fields {
		fs := a.fields[name]
		if fs == nil {
			fs = &FieldStats{Name: name, Types: make(map[string]int)}
			a.fields[name] = fs
			a.sets[name] = make(map[string]struct{})
		}
		fs.Present++
		if v == nil {
			fs.Nulls++
			continue
		}
		fs.Types[typeName(v)]++

		if fs.Capped {
			continue
		}
		a.sets[name][stringify(v)] = struct{}{}
		if len(a.sets[name]) >= distinctCapPerField {
			fs.Capped = true
			a.sets[name] = nil
		}
	}
	if a.kind == Log {
		if p, ok := rec.Fields["page"].(string); ok {
			a.pages[p]++
		}
	}
	return nil
}

func (a *accumulator) finish(rep *Report) {
	rep.Records = a.records
	rep.Fields = make([]FieldStats, 0, len(a.fields))
	for name, fs := range a.fields {
		if fs.Capped {
			fs.Distinct = distinctCapPerField
		} else {
			fs.Distinct = len(a.sets[name])
		}
		rep.Fields = append(rep.Fields, *fs)
	}
	sort.Slice(rep.Fields, func(i, j int) bool { return rep.Fields[i].Name < rep.Fields[j].Name })

	for _, f := range expectedFields[a.kind] {
		if _, ok := a.fields[f]; !ok {
			rep.Missing = append(rep.Missing, f)
		}
	}
	if a.kind == Log {
		rep.Pages = a.pages
	}
}

func typeName(v any) string {
	switch v.(type) {
	case string:
		return "string"
	case json.Number, float64:
		return "number"
	case bool:
		return "bool"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	default:
		return fmt.Sprintf("%T", v)
	}
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	default:
		return fmt.Sprint(v)
	}
}

// Format writes a tab-separated report.
func (r Report) Format(w io.Writer) {
	fmt.Fprintf(w, "%s files:\troot=%s\tsampled=%d/%d\trecords=%d\n", r.Kind, r.Root, r.Files, r.TotalFiles, r.Records)
	if r.Records == 0 {
		fmt.Fprintln(w, "no records sampled")
	} else {
		fmt.Fprintf(w, "%-18s\t%-7s\t%-7s\t%-7s\ttypes\n", "field", "present", "nulls", "unique")
		for _, f := range r.Fields {
			unique := fmt.Sprint(f.Distinct)
			if f.Capped {
				unique += "+"
			}
			fmt.Fprintf(w, "%-18s\t%-7d\t%-7d\t%-7s\t%s\n", f.Name, f.Present, f.Nulls, unique, formatTypes(f.Types))
		}
	}

	if len(r.Missing) > 0 {
		fmt.Fprintf(w, "missing fields: %s\n", strings.Join(r.Missing, ", "))
	}

	if len(r.Pages) > 0 {
		type pc struct {
			page string
			n    int
		}
		pages := make([]pc, 0, len(r.Pages))
		for p, n := range r.Pages {
			pages = append(pages, pc{p, n})
		}
		sort.Slice(pages, func(i, j int) bool {
			if pages[i].n == pages[j].n {
				return pages[i].page < pages[j].page
			}
			return pages[i].n > pages[j].n
		})
		if len(pages) > maxReportedPageCount {
			pages = pages[:maxReportedPageCount]
		}
		fmt.Fprintln(w, "pages:")
		for _, p := range pages {
			fmt.Fprintf(w, "  %-18s\t%d\n", p.page, p.n)
		}
	}

	for _, e := range r.Errors {
		fmt.Fprintf(w, "error: %s\n", e)
	}
}

func formatTypes(types map[string]int) string {
	names := make([]string, 0, len(types))
	for t := range types {
		names = append(names, t)
	}
	sort.Strings(names)
	return strings.Join(names, "|")
}
