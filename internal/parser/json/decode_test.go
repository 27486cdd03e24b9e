package json

import (
	"context"
	"errors"
	"strings"
	"testing"

	json "github.com/goccy/go-json"

	"sparkify/internal/transformer"
)

func TestDecodeObjects_Concatenated(t *testing.T) {
	t.Parallel()

	const in = `{"song_id":"S1","year":2000}
{"song_id":"S2","duration":200.5}`

	recs, err := ReadObjects(context.Background(), strings.NewReader(in))
	if err != nil {
		t.Fatalf("ReadObjects: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("len=%d want 2", len(recs))
	}
	if recs[0].Index != 1 || recs[1].Index != 2 {
		t.Fatalf("indexes=%d,%d want 1,2", recs[0].Index, recs[1].Index)
	}
	if got, ok := recs[0].Fields["year"].(json.Number); !ok || got.String() != "2000" {
		t.Fatalf("year=%#v (%T) want json.Number(\"2000\")", recs[0].Fields["year"], recs[0].Fields["year"])
	}
	if got, ok := recs[1].Fields["duration"].(json.Number); !ok || got.String() != "200.5" {
		t.Fatalf("duration=%#v want json.Number(\"200.5\")", recs[1].Fields["duration"])
	}
}

func TestDecodeObjects_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		in        string
		wantIndex int
		wantNotOb bool
	}{
		{"bad_value", `{"a":1}{"b":}`, 2, false},
		{"array_root", `[{"a":1}]`, 1, true},
		{"number_after_object", `{"a":1} 42`, 2, true},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := ReadObjects(context.Background(), strings.NewReader(tc.in))
			var pe *ParseError
			if !errors.As(err, &pe) {
				t.Fatalf("err=%v want *ParseError", err)
			}
			if pe.Index != tc.wantIndex {
				t.Fatalf("index=%d want %d", pe.Index, tc.wantIndex)
			}
			if tc.wantNotOb != errors.Is(err, ErrNotObject) {
				t.Fatalf("errors.Is(ErrNotObject)=%v want %v", !tc.wantNotOb, tc.wantNotOb)
			}
		})
	}
}

func TestDecodeObjects_Empty(t *testing.T) {
	t.Parallel()

	recs, err := ReadObjects(context.Background(), strings.NewReader("  \n"))
	if err != nil || len(recs) != 0 {
		t.Fatalf("recs=%v err=%v want empty", recs, err)
	}
}

func TestDecodeLines_SkipsBlankAndTrims(t *testing.T) {
	t.Parallel()

	in := "{\"page\":\"NextSong\"}\n\n   \n\t{\"page\":\"Home\"}  \r\n{\"page\":\"NextSong\"}"
	recs, err := ReadLines(context.Background(), strings.NewReader(in))
	if err != nil {
		t.Fatalf("ReadLines: %v", err)
	}
	var idx []int
	for _, r := range recs {
		idx = append(idx, r.Index)
	}
	if len(idx) != 3 || idx[0] != 1 || idx[1] != 4 || idx[2] != 5 {
		t.Fatalf("line numbers=%v want [1 4 5]", idx)
	}
	if recs[1].Fields["page"] != "Home" {
		t.Fatalf("page=%v", recs[1].Fields["page"])
	}
}

func TestDecodeLines_BadLineReportsLineNumber(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		line int
	}{
		{"invalid_json", "{\"a\":1}\n{oops}\n", 2},
		{"two_objects_one_line", "{\"a\":1}\n\n{\"a\":1}{\"b\":2}\n", 3},
		{"null_line", "null\n", 1},
		{"string_line", "{\"a\":1}\n\"x\"", 2},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := ReadLines(context.Background(), strings.NewReader(tc.in))
			var pe *ParseError
			if !errors.As(err, &pe) || pe.Index != tc.line {
				t.Fatalf("err=%v want *ParseError at line %d", err, tc.line)
			}
		})
	}
}

func TestDecodeLines_EmitErrorStops(t *testing.T) {
	t.Parallel()

	stop := errors.New("stop")
	calls := 0
	err := DecodeLines(context.Background(), strings.NewReader("{}\n{}\n{}\n"), func(transformer.Record) error {
		calls++
		if calls == 2 {
			return stop
		}
		return nil
	})
	if !errors.Is(err, stop) || calls != 2 {
		t.Fatalf("err=%v calls=%d want stop after 2", err, calls)
	}
}

func TestDecode_CanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := ReadLines(ctx, strings.NewReader("{}\n")); !errors.Is(err, context.Canceled) {
		t.Fatalf("ReadLines err=%v want context.Canceled", err)
	}
	if _, err := ReadObjects(ctx, strings.NewReader("{}")); !errors.Is(err, context.Canceled) {
		t.Fatalf("ReadObjects err=%v want context.Canceled", err)
	}
}
