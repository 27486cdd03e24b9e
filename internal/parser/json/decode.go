// Package json decodes song and log files into transformer records.
//
// Two layouts are supported:
//
//   - DecodeObjects: one or more concatenated JSON objects (song metadata).
//   - DecodeLines: JSON-lines, one object per non-blank line (activity logs).
//
// Numbers are decoded as json.Number so the transformers decide between
// integer and float semantics.
package json

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	json "github.com/goccy/go-json"

	"sparkify/internal/transformer"
)

// ErrNotObject is returned for top-level values that are not JSON objects.
var ErrNotObject = errors.New("top-level value is not an object")

// ParseError reports invalid JSON. Index is the line number for JSON-lines
// input and the 1-based object ordinal otherwise.
type ParseError struct {
	Index int
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("json parser: record %d: %v", e.Index, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Emit receives each decoded record in input order. Returning an error stops
// decoding and the error is returned unchanged.
type Emit func(transformer.Record) error

// DecodeObjects reads concatenated JSON objects from r.
func DecodeObjects(ctx context.Context, r io.Reader, emit Emit) error {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	for idx := 1; ; idx++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		var raw any
		if err := dec.Decode(&raw); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return &ParseError{Index: idx, Err: err}
		}
		m, ok := raw.(map[string]any)
		if !ok {
			return &ParseError{Index: idx, Err: fmt.Errorf("%w: got %T", ErrNotObject, raw)}
		}
		if err := emit(transformer.Record{Index: idx, Fields: m}); err != nil {
			return err
		}
	}
}

// DecodeLines reads a JSON-lines stream. Blank lines are skipped and
// surrounding whitespace is ignored; each remaining line must hold exactly one
// object.
func DecodeLines(ctx context.Context, r io.Reader, emit Emit) error {
	br := bufio.NewReader(r)
	for lineNo := 1; ; lineNo++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		line, readErr := br.ReadBytes('\n')
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return fmt.Errorf("json parser: read line %d: %w", lineNo, readErr)
		}

		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			m, err := decodeLine(trimmed)
			if err != nil {
				return &ParseError{Index: lineNo, Err: err}
			}
			if err := emit(transformer.Record{Index: lineNo, Fields: m}); err != nil {
				return err
			}
		}

		if errors.Is(readErr, io.EOF) {
			return nil
		}
	}
}

func decodeLine(line []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	var extra any
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return nil, errors.New("trailing data after object")
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: got %T", ErrNotObject, raw)
	}
	return m, nil
}

// ReadObjects collects DecodeObjects output.
func ReadObjects(ctx context.Context, r io.Reader) ([]transformer.Record, error) {
	var out []transformer.Record
	err := DecodeObjects(ctx, r, func(rec transformer.Record) error {
		out = append(out, rec)
		return nil
	})
	return out, err
}

// ReadLines collects DecodeLines output.
func ReadLines(ctx context.Context, r io.Reader) ([]transformer.Record, error) {
	var out []transformer.Record
	err := DecodeLines(ctx, r, func(rec transformer.Record) error {
		out = append(out, rec)
		return nil
	})
	return out, err
}
