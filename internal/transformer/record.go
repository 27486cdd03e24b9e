// Package transformer turns decoded song and log records into star-schema rows.
package transformer

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
)

// Record is one decoded JSON object. Index is its 1-based position in the
// source file: the line number for JSON-lines input, the object ordinal
// otherwise.
type Record struct {
	Index  int
	Fields map[string]any
}

var (
	ErrMissingField = errors.New("missing field")
	ErrWrongType    = errors.New("wrong type")
	ErrInvalidValue = errors.New("invalid value")
	ErrNoRecords    = errors.New("file holds no records")
)

// MalformedRecordError rejects a whole file. Path is filled in by the caller
// that knows which file the record came from.
type MalformedRecordError struct {
	Path   string
	Record int
	Field  string
	Err    error
}

func (e *MalformedRecordError) Error() string {
	var b strings.Builder
	b.WriteString("malformed record")
	if e.Path != "" {
		b.WriteString(" in ")
		b.WriteString(e.Path)
	}
	if e.Record > 0 {
		fmt.Fprintf(&b, " at %d", e.Record)
	}
	if e.Field != "" {
		b.WriteString(" field ")
		b.WriteString(e.Field)
	}
	b.WriteString(": ")
	b.WriteString(e.Err.Error())
	return b.String()
}

func (e *MalformedRecordError) Unwrap() error { return e.Err }

func fieldErr(rec Record, field string, err error) error {
	return &MalformedRecordError{Record: rec.Index, Field: field, Err: err}
}

func typeErr(rec Record, field string, v any, want string) error {
	return fieldErr(rec, field, fmt.Errorf("%w: got %T, want %s", ErrWrongType, v, want))
}

// lookup distinguishes absent (ok=false) from JSON null (v=nil, ok=true).
func lookup(rec Record, field string) (any, bool) {
	v, ok := rec.Fields[field]
	return v, ok
}

// requiredString: present, non-null, string.
func requiredString(rec Record, field string) (string, error) {
	v, ok := lookup(rec, field)
	if !ok || v == nil {
		return "", fieldErr(rec, field, ErrMissingField)
	}
	s, ok := v.(string)
	if !ok {
		return "", typeErr(rec, field, v, "string")
	}
	return s, nil
}

// requiredID is requiredString that also rejects blank identifiers.
func requiredID(rec Record, field string) (string, error) {
	s, err := requiredString(rec, field)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(s) == "" {
		return "", fieldErr(rec, field, fmt.Errorf("%w: empty identifier", ErrInvalidValue))
	}
	return s, nil
}

// nullableString: present, null or string.
func nullableString(rec Record, field string) (*string, error) {
	if _, ok := lookup(rec, field); !ok {
		return nil, fieldErr(rec, field, ErrMissingField)
	}
	return optionalString(rec, field)
}

// optionalString: absent, null or string.
func optionalString(rec Record, field string) (*string, error) {
	v, ok := lookup(rec, field)
	if !ok || v == nil {
		return nil, nil
	}
	s, ok := v.(string)
	if !ok {
		return nil, typeErr(rec, field, v, "string")
	}
	return &s, nil
}

// optionalID accepts a string or an integral number and returns its text
// form; absent, null and blank values yield "".
func optionalID(rec Record, field string) (string, error) {
	v, ok := lookup(rec, field)
	if !ok || v == nil {
		return "", nil
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t), nil
	default:
		n, ok := asInt(v)
		if !ok {
			return "", typeErr(rec, field, v, "string or integer")
		}
		return strconv.FormatInt(n, 10), nil
	}
}

func requiredInt(rec Record, field string) (int64, error) {
	v, ok := lookup(rec, field)
	if !ok || v == nil {
		return 0, fieldErr(rec, field, ErrMissingField)
	}
	n, ok := asInt(v)
	if !ok {
		return 0, typeErr(rec, field, v, "integer")
	}
	return n, nil
}

func requiredFloat(rec Record, field string) (float64, error) {
	v, ok := lookup(rec, field)
	if !ok || v == nil {
		return 0, fieldErr(rec, field, ErrMissingField)
	}
	f, ok := asFloat(v)
	if !ok {
		return 0, typeErr(rec, field, v, "number")
	}
	return f, nil
}

func nullableFloat(rec Record, field string) (*float64, error) {
	if _, ok := lookup(rec, field); !ok {
		return nil, fieldErr(rec, field, ErrMissingField)
	}
	return optionalFloat(rec, field)
}

func optionalFloat(rec Record, field string) (*float64, error) {
	v, ok := lookup(rec, field)
	if !ok || v == nil {
		return nil, nil
	}
	f, ok := asFloat(v)
	if !ok {
		return nil, typeErr(rec, field, v, "number")
	}
	return &f, nil
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	default:
		return 0, false
	}
}

// asInt accepts integral numbers, including integral floats such as 2000.0.
func asInt(v any) (int64, bool) {
	switch t := v.(type) {
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n, true
		}
		f, err := t.Float64()
		if err != nil {
			return 0, false
		}
		return integral(f)
	case float64:
		return integral(t)
	case int:
		return int64(t), true
	case int64:
		return t, true
	default:
		return 0, false
	}
}

func integral(f float64) (int64, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) || math.Abs(f) > 1<<53 {
		return 0, false
	}
	return int64(f), true
}
