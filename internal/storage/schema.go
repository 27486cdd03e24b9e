// TableSpec lives in storage so that both the schema definitions and the
// backend packages can import it without cycles.
package storage

import (
	"fmt"
	"strings"
)

// Logical column types. Each backend maps them onto its own SQL types.
const (
	TypeID        = "id"        // short identifier text, usable in keys
	TypeText      = "text"      // free text
	TypeInt       = "int"       // 32-bit integer
	TypeBigInt    = "bigint"    // 64-bit integer
	TypeDouble    = "double"    // double precision float
	TypeTimestamp = "timestamp" // UTC timestamp without zone
)

// Constraint kinds.
const (
	ConstraintPrimaryKey = "primary_key"
	ConstraintUnique     = "unique"
)

// Conflict actions for LoadSpec.Conflict.
const (
	ActionDoNothing = "do_nothing"
	ActionUpdate    = "update"
)

type TableSpec struct {
	Name        string           `json:"name"`
	PrimaryKey  *PrimaryKeySpec  `json:"primary_key,omitempty"`
	Columns     []ColumnSpec     `json:"columns"`
	Constraints []ConstraintSpec `json:"constraints,omitempty"`
	Load        LoadSpec         `json:"load"`
}

// PrimaryKeySpec describes a generated surrogate key. It is never part of
// the insert column list.
type PrimaryKeySpec struct {
	Name string `json:"name"`
	Type string `json:"type"` // serial | bigserial
}

type ColumnSpec struct {
	Name string `json:"name"`
	Type string `json:"type"`
	// References is "table(column)".
	References string `json:"references,omitempty"`
	Nullable   *bool  `json:"nullable,omitempty"`
}

// IsNullable reports whether the column accepts NULL. Columns are NOT NULL
// unless Nullable is explicitly true.
func (c ColumnSpec) IsNullable() bool {
	return c.Nullable != nil && *c.Nullable
}

type ConstraintSpec struct {
	Kind    string   `json:"kind"` // primary_key | unique
	Columns []string `json:"columns"`
}

type LoadSpec struct {
	// Conflict is nil for plain inserts.
	Conflict *ConflictSpec `json:"conflict,omitempty"`
}

type ConflictSpec struct {
	TargetColumns []string `json:"target_columns"`
	Action        string   `json:"action"` // do_nothing | update
}

// InsertColumns returns the column names written by an insert, in order.
func (t TableSpec) InsertColumns() []string {
	out := make([]string, 0, len(t.Columns))
	for _, c := range t.Columns {
		out = append(out, c.Name)
	}
	return out
}

// UpdateColumns returns the insert columns that are not conflict targets.
// These are the columns overwritten by an ActionUpdate upsert.
func (t TableSpec) UpdateColumns() []string {
	if t.Load.Conflict == nil {
		return nil
	}
	target := make(map[string]bool, len(t.Load.Conflict.TargetColumns))
	for _, c := range t.Load.Conflict.TargetColumns {
		target[strings.ToLower(c)] = true
	}
	var out []string
	for _, c := range t.Columns {
		if !target[strings.ToLower(c.Name)] {
			out = append(out, c.Name)
		}
	}
	return out
}

// Validate checks the structural rules every backend relies on.
func (t TableSpec) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("table name is empty")
	}
	if len(t.Columns) == 0 {
		return fmt.Errorf("table %s: no columns", t.Name)
	}
	cols := make(map[string]bool, len(t.Columns))
	for _, c := range t.Columns {
		if strings.TrimSpace(c.Name) == "" || strings.TrimSpace(c.Type) == "" {
			return fmt.Errorf("table %s: column name/type must be set", t.Name)
		}
		cols[c.Name] = true
		if c.References != "" {
			if _, _, err := SplitReference(c.References); err != nil {
				return fmt.Errorf("table %s column %s: %w", t.Name, c.Name, err)
			}
		}
	}
	for _, con := range t.Constraints {
		if len(con.Columns) == 0 {
			return fmt.Errorf("table %s: %s constraint requires columns", t.Name, con.Kind)
		}
		for _, c := range con.Columns {
			if !cols[c] {
				return fmt.Errorf("table %s: constraint column %s not defined", t.Name, c)
			}
		}
	}
	if cf := t.Load.Conflict; cf != nil {
		if len(cf.TargetColumns) == 0 {
			return fmt.Errorf("table %s: conflict requires target_columns", t.Name)
		}
		switch cf.Action {
		case ActionDoNothing, ActionUpdate:
		default:
			return fmt.Errorf("table %s: unsupported conflict action %q", t.Name, cf.Action)
		}
	}
	return nil
}

// SplitReference parses a "table(column)" foreign key reference.
func SplitReference(ref string) (table, column string, err error) {
	ref = strings.TrimSpace(ref)
	open := strings.IndexByte(ref, '(')
	if open <= 0 || !strings.HasSuffix(ref, ")") {
		return "", "", fmt.Errorf("invalid reference %q, want table(column)", ref)
	}
	table = strings.TrimSpace(ref[:open])
	column = strings.TrimSpace(ref[open+1 : len(ref)-1])
	if table == "" || column == "" {
		return "", "", fmt.Errorf("invalid reference %q, want table(column)", ref)
	}
	return table, column, nil
}
