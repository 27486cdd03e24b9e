package schema

import (
	"context"
	"fmt"

	"sparkify/internal/storage"
)

// Provisioner is the part of storage.Repository that provisioning needs.
type Provisioner interface {
	DropTable(ctx context.Context, name string) error
	CreateTable(ctx context.Context, t storage.TableSpec) error
}

// SchemaProvisionError reports which table and step failed.
type SchemaProvisionError struct {
	Table string
	Op    string // drop | create
	Err   error
}

func (e *SchemaProvisionError) Error() string {
	return fmt.Sprintf("provision: %s table %s: %v", e.Op, e.Table, e.Err)
}

func (e *SchemaProvisionError) Unwrap() error { return e.Err }

// Provision drops every star-schema table and re-creates it empty.
//
// Tables are dropped dependents first and created in dependency order, so
// the result is the same whether or not a previous schema existed. This
// destroys all loaded data.
func Provision(ctx context.Context, p Provisioner) error {
	return ProvisionTables(ctx, p, Tables())
}

// ProvisionTables is Provision over an explicit table list, which must be
// in dependency order.
func ProvisionTables(ctx context.Context, p Provisioner, tables []storage.TableSpec) error {
	for i := len(tables) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			return err
		}
		name := tables[i].Name
		if err := p.DropTable(ctx, name); err != nil {
			return &SchemaProvisionError{Table: name, Op: "drop", Err: err}
		}
	}
	for _, t := range tables {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := t.Validate(); err != nil {
			return &SchemaProvisionError{Table: t.Name, Op: "create", Err: err}
		}
		if err := p.CreateTable(ctx, t); err != nil {
			return &SchemaProvisionError{Table: t.Name, Op: "create", Err: err}
		}
	}
	return nil
}
