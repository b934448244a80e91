// Package query defines declarative descriptors for SQL statements
// and stored procedures. A descriptor carries everything needed to
// execute it: the SQL text or procedure signature, declared argument
// names or types, and the name of the connection target it runs
// against. Descriptors are plain values; applications declare them
// once and hand them to an engine together with runtime arguments.
package query

import (
	scerrors "github.com/ha1tch/sqlcall/pkg/errors"
	"github.com/ha1tch/sqlcall/pkg/param"
	"github.com/ha1tch/sqlcall/pkg/signature"
)

// Kind discriminates the two descriptor variants.
type Kind uint8

const (
	KindStatement Kind = iota + 1 // SQL text with ? placeholders
	KindProcedure                 // stored procedure signature
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindStatement:
		return "statement"
	case KindProcedure:
		return "procedure"
	default:
		return "unknown"
	}
}

// Descriptor declares an executable statement or stored procedure.
type Descriptor struct {
	// Name identifies the descriptor in errors and logs.
	Name string

	// Kind selects which of the remaining fields apply.
	Kind Kind

	// Text is the SQL text of a statement descriptor. Placeholders
	// use the ? form and are rewritten for the target driver.
	Text string

	// ArgNames names the placeholders of a statement descriptor in
	// order. The argument count of a call must match.
	ArgNames []string

	// Signature is the stored procedure signature of a procedure
	// descriptor, in the NAME(>, <) form.
	Signature string

	// Types declares the wire type of each procedure argument, one
	// per signature placeholder.
	Types []param.ArgType

	// Connection names the target the descriptor runs against. An
	// empty name selects the connector's default target.
	Connection string
}

// NewStatement builds a statement descriptor.
func NewStatement(name, text string, argNames ...string) *Descriptor {
	return &Descriptor{
		Name:     name,
		Kind:     KindStatement,
		Text:     text,
		ArgNames: argNames,
	}
}

// NewProcedure builds a procedure descriptor.
func NewProcedure(name, sig string, types ...param.ArgType) *Descriptor {
	return &Descriptor{
		Name:      name,
		Kind:      KindProcedure,
		Signature: sig,
		Types:     types,
	}
}

// WithConnection sets the connection target and returns the descriptor.
func (d *Descriptor) WithConnection(target string) *Descriptor {
	d.Connection = target
	return d
}

// Validate checks the descriptor's structure. Argument count checks
// happen at call time, when the actual arguments are known.
func (d *Descriptor) Validate() error {
	if d.Name == "" {
		return scerrors.New(scerrors.ErrCodeConfigInvalid,
			"descriptor name must be a non-empty string").Err()
	}
	switch d.Kind {
	case KindStatement:
		if d.Text == "" {
			return scerrors.Newf(scerrors.ErrCodeConfigInvalid,
				"statement descriptor %s has no SQL text", d.Name).Err()
		}
	case KindProcedure:
		if _, err := signature.Parse(d.Name, d.Signature); err != nil {
			return err
		}
		for i, at := range d.Types {
			if at.Type == 0 {
				return scerrors.Newf(scerrors.ErrCodeConfigInvalid,
					"procedure descriptor %s declares no type for argument %d", d.Name, i).Err()
			}
			if at.Type == param.TypeArray && at.Elem == 0 {
				return scerrors.Newf(scerrors.ErrCodeUnsupportedType,
					"procedure descriptor %s declares an array argument %d with no element type", d.Name, i).Err()
			}
		}
	default:
		return scerrors.Newf(scerrors.ErrCodeWrongKind,
			"descriptor %s has unknown kind %d", d.Name, d.Kind).Err()
	}
	return nil
}
