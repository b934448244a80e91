// Package param models typed call parameters for queries and stored
// procedures: a direction (IN/OUT/INOUT), a wire type drawn from a
// closed set, and an optional value. Values know how to turn
// themselves into driver-ready arguments, allocating typed output
// destinations for OUT and INOUT parameters and coercing native
// arrays element by element.
package param

import (
	"strings"

	scerrors "github.com/ha1tch/sqlcall/pkg/errors"
)

// Direction indicates how a parameter moves between caller and callee.
type Direction uint8

const (
	DirIn    Direction = iota + 1 // input only
	DirOut                        // output only
	DirInOut                      // both
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case DirIn:
		return "IN"
	case DirOut:
		return "OUT"
	case DirInOut:
		return "INOUT"
	default:
		return "UNKNOWN"
	}
}

// IsInput reports whether the parameter carries a value into the call.
func (d Direction) IsInput() bool {
	return d == DirIn || d == DirInOut
}

// IsOutput reports whether the parameter carries a value out of the call.
func (d Direction) IsOutput() bool {
	return d == DirOut || d == DirInOut
}

// DirectionFromMarker maps a signature marker byte to a direction:
// '>' IN, '<' OUT, '=' INOUT.
func DirectionFromMarker(c byte) (Direction, error) {
	switch c {
	case '>':
		return DirIn, nil
	case '<':
		return DirOut, nil
	case '=':
		return DirInOut, nil
	default:
		return 0, scerrors.Newf(scerrors.ErrCodeBadDirection,
			"parameter mode marker '%c' is unsupported", c).Err()
	}
}

// Marker returns the signature marker byte for the direction.
func (d Direction) Marker() byte {
	switch d {
	case DirIn:
		return '>'
	case DirOut:
		return '<'
	case DirInOut:
		return '='
	default:
		return '?'
	}
}

// Type identifies the wire representation of a parameter or scalar
// result. The set is closed; binding dispatches on it exhaustively.
type Type uint8

const (
	TypeString    Type = iota + 1 // character data
	TypeNString                   // national character data
	TypeBytes                     // binary data
	TypeBool                      // boolean / bit
	TypeInt16                     // small integer
	TypeInt32                     // integer
	TypeInt64                     // big integer
	TypeFloat32                   // single-precision float
	TypeFloat64                   // double-precision float
	TypeDecimal                   // exact decimal
	TypeDate                      // date without time of day
	TypeTime                      // time of day without date
	TypeTimestamp                 // date and time
	TypeObject                    // driver-defined value
	TypeArray                     // array of a scalar element type
)

// String returns the lowercase type name.
func (t Type) String() string {
	switch t {
	case TypeString:
		return "string"
	case TypeNString:
		return "nstring"
	case TypeBytes:
		return "bytes"
	case TypeBool:
		return "bool"
	case TypeInt16:
		return "int16"
	case TypeInt32:
		return "int32"
	case TypeInt64:
		return "int64"
	case TypeFloat32:
		return "float32"
	case TypeFloat64:
		return "float64"
	case TypeDecimal:
		return "decimal"
	case TypeDate:
		return "date"
	case TypeTime:
		return "time"
	case TypeTimestamp:
		return "timestamp"
	case TypeObject:
		return "object"
	case TypeArray:
		return "array"
	default:
		return "unknown"
	}
}

// SQLName returns the canonical SQL type name, used as the default
// driver-level type name for array parameters.
func (t Type) SQLName() string {
	switch t {
	case TypeString:
		return "VARCHAR"
	case TypeNString:
		return "NVARCHAR"
	case TypeBytes:
		return "VARBINARY"
	case TypeBool:
		return "BOOLEAN"
	case TypeInt16:
		return "SMALLINT"
	case TypeInt32:
		return "INTEGER"
	case TypeInt64:
		return "BIGINT"
	case TypeFloat32:
		return "REAL"
	case TypeFloat64:
		return "DOUBLE"
	case TypeDecimal:
		return "DECIMAL"
	case TypeDate:
		return "DATE"
	case TypeTime:
		return "TIME"
	case TypeTimestamp:
		return "TIMESTAMP"
	case TypeObject:
		return "OBJECT"
	case TypeArray:
		return "ARRAY"
	default:
		return "UNKNOWN"
	}
}

// typeAliases maps SQL type names (and their common synonyms) to wire types.
var typeAliases = map[string]Type{
	"char":          TypeString,
	"varchar":       TypeString,
	"longvarchar":   TypeString,
	"string":        TypeString,
	"text":          TypeString,
	"nchar":         TypeNString,
	"nvarchar":      TypeNString,
	"longnvarchar":  TypeNString,
	"nstring":       TypeNString,
	"ntext":         TypeNString,
	"binary":        TypeBytes,
	"varbinary":     TypeBytes,
	"longvarbinary": TypeBytes,
	"bytes":         TypeBytes,
	"blob":          TypeBytes,
	"bit":           TypeBool,
	"bool":          TypeBool,
	"boolean":       TypeBool,
	"smallint":      TypeInt16,
	"int16":         TypeInt16,
	"int":           TypeInt32,
	"integer":       TypeInt32,
	"int32":         TypeInt32,
	"bigint":        TypeInt64,
	"int64":         TypeInt64,
	"real":          TypeFloat32,
	"float32":       TypeFloat32,
	"float":         TypeFloat64,
	"double":        TypeFloat64,
	"float64":       TypeFloat64,
	"decimal":       TypeDecimal,
	"numeric":       TypeDecimal,
	"date":          TypeDate,
	"time":          TypeTime,
	"timestamp":     TypeTimestamp,
	"datetime":      TypeTimestamp,
	"object":        TypeObject,
	"other":         TypeObject,
	"array":         TypeArray,
}

// ParseType resolves a SQL type name or synonym to a wire type.
// Array types must use ParseArgType so the element type is captured.
func ParseType(s string) (Type, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if t, ok := typeAliases[name]; ok {
		return t, nil
	}
	return 0, scerrors.Newf(scerrors.ErrCodeUnsupportedType,
		"parameter type %q is unsupported", s).Err()
}

// ArgType is a declared argument type: a wire type plus, for arrays,
// the element wire type.
type ArgType struct {
	Type Type
	Elem Type // set only when Type is TypeArray
}

// Scalar builds an ArgType for a non-array wire type.
func Scalar(t Type) ArgType {
	return ArgType{Type: t}
}

// ArrayOf builds an ArgType for an array of the given element type.
func ArrayOf(elem Type) ArgType {
	return ArgType{Type: TypeArray, Elem: elem}
}

// String renders the declared type, arrays as "array(elem)".
func (a ArgType) String() string {
	if a.Type == TypeArray && a.Elem != 0 {
		return "array(" + a.Elem.String() + ")"
	}
	return a.Type.String()
}

// ParseArgType resolves a declared type string, accepting the scalar
// aliases of ParseType plus "array(<elem>)" for array types.
func ParseArgType(s string) (ArgType, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if open := strings.IndexByte(name, '('); open >= 0 {
		if !strings.HasSuffix(name, ")") || name[:open] != "array" {
			return ArgType{}, scerrors.Newf(scerrors.ErrCodeUnsupportedType,
				"parameter type %q is unsupported", s).Err()
		}
		elem, err := ParseType(name[open+1 : len(name)-1])
		if err != nil {
			return ArgType{}, err
		}
		if elem == TypeArray {
			return ArgType{}, scerrors.New(scerrors.ErrCodeUnsupportedType,
				"nested array parameter types are unsupported").Err()
		}
		return ArrayOf(elem), nil
	}
	t, err := ParseType(name)
	if err != nil {
		return ArgType{}, err
	}
	return Scalar(t), nil
}
