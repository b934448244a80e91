package param

import (
	"database/sql"
	"math"
	"time"

	"github.com/golang-sql/civil"
	"github.com/shopspring/decimal"

	scerrors "github.com/ha1tch/sqlcall/pkg/errors"
)

// Value is a single call parameter: a direction, a declared wire type
// and the native input value, if any. OUT and INOUT values allocate a
// typed destination when bound; after execution the driver has written
// the result there and Out reads it back.
type Value struct {
	dir      Direction
	typ      ArgType
	typeName string
	in       interface{}
	dest     interface{}
}

// New builds a parameter with the given direction and scalar wire type.
// Array parameters need NewArray so the element type is known.
func New(dir Direction, t Type, v interface{}) *Value {
	return &Value{dir: dir, typ: Scalar(t), in: v}
}

// NewOf builds a parameter from a declared argument type.
func NewOf(dir Direction, at ArgType, v interface{}) *Value {
	return &Value{dir: dir, typ: at, in: v}
}

// NewArray builds an array parameter with the given element type.
func NewArray(dir Direction, elem Type, v interface{}) *Value {
	return &Value{dir: dir, typ: ArrayOf(elem), in: v}
}

// In builds an input-only parameter.
func In(t Type, v interface{}) *Value { return New(DirIn, t, v) }

// Out builds an output-only parameter.
func Out(t Type) *Value { return New(DirOut, t, nil) }

// InOut builds a parameter that carries a value both ways.
func InOut(t Type, v interface{}) *Value { return New(DirInOut, t, v) }

// WithTypeName overrides the driver-level SQL type name reported for
// the parameter. Array parameters default to the element's SQLName.
func (v *Value) WithTypeName(name string) *Value {
	v.typeName = name
	return v
}

// Direction returns the parameter direction.
func (v *Value) Direction() Direction { return v.dir }

// ArgType returns the declared argument type.
func (v *Value) ArgType() ArgType { return v.typ }

// Type returns the wire type.
func (v *Value) Type() Type { return v.typ.Type }

// TypeName returns the driver-level SQL type name for the parameter.
func (v *Value) TypeName() string {
	if v.typeName != "" {
		return v.typeName
	}
	if v.typ.Type == TypeArray && v.typ.Elem != 0 {
		return v.typ.Elem.SQLName()
	}
	return v.typ.Type.SQLName()
}

// Input returns the native input value as given.
func (v *Value) Input() interface{} { return v.in }

// String renders the parameter for logs, values elided.
func (v *Value) String() string {
	return v.dir.String() + " " + v.typ.String()
}

// Arg converts the parameter into a driver-ready argument for the
// 1-based position pos. Input parameters coerce their native value to
// the declared wire type; output parameters allocate a typed
// destination and wrap it in sql.Out, seeding it first when the
// direction is INOUT.
func (v *Value) Arg(pos int) (interface{}, error) {
	if v.typ.Type == TypeArray && v.typ.Elem == 0 {
		return nil, scerrors.New(scerrors.ErrCodeUnsupportedType,
			"array parameter requires an element type").
			WithField("position", pos).Err()
	}
	if v.dir.IsOutput() {
		if v.dest == nil {
			v.dest = allocDest(v.typ)
		}
		if v.dir == DirInOut && v.in != nil {
			if err := v.seed(pos); err != nil {
				return nil, err
			}
		}
		return sql.Out{Dest: v.dest, In: v.dir == DirInOut}, nil
	}
	return v.coerce(pos)
}

// coerce converts the native input value for position pos.
func (v *Value) coerce(pos int) (interface{}, error) {
	if v.in == nil {
		return nil, nil
	}
	var (
		out interface{}
		err error
	)
	if v.typ.Type == TypeArray {
		out, err = coerceArray(v.typ.Elem, v.in)
	} else {
		out, err = coerceScalar(v.typ.Type, v.in)
	}
	if err != nil {
		return nil, scerrors.Wrap(err, scerrors.GetCode(err), "bind parameter").
			WithField("position", pos).
			WithField("type", v.typ.String()).Err()
	}
	return out, nil
}

// allocDest returns the typed scan destination for an output parameter.
func allocDest(at ArgType) interface{} {
	switch at.Type {
	case TypeString, TypeNString:
		return new(sql.NullString)
	case TypeBytes:
		return new([]byte)
	case TypeBool:
		return new(sql.NullBool)
	case TypeInt16:
		return new(sql.NullInt16)
	case TypeInt32:
		return new(sql.NullInt32)
	case TypeInt64:
		return new(sql.NullInt64)
	case TypeFloat32, TypeFloat64:
		return new(sql.NullFloat64)
	case TypeDecimal:
		return new(decimal.NullDecimal)
	case TypeDate, TypeTime, TypeTimestamp:
		return new(sql.NullTime)
	default:
		return new(interface{})
	}
}

// seed writes the coerced input value into the destination so the
// driver sees it as the inbound half of an INOUT parameter.
func (v *Value) seed(pos int) error {
	cv, err := v.coerce(pos)
	if err != nil {
		return err
	}
	if cv == nil {
		return nil
	}
	switch d := v.dest.(type) {
	case *sql.NullString:
		*d = sql.NullString{String: cv.(string), Valid: true}
	case *[]byte:
		*d = cv.([]byte)
	case *sql.NullBool:
		*d = sql.NullBool{Bool: cv.(bool), Valid: true}
	case *sql.NullInt16:
		*d = sql.NullInt16{Int16: cv.(int16), Valid: true}
	case *sql.NullInt32:
		*d = sql.NullInt32{Int32: cv.(int32), Valid: true}
	case *sql.NullInt64:
		*d = sql.NullInt64{Int64: cv.(int64), Valid: true}
	case *sql.NullFloat64:
		switch f := cv.(type) {
		case float32:
			*d = sql.NullFloat64{Float64: float64(f), Valid: true}
		case float64:
			*d = sql.NullFloat64{Float64: f, Valid: true}
		}
	case *decimal.NullDecimal:
		*d = decimal.NullDecimal{Decimal: cv.(decimal.Decimal), Valid: true}
	case *sql.NullTime:
		*d = sql.NullTime{Time: cv.(time.Time), Valid: true}
	case *interface{}:
		*d = cv
	}
	return nil
}

// Out returns the value the driver wrote into an output destination
// and whether it was non-NULL. Date and time-of-day parameters come
// back as civil values, timestamps as time.Time. Calling Out on an
// input-only parameter, or before execution, returns (nil, false).
func (v *Value) Out() (interface{}, bool) {
	if v.dest == nil {
		return nil, false
	}
	switch d := v.dest.(type) {
	case *sql.NullString:
		return d.String, d.Valid
	case *[]byte:
		return *d, *d != nil
	case *sql.NullBool:
		return d.Bool, d.Valid
	case *sql.NullInt16:
		return d.Int16, d.Valid
	case *sql.NullInt32:
		return d.Int32, d.Valid
	case *sql.NullInt64:
		return d.Int64, d.Valid
	case *sql.NullFloat64:
		if v.typ.Type == TypeFloat32 {
			return float32(d.Float64), d.Valid
		}
		return d.Float64, d.Valid
	case *decimal.NullDecimal:
		return d.Decimal, d.Valid
	case *sql.NullTime:
		switch v.typ.Type {
		case TypeDate:
			return civil.DateOf(d.Time), d.Valid
		case TypeTime:
			return civil.TimeOf(d.Time), d.Valid
		default:
			return d.Time, d.Valid
		}
	case *interface{}:
		return *d, *d != nil
	default:
		return nil, false
	}
}

// coerceScalar converts a native value to the driver representation of
// the wire type. Each type accepts a closed set of native forms.
func coerceScalar(t Type, v interface{}) (interface{}, error) {
	switch t {
	case TypeString, TypeNString:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case TypeBytes:
		if b, ok := v.([]byte); ok {
			return b, nil
		}
	case TypeBool:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case TypeInt16:
		switch n := v.(type) {
		case int16:
			return n, nil
		case int8:
			return int16(n), nil
		case int:
			if n < math.MinInt16 || n > math.MaxInt16 {
				return nil, overflowErr(n, t)
			}
			return int16(n), nil
		}
	case TypeInt32:
		switch n := v.(type) {
		case int32:
			return n, nil
		case int16:
			return int32(n), nil
		case int8:
			return int32(n), nil
		case int:
			if n < math.MinInt32 || n > math.MaxInt32 {
				return nil, overflowErr(n, t)
			}
			return int32(n), nil
		}
	case TypeInt64:
		switch n := v.(type) {
		case int64:
			return n, nil
		case int32:
			return int64(n), nil
		case int16:
			return int64(n), nil
		case int8:
			return int64(n), nil
		case int:
			return int64(n), nil
		}
	case TypeFloat32:
		if f, ok := v.(float32); ok {
			return f, nil
		}
	case TypeFloat64:
		switch f := v.(type) {
		case float64:
			return f, nil
		case float32:
			return float64(f), nil
		}
	case TypeDecimal:
		if d, ok := v.(decimal.Decimal); ok {
			return d, nil
		}
	case TypeDate:
		switch d := v.(type) {
		case civil.Date:
			return d.In(time.UTC), nil
		case time.Time:
			return d, nil
		}
	case TypeTime:
		switch tv := v.(type) {
		case civil.Time:
			return time.Date(1, time.January, 1, tv.Hour, tv.Minute, tv.Second, tv.Nanosecond, time.UTC), nil
		case time.Time:
			return tv, nil
		}
	case TypeTimestamp:
		switch ts := v.(type) {
		case time.Time:
			return ts, nil
		case civil.DateTime:
			return ts.In(time.UTC), nil
		}
	case TypeObject:
		return v, nil
	}
	return nil, scerrors.Newf(scerrors.ErrCodeTypeMismatch,
		"cannot bind %T as %s", v, t).Err()
}

func overflowErr(n int, t Type) error {
	return scerrors.Newf(scerrors.ErrCodeTypeMismatch,
		"value %d overflows %s", n, t).Err()
}

// coerceArray converts a native slice to a driver-ready array value
// with nil-able elements. NULL elements pass through unchecked.
func coerceArray(elem Type, v interface{}) (interface{}, error) {
	items, ok := normalizeArray(v)
	if !ok {
		return nil, scerrors.Newf(scerrors.ErrCodeTypeMismatch,
			"cannot bind %T as array of %s", v, elem).Err()
	}
	switch elem {
	case TypeString, TypeNString:
		return buildArray[string](elem, items)
	case TypeBytes:
		out := make([][]byte, len(items))
		for i, el := range items {
			if el == nil {
				continue
			}
			b, ok := el.([]byte)
			if !ok {
				return nil, elementErr(i, elem, el)
			}
			out[i] = b
		}
		return out, nil
	case TypeBool:
		return buildArray[bool](elem, items)
	case TypeInt16:
		return buildArray[int16](elem, items)
	case TypeInt32:
		return buildArray[int32](elem, items)
	case TypeInt64:
		return buildArray[int64](elem, items)
	case TypeFloat32:
		return buildArray[float32](elem, items)
	case TypeFloat64:
		return buildArray[float64](elem, items)
	case TypeDecimal:
		return buildArray[decimal.Decimal](elem, items)
	case TypeDate, TypeTime, TypeTimestamp:
		return buildArray[time.Time](elem, items)
	case TypeObject:
		out := make([]interface{}, len(items))
		copy(out, items)
		return out, nil
	default:
		return nil, scerrors.Newf(scerrors.ErrCodeUnsupportedType,
			"array element type %s is unsupported", elem).Err()
	}
}

// buildArray coerces each element to T and collects pointers so NULL
// elements survive the trip to the driver.
func buildArray[T any](elem Type, items []interface{}) (interface{}, error) {
	out := make([]*T, len(items))
	for i, el := range items {
		if el == nil {
			continue
		}
		cv, err := coerceScalar(elem, el)
		if err != nil {
			return nil, elementErr(i, elem, el)
		}
		tv := cv.(T)
		out[i] = &tv
	}
	return out, nil
}

func elementErr(i int, elem Type, el interface{}) error {
	return scerrors.Newf(scerrors.ErrCodeArrayElement,
		"array element mismatch at index %d: expected %s, found %T", i, elem, el).Err()
}

// normalizeArray widens the common native slice forms to []interface{}.
func normalizeArray(v interface{}) ([]interface{}, bool) {
	switch s := v.(type) {
	case []interface{}:
		return s, true
	case []string:
		return widen(s), true
	case [][]byte:
		return widen(s), true
	case []bool:
		return widen(s), true
	case []int16:
		return widen(s), true
	case []int32:
		return widen(s), true
	case []int64:
		return widen(s), true
	case []int:
		return widen(s), true
	case []float32:
		return widen(s), true
	case []float64:
		return widen(s), true
	case []decimal.Decimal:
		return widen(s), true
	case []time.Time:
		return widen(s), true
	case []civil.Date:
		return widen(s), true
	case []civil.Time:
		return widen(s), true
	default:
		return nil, false
	}
}

func widen[T any](s []T) []interface{} {
	out := make([]interface{}, len(s))
	for i, el := range s {
		out[i] = el
	}
	return out
}
