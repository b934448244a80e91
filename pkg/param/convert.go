package param

import (
	"fmt"
	"strconv"
	"time"

	"github.com/golang-sql/civil"
	"github.com/shopspring/decimal"
)

// Conversion helpers for values coming back from drivers. Drivers
// differ in how they surface column and output values (sqlite hands
// back int64 or text, others typed values), so scalar result shapes
// funnel through these.

// AsInt64 converts a driver value to int64.
func AsInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true
	case float32:
		return int64(n), true
	case float64:
		return int64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	case decimal.Decimal:
		return n.IntPart(), true
	case string:
		return parseInt64(n)
	case []byte:
		return parseInt64(string(n))
	default:
		return 0, false
	}
}

func parseInt64(s string) (int64, bool) {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i, true
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return int64(f), true
	}
	return 0, false
}

// AsString converts a driver value to its string form. Unknown types
// fall back to their default formatting.
func AsString(v interface{}) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case []byte:
		return string(s)
	case decimal.Decimal:
		return s.String()
	case time.Time:
		return s.Format("2006-01-02 15:04:05.999999999")
	default:
		return fmt.Sprintf("%v", v)
	}
}

// AsFloat64 converts a driver value to float64.
func AsFloat64(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case decimal.Decimal:
		return n.InexactFloat64(), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	case []byte:
		f, err := strconv.ParseFloat(string(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// AsBool converts a driver value to bool. Integer values follow the
// usual nonzero convention.
func AsBool(v interface{}) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case int:
		return b != 0, true
	case int64:
		return b != 0, true
	case string:
		parsed, err := strconv.ParseBool(b)
		return parsed, err == nil
	case []byte:
		parsed, err := strconv.ParseBool(string(b))
		return parsed, err == nil
	default:
		return false, false
	}
}

// AsBytes converts a driver value to raw bytes.
func AsBytes(v interface{}) ([]byte, bool) {
	switch b := v.(type) {
	case []byte:
		return b, true
	case string:
		return []byte(b), true
	default:
		return nil, false
	}
}

// AsDecimal converts a driver value to an exact decimal.
func AsDecimal(v interface{}) (decimal.Decimal, bool) {
	switch d := v.(type) {
	case decimal.Decimal:
		return d, true
	case string:
		parsed, err := decimal.NewFromString(d)
		return parsed, err == nil
	case []byte:
		parsed, err := decimal.NewFromString(string(d))
		return parsed, err == nil
	case float64:
		return decimal.NewFromFloat(d), true
	case int64:
		return decimal.NewFromInt(d), true
	case int:
		return decimal.NewFromInt(int64(d)), true
	default:
		return decimal.Decimal{}, false
	}
}

var timeLayouts = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	time.RFC3339Nano,
	"2006-01-02",
	"15:04:05.999999999",
}

// AsTime converts a driver value to time.Time. Strings try the common
// SQL layouts in order.
func AsTime(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case civil.Date:
		return t.In(time.UTC), true
	case civil.DateTime:
		return t.In(time.UTC), true
	case string:
		return parseTime(t)
	case []byte:
		return parseTime(string(t))
	default:
		return time.Time{}, false
	}
}

func parseTime(s string) (time.Time, bool) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
