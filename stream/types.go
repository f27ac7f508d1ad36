package stream

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Type is the canonical analytical type set that mediates all conversions
// between source column types, the cache encoding, and destination DDL.
// It is deliberately small: types with no portable analytical equivalent
// (UUID, Decimal, JSON) are normalized onto it before entering the cache.
type Type int

const (
	Int64 Type = iota
	Float64
	String
	Binary
	Bool
	Date
	Time
	TimestampUTC
)

func (t Type) String() string {
	switch t {
	case Int64:
		return "int64"
	case Float64:
		return "float64"
	case String:
		return "string"
	case Binary:
		return "binary"
	case Bool:
		return "bool"
	case Date:
		return "date"
	case Time:
		return "time"
	case TimestampUTC:
		return "timestamp_utc"
	default:
		return fmt.Sprintf("type(%d)", int(t))
	}
}

// ParseType is the inverse of Type.String.
func ParseType(s string) (Type, error) {
	switch s {
	case "int64":
		return Int64, nil
	case "float64":
		return Float64, nil
	case "string":
		return String, nil
	case "binary":
		return Binary, nil
	case "bool":
		return Bool, nil
	case "date":
		return Date, nil
	case "time":
		return Time, nil
	case "timestamp_utc":
		return TimestampUTC, nil
	}
	return 0, fmt.Errorf("unknown canonical type %q", s)
}

// Canonicalize coerces a raw value read from a driver into the canonical Go
// representation for the given type: int64, float64, string, []byte, bool,
// time.Time (UTC midnight) for dates, time.Duration (since midnight) for
// times, and time.Time in UTC for timestamps. nil stays nil.
func Canonicalize(t Type, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch t {
	case Int64:
		switch x := v.(type) {
		case int64:
			return x, nil
		case int:
			return int64(x), nil
		case int32:
			return int64(x), nil
		case int16:
			return int64(x), nil
		case int8:
			return int64(x), nil
		case uint32:
			return int64(x), nil
		case float64:
			return int64(x), nil
		case []byte:
			var n int64
			if _, err := fmt.Sscan(string(x), &n); err != nil {
				return nil, fmt.Errorf("value %q is not an int64", x)
			}
			return n, nil
		}
	case Float64:
		switch x := v.(type) {
		case float64:
			return x, nil
		case float32:
			return float64(x), nil
		case int64:
			return float64(x), nil
		case int:
			return float64(x), nil
		case []byte: // NUMERIC/DECIMAL surfaced as text by several drivers
			var f float64
			if _, err := fmt.Sscan(string(x), &f); err != nil {
				return nil, fmt.Errorf("value %q is not a float64", x)
			}
			return f, nil
		case string:
			var f float64
			if _, err := fmt.Sscan(x, &f); err != nil {
				return nil, fmt.Errorf("value %q is not a float64", x)
			}
			return f, nil
		}
	case String:
		switch x := v.(type) {
		case string:
			return x, nil
		case []byte:
			return string(x), nil
		case uuid.UUID:
			return x.String(), nil
		case map[string]any, []any: // JSON/JSONB decoded by the driver
			b, err := json.Marshal(x)
			if err != nil {
				return nil, fmt.Errorf("serializing json value: %w", err)
			}
			return string(b), nil
		case fmt.Stringer:
			return x.String(), nil
		}
	case Binary:
		switch x := v.(type) {
		case []byte:
			return x, nil
		case string:
			return []byte(x), nil
		}
	case Bool:
		switch x := v.(type) {
		case bool:
			return x, nil
		case int64: // embedded stores without a boolean type
			return x != 0, nil
		case int:
			return x != 0, nil
		case string:
			return strings.EqualFold(x, "true") || x == "1", nil
		}
	case Date:
		switch x := v.(type) {
		case time.Time:
			y, m, d := x.Date()
			return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
		case string:
			d, err := time.Parse("2006-01-02", x)
			if err != nil {
				return nil, fmt.Errorf("value %q is not a date: %w", x, err)
			}
			return d.UTC(), nil
		}
	case Time:
		switch x := v.(type) {
		case time.Duration:
			return x, nil
		case time.Time:
			midnight := time.Date(x.Year(), x.Month(), x.Day(), 0, 0, 0, 0, x.Location())
			return x.Sub(midnight), nil
		case int64: // microseconds since midnight
			return time.Duration(x) * time.Microsecond, nil
		case string:
			d, err := time.Parse("15:04:05.999999", x)
			if err != nil {
				return nil, fmt.Errorf("value %q is not a time: %w", x, err)
			}
			midnight := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, d.Location())
			return d.Sub(midnight), nil
		}
	case TimestampUTC:
		switch x := v.(type) {
		case time.Time:
			return x.UTC(), nil
		case string:
			ts, err := time.Parse(time.RFC3339Nano, x)
			if err != nil {
				return nil, fmt.Errorf("value %q is not a timestamp: %w", x, err)
			}
			return ts.UTC(), nil
		}
	}
	return nil, fmt.Errorf("cannot canonicalize %T as %s", v, t)
}
