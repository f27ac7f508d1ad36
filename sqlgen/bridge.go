package sqlgen

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ferryhq/ferry/stream"
)

// ParseColumnType maps an upstream column type name (as reported by
// information_schema or driver metadata) onto a canonical type. scale is the
// numeric scale when the catalog reports one; -1 means unknown, in which
// case a parenthesized "(p,s)" suffix on the name is consulted.
func ParseColumnType(dataType string, scale int64) (stream.Type, error) {
	var name = strings.ToUpper(strings.TrimSpace(dataType))

	if idx := strings.Index(name, "("); idx >= 0 {
		if scale < 0 {
			scale = parenScale(name[idx:])
		}
		name = name[:idx]
	}
	name = strings.TrimSpace(name)

	switch name {
	case "SMALLINT", "INT2", "INT", "INT4", "INTEGER", "BIGINT", "INT8", "INT64", "SERIAL", "BIGSERIAL":
		return stream.Int64, nil
	case "NUMERIC", "DECIMAL", "NUMBER", "BIGNUMERIC":
		// Scale zero holds integers; anything else is lossy as int64.
		if scale == 0 {
			return stream.Int64, nil
		}
		return stream.Float64, nil
	case "REAL", "FLOAT", "FLOAT4", "FLOAT8", "FLOAT64", "DOUBLE", "DOUBLE PRECISION":
		return stream.Float64, nil
	case "VARCHAR", "CHARACTER VARYING", "CHAR", "CHARACTER", "TEXT", "STRING",
		"JSON", "JSONB", "UUID", "NAME":
		return stream.String, nil
	case "BYTEA", "BINARY", "VARBINARY", "BYTES", "BLOB":
		return stream.Binary, nil
	case "BOOL", "BOOLEAN":
		return stream.Bool, nil
	case "DATE":
		return stream.Date, nil
	case "TIME", "TIME WITHOUT TIME ZONE", "TIME WITH TIME ZONE":
		return stream.Time, nil
	case "TIMESTAMP", "TIMESTAMPTZ", "DATETIME",
		"TIMESTAMP WITHOUT TIME ZONE", "TIMESTAMP WITH TIME ZONE",
		"TIMESTAMP_LTZ", "TIMESTAMP_NTZ", "TIMESTAMP_TZ":
		return stream.TimestampUTC, nil
	default:
		return 0, fmt.Errorf("unsupported column type %q", dataType)
	}
}

// parenScale extracts s from a "(p,s)" suffix, defaulting to 0 for "(p)".
func parenScale(suffix string) int64 {
	suffix = strings.Trim(suffix, "()")
	var parts = strings.Split(suffix, ",")
	if len(parts) < 2 {
		return 0
	}
	var s, err = strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
	if err != nil {
		return 0
	}
	return s
}
