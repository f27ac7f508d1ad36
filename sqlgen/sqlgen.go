// Package sqlgen generates the SQL issued against source and destination
// warehouses: identifier sanitization, typed literal escaping, windowed
// SELECTs, DDL from stream schemas, and the per-dialect staging and merge
// statements.
//
// Identifiers are never concatenated with unsanitized input, and literal
// values are type-escaped; parameter placeholders are only used on the
// batched-insert paths that go through a driver.
package sqlgen

import (
	"fmt"
	"strings"
	"time"

	"github.com/ferryhq/ferry/replication"
	"github.com/ferryhq/ferry/stream"
)

// SafeIdentifier reduces a name to the characters allowed in an identifier:
// alphanumerics and underscore, at most 64 characters, starting with a
// letter or underscore. Dots are kept as qualifiers and each part is
// sanitized independently.
func SafeIdentifier(name string) (string, error) {
	var parts = strings.Split(name, ".")
	for i, part := range parts {
		var clean, err = safePart(part)
		if err != nil {
			return "", fmt.Errorf("identifier %q: %w", name, err)
		}
		parts[i] = clean
	}
	return strings.Join(parts, "."), nil
}

func safePart(part string) (string, error) {
	var b strings.Builder
	for _, r := range part {
		if r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	var out = b.String()
	if out == "" {
		return "", fmt.Errorf("empty after sanitization")
	}
	if out[0] >= '0' && out[0] <= '9' {
		out = "_" + out
	}
	if len(out) > 64 {
		out = out[:64]
	}
	return out, nil
}

// Literal renders a canonical value as an escaped SQL literal. Strings are
// single-quoted with '' doubling, temporal values are ISO-8601, booleans are
// TRUE/FALSE keywords and nil is NULL.
func Literal(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "NULL", nil
	case string:
		return "'" + strings.ReplaceAll(t, "'", "''") + "'", nil
	case bool:
		if t {
			return "TRUE", nil
		}
		return "FALSE", nil
	case int:
		return fmt.Sprintf("%d", t), nil
	case int32:
		return fmt.Sprintf("%d", t), nil
	case int64:
		return fmt.Sprintf("%d", t), nil
	case float64:
		return fmt.Sprintf("%v", t), nil
	case time.Time:
		return "'" + t.UTC().Format("2006-01-02T15:04:05.999999Z07:00") + "'", nil
	default:
		return "", fmt.Errorf("unsupported literal type %T", v)
	}
}

type filter struct {
	col   string
	op    string
	value string
}

// whereClause builds the shared WHERE for select and count queries: the
// half-open [start, end) cursor window for incremental modes, then equality
// filters in schema order.
func whereClause(s *stream.Stream, mode *replication.Mode) (string, error) {
	var filters []filter

	if mode != nil && mode.Type == replication.Incremental && mode.Start != nil && mode.End != nil {
		var cursor, err = SafeIdentifier(s.CursorField)
		if err != nil {
			return "", err
		}
		var start, end string
		if start, err = Literal(*mode.Start); err != nil {
			return "", err
		}
		if end, err = Literal(*mode.End); err != nil {
			return "", err
		}
		filters = append(filters,
			filter{cursor, ">=", start},
			filter{cursor, "<", end})
	}

	// Schema order keeps generated SQL deterministic.
	for _, f := range s.Schema().Fields() {
		var v, ok = s.Filters[f.Name]
		if !ok {
			continue
		}
		var col, err = SafeIdentifier(f.Name)
		if err != nil {
			return "", err
		}
		var lit string
		if lit, err = Literal(v); err != nil {
			return "", fmt.Errorf("filter %s: %w", f.Name, err)
		}
		filters = append(filters, filter{col, "=", lit})
	}

	if len(filters) == 0 {
		return "", nil
	}
	var terms = make([]string, len(filters))
	for i, f := range filters {
		terms[i] = fmt.Sprintf("%s %s %s", f.col, f.op, f.value)
	}
	return " WHERE " + strings.Join(terms, " AND "), nil
}

// SelectQuery builds the main read query for a stream under the given mode.
func SelectQuery(s *stream.Stream, mode *replication.Mode) (string, error) {
	var cols = make([]string, 0, s.Schema().Len())
	for _, f := range s.Schema().Fields() {
		var col, err = SafeIdentifier(f.Name)
		if err != nil {
			return "", err
		}
		cols = append(cols, col)
	}
	var table, err = SafeIdentifier(s.QualifiedName())
	if err != nil {
		return "", err
	}
	var where string
	if where, err = whereClause(s, mode); err != nil {
		return "", err
	}
	return fmt.Sprintf("SELECT %s FROM %s%s", strings.Join(cols, ","), table, where), nil
}

// CountQuery builds the row-count query with the same WHERE as SelectQuery,
// used to seed progress totals.
func CountQuery(s *stream.Stream, mode *replication.Mode) (string, error) {
	var table, err = SafeIdentifier(s.QualifiedName())
	if err != nil {
		return "", err
	}
	var where string
	if where, err = whereClause(s, mode); err != nil {
		return "", err
	}
	return fmt.Sprintf("SELECT count(1) FROM %s%s", table, where), nil
}
