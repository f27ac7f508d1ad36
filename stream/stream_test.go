package stream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testSchema() Schema {
	return NewSchema(
		Field{"id", String},
		Field{"customer_id", String},
		Field{"score", Int64},
		Field{"active", Bool},
		Field{"updated_at", TimestampUTC},
	)
}

func TestNewValidatesFieldReferences(t *testing.T) {
	var _, err = New("users", "app", testSchema(),
		WithPrimaryField("id"),
		WithCursorField("updated_at"),
		WithFilters(map[string]any{"customer_id": "Customer1"}),
	)
	require.NoError(t, err)

	_, err = New("users", "app", testSchema(), WithPrimaryField("nope"))
	var missing *MissingFieldError
	require.ErrorAs(t, err, &missing)
	require.Equal(t, "nope", missing.Field)

	_, err = New("users", "app", testSchema(), WithCursorField("nope"))
	require.ErrorAs(t, err, &missing)

	_, err = New("users", "app", testSchema(), WithFilters(map[string]any{"nope": 1}))
	require.ErrorAs(t, err, &missing)
	require.Equal(t, "STREAM_MISSING_FIELD", missing.Code())
}

func TestToRecordCanonicalizes(t *testing.T) {
	var s, err = New("users", "app", testSchema())
	require.NoError(t, err)

	var est = time.FixedZone("EST", -5*3600)
	var rec Record
	rec, err = s.ToRecord([]any{"u1", "Customer1", int32(7), true,
		time.Date(2025, 1, 1, 19, 0, 0, 0, est)})
	require.NoError(t, err)

	require.Equal(t, "u1", rec[0])
	require.Equal(t, int64(7), rec[2])
	require.Equal(t, true, rec[3])
	// Timestamps convert to UTC at ingest.
	require.Equal(t, time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC), rec[4])
}

func TestBookkeepingFields(t *testing.T) {
	var s, err = New("users", "app", testSchema())
	require.NoError(t, err)

	var syncedAt = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	s.WithBatchID("1740773449235").
		WithChecksum().
		WithLastSyncedAt(syncedAt).
		WithVersion("v2")

	require.Equal(t, []string{
		"id", "customer_id", "score", "active", "updated_at",
		BatchIDField, ChecksumField, LastSyncedAtField, VersionField,
	}, s.Schema().Names())

	var row = []any{"u1", "Customer1", int64(7), true, syncedAt}
	rec, err := s.ToRecord(row)
	require.NoError(t, err)
	require.Len(t, rec, 9)
	require.Equal(t, "1740773449235", rec[5])
	require.Equal(t, rowChecksum(row), rec[6])
	require.Equal(t, syncedAt, rec[7])
	require.Equal(t, "v2", rec[8])

	// Checksums are deterministic per row content.
	rec2, err := s.ToRecord(row)
	require.NoError(t, err)
	require.Equal(t, rec[6], rec2[6])
}

func TestDropField(t *testing.T) {
	var s, err = New("users", "app", testSchema())
	require.NoError(t, err)

	require.NoError(t, s.DropField("customer_id"))
	require.Equal(t, []string{"id", "score", "active", "updated_at"}, s.Schema().Names())

	var missing *MissingFieldError
	require.ErrorAs(t, s.DropField("customer_id"), &missing)

	rec, err := s.ToRecord([]any{"u1", "Customer1", int64(7), true,
		time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)})
	require.NoError(t, err)
	require.Equal(t, Record{"u1", int64(7), true,
		time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}, rec)
}

func TestDropFieldTwiceKeepsRowAlignment(t *testing.T) {
	var s, err = New("users", "app", testSchema())
	require.NoError(t, err)

	require.NoError(t, s.DropField("score"))
	require.NoError(t, s.DropField("active"))

	rec, err := s.ToRecord([]any{"u1", "Customer1", int64(7), true,
		time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)})
	require.NoError(t, err)
	require.Equal(t, Record{"u1", "Customer1",
		time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}, rec)
}

func TestDropFieldClearsPrimaryAndCursor(t *testing.T) {
	var s, err = New("users", "app", testSchema(),
		WithPrimaryField("id"), WithCursorField("updated_at"))
	require.NoError(t, err)

	require.NoError(t, s.DropField("id"))
	require.Empty(t, s.PrimaryField)
	require.Equal(t, "updated_at", s.CursorField)
}

func TestSchemaCompatibilityIsOrderInsensitive(t *testing.T) {
	var a = NewSchema(Field{"id", String}, Field{"n", Int64}, Field{"ok", Bool})
	var b = NewSchema(Field{"ok", Bool}, Field{"id", String}, Field{"n", Int64})
	require.True(t, Compatible(a, b))
	require.True(t, Compatible(b, a))

	// Retyped field.
	var c = NewSchema(Field{"id", String}, Field{"n", Float64}, Field{"ok", Bool})
	require.False(t, Compatible(a, c))

	// Extra field.
	var d = a.Append(Field{"extra", String})
	require.False(t, Compatible(a, d))
	require.False(t, Compatible(d, a))

	// Renamed field.
	var e = NewSchema(Field{"id", String}, Field{"m", Int64}, Field{"ok", Bool})
	require.False(t, Compatible(a, e))
}

func TestCanonicalizeUUIDAndJSON(t *testing.T) {
	var v, err = Canonicalize(String, map[string]any{"a": float64(1)})
	require.NoError(t, err)
	require.JSONEq(t, `{"a":1}`, v.(string))

	v, err = Canonicalize(Bool, int64(1))
	require.NoError(t, err)
	require.Equal(t, true, v)

	v, err = Canonicalize(Float64, []byte("12.50"))
	require.NoError(t, err)
	require.Equal(t, 12.5, v)

	v, err = Canonicalize(Int64, nil)
	require.NoError(t, err)
	require.Nil(t, v)

	_, err = Canonicalize(Date, 42)
	require.Error(t, err)
}
