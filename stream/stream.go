package stream

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sort"
	"time"
)

// Bookkeeping column names appended by the transfer runtime.
const (
	ChecksumField     = "ferry__checksum"
	BatchIDField      = "ferry__batch_id"
	LastSyncedAtField = "ferry__last_synced_at"
	VersionField      = "ferry__version"
)

// Record is a row of values aligned 1:1 with its stream's current schema,
// in canonical representation (see Canonicalize).
type Record []any

// MissingFieldError is returned when a stream is constructed or mutated with
// a reference to a field that its schema does not contain.
type MissingFieldError struct {
	Stream string
	Field  string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("stream %s does not have field %q", e.Stream, e.Field)
}

func (e *MissingFieldError) Code() string { return "STREAM_MISSING_FIELD" }

// Producer computes a bookkeeping value from the original source row.
type Producer func(row []any) any

type extraField struct {
	name     string
	value    any
	producer Producer
}

// Stream is a typed sequence of records from one logical source table.
// Bookkeeping columns added by With* mutators are kept as a small ordered
// list of (name, type, value-or-producer) and expanded when rows are
// materialized by ToRecord, never in SQL.
type Stream struct {
	Name         string
	SchemaName   string
	PrimaryField string
	CursorField  string
	Filters      map[string]any

	schema  Schema
	dropIdx map[int]bool
	extras  []extraField
}

// Option configures optional stream attributes at construction time.
type Option func(*Stream)

func WithPrimaryField(name string) Option { return func(s *Stream) { s.PrimaryField = name } }
func WithCursorField(name string) Option  { return func(s *Stream) { s.CursorField = name } }
func WithFilters(f map[string]any) Option { return func(s *Stream) { s.Filters = f } }

// New builds a stream and validates that the primary field, cursor field and
// every filter key resolve to a schema field.
func New(name, schemaName string, schema Schema, opts ...Option) (*Stream, error) {
	var s = &Stream{
		Name:       name,
		SchemaName: schemaName,
		schema:     schema,
		dropIdx:    make(map[int]bool),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.PrimaryField != "" && s.schema.Index(s.PrimaryField) < 0 {
		return nil, s.missingField(s.PrimaryField)
	}
	if s.CursorField != "" && s.schema.Index(s.CursorField) < 0 {
		return nil, s.missingField(s.CursorField)
	}
	for field := range s.Filters {
		if s.schema.Index(field) < 0 {
			return nil, s.missingField(field)
		}
	}
	return s, nil
}

func (s *Stream) missingField(name string) error {
	return &MissingFieldError{Stream: s.QualifiedName(), Field: name}
}

func (s *Stream) QualifiedName() string { return s.SchemaName + "." + s.Name }

func (s *Stream) Schema() Schema { return s.schema }

// WithField appends a bookkeeping column. The value may be a constant or a
// Producer evaluated against the original source row.
func (s *Stream) WithField(name string, typ Type, value any) *Stream {
	s.schema = s.schema.Append(Field{Name: name, Type: typ})
	if fn, ok := value.(Producer); ok {
		s.extras = append(s.extras, extraField{name: name, producer: fn})
	} else if fn, ok := value.(func(row []any) any); ok {
		s.extras = append(s.extras, extraField{name: name, producer: fn})
	} else {
		s.extras = append(s.extras, extraField{name: name, value: value})
	}
	return s
}

// WithChecksum appends an MD5 checksum column computed over the source row.
func (s *Stream) WithChecksum() *Stream {
	return s.WithField(ChecksumField, String, Producer(func(row []any) any {
		return rowChecksum(row)
	}))
}

func (s *Stream) WithBatchID(batchID string) *Stream {
	return s.WithField(BatchIDField, String, batchID)
}

func (s *Stream) WithLastSyncedAt(ts time.Time) *Stream {
	return s.WithField(LastSyncedAtField, TimestampUTC, ts.UTC())
}

func (s *Stream) WithVersion(version string) *Stream {
	return s.WithField(VersionField, String, version)
}

// DropField removes a field from the schema. Rows passed to ToRecord still
// carry the dropped column; it is skipped at materialization time.
func (s *Stream) DropField(name string) error {
	var idx = s.schema.Index(name)
	if idx < 0 {
		return s.missingField(name)
	}
	// Recover the position within the original (pre-drop) row: every
	// previously dropped column at or before this position shifts it right.
	var dropped = make([]int, 0, len(s.dropIdx))
	for i := range s.dropIdx {
		dropped = append(dropped, i)
	}
	sort.Ints(dropped)
	var original = idx
	for _, d := range dropped {
		if d <= original {
			original++
		}
	}
	s.dropIdx[original] = true
	s.schema = s.schema.Remove(idx)

	if s.PrimaryField == name {
		s.PrimaryField = ""
	}
	if s.CursorField == name {
		s.CursorField = ""
	}
	return nil
}

// ToRecord materializes a raw source row into a canonical Record: dropped
// columns are skipped, values are canonicalized against the schema, and
// bookkeeping columns are expanded.
func (s *Stream) ToRecord(row []any) (Record, error) {
	var out = make(Record, 0, s.schema.Len())
	for i, v := range row {
		if s.dropIdx[i] {
			continue
		}
		out = append(out, v)
	}

	for _, extra := range s.extras {
		if extra.producer != nil {
			out = append(out, extra.producer(row))
		} else {
			out = append(out, extra.value)
		}
	}

	if len(out) != s.schema.Len() {
		return nil, fmt.Errorf("stream %s: row has %d values, schema has %d fields",
			s.QualifiedName(), len(out), s.schema.Len())
	}

	for i, f := range s.schema.Fields() {
		var v, err = Canonicalize(f.Type, out[i])
		if err != nil {
			return nil, fmt.Errorf("stream %s field %q: %w", s.QualifiedName(), f.Name, err)
		}
		out[i] = v
	}
	return out, nil
}

func rowChecksum(row []any) string {
	var h = md5.New()
	for _, v := range row {
		fmt.Fprint(h, v)
	}
	return hex.EncodeToString(h.Sum(nil))
}
