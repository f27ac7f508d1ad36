package stream

import (
	"fmt"
	"time"
)

// Namespace identifies the logical source domain (typically the source
// database name); it partitions cache files.
type Namespace struct {
	Name string
}

// Cursor iterates records in insertion order. It follows the database/sql
// Rows shape: Next, then Record, then Err after the loop.
type Cursor interface {
	Next() bool
	Record() Record
	Err() error
	Close() error
}

// Store is the cache surface a Dataset reads through. Writes are
// append-only; Size is exact and O(1); a stream has a single writer.
type Store interface {
	Write(s *Stream, records []Record) (int, error)
	Read(s *Stream) (Cursor, error)
	Size(s *Stream) int
	Close() error
}

// Meta carries per-run dataset bookkeeping.
type Meta struct {
	BatchID   string
	DT        time.Time
	StageName string // set by staging destinations that allocate a stage per run
}

type streamKey struct {
	name       string
	schemaName string
}

// Dataset is a namespace plus the ordered set of streams produced by one
// source read, backed by a cache.
type Dataset struct {
	Namespace Namespace
	Streams   []*Stream
	Meta      Meta

	store   Store
	renames map[streamKey]streamKey
}

func NewDataset(ns Namespace, streams []*Stream, store Store, meta Meta) *Dataset {
	return &Dataset{
		Namespace: ns,
		Streams:   streams,
		Meta:      meta,
		store:     store,
		renames:   make(map[streamKey]streamKey),
	}
}

// Read returns a cursor over the stream's records. Renamed streams resolve
// through the rename map so the cache is never rewritten.
func (d *Dataset) Read(s *Stream) (Cursor, error) {
	if old, ok := d.renames[streamKey{s.Name, s.SchemaName}]; ok {
		var shadow = *s
		shadow.Name = old.name
		shadow.SchemaName = old.schemaName
		return d.store.Read(&shadow)
	}
	return d.store.Read(s)
}

// Size returns the exact number of records cached for the stream.
func (d *Dataset) Size(s *Stream) int {
	if old, ok := d.renames[streamKey{s.Name, s.SchemaName}]; ok {
		var shadow = *s
		shadow.Name = old.name
		shadow.SchemaName = old.schemaName
		return d.store.Size(&shadow)
	}
	return d.store.Size(s)
}

// RenameStream remaps future reads of (name, schemaName) to (newName,
// newSchema) without touching cached data.
func (d *Dataset) RenameStream(name, schemaName, newName, newSchema string) error {
	for _, s := range d.Streams {
		if s.Name == name && s.SchemaName == schemaName {
			// Chase any prior rename so the map always points at the
			// key the records were cached under.
			var origin = streamKey{name, schemaName}
			if prior, ok := d.renames[origin]; ok {
				delete(d.renames, origin)
				origin = prior
			}
			d.renames[streamKey{newName, newSchema}] = origin
			s.Name = newName
			s.SchemaName = newSchema
			return nil
		}
	}
	return fmt.Errorf("stream %s.%s not in dataset", schemaName, name)
}
