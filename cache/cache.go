// Package cache implements the durable on-disk spill between the read and
// write phases of a transfer run. A cache maps (schema_name, name) to an
// ordered sequence of records; writes are append-only, reads start from the
// beginning, and sizes are tracked authoritatively in-process.
//
// Two durable implementations are provided: Arrow (IPC stream framing, one
// file per stream) and SQLite (one embedded database per run). Both preserve
// the canonical types verbatim across a write→read cycle, including BOOLEAN,
// DATE and TIMESTAMP_UTC.
package cache

import (
	"fmt"
	"sync"

	"github.com/ferryhq/ferry/stream"
)

// Config carries cache tuning knobs. Dir applies to the Arrow cache, Path to
// the SQLite cache.
type Config struct {
	Dir       string
	Path      string
	ChunkSize int
}

const defaultChunkSize = 1024

func (c Config) chunkSize() int {
	if c.ChunkSize > 0 {
		return c.ChunkSize
	}
	return defaultChunkSize
}

type streamKey struct {
	schemaName string
	name       string
}

func keyOf(s *stream.Stream) streamKey {
	return streamKey{schemaName: s.SchemaName, name: s.Name}
}

// Memory is a Store backed by process memory, for tests and dry runs.
type Memory struct {
	mu      sync.Mutex
	records map[streamKey][]stream.Record
	order   []streamKey
}

func NewMemory(stream.Namespace) *Memory {
	return &Memory{records: make(map[streamKey][]stream.Record)}
}

func (m *Memory) Write(s *stream.Stream, records []stream.Record) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var k = keyOf(s)
	if _, ok := m.records[k]; !ok {
		m.order = append(m.order, k)
	}
	m.records[k] = append(m.records[k], records...)
	return len(records), nil
}

func (m *Memory) Read(s *stream.Stream) (stream.Cursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var recs, ok = m.records[keyOf(s)]
	if !ok {
		return nil, fmt.Errorf("no records cached for stream %s", s.QualifiedName())
	}
	return &sliceCursor{records: recs, pos: -1}, nil
}

func (m *Memory) Size(s *stream.Stream) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records[keyOf(s)])
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = make(map[streamKey][]stream.Record)
	m.order = nil
	return nil
}

type sliceCursor struct {
	records []stream.Record
	pos     int
}

func (c *sliceCursor) Next() bool {
	c.pos++
	return c.pos < len(c.records)
}

func (c *sliceCursor) Record() stream.Record { return c.records[c.pos] }
func (c *sliceCursor) Err() error            { return nil }
func (c *sliceCursor) Close() error          { return nil }
