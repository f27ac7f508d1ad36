// Package destination implements the write side of a transfer: warehouse
// connectors driving the staging-and-merge protocol, object stores writing
// Parquet, and the composer that chains a staging store with the warehouse
// that loads from it.
package destination

import (
	"context"
	"fmt"

	"github.com/ferryhq/ferry/connect"
	"github.com/ferryhq/ferry/progress"
	"github.com/ferryhq/ferry/replication"
	"github.com/ferryhq/ferry/stream"
)

// Destination receives a cached dataset.
type Destination interface {
	// Write drives the vendor protocol for every stream in the dataset.
	Write(ctx context.Context, ds *stream.Dataset, cb progress.Callback) error
	// Integrity returns the post-write checker for this destination.
	Integrity() IntegrityChecker
	// Close releases connections.
	Close() error
}

// IntegrityChecker verifies a completed write.
type IntegrityChecker interface {
	// CheckBatchVolume verifies that the rows landed for the dataset's batch
	// equal dataset.Size for every stream.
	CheckBatchVolume(ctx context.Context, ds *stream.Dataset) error
}

// Config is the full destination-connector configuration.
type Config struct {
	Connect           connect.Info
	Mode              *replication.Mode
	DropAfterComplete bool
	ChunkSize         int
}

const defaultChunkSize = 1024

func (c Config) chunkSize() int {
	if c.ChunkSize > 0 {
		return c.ChunkSize
	}
	return defaultChunkSize
}

func (c Config) fullRefresh() bool {
	return c.Mode != nil && c.Mode.IsFullRefresh()
}

// ConnectionFailedError wraps a connectivity failure; it is retriable.
type ConnectionFailedError struct {
	Vendor connect.Vendor
	Err    error
}

func (e *ConnectionFailedError) Error() string {
	return fmt.Sprintf("destination %s connection failed: %v", e.Vendor, e.Err)
}
func (e *ConnectionFailedError) Unwrap() error { return e.Err }
func (e *ConnectionFailedError) Code() string  { return "DESTINATION_CONNECTION_FAILED" }

// StreamInvalidSchemaError marks a pre-existing target table whose shape is
// incompatible with the stream being written.
type StreamInvalidSchemaError struct {
	Schema string
	Table  string
	Reason string
}

func (e *StreamInvalidSchemaError) Error() string {
	return fmt.Sprintf("destination stream %s.%s has invalid schema: %s", e.Schema, e.Table, e.Reason)
}
func (e *StreamInvalidSchemaError) Code() string { return "DESTINATION_STREAM_INVALID_SCHEMA" }

// IntegrityError marks a batch-volume mismatch after a write.
type IntegrityError struct {
	Stream   string
	Loaded   int64
	Expected int64
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity check failed for %s: loaded=%d, expected=%d",
		e.Stream, e.Loaded, e.Expected)
}
func (e *IntegrityError) Code() string { return "INTEGRITY_CHECK_FAILED" }

// Constructor builds a vendor connector.
type Constructor func(cfg Config) (Destination, error)

var registry = map[connect.Vendor]Constructor{}

// Register installs a vendor constructor. Call from package init.
func Register(vendor connect.Vendor, fn Constructor) {
	registry[vendor] = fn
}

// New builds the connector for the config's vendor. Warehouse vendors that
// stage through object storage come back as a composed destination.
func New(cfg Config) (Destination, error) {
	var fn, ok = registry[cfg.Connect.VendorType]
	if !ok {
		return nil, fmt.Errorf("no destination connector for vendor %q", cfg.Connect.VendorType)
	}
	if err := cfg.Connect.Validate(connect.AsDestination); err != nil {
		return nil, err
	}
	return fn(cfg)
}

// Multi chains destinations over one dataset handle: the first child is a
// staging object store, the last is the warehouse that loads from it.
type Multi struct {
	targetSchema string
	children     []Destination
}

// NewMulti composes children in write order.
func NewMulti(targetSchema string, children ...Destination) *Multi {
	return &Multi{targetSchema: targetSchema, children: children}
}

func (m *Multi) Write(ctx context.Context, ds *stream.Dataset, cb progress.Callback) error {
	if m.targetSchema != "" {
		for _, st := range ds.Streams {
			if err := ds.RenameStream(st.Name, st.SchemaName, st.Name, m.targetSchema); err != nil {
				return err
			}
		}
	}
	for _, child := range m.children {
		if err := child.Write(ctx, ds, cb); err != nil {
			return err
		}
	}
	return nil
}

// Integrity delegates to the last child, the system of record.
func (m *Multi) Integrity() IntegrityChecker {
	return m.children[len(m.children)-1].Integrity()
}

func (m *Multi) Close() error {
	var firstErr error
	for _, child := range m.children {
		if err := child.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// noopIntegrity passes unconditionally; used by destinations with no
// queryable row counts.
type noopIntegrity struct{}

func (noopIntegrity) CheckBatchVolume(context.Context, *stream.Dataset) error { return nil }
