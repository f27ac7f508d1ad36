// Package source implements the read side of a transfer: connectors that
// pull configured streams out of a warehouse into a per-run cache.
package source

import (
	"context"
	"fmt"
	"time"

	"github.com/ferryhq/ferry/connect"
	"github.com/ferryhq/ferry/progress"
	"github.com/ferryhq/ferry/replication"
	"github.com/ferryhq/ferry/stream"
)

// Source reads configured streams from an upstream system.
type Source interface {
	// TestConnect opens a connection, pings it, and closes it.
	TestConnect(ctx context.Context) error
	// InspectStreams lists the streams visible to the principal, excluding
	// system schemas.
	InspectStreams(ctx context.Context) ([]StreamInfo, error)
	// Read pulls every configured stream into the cache and returns the
	// resulting dataset.
	Read(ctx context.Context, cb progress.Callback) (*stream.Dataset, error)
	// Close releases the connection and the cache.
	Close() error
}

// StreamInfo is one inspectable stream.
type StreamInfo struct {
	SchemaName string      `json:"schema_name"`
	StreamName string      `json:"stream_name"`
	Fields     []FieldInfo `json:"fields"`
}

// FieldInfo is a column as reported by the upstream system, with the
// vendor's own type name.
type FieldInfo struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// StreamSpec configures one table to read.
type StreamSpec struct {
	Schema       string         `json:"schema"`
	Table        string         `json:"table"`
	PrimaryField string         `json:"primary_field,omitempty"`
	CursorField  string         `json:"cursor_field,omitempty"`
	Filters      map[string]any `json:"filters,omitempty"`
	DropFields   []string       `json:"drop_fields,omitempty"`
}

// WithFlags selects the bookkeeping columns appended to every stream.
type WithFlags struct {
	BatchID  bool   `json:"batch_id,omitempty"`
	Checksum bool   `json:"checksum,omitempty"`
	LastSync bool   `json:"last_sync,omitempty"`
	Version  string `json:"version,omitempty"`
}

// Config is the full source-connector configuration.
type Config struct {
	Connect   connect.Info
	Mode      *replication.Mode
	Streams   []StreamSpec
	With      WithFlags
	ChunkSize int
	// DT is the ingestion instant; zero means now. The batch id is derived
	// from it as UTC milliseconds.
	DT time.Time
}

const defaultChunkSize = 1024

func (c Config) chunkSize() int {
	if c.ChunkSize > 0 {
		return c.ChunkSize
	}
	return defaultChunkSize
}

func (c Config) syncTime() time.Time {
	if c.DT.IsZero() {
		return time.Now().UTC()
	}
	return c.DT.UTC()
}

func batchID(dt time.Time) string {
	return fmt.Sprintf("%d", dt.UnixMilli())
}

// decorate applies drop_fields and the configured bookkeeping columns, in
// that order, so bookkeeping never lands on a dropped column.
func decorate(s *stream.Stream, spec StreamSpec, with WithFlags, batch string, syncTime time.Time) error {
	for _, field := range spec.DropFields {
		if err := s.DropField(field); err != nil {
			return err
		}
	}
	if with.BatchID {
		s.WithBatchID(batch)
	}
	if with.Checksum {
		s.WithChecksum()
	}
	if with.Version != "" {
		s.WithVersion(with.Version)
	}
	if with.LastSync {
		s.WithLastSyncedAt(syncTime)
	}
	return nil
}

// ConnectionFailedError wraps a connectivity failure; it is retriable.
type ConnectionFailedError struct {
	Vendor connect.Vendor
	Err    error
}

func (e *ConnectionFailedError) Error() string {
	return fmt.Sprintf("source %s connection failed: %v", e.Vendor, e.Err)
}
func (e *ConnectionFailedError) Unwrap() error { return e.Err }
func (e *ConnectionFailedError) Code() string  { return "SOURCE_CONNECTION_FAILED" }

// StreamDoesNotExistError marks a configured table missing upstream.
type StreamDoesNotExistError struct {
	Schema string
	Table  string
}

func (e *StreamDoesNotExistError) Error() string {
	return fmt.Sprintf("source stream %s.%s does not exist", e.Schema, e.Table)
}
func (e *StreamDoesNotExistError) Code() string { return "SOURCE_STREAM_DOES_NOT_EXIST" }

// StreamInvalidSchemaError marks a configured column missing from the live
// table, or a column the type bridge cannot map.
type StreamInvalidSchemaError struct {
	Schema string
	Table  string
	Reason string
}

func (e *StreamInvalidSchemaError) Error() string {
	return fmt.Sprintf("source stream %s.%s has invalid schema: %s", e.Schema, e.Table, e.Reason)
}
func (e *StreamInvalidSchemaError) Code() string { return "SOURCE_STREAM_INVALID_SCHEMA" }

// CacheFactory builds the per-run spill store a source reads into.
type CacheFactory func(ns stream.Namespace) (stream.Store, error)

// Constructor builds a vendor connector.
type Constructor func(cfg Config, newCache CacheFactory) (Source, error)

var registry = map[connect.Vendor]Constructor{}

// Register installs a vendor constructor. Call from package init.
func Register(vendor connect.Vendor, fn Constructor) {
	registry[vendor] = fn
}

// New builds the connector for the config's vendor.
func New(cfg Config, newCache CacheFactory) (Source, error) {
	var fn, ok = registry[cfg.Connect.VendorType]
	if !ok {
		return nil, fmt.Errorf("no source connector for vendor %q", cfg.Connect.VendorType)
	}
	if err := cfg.Connect.Validate(connect.AsSource); err != nil {
		return nil, err
	}
	return fn(cfg, newCache)
}
