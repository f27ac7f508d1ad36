package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/ferryhq/ferry/stream"
)

// Arrow is a Store that appends records to one Arrow IPC stream file per
// stream, under <dir>/<namespace>/<schema>__<name>.arrows. The IPC stream
// format supports appending batches without rewriting the file.
type Arrow struct {
	mu        sync.Mutex
	namespace stream.Namespace
	dir       string
	writers   map[streamKey]*arrowWriter
	sizes     map[streamKey]int
	closed    bool
}

type arrowWriter struct {
	file   *os.File
	writer *ipc.Writer
	schema *arrow.Schema
}

func NewArrow(ns stream.Namespace, cfg Config) (*Arrow, error) {
	var dir = cfg.Dir
	if dir == "" {
		dir = "./cache"
	}
	dir = filepath.Join(dir, ns.Name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}
	return &Arrow{
		namespace: ns,
		dir:       dir,
		writers:   make(map[streamKey]*arrowWriter),
		sizes:     make(map[streamKey]int),
	}, nil
}

// Dir returns the namespace-scoped directory holding the stream files.
func (a *Arrow) Dir() string { return a.dir }

func (a *Arrow) path(s *stream.Stream) string {
	return filepath.Join(a.dir, fmt.Sprintf("%s__%s.arrows", s.SchemaName, s.Name))
}

// ArrowSchema maps a stream schema onto Arrow types. Timestamps carry
// tz=UTC, dates are 32-bit days, times are 64-bit microseconds.
func ArrowSchema(s stream.Schema) *arrow.Schema {
	var fields = make([]arrow.Field, 0, s.Len())
	for _, f := range s.Fields() {
		fields = append(fields, arrow.Field{
			Name:     f.Name,
			Type:     arrowType(f.Type),
			Nullable: true,
		})
	}
	return arrow.NewSchema(fields, nil)
}

func arrowType(t stream.Type) arrow.DataType {
	switch t {
	case stream.Int64:
		return arrow.PrimitiveTypes.Int64
	case stream.Float64:
		return arrow.PrimitiveTypes.Float64
	case stream.String:
		return arrow.BinaryTypes.String
	case stream.Binary:
		return arrow.BinaryTypes.Binary
	case stream.Bool:
		return arrow.FixedWidthTypes.Boolean
	case stream.Date:
		return arrow.FixedWidthTypes.Date32
	case stream.Time:
		return arrow.FixedWidthTypes.Time64us
	case stream.TimestampUTC:
		return &arrow.TimestampType{Unit: arrow.Microsecond, TimeZone: "UTC"}
	default:
		return arrow.BinaryTypes.String
	}
}

// BuildRecord converts a batch of canonical records into one Arrow record
// batch. The caller must Release it.
func BuildRecord(schema stream.Schema, records []stream.Record) (arrow.Record, error) {
	var as = ArrowSchema(schema)
	var b = array.NewRecordBuilder(memory.DefaultAllocator, as)
	defer b.Release()

	for _, rec := range records {
		for i, f := range schema.Fields() {
			if err := appendValue(b.Field(i), f.Type, rec[i]); err != nil {
				return nil, fmt.Errorf("field %q: %w", f.Name, err)
			}
		}
	}
	return b.NewRecord(), nil
}

func appendValue(fb array.Builder, t stream.Type, v any) error {
	if v == nil {
		fb.AppendNull()
		return nil
	}
	switch t {
	case stream.Int64:
		fb.(*array.Int64Builder).Append(v.(int64))
	case stream.Float64:
		fb.(*array.Float64Builder).Append(v.(float64))
	case stream.String:
		fb.(*array.StringBuilder).Append(v.(string))
	case stream.Binary:
		fb.(*array.BinaryBuilder).Append(v.([]byte))
	case stream.Bool:
		fb.(*array.BooleanBuilder).Append(v.(bool))
	case stream.Date:
		fb.(*array.Date32Builder).Append(arrow.Date32FromTime(v.(time.Time)))
	case stream.Time:
		fb.(*array.Time64Builder).Append(arrow.Time64(v.(time.Duration) / time.Microsecond))
	case stream.TimestampUTC:
		fb.(*array.TimestampBuilder).Append(arrow.Timestamp(v.(time.Time).UnixMicro()))
	default:
		return fmt.Errorf("unsupported canonical type %s", t)
	}
	return nil
}

func (a *Arrow) Write(s *stream.Stream, records []stream.Record) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return 0, fmt.Errorf("cache is closed")
	}
	if len(records) == 0 {
		return 0, nil
	}

	var k = keyOf(s)
	var w, ok = a.writers[k]
	if !ok {
		var file, err = os.OpenFile(a.path(s), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return 0, fmt.Errorf("opening cache file: %w", err)
		}
		var as = ArrowSchema(s.Schema())
		w = &arrowWriter{
			file:   file,
			writer: ipc.NewWriter(file, ipc.WithSchema(as)),
			schema: as,
		}
		a.writers[k] = w
	}

	var rec, err = BuildRecord(s.Schema(), records)
	if err != nil {
		return 0, err
	}
	defer rec.Release()

	if err := w.writer.Write(rec); err != nil {
		return 0, fmt.Errorf("writing record batch: %w", err)
	}
	a.sizes[k] += len(records)
	return len(records), nil
}

func (a *Arrow) Read(s *stream.Stream) (stream.Cursor, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, fmt.Errorf("cache is closed")
	}

	// Seal the writer so all batches are flushed before reading.
	var k = keyOf(s)
	if w, ok := a.writers[k]; ok {
		if err := w.close(); err != nil {
			return nil, err
		}
		delete(a.writers, k)
	}

	var file, err = os.Open(a.path(s))
	if err != nil {
		if os.IsNotExist(err) {
			return &sliceCursor{pos: -1}, nil
		}
		return nil, fmt.Errorf("opening cache file: %w", err)
	}
	var reader *ipc.Reader
	if reader, err = ipc.NewReader(file); err != nil {
		file.Close()
		return nil, fmt.Errorf("opening ipc stream: %w", err)
	}
	return &arrowCursor{schema: s.Schema(), file: file, reader: reader, row: -1}, nil
}

func (a *Arrow) Size(s *stream.Stream) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sizes[keyOf(s)]
}

func (a *Arrow) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	var firstErr error
	for k, w := range a.writers {
		if err := w.close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(a.writers, k)
	}
	return firstErr
}

func (w *arrowWriter) close() error {
	var err = w.writer.Close()
	if cerr := w.file.Close(); err == nil {
		err = cerr
	}
	return err
}

type arrowCursor struct {
	schema stream.Schema
	file   *os.File
	reader *ipc.Reader
	batch  arrow.Record
	row    int
	err    error
	cur    stream.Record
}

func (c *arrowCursor) Next() bool {
	if c.err != nil {
		return false
	}
	for c.batch == nil || c.row+1 >= int(c.batch.NumRows()) {
		if !c.reader.Next() {
			c.err = c.reader.Err()
			return false
		}
		c.batch = c.reader.Record()
		c.row = -1
	}
	c.row++
	c.cur, c.err = c.materialize()
	return c.err == nil
}

func (c *arrowCursor) materialize() (stream.Record, error) {
	var rec = make(stream.Record, c.schema.Len())
	for i, f := range c.schema.Fields() {
		var col = c.batch.Column(i)
		if col.IsNull(c.row) {
			rec[i] = nil
			continue
		}
		switch arr := col.(type) {
		case *array.Int64:
			rec[i] = arr.Value(c.row)
		case *array.Float64:
			rec[i] = arr.Value(c.row)
		case *array.String:
			rec[i] = arr.Value(c.row)
		case *array.Binary:
			rec[i] = arr.Value(c.row)
		case *array.Boolean:
			rec[i] = arr.Value(c.row)
		case *array.Date32:
			rec[i] = arr.Value(c.row).ToTime()
		case *array.Time64:
			rec[i] = time.Duration(arr.Value(c.row)) * time.Microsecond
		case *array.Timestamp:
			rec[i] = time.UnixMicro(int64(arr.Value(c.row))).UTC()
		default:
			return nil, fmt.Errorf("field %q: unsupported arrow array %T", f.Name, col)
		}
	}
	return rec, nil
}

func (c *arrowCursor) Record() stream.Record { return c.cur }
func (c *arrowCursor) Err() error            { return c.err }

func (c *arrowCursor) Close() error {
	c.reader.Release()
	return c.file.Close()
}
