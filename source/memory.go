package source

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/ferryhq/ferry/progress"
	"github.com/ferryhq/ferry/replication"
	"github.com/ferryhq/ferry/stream"
)

// Memory is a deterministic generator used for tests, dry runs and
// destination verification. It serves one fixed stream of 100 user rows
// spread over five customers.
type Memory struct {
	cfg      Config
	cache    stream.Store
	ns       stream.Namespace
	syncTime time.Time
	batchID  string
}

const (
	memorySchemaName = "app"
	memoryStreamName = "users"
)

func newMemory(cfg Config, newCache CacheFactory) (Source, error) {
	var name = cfg.Connect.Namespace
	if name == "" {
		name = "memory"
	}
	var ns = stream.Namespace{Name: name}
	var cache, err = newCache(ns)
	if err != nil {
		return nil, fmt.Errorf("creating cache: %w", err)
	}
	var syncTime = cfg.syncTime()
	return &Memory{
		cfg:      cfg,
		cache:    cache,
		ns:       ns,
		syncTime: syncTime,
		batchID:  batchID(syncTime),
	}, nil
}

func memorySchema() stream.Schema {
	return stream.NewSchema(
		stream.Field{Name: "id", Type: stream.String},
		stream.Field{Name: "created_at", Type: stream.TimestampUTC},
		stream.Field{Name: "updated_at", Type: stream.TimestampUTC},
		stream.Field{Name: "customer_id", Type: stream.String},
		stream.Field{Name: "name", Type: stream.String},
		stream.Field{Name: "email", Type: stream.String},
		stream.Field{Name: "score", Type: stream.Int64},
		stream.Field{Name: "active", Type: stream.Bool},
	)
}

// fixtureRows generates the 100-row dataset. Customers split 29/25/20/15/11;
// within each customer the first seven rows carry updated_at inside
// [2025-01-01T00:00Z, 2025-01-02T00:00Z), including one exactly on the
// window start; the eighth row sits exactly on the window end so half-open
// interval handling is observable.
func fixtureRows() [][]any {
	var windowStart = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	var windowEnd = time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)
	var blocks = []struct {
		customer string
		count    int
	}{
		{"Customer1", 29},
		{"Customer2", 25},
		{"Customer3", 20},
		{"Customer4", 15},
		{"Customer5", 11},
	}

	var rows = make([][]any, 0, 100)
	var i = 0
	for _, block := range blocks {
		for j := 0; j < block.count; j++ {
			i++
			var updatedAt time.Time
			switch {
			case j < 7:
				updatedAt = windowStart.Add(time.Duration(j*3) * time.Hour)
			case j == 7:
				updatedAt = windowEnd
			case j%2 == 0:
				updatedAt = windowEnd.Add(time.Duration(j-7) * time.Hour)
			default:
				updatedAt = windowStart.Add(-time.Duration(j) * time.Hour)
			}
			rows = append(rows, []any{
				strconv.Itoa(i),
				updatedAt.Add(-24 * time.Hour),
				updatedAt,
				block.customer,
				fmt.Sprintf("User%d", i),
				fmt.Sprintf("user%d@example.com", i),
				int64(i),
				i%2 == 0,
			})
		}
	}
	return rows
}

func (m *Memory) TestConnect(context.Context) error { return nil }

func (m *Memory) InspectStreams(context.Context) ([]StreamInfo, error) {
	var info = StreamInfo{SchemaName: memorySchemaName, StreamName: memoryStreamName}
	for _, f := range memorySchema().Fields() {
		info.Fields = append(info.Fields, FieldInfo{Name: f.Name, Type: f.Type.String()})
	}
	return []StreamInfo{info}, nil
}

// specs returns the configured stream specs, defaulting to the single
// fixture stream keyed and windowed the way real models are.
func (m *Memory) specs() []StreamSpec {
	if len(m.cfg.Streams) > 0 {
		return m.cfg.Streams
	}
	return []StreamSpec{{
		Schema:       memorySchemaName,
		Table:        memoryStreamName,
		PrimaryField: "id",
		CursorField:  "updated_at",
	}}
}

func (m *Memory) Read(_ context.Context, cb progress.Callback) (*stream.Dataset, error) {
	var streams = make([]*stream.Stream, 0, len(m.specs()))
	for _, spec := range m.specs() {
		if spec.Schema != memorySchemaName || spec.Table != memoryStreamName {
			return nil, &StreamDoesNotExistError{Schema: spec.Schema, Table: spec.Table}
		}

		var opts []stream.Option
		if spec.PrimaryField != "" {
			opts = append(opts, stream.WithPrimaryField(spec.PrimaryField))
		}
		if spec.CursorField != "" {
			opts = append(opts, stream.WithCursorField(spec.CursorField))
		}
		if len(spec.Filters) > 0 {
			opts = append(opts, stream.WithFilters(spec.Filters))
		}

		var schema = memorySchema()
		var st, err = stream.New(spec.Table, spec.Schema, schema, opts...)
		if err != nil {
			return nil, &StreamInvalidSchemaError{
				Schema: spec.Schema, Table: spec.Table, Reason: err.Error(),
			}
		}

		var rows = selectRows(schema, st, m.cfg.Mode)

		var tracker = progress.New(
			fmt.Sprintf("source+memory://%s/%s/%s", m.ns.Name, spec.Schema, spec.Table),
			int64(len(rows)))
		if cb != nil {
			tracker.Subscribe(cb)
		}

		if err = decorate(st, spec, m.cfg.With, m.batchID, m.syncTime); err != nil {
			return nil, &StreamInvalidSchemaError{
				Schema: spec.Schema, Table: spec.Table, Reason: err.Error(),
			}
		}

		var batch = make([]stream.Record, 0, len(rows))
		for _, row := range rows {
			var rec stream.Record
			if rec, err = st.ToRecord(row); err != nil {
				return nil, err
			}
			batch = append(batch, rec)
		}
		if _, err = m.cache.Write(st, batch); err != nil {
			return nil, err
		}
		tracker.Update(int64(len(batch)), true)
		streams = append(streams, st)
	}

	return stream.NewDataset(m.ns, streams, m.cache, stream.Meta{
		BatchID: m.batchID,
		DT:      m.syncTime,
	}), nil
}

// selectRows applies the stream's equality filters and, for incremental
// modes, the half-open cursor window to the fixture.
func selectRows(schema stream.Schema, st *stream.Stream, mode *replication.Mode) [][]any {
	var cursorIdx = -1
	if mode != nil && mode.Type == replication.Incremental &&
		mode.Start != nil && mode.End != nil && st.CursorField != "" {
		cursorIdx = schema.Index(st.CursorField)
	}

	var out [][]any
	for _, row := range fixtureRows() {
		var keep = true
		for col, want := range st.Filters {
			if idx := schema.Index(col); idx < 0 || row[idx] != want {
				keep = false
				break
			}
		}
		if keep && cursorIdx >= 0 {
			var ts = row[cursorIdx].(time.Time)
			keep = !ts.Before(*mode.Start) && ts.Before(*mode.End)
		}
		if keep {
			out = append(out, row)
		}
	}
	return out
}

func (m *Memory) Close() error { return m.cache.Close() }
