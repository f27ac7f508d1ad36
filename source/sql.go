package source

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ferryhq/ferry/connect"
	"github.com/ferryhq/ferry/progress"
	"github.com/ferryhq/ferry/sqlgen"
	"github.com/ferryhq/ferry/stream"
)

// systemSchemas are excluded from inspection on every SQL vendor.
var systemSchemas = []string{"information_schema", "pg_catalog", "sys", "sqlite_master"}

// sqlDialect is the thin per-vendor adapter under the generic SQL source.
type sqlDialect interface {
	vendor() connect.Vendor
	driverName() string
	dsn(info connect.Info) (string, error)
	namespace(info connect.Info) string
}

// SQL reads streams from any warehouse reachable through database/sql.
type SQL struct {
	cfg      Config
	dialect  sqlDialect
	cache    stream.Store
	ns       stream.Namespace
	db       *sql.DB
	syncTime time.Time
	batchID  string
}

func newSQL(cfg Config, dialect sqlDialect, newCache CacheFactory) (*SQL, error) {
	var ns = stream.Namespace{Name: dialect.namespace(cfg.Connect)}
	var cache, err = newCache(ns)
	if err != nil {
		return nil, fmt.Errorf("creating cache: %w", err)
	}
	var syncTime = cfg.syncTime()
	return &SQL{
		cfg:      cfg,
		dialect:  dialect,
		cache:    cache,
		ns:       ns,
		syncTime: syncTime,
		batchID:  batchID(syncTime),
	}, nil
}

func (s *SQL) open(ctx context.Context) (*sql.DB, error) {
	if s.db != nil {
		return s.db, nil
	}
	var dsn, err = s.dialect.dsn(s.cfg.Connect)
	if err != nil {
		return nil, err
	}
	var db *sql.DB
	if db, err = sql.Open(s.dialect.driverName(), dsn); err != nil {
		return nil, &ConnectionFailedError{Vendor: s.dialect.vendor(), Err: err}
	}
	if err = db.PingContext(ctx); err != nil {
		db.Close()
		return nil, &ConnectionFailedError{Vendor: s.dialect.vendor(), Err: err}
	}
	s.db = db
	return db, nil
}

func (s *SQL) TestConnect(ctx context.Context) error {
	if _, err := s.open(ctx); err != nil {
		return err
	}
	var err = s.db.Close()
	s.db = nil
	return err
}

// columnInfo is one row of catalog metadata for a table.
type columnInfo struct {
	name     string
	dataType string
	scale    int64 // -1 when the catalog reports none
}

func (s *SQL) loadColumns(ctx context.Context, db *sql.DB, schema, table string) ([]columnInfo, error) {
	var schemaLit, err = sqlgen.Literal(schema)
	if err != nil {
		return nil, err
	}
	var tableLit string
	if tableLit, err = sqlgen.Literal(table); err != nil {
		return nil, err
	}
	var query = "SELECT column_name, data_type, coalesce(numeric_scale, -1) " +
		"FROM information_schema.columns " +
		fmt.Sprintf("WHERE table_schema = %s AND table_name = %s ", schemaLit, tableLit) +
		"ORDER BY ordinal_position"

	var rows *sql.Rows
	if rows, err = db.QueryContext(ctx, query); err != nil {
		return nil, fmt.Errorf("inspecting %s.%s: %w", schema, table, err)
	}
	defer rows.Close()

	var cols []columnInfo
	for rows.Next() {
		var col columnInfo
		if err = rows.Scan(&col.name, &col.dataType, &col.scale); err != nil {
			return nil, err
		}
		cols = append(cols, col)
	}
	return cols, rows.Err()
}

func (s *SQL) InspectStreams(ctx context.Context) ([]StreamInfo, error) {
	var db, err = s.open(ctx)
	if err != nil {
		return nil, err
	}

	var excluded = make([]string, len(systemSchemas))
	for i, schema := range systemSchemas {
		if excluded[i], err = sqlgen.Literal(schema); err != nil {
			return nil, err
		}
	}
	var query = "SELECT table_schema, table_name, column_name, data_type " +
		"FROM information_schema.columns " +
		fmt.Sprintf("WHERE table_schema NOT IN (%s) ", strings.Join(excluded, ",")) +
		"ORDER BY table_schema, table_name, ordinal_position"

	var rows *sql.Rows
	if rows, err = db.QueryContext(ctx, query); err != nil {
		return nil, fmt.Errorf("inspecting streams: %w", err)
	}
	defer rows.Close()

	var infos []StreamInfo
	var current *StreamInfo
	for rows.Next() {
		var schema, table, column, dataType string
		if err = rows.Scan(&schema, &table, &column, &dataType); err != nil {
			return nil, err
		}
		if current == nil || current.SchemaName != schema || current.StreamName != table {
			infos = append(infos, StreamInfo{SchemaName: schema, StreamName: table})
			current = &infos[len(infos)-1]
		}
		current.Fields = append(current.Fields, FieldInfo{Name: column, Type: dataType})
	}
	return infos, rows.Err()
}

// buildStream resolves a spec against live catalog metadata.
func (s *SQL) buildStream(ctx context.Context, db *sql.DB, spec StreamSpec) (*stream.Stream, error) {
	var cols, err = s.loadColumns(ctx, db, spec.Schema, spec.Table)
	if err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, &StreamDoesNotExistError{Schema: spec.Schema, Table: spec.Table}
	}

	var fields = make([]stream.Field, 0, len(cols))
	for _, col := range cols {
		var t stream.Type
		if t, err = sqlgen.ParseColumnType(col.dataType, col.scale); err != nil {
			return nil, &StreamInvalidSchemaError{
				Schema: spec.Schema, Table: spec.Table,
				Reason: fmt.Sprintf("column %s: %v", col.name, err),
			}
		}
		fields = append(fields, stream.Field{Name: col.name, Type: t})
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

	var st *stream.Stream
	if st, err = stream.New(spec.Table, spec.Schema, stream.NewSchema(fields...), opts...); err != nil {
		return nil, &StreamInvalidSchemaError{
			Schema: spec.Schema, Table: spec.Table, Reason: err.Error(),
		}
	}
	return st, nil
}

func (s *SQL) Read(ctx context.Context, cb progress.Callback) (*stream.Dataset, error) {
	var db, err = s.open(ctx)
	if err != nil {
		return nil, err
	}

	var streams = make([]*stream.Stream, 0, len(s.cfg.Streams))
	for _, spec := range s.cfg.Streams {
		var st *stream.Stream
		if st, err = s.buildStream(ctx, db, spec); err != nil {
			return nil, err
		}

		// The select is built against the full live schema; drops and
		// bookkeeping apply at record materialization.
		var query string
		if query, err = sqlgen.SelectQuery(st, s.cfg.Mode); err != nil {
			return nil, err
		}
		var countQuery string
		if countQuery, err = sqlgen.CountQuery(st, s.cfg.Mode); err != nil {
			return nil, err
		}

		var total int64 = -1
		if err = db.QueryRowContext(ctx, countQuery).Scan(&total); err != nil {
			return nil, fmt.Errorf("counting %s: %w", st.QualifiedName(), err)
		}

		var tracker = progress.New(
			fmt.Sprintf("source+%s://%s/%s/%s", s.dialect.vendor(), s.ns.Name, spec.Schema, spec.Table),
			total)
		if cb != nil {
			tracker.Subscribe(cb)
		}

		var width = st.Schema().Len()
		if err = decorate(st, spec, s.cfg.With, s.batchID, s.syncTime); err != nil {
			return nil, &StreamInvalidSchemaError{
				Schema: spec.Schema, Table: spec.Table, Reason: err.Error(),
			}
		}

		log.WithFields(log.Fields{
			"stream": st.QualifiedName(),
			"total":  total,
		}).Info("reading stream")

		if err = s.readStream(ctx, db, st, query, width, tracker); err != nil {
			return nil, err
		}
		streams = append(streams, st)
	}

	return stream.NewDataset(s.ns, streams, s.cache, stream.Meta{
		BatchID: s.batchID,
		DT:      s.syncTime,
	}), nil
}

func (s *SQL) readStream(ctx context.Context, db *sql.DB, st *stream.Stream, query string, width int, tracker *progress.Tracker) error {
	var rows, err = db.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("reading %s: %w", st.QualifiedName(), err)
	}
	defer rows.Close()

	var chunkSize = s.cfg.chunkSize()
	var batch = make([]stream.Record, 0, chunkSize)
	var flush = func() error {
		if len(batch) == 0 {
			return nil
		}
		if _, err := s.cache.Write(st, batch); err != nil {
			return fmt.Errorf("caching %s: %w", st.QualifiedName(), err)
		}
		tracker.Update(int64(len(batch)), true)
		batch = batch[:0]
		return nil
	}

	for rows.Next() {
		var raw = make([]any, width)
		var ptrs = make([]any, width)
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err = rows.Scan(ptrs...); err != nil {
			return err
		}
		var rec stream.Record
		if rec, err = st.ToRecord(raw); err != nil {
			return err
		}
		batch = append(batch, rec)
		if len(batch) == chunkSize {
			if err = flush(); err != nil {
				return err
			}
		}
	}
	if err = rows.Err(); err != nil {
		return err
	}
	return flush()
}

func (s *SQL) Close() error {
	var err error
	if s.db != nil {
		err = s.db.Close()
		s.db = nil
	}
	if cerr := s.cache.Close(); err == nil {
		err = cerr
	}
	return err
}
