package destination

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgconn"
	log "github.com/sirupsen/logrus"

	"github.com/ferryhq/ferry/connect"
	"github.com/ferryhq/ferry/progress"
	"github.com/ferryhq/ferry/sqlgen"
	"github.com/ferryhq/ferry/stream"
)

// stageLoader moves one stream's batch into its session stage table. The
// insert loader streams rows through the driver; the copy loaders issue a
// single bulk-load statement against files staged by an earlier child.
type stageLoader interface {
	load(ctx context.Context, db *sql.DB, ds *stream.Dataset, st *stream.Stream, stageTable string, tracker *progress.Tracker) error
}

// sqlDialect is the per-vendor adapter under the generic SQL destination.
type sqlDialect interface {
	vendor() connect.Vendor
	driverName() string
	dsn(info connect.Info) (string, error)
	generator() sqlgen.Dialect
}

// SQLDest drives the staging-and-merge protocol on any warehouse reachable
// through database/sql.
type SQLDest struct {
	cfg     Config
	dialect sqlDialect
	loader  stageLoader
	db      *sql.DB

	// hooks around the per-dataset write, used for stage lifecycle
	before func(ctx context.Context, db *sql.DB, ds *stream.Dataset) error
	after  func(ctx context.Context, db *sql.DB, ds *stream.Dataset) error
}

func newSQLDest(cfg Config, dialect sqlDialect, loader stageLoader) *SQLDest {
	return &SQLDest{cfg: cfg, dialect: dialect, loader: loader}
}

func (d *SQLDest) open(ctx context.Context) (*sql.DB, error) {
	if d.db != nil {
		return d.db, nil
	}
	var dsn, err = d.dialect.dsn(d.cfg.Connect)
	if err != nil {
		return nil, err
	}
	var db *sql.DB
	if db, err = sql.Open(d.dialect.driverName(), dsn); err != nil {
		return nil, &ConnectionFailedError{Vendor: d.dialect.vendor(), Err: err}
	}
	if err = db.PingContext(ctx); err != nil {
		db.Close()
		return nil, &ConnectionFailedError{Vendor: d.dialect.vendor(), Err: err}
	}
	d.db = db
	return db, nil
}

func (d *SQLDest) Write(ctx context.Context, ds *stream.Dataset, cb progress.Callback) error {
	var db, err = d.open(ctx)
	if err != nil {
		return err
	}
	if d.before != nil {
		if err = d.before(ctx, db, ds); err != nil {
			return err
		}
	}
	for _, st := range ds.Streams {
		if err = d.writeStream(ctx, db, ds, st, cb); err != nil {
			return err
		}
	}
	if d.after != nil {
		if err = d.after(ctx, db, ds); err != nil {
			return err
		}
	}
	if d.cfg.DropAfterComplete {
		for _, st := range ds.Streams {
			var drop string
			if drop, err = sqlgen.DropTable(st.QualifiedName()); err != nil {
				return err
			}
			if _, err = db.ExecContext(ctx, drop); err != nil {
				return fmt.Errorf("dropping %s: %w", st.QualifiedName(), err)
			}
		}
	}
	return nil
}

func (d *SQLDest) writeStream(ctx context.Context, db *sql.DB, ds *stream.Dataset, st *stream.Stream, cb progress.Callback) error {
	var target = st.QualifiedName()
	var gen = d.dialect.generator()

	var tracker = progress.New(
		fmt.Sprintf("destination+%s://%s/%s/%s", d.dialect.vendor(), ds.Namespace.Name, st.SchemaName, st.Name),
		int64(ds.Size(st)))
	if cb != nil {
		tracker.Subscribe(cb)
	}

	// FULL_REFRESH replaces the table wholesale so stale columns and rows
	// never survive a reshape upstream.
	if d.cfg.fullRefresh() {
		var drop, err = sqlgen.DropTable(target)
		if err != nil {
			return err
		}
		if _, err = db.ExecContext(ctx, drop); err != nil {
			return fmt.Errorf("dropping %s: %w", target, err)
		}
	}

	if err := d.ensureTable(ctx, db, st); err != nil {
		return err
	}

	if ds.Size(st) == 0 {
		tracker.Message("no records to write")
		return nil
	}

	var stage = stageTableName(st)
	var createStage, err = sqlgen.CreateTempTableLike(gen, stage, target)
	if err != nil {
		return err
	}
	if _, err = db.ExecContext(ctx, createStage); err != nil {
		return fmt.Errorf("creating stage table %s: %w", stage, err)
	}

	log.WithFields(log.Fields{
		"stream": target,
		"stage":  stage,
		"size":   ds.Size(st),
	}).Info("writing stream")

	if err = d.loader.load(ctx, db, ds, st, stage, tracker); err != nil {
		return err
	}
	return d.merge(ctx, db, st, stage)
}

// merge folds the stage table into the target with the vendor's upsert shape.
// Streams with no primary field get plain appends.
func (d *SQLDest) merge(ctx context.Context, db *sql.DB, st *stream.Stream, stage string) error {
	var target = st.QualifiedName()
	var cols = st.Schema().Names()

	var stmts []string
	if st.PrimaryField == "" {
		var ins, err = insertFromStage(target, stage, cols)
		if err != nil {
			return err
		}
		stmts = []string{ins}
	} else {
		switch d.dialect.vendor() {
		case connect.PostgreSQL:
			var up, err = sqlgen.UpsertOnConflict(target, stage, cols, st.PrimaryField)
			if err != nil {
				return err
			}
			stmts = []string{up}
		case connect.Redshift:
			var del, ins, err = sqlgen.UpsertDeleteInsert(target, stage, cols, st.PrimaryField)
			if err != nil {
				return err
			}
			stmts = []string{del, ins}
		default:
			var m, err = sqlgen.Merge(target, stage, cols, st.PrimaryField)
			if err != nil {
				return err
			}
			stmts = []string{m}
		}
	}

	var tx, err = db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting merge transaction: %w", err)
	}
	for _, stmt := range stmts {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			tx.Rollback()
			if shapeErr := classifyPgError(err, st); shapeErr != nil {
				return shapeErr
			}
			return fmt.Errorf("merging into %s: %w", target, err)
		}
	}
	return tx.Commit()
}

// classifyPgError maps postgres shape errors (undefined table or column,
// datatype mismatch) onto the schema taxonomy; other errors pass through.
func classifyPgError(err error, st *stream.Stream) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return nil
	}
	switch pgErr.Code {
	case "42P01", "42703", "42804":
		return &StreamInvalidSchemaError{
			Schema: st.SchemaName, Table: st.Name, Reason: pgErr.Message,
		}
	}
	return nil
}

func insertFromStage(target, stage string, cols []string) (string, error) {
	var safeTarget, err = sqlgen.SafeIdentifier(target)
	if err != nil {
		return "", err
	}
	var safeStage string
	if safeStage, err = sqlgen.SafeIdentifier(stage); err != nil {
		return "", err
	}
	var safe = make([]string, len(cols))
	for i, col := range cols {
		if safe[i], err = sqlgen.SafeIdentifier(col); err != nil {
			return "", err
		}
	}
	var colsStr = strings.Join(safe, ",")
	return fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s",
		safeTarget, colsStr, colsStr, safeStage), nil
}

// stageTableName derives the session stage table for a stream.
func stageTableName(st *stream.Stream) string {
	return fmt.Sprintf("temp_%s_%s", st.SchemaName, st.Name)
}

// ensureTable creates the target when absent and verifies an existing table
// is shape-compatible with the stream, ignoring column order.
func (d *SQLDest) ensureTable(ctx context.Context, db *sql.DB, st *stream.Stream) error {
	var gen = d.dialect.generator()
	var ddl, err = gen.CreateTableIfNotExists(st.QualifiedName(), st.Schema(), st.PrimaryField)
	if err != nil {
		return err
	}
	if _, err = db.ExecContext(ctx, ddl); err != nil {
		if shapeErr := classifyPgError(err, st); shapeErr != nil {
			return shapeErr
		}
		return fmt.Errorf("creating %s: %w", st.QualifiedName(), err)
	}

	var existing stream.Schema
	if existing, err = d.catalogSchema(ctx, db, st.SchemaName, st.Name); err != nil {
		return err
	}
	if !stream.Compatible(wireSchema(st.Schema()), existing) {
		return &StreamInvalidSchemaError{
			Schema: st.SchemaName,
			Table:  st.Name,
			Reason: fmt.Sprintf("existing table columns %v do not match stream columns %v",
				existing.Names(), st.Schema().Names()),
		}
	}
	return nil
}

// wireSchema is the shape a stream takes in warehouse columns: binary values
// travel hex-encoded, so Binary compares as String.
func wireSchema(sch stream.Schema) stream.Schema {
	var fields = make([]stream.Field, 0, sch.Len())
	for _, f := range sch.Fields() {
		if f.Type == stream.Binary {
			f.Type = stream.String
		}
		fields = append(fields, f)
	}
	return stream.NewSchema(fields...)
}

func (d *SQLDest) catalogSchema(ctx context.Context, db *sql.DB, schemaName, tableName string) (stream.Schema, error) {
	var schemaLit, err = sqlgen.Literal(schemaName)
	if err != nil {
		return stream.Schema{}, err
	}
	var tableLit string
	if tableLit, err = sqlgen.Literal(tableName); err != nil {
		return stream.Schema{}, err
	}
	var query = "SELECT column_name, data_type, coalesce(numeric_scale, -1) " +
		"FROM information_schema.columns " +
		fmt.Sprintf("WHERE table_schema = %s AND table_name = %s ", schemaLit, tableLit) +
		"ORDER BY ordinal_position"

	var rows *sql.Rows
	if rows, err = db.QueryContext(ctx, query); err != nil {
		return stream.Schema{}, fmt.Errorf("inspecting %s.%s: %w", schemaName, tableName, err)
	}
	defer rows.Close()

	var fields []stream.Field
	for rows.Next() {
		var name, dataType string
		var scale int64
		if err = rows.Scan(&name, &dataType, &scale); err != nil {
			return stream.Schema{}, err
		}
		var t stream.Type
		if t, err = sqlgen.ParseColumnType(dataType, scale); err != nil {
			return stream.Schema{}, &StreamInvalidSchemaError{
				Schema: schemaName, Table: tableName,
				Reason: fmt.Sprintf("column %s: %v", name, err),
			}
		}
		fields = append(fields, stream.Field{Name: name, Type: t})
	}
	if err = rows.Err(); err != nil {
		return stream.Schema{}, err
	}
	return stream.NewSchema(fields...), nil
}

func (d *SQLDest) Integrity() IntegrityChecker { return &sqlIntegrity{dest: d} }

func (d *SQLDest) Close() error {
	if d.db != nil {
		var err = d.db.Close()
		d.db = nil
		return err
	}
	return nil
}

// sqlValue lowers a canonical value to the driver representation used on
// insert paths: binary hex-encoded, dates and times as strings.
func sqlValue(t stream.Type, v any) any {
	if v == nil {
		return nil
	}
	switch t {
	case stream.Binary:
		return hex.EncodeToString(v.([]byte))
	case stream.Date:
		return v.(time.Time).UTC().Format("2006-01-02")
	case stream.Time:
		var dur = v.(time.Duration)
		return fmt.Sprintf("%02d:%02d:%02d",
			int(dur.Hours()), int(dur.Minutes())%60, int(dur.Seconds())%60)
	default:
		return v
	}
}

// insertLoader streams rows into the stage table through a prepared insert.
type insertLoader struct {
	chunkSize int
}

func (l *insertLoader) load(ctx context.Context, db *sql.DB, ds *stream.Dataset, st *stream.Stream, stageTable string, tracker *progress.Tracker) error {
	var insert, err = sqlgen.InsertStatement(stageTable, st.Schema().Names())
	if err != nil {
		return err
	}

	var cur stream.Cursor
	if cur, err = ds.Read(st); err != nil {
		return err
	}
	defer cur.Close()

	var tx *sql.Tx
	if tx, err = db.BeginTx(ctx, nil); err != nil {
		return fmt.Errorf("starting load transaction: %w", err)
	}
	var stmt *sql.Stmt
	if stmt, err = tx.PrepareContext(ctx, insert); err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing stage insert: %w", err)
	}

	var fields = st.Schema().Fields()
	var pending int
	for cur.Next() {
		var rec = cur.Record()
		var args = make([]any, len(rec))
		for i, v := range rec {
			args[i] = sqlValue(fields[i].Type, v)
		}
		if _, err = stmt.ExecContext(ctx, args...); err != nil {
			tx.Rollback()
			return fmt.Errorf("loading stage table %s: %w", stageTable, err)
		}
		pending++
		if pending == l.chunkSize {
			tracker.Update(int64(pending), true)
			pending = 0
		}
	}
	if err = cur.Err(); err != nil {
		tx.Rollback()
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("committing stage load: %w", err)
	}
	if pending > 0 {
		tracker.Update(int64(pending), true)
	}
	return nil
}

// s3CopyLoader bulk-loads the stage table from the Parquet files a staging
// S3 child uploaded earlier in the same run.
type s3CopyLoader struct {
	info connect.Info
}

func (l *s3CopyLoader) load(ctx context.Context, db *sql.DB, ds *stream.Dataset, st *stream.Stream, stageTable string, tracker *progress.Tracker) error {
	var uri = fmt.Sprintf("s3://%s/%s/",
		l.info.S3Bucket, stagingPrefix(l.info.S3Prefix, ds.Namespace.Name, st, ds.Meta))
	var copySQL, err = sqlgen.CopyFromS3(stageTable, uri, l.info.IAMRole, l.info.S3Region)
	if err != nil {
		return err
	}
	if _, err = db.ExecContext(ctx, copySQL); err != nil {
		return fmt.Errorf("copying %s from %s: %w", stageTable, uri, err)
	}
	tracker.Update(int64(ds.Size(st)), false)
	return nil
}

// stageCopyLoader bulk-loads the stage table from a named Snowflake stage,
// selecting exactly this stream's batch files by name pattern.
type stageCopyLoader struct {
	info connect.Info
}

func batchFilePattern(st *stream.Stream, meta stream.Meta) string {
	return fmt.Sprintf(".*%s__%s_.*_%s_.*[.]parquet", st.SchemaName, st.Name, meta.BatchID)
}

func (l *stageCopyLoader) load(ctx context.Context, db *sql.DB, ds *stream.Dataset, st *stream.Stream, stageTable string, tracker *progress.Tracker) error {
	var copySQL, err = sqlgen.CopyIntoFromStage(stageTable, l.info.StageName, batchFilePattern(st, ds.Meta))
	if err != nil {
		return err
	}
	if _, err = db.ExecContext(ctx, copySQL); err != nil {
		return fmt.Errorf("copying %s from stage %s: %w", stageTable, l.info.StageName, err)
	}
	tracker.Update(int64(ds.Size(st)), false)
	return nil
}
