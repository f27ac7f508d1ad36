package destination

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/apache/arrow-go/v18/parquet/compress"
	log "github.com/sirupsen/logrus"

	"github.com/ferryhq/ferry/connect"
	"github.com/ferryhq/ferry/progress"
	"github.com/ferryhq/ferry/sqlgen"
	"github.com/ferryhq/ferry/stream"
)

// SnowflakeStage uploads Parquet chunk files into a named Snowflake stage
// with PUT, so a warehouse sibling can COPY INTO from it. File names carry
// the stream and batch so the copy pattern selects only this run's files.
type SnowflakeStage struct {
	cfg     Config
	dialect sqlDialect
	db      *sql.DB
	codec   compress.Compression
}

func newSnowflakeStage(cfg Config, dialect sqlDialect) (*SnowflakeStage, error) {
	var codec, err = parquetCodec(cfg.Connect.Compression)
	if err != nil {
		return nil, err
	}
	return &SnowflakeStage{cfg: cfg, dialect: dialect, codec: codec}, nil
}

func (s *SnowflakeStage) open(ctx context.Context) (*sql.DB, error) {
	if s.db != nil {
		return s.db, nil
	}
	var dsn, err = s.dialect.dsn(s.cfg.Connect)
	if err != nil {
		return nil, err
	}
	var db *sql.DB
	if db, err = sql.Open(s.dialect.driverName(), dsn); err != nil {
		return nil, &ConnectionFailedError{Vendor: connect.Snowflake, Err: err}
	}
	if err = db.PingContext(ctx); err != nil {
		db.Close()
		return nil, &ConnectionFailedError{Vendor: connect.Snowflake, Err: err}
	}
	s.db = db
	return db, nil
}

func (s *SnowflakeStage) Write(ctx context.Context, ds *stream.Dataset, cb progress.Callback) error {
	var db, err = s.open(ctx)
	if err != nil {
		return err
	}

	if s.cfg.Connect.CreateStage {
		var create string
		if create, err = sqlgen.CreateStage(s.cfg.Connect.StageName); err != nil {
			return err
		}
		if _, err = db.ExecContext(ctx, create); err != nil {
			return fmt.Errorf("creating stage %s: %w", s.cfg.Connect.StageName, err)
		}
	}

	var dir string
	if dir, err = os.MkdirTemp("", "ferry-stage-*"); err != nil {
		return fmt.Errorf("creating upload directory: %w", err)
	}
	defer os.RemoveAll(dir)

	for _, st := range ds.Streams {
		var tracker = progress.New(
			fmt.Sprintf("destination+snowflake-stage://%s/%s/%s", ds.Namespace.Name, st.SchemaName, st.Name),
			int64(ds.Size(st)))
		if cb != nil {
			tracker.Subscribe(cb)
		}
		if ds.Size(st) == 0 {
			tracker.Message("no records to write")
			continue
		}
		if err = s.uploadStream(ctx, db, ds, st, dir, tracker); err != nil {
			return err
		}
	}
	return nil
}

func (s *SnowflakeStage) uploadStream(ctx context.Context, db *sql.DB, ds *stream.Dataset, st *stream.Stream, dir string, tracker *progress.Tracker) error {
	var cur, err = ds.Read(st)
	if err != nil {
		return err
	}
	defer cur.Close()

	var chunkSize = s.cfg.chunkSize()
	var batch = make([]stream.Record, 0, chunkSize)
	var index = 0
	var flush = func() error {
		if len(batch) == 0 {
			return nil
		}
		var body, err = parquetBytes(st.Schema(), batch, s.codec)
		if err != nil {
			return err
		}
		var name = stagingFileName(st, ds.Meta, index)
		var path = filepath.Join(dir, name)
		if err = os.WriteFile(path, body, 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", path, err)
		}

		// Parquet files are already compact; compressing again would break
		// the COPY pattern match on the .parquet suffix.
		var put = fmt.Sprintf("PUT file://%s @%s AUTO_COMPRESS = FALSE OVERWRITE = TRUE",
			path, s.cfg.Connect.StageName)
		if _, err = db.ExecContext(ctx, put); err != nil {
			return fmt.Errorf("uploading %s to stage %s: %w", name, s.cfg.Connect.StageName, err)
		}
		log.WithFields(log.Fields{"file": name, "records": len(batch)}).Debug("staged chunk")
		tracker.Update(int64(len(batch)), true)
		index++
		batch = batch[:0]
		return nil
	}

	for cur.Next() {
		batch = append(batch, cur.Record())
		if len(batch) == chunkSize {
			if err = flush(); err != nil {
				return err
			}
		}
	}
	if err = cur.Err(); err != nil {
		return err
	}
	return flush()
}

func (s *SnowflakeStage) Integrity() IntegrityChecker { return noopIntegrity{} }

func (s *SnowflakeStage) Close() error {
	if s.db != nil {
		var err = s.db.Close()
		s.db = nil
		return err
	}
	return nil
}
