package destination

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/bigquery"
	log "github.com/sirupsen/logrus"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/ferryhq/ferry/connect"
	"github.com/ferryhq/ferry/progress"
	"github.com/ferryhq/ferry/sqlgen"
	"github.com/ferryhq/ferry/stream"
)

// BigQueryDest loads Parquet files a GCS sibling staged earlier in the run,
// then merges them into the target table. BigQuery has no database/sql
// driver, so it runs the same protocol through the cloud client.
type BigQueryDest struct {
	cfg    Config
	client *bigquery.Client
}

func newBigQueryDest(cfg Config) (Destination, error) {
	return &BigQueryDest{cfg: cfg}, nil
}

func (d *BigQueryDest) open(ctx context.Context) (*bigquery.Client, error) {
	if d.client != nil {
		return d.client, nil
	}
	var client, err = bigquery.NewClient(ctx, d.cfg.Connect.ProjectID,
		option.WithCredentialsJSON([]byte(d.cfg.Connect.ServiceAccount)))
	if err != nil {
		return nil, &ConnectionFailedError{Vendor: connect.BigQuery, Err: err}
	}
	d.client = client
	return client, nil
}

func (d *BigQueryDest) run(ctx context.Context, client *bigquery.Client, query string) error {
	var job, err = client.Query(query).Run(ctx)
	if err != nil {
		return err
	}
	var status *bigquery.JobStatus
	if status, err = job.Wait(ctx); err != nil {
		return err
	}
	return status.Err()
}

func (d *BigQueryDest) Write(ctx context.Context, ds *stream.Dataset, cb progress.Callback) error {
	var client, err = d.open(ctx)
	if err != nil {
		return err
	}
	for _, st := range ds.Streams {
		if err = d.writeStream(ctx, client, ds, st, cb); err != nil {
			return err
		}
	}
	if d.cfg.DropAfterComplete {
		for _, st := range ds.Streams {
			var drop string
			if drop, err = sqlgen.DropTable(st.QualifiedName()); err != nil {
				return err
			}
			if err = d.run(ctx, client, drop); err != nil {
				return fmt.Errorf("dropping %s: %w", st.QualifiedName(), err)
			}
		}
	}
	return nil
}

func (d *BigQueryDest) writeStream(ctx context.Context, client *bigquery.Client, ds *stream.Dataset, st *stream.Stream, cb progress.Callback) error {
	var target = st.QualifiedName()

	var tracker = progress.New(
		fmt.Sprintf("destination+bigquery://%s/%s/%s", ds.Namespace.Name, st.SchemaName, st.Name),
		int64(ds.Size(st)))
	if cb != nil {
		tracker.Subscribe(cb)
	}

	if d.cfg.fullRefresh() {
		var drop, err = sqlgen.DropTable(target)
		if err != nil {
			return err
		}
		if err = d.run(ctx, client, drop); err != nil {
			return fmt.Errorf("dropping %s: %w", target, err)
		}
	}

	if err := d.ensureTable(ctx, client, st); err != nil {
		return err
	}

	if ds.Size(st) == 0 {
		tracker.Message("no records to write")
		return nil
	}

	// LOAD DATA OVERWRITE creates the stage table from the files directly;
	// no CREATE TABLE LIKE step is needed.
	var stage = st.SchemaName + "." + stageTableName(st)
	var uri = fmt.Sprintf("gs://%s/%s/",
		d.cfg.Connect.GCSBucketName,
		stagingPrefix(d.cfg.Connect.GCSBucketPath, ds.Namespace.Name, st, ds.Meta))
	var load, err = sqlgen.LoadFromGCS(stage, uri)
	if err != nil {
		return err
	}
	if err = d.run(ctx, client, load); err != nil {
		return fmt.Errorf("loading %s from %s: %w", stage, uri, err)
	}

	log.WithFields(log.Fields{
		"stream": target,
		"stage":  stage,
		"size":   ds.Size(st),
	}).Info("writing stream")

	var mergeSQL string
	if st.PrimaryField == "" {
		mergeSQL, err = insertFromStage(target, stage, st.Schema().Names())
	} else {
		mergeSQL, err = sqlgen.Merge(target, stage, st.Schema().Names(), st.PrimaryField)
	}
	if err != nil {
		return err
	}
	if err = d.run(ctx, client, mergeSQL); err != nil {
		return fmt.Errorf("merging into %s: %w", target, err)
	}
	tracker.Update(int64(ds.Size(st)), false)

	var drop string
	if drop, err = sqlgen.DropTable(stage); err != nil {
		return err
	}
	if err = d.run(ctx, client, drop); err != nil {
		return fmt.Errorf("dropping stage %s: %w", stage, err)
	}
	return nil
}

func (d *BigQueryDest) ensureTable(ctx context.Context, client *bigquery.Client, st *stream.Stream) error {
	var ddl, err = sqlgen.BigQueryDialect.CreateTableIfNotExists(st.QualifiedName(), st.Schema(), st.PrimaryField)
	if err != nil {
		return err
	}
	if err = d.run(ctx, client, ddl); err != nil {
		return fmt.Errorf("creating %s: %w", st.QualifiedName(), err)
	}

	var md *bigquery.TableMetadata
	md, err = client.Dataset(st.SchemaName).Table(st.Name).Metadata(ctx)
	if err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == 404 {
			return &StreamInvalidSchemaError{
				Schema: st.SchemaName, Table: st.Name, Reason: "table missing after create",
			}
		}
		return err
	}

	var fields = make([]stream.Field, 0, len(md.Schema))
	for _, f := range md.Schema {
		var t, terr = bigqueryColumnType(f)
		if terr != nil {
			return &StreamInvalidSchemaError{
				Schema: st.SchemaName, Table: st.Name,
				Reason: fmt.Sprintf("column %s: %v", f.Name, terr),
			}
		}
		fields = append(fields, stream.Field{Name: f.Name, Type: t})
	}
	if !stream.Compatible(wireSchema(st.Schema()), stream.NewSchema(fields...)) {
		return &StreamInvalidSchemaError{
			Schema: st.SchemaName, Table: st.Name,
			Reason: fmt.Sprintf("existing table columns %v do not match stream columns %v",
				stream.NewSchema(fields...).Names(), st.Schema().Names()),
		}
	}
	return nil
}

func bigqueryColumnType(f *bigquery.FieldSchema) (stream.Type, error) {
	switch f.Type {
	case bigquery.IntegerFieldType:
		return stream.Int64, nil
	case bigquery.NumericFieldType, bigquery.BigNumericFieldType:
		if f.Scale == 0 {
			return stream.Int64, nil
		}
		return stream.Float64, nil
	case bigquery.FloatFieldType:
		return stream.Float64, nil
	case bigquery.StringFieldType, bigquery.BytesFieldType, bigquery.JSONFieldType:
		return stream.String, nil
	case bigquery.BooleanFieldType:
		return stream.Bool, nil
	case bigquery.DateFieldType:
		return stream.Date, nil
	case bigquery.TimeFieldType:
		return stream.Time, nil
	case bigquery.TimestampFieldType, bigquery.DateTimeFieldType:
		return stream.TimestampUTC, nil
	default:
		return 0, fmt.Errorf("unsupported bigquery type %s", f.Type)
	}
}

func (d *BigQueryDest) Integrity() IntegrityChecker { return &bigqueryIntegrity{dest: d} }

func (d *BigQueryDest) Close() error {
	if d.client != nil {
		var err = d.client.Close()
		d.client = nil
		return err
	}
	return nil
}

type bigqueryIntegrity struct {
	dest *BigQueryDest
}

func (c *bigqueryIntegrity) CheckBatchVolume(ctx context.Context, ds *stream.Dataset) error {
	var client, err = c.dest.open(ctx)
	if err != nil {
		return err
	}
	for _, st := range ds.Streams {
		if st.Schema().Index(stream.BatchIDField) < 0 {
			log.WithField("stream", st.QualifiedName()).
				Warn("skipping integrity check: stream has no batch id column")
			continue
		}
		var target string
		if target, err = sqlgen.SafeIdentifier(st.QualifiedName()); err != nil {
			return err
		}
		var batchLit string
		if batchLit, err = sqlgen.Literal(ds.Meta.BatchID); err != nil {
			return err
		}
		var query = fmt.Sprintf("SELECT count(1) FROM %s WHERE %s = %s",
			target, stream.BatchIDField, batchLit)

		var it *bigquery.RowIterator
		if it, err = client.Query(query).Read(ctx); err != nil {
			return fmt.Errorf("counting batch rows in %s: %w", target, err)
		}
		var row []bigquery.Value
		if err = it.Next(&row); err != nil && err != iterator.Done {
			return err
		}
		var loaded int64
		if len(row) > 0 {
			loaded, _ = row[0].(int64)
		}
		var expected = int64(ds.Size(st))
		if loaded != expected {
			return &IntegrityError{Stream: st.QualifiedName(), Loaded: loaded, Expected: expected}
		}
	}
	return nil
}
