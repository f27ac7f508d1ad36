package source

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	log "github.com/sirupsen/logrus"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/ferryhq/ferry/connect"
	"github.com/ferryhq/ferry/progress"
	"github.com/ferryhq/ferry/sqlgen"
	"github.com/ferryhq/ferry/stream"
)

// BigQuerySource reads through the BigQuery API rather than database/sql;
// datasets play the role of schemas.
type BigQuerySource struct {
	cfg      Config
	cache    stream.Store
	ns       stream.Namespace
	client   *bigquery.Client
	syncTime time.Time
	batchID  string
}

func newBigQuery(cfg Config, newCache CacheFactory) (Source, error) {
	var ns = stream.Namespace{Name: cfg.Connect.ProjectID}
	var cache, err = newCache(ns)
	if err != nil {
		return nil, fmt.Errorf("creating cache: %w", err)
	}
	var syncTime = cfg.syncTime()
	return &BigQuerySource{
		cfg:      cfg,
		cache:    cache,
		ns:       ns,
		syncTime: syncTime,
		batchID:  batchID(syncTime),
	}, nil
}

func (s *BigQuerySource) open(ctx context.Context) (*bigquery.Client, error) {
	if s.client != nil {
		return s.client, nil
	}
	var client, err = bigquery.NewClient(ctx, s.cfg.Connect.ProjectID,
		option.WithCredentialsJSON([]byte(s.cfg.Connect.ServiceAccount)))
	if err != nil {
		return nil, &ConnectionFailedError{Vendor: connect.BigQuery, Err: err}
	}
	s.client = client
	return client, nil
}

func (s *BigQuerySource) TestConnect(ctx context.Context) error {
	var client, err = s.open(ctx)
	if err != nil {
		return err
	}
	// One page of dataset listing serves as the ping.
	if _, err = client.Datasets(ctx).Next(); err != nil && err != iterator.Done {
		return &ConnectionFailedError{Vendor: connect.BigQuery, Err: err}
	}
	err = client.Close()
	s.client = nil
	return err
}

func (s *BigQuerySource) InspectStreams(ctx context.Context) ([]StreamInfo, error) {
	var client, err = s.open(ctx)
	if err != nil {
		return nil, err
	}

	var infos []StreamInfo
	var datasets = client.Datasets(ctx)
	for {
		var ds *bigquery.Dataset
		if ds, err = datasets.Next(); err == iterator.Done {
			break
		} else if err != nil {
			return nil, fmt.Errorf("listing datasets: %w", err)
		}

		var tables = ds.Tables(ctx)
		for {
			var table *bigquery.Table
			if table, err = tables.Next(); err == iterator.Done {
				break
			} else if err != nil {
				return nil, fmt.Errorf("listing tables in %s: %w", ds.DatasetID, err)
			}
			var md *bigquery.TableMetadata
			if md, err = table.Metadata(ctx); err != nil {
				return nil, fmt.Errorf("reading metadata for %s.%s: %w", ds.DatasetID, table.TableID, err)
			}
			var info = StreamInfo{SchemaName: ds.DatasetID, StreamName: table.TableID}
			for _, f := range md.Schema {
				info.Fields = append(info.Fields, FieldInfo{Name: f.Name, Type: string(f.Type)})
			}
			infos = append(infos, info)
		}
	}
	return infos, nil
}

func bigqueryFieldType(f *bigquery.FieldSchema) (stream.Type, error) {
	switch f.Type {
	case bigquery.IntegerFieldType:
		return stream.Int64, nil
	case bigquery.FloatFieldType:
		return stream.Float64, nil
	case bigquery.NumericFieldType, bigquery.BigNumericFieldType:
		if f.Scale == 0 {
			return stream.Int64, nil
		}
		return stream.Float64, nil
	case bigquery.StringFieldType, bigquery.JSONFieldType:
		return stream.String, nil
	case bigquery.BytesFieldType:
		return stream.Binary, nil
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

// bigqueryValue lowers BigQuery client values onto types Canonicalize
// accepts.
func bigqueryValue(v bigquery.Value) any {
	switch x := v.(type) {
	case civil.Date:
		return x.In(time.UTC)
	case civil.Time:
		return time.Duration(x.Hour)*time.Hour +
			time.Duration(x.Minute)*time.Minute +
			time.Duration(x.Second)*time.Second +
			time.Duration(x.Nanosecond)
	case civil.DateTime:
		return x.In(time.UTC)
	case *big.Rat:
		var f, _ = x.Float64()
		return f
	default:
		return v
	}
}

func (s *BigQuerySource) buildStream(ctx context.Context, client *bigquery.Client, spec StreamSpec) (*stream.Stream, error) {
	var md, err = client.Dataset(spec.Schema).Table(spec.Table).Metadata(ctx)
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusNotFound {
			return nil, &StreamDoesNotExistError{Schema: spec.Schema, Table: spec.Table}
		}
		return nil, fmt.Errorf("reading metadata for %s.%s: %w", spec.Schema, spec.Table, err)
	}

	var fields = make([]stream.Field, 0, len(md.Schema))
	for _, f := range md.Schema {
		var t stream.Type
		if t, err = bigqueryFieldType(f); err != nil {
			return nil, &StreamInvalidSchemaError{
				Schema: spec.Schema, Table: spec.Table,
				Reason: fmt.Sprintf("column %s: %v", f.Name, err),
			}
		}
		fields = append(fields, stream.Field{Name: f.Name, Type: t})
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

func (s *BigQuerySource) Read(ctx context.Context, cb progress.Callback) (*stream.Dataset, error) {
	var client, err = s.open(ctx)
	if err != nil {
		return nil, err
	}

	var streams = make([]*stream.Stream, 0, len(s.cfg.Streams))
	for _, spec := range s.cfg.Streams {
		var st *stream.Stream
		if st, err = s.buildStream(ctx, client, spec); err != nil {
			return nil, err
		}

		var query string
		if query, err = sqlgen.SelectQuery(st, s.cfg.Mode); err != nil {
			return nil, err
		}
		var countQuery string
		if countQuery, err = sqlgen.CountQuery(st, s.cfg.Mode); err != nil {
			return nil, err
		}

		var total int64
		if total, err = s.queryCount(ctx, client, countQuery); err != nil {
			return nil, fmt.Errorf("counting %s: %w", st.QualifiedName(), err)
		}

		var tracker = progress.New(
			fmt.Sprintf("source+bigquery://%s/%s/%s", s.ns.Name, spec.Schema, spec.Table), total)
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

		if err = s.readStream(ctx, client, st, query, width, tracker); err != nil {
			return nil, err
		}
		streams = append(streams, st)
	}

	return stream.NewDataset(s.ns, streams, s.cache, stream.Meta{
		BatchID: s.batchID,
		DT:      s.syncTime,
	}), nil
}

func (s *BigQuerySource) queryCount(ctx context.Context, client *bigquery.Client, query string) (int64, error) {
	var it, err = client.Query(query).Read(ctx)
	if err != nil {
		return 0, err
	}
	var row []bigquery.Value
	if err = it.Next(&row); err != nil {
		return 0, err
	}
	var n, ok = row[0].(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected count value %T", row[0])
	}
	return n, nil
}

func (s *BigQuerySource) readStream(ctx context.Context, client *bigquery.Client, st *stream.Stream, query string, width int, tracker *progress.Tracker) error {
	var it, err = client.Query(query).Read(ctx)
	if err != nil {
		return fmt.Errorf("reading %s: %w", st.QualifiedName(), err)
	}

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

	for {
		var row []bigquery.Value
		if err = it.Next(&row); err == iterator.Done {
			break
		} else if err != nil {
			return err
		}
		var raw = make([]any, width)
		for i := 0; i < width && i < len(row); i++ {
			raw[i] = bigqueryValue(row[i])
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
	return flush()
}

func (s *BigQuerySource) Close() error {
	var err error
	if s.client != nil {
		err = s.client.Close()
		s.client = nil
	}
	if cerr := s.cache.Close(); err == nil {
		err = cerr
	}
	return err
}
