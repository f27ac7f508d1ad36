package destination

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	gcs "cloud.google.com/go/storage"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	log "github.com/sirupsen/logrus"
	"google.golang.org/api/option"

	"github.com/ferryhq/ferry/cache"
	"github.com/ferryhq/ferry/connect"
	"github.com/ferryhq/ferry/progress"
	"github.com/ferryhq/ferry/stream"
)

// Object-store layouts. Staging is the layout warehouse loaders read back;
// hive is dt-partitioned for external query engines.
const (
	FormatStaging = "staging"
	FormatHive    = "hive"
)

// stagingPrefix is the directory all of one stream's batch files land under:
// <root>/<namespace>/<schema>__<table>/<date>/<batch_id>/.
func stagingPrefix(root, namespace string, st *stream.Stream, meta stream.Meta) string {
	return joinKey(root, namespace,
		fmt.Sprintf("%s__%s", st.SchemaName, st.Name),
		meta.DT.UTC().Format("2006-01-02"),
		meta.BatchID)
}

// stagingFileName names one chunk file inside a staging prefix. The name
// embeds schema, table, date and batch so a stage-wide glob can select
// exactly one batch of one stream.
func stagingFileName(st *stream.Stream, meta stream.Meta, index int) string {
	return fmt.Sprintf("%s__%s_%s_%s_%d.parquet",
		st.SchemaName, st.Name, meta.DT.UTC().Format("2006_01_02"), meta.BatchID, index)
}

// hiveKey lays files out as <root>/<table>/dt=<date>/<ts>_<batch>_<index>.parquet.
func hiveKey(root string, st *stream.Stream, meta stream.Meta, index int) string {
	return joinKey(root, st.Name,
		"dt="+meta.DT.UTC().Format("2006-01-02"),
		fmt.Sprintf("%s_%s_%d.parquet", meta.DT.UTC().Format("20060102150405"), meta.BatchID, index))
}

func joinKey(parts ...string) string {
	var clean = make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.Trim(p, "/"); p != "" {
			clean = append(clean, p)
		}
	}
	return strings.Join(clean, "/")
}

// parquetCodec maps the configured compression name onto a Parquet codec.
// The default is uncompressed so stage loaders can pattern-match plain
// .parquet file names.
func parquetCodec(name string) (compress.Compression, error) {
	switch strings.ToLower(name) {
	case "", "none":
		return compress.Codecs.Uncompressed, nil
	case "snappy":
		return compress.Codecs.Snappy, nil
	case "gzip":
		return compress.Codecs.Gzip, nil
	case "zstd":
		return compress.Codecs.Zstd, nil
	default:
		return compress.Codecs.Uncompressed, fmt.Errorf("unsupported parquet compression %q", name)
	}
}

// parquetBytes encodes one chunk of records as a Parquet file. Warehouse
// Parquet loaders match columns by name, so the Arrow schema carries the
// canonical field names unchanged.
func parquetBytes(sch stream.Schema, records []stream.Record, codec compress.Compression) ([]byte, error) {
	var rec, err = cache.BuildRecord(sch, records)
	if err != nil {
		return nil, err
	}
	defer rec.Release()

	var buf bytes.Buffer
	var w *pqarrow.FileWriter
	w, err = pqarrow.NewFileWriter(cache.ArrowSchema(sch), &buf,
		parquet.NewWriterProperties(parquet.WithCompression(codec)),
		pqarrow.DefaultWriterProps())
	if err != nil {
		return nil, fmt.Errorf("opening parquet writer: %w", err)
	}
	if err = w.Write(rec); err != nil {
		w.Close()
		return nil, fmt.Errorf("writing parquet: %w", err)
	}
	if err = w.Close(); err != nil {
		return nil, fmt.Errorf("closing parquet writer: %w", err)
	}
	return buf.Bytes(), nil
}

// putter uploads one object. The two cloud implementations connect lazily so
// credential failures surface as connection errors on the first write.
type putter interface {
	vendor() connect.Vendor
	put(ctx context.Context, key string, body []byte) error
	close() error
}

// ObjectStore writes each stream as a sequence of Parquet chunk files in
// either staging or hive layout.
type ObjectStore struct {
	cfg   Config
	root  string
	put   putter
	codec compress.Compression
}

func newObjectStore(cfg Config, root string, p putter) (*ObjectStore, error) {
	var codec, err = parquetCodec(cfg.Connect.Compression)
	if err != nil {
		return nil, err
	}
	return &ObjectStore{cfg: cfg, root: root, put: p, codec: codec}, nil
}

func (o *ObjectStore) format() string {
	if o.cfg.Connect.Format == "" {
		return FormatStaging
	}
	return o.cfg.Connect.Format
}

func (o *ObjectStore) key(ds *stream.Dataset, st *stream.Stream, index int) string {
	if o.format() == FormatHive {
		return hiveKey(o.root, st, ds.Meta, index)
	}
	return joinKey(stagingPrefix(o.root, ds.Namespace.Name, st, ds.Meta), stagingFileName(st, ds.Meta, index))
}

func (o *ObjectStore) Write(ctx context.Context, ds *stream.Dataset, cb progress.Callback) error {
	for _, st := range ds.Streams {
		var tracker = progress.New(
			fmt.Sprintf("destination+%s://%s/%s/%s", o.put.vendor(), ds.Namespace.Name, st.SchemaName, st.Name),
			int64(ds.Size(st)))
		if cb != nil {
			tracker.Subscribe(cb)
		}
		if ds.Size(st) == 0 {
			tracker.Message("no records to write")
			continue
		}
		if err := o.writeStream(ctx, ds, st, tracker); err != nil {
			return err
		}
	}
	return nil
}

func (o *ObjectStore) writeStream(ctx context.Context, ds *stream.Dataset, st *stream.Stream, tracker *progress.Tracker) error {
	var cur, err = ds.Read(st)
	if err != nil {
		return err
	}
	defer cur.Close()

	var chunkSize = o.cfg.chunkSize()
	var batch = make([]stream.Record, 0, chunkSize)
	var index = 0
	var flush = func() error {
		if len(batch) == 0 {
			return nil
		}
		var body, err = parquetBytes(st.Schema(), batch, o.codec)
		if err != nil {
			return err
		}
		var key = o.key(ds, st, index)
		if err = o.put.put(ctx, key, body); err != nil {
			return err
		}
		log.WithFields(log.Fields{"key": key, "records": len(batch)}).Debug("uploaded chunk")
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

// Integrity is a no-op: object stores have no queryable row counts.
func (o *ObjectStore) Integrity() IntegrityChecker { return noopIntegrity{} }

func (o *ObjectStore) Close() error { return o.put.close() }

// s3Putter uploads through the AWS SDK with static credentials.
type s3Putter struct {
	info   connect.Info
	client *s3.Client
}

func (p *s3Putter) vendor() connect.Vendor { return connect.S3 }

func (p *s3Putter) connect(ctx context.Context) (*s3.Client, error) {
	if p.client != nil {
		return p.client, nil
	}
	var awsCfg, err = awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(p.info.S3Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			p.info.AWSAccessKeyID, p.info.AWSSecretAccessKey, "")),
	)
	if err != nil {
		return nil, &ConnectionFailedError{Vendor: connect.S3, Err: err}
	}
	p.client = s3.NewFromConfig(awsCfg)
	return p.client, nil
}

func (p *s3Putter) put(ctx context.Context, key string, body []byte) error {
	var client, err = p.connect(ctx)
	if err != nil {
		return err
	}
	_, err = client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(p.info.S3Bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(body),
	})
	if err != nil {
		return &ConnectionFailedError{Vendor: connect.S3, Err: err}
	}
	return nil
}

func (p *s3Putter) close() error { return nil }

func newS3(cfg Config) (Destination, error) {
	return newObjectStore(cfg, cfg.Connect.S3Prefix, &s3Putter{info: cfg.Connect})
}

// gcsPutter uploads through the Cloud Storage client with inline
// service-account credentials.
type gcsPutter struct {
	info   connect.Info
	client *gcs.Client
}

func (p *gcsPutter) vendor() connect.Vendor { return connect.GCS }

func (p *gcsPutter) connect(ctx context.Context) (*gcs.Client, error) {
	if p.client != nil {
		return p.client, nil
	}
	var client, err = gcs.NewClient(ctx, option.WithCredentialsJSON([]byte(p.info.ServiceAccount)))
	if err != nil {
		return nil, &ConnectionFailedError{Vendor: connect.GCS, Err: err}
	}
	p.client = client
	return client, nil
}

func (p *gcsPutter) put(ctx context.Context, key string, body []byte) error {
	var client, err = p.connect(ctx)
	if err != nil {
		return err
	}
	var w = client.Bucket(p.info.GCSBucketName).Object(key).NewWriter(ctx)
	if _, err = w.Write(body); err != nil {
		w.Close()
		return &ConnectionFailedError{Vendor: connect.GCS, Err: err}
	}
	if err = w.Close(); err != nil {
		return &ConnectionFailedError{Vendor: connect.GCS, Err: err}
	}
	return nil
}

func (p *gcsPutter) close() error {
	if p.client != nil {
		return p.client.Close()
	}
	return nil
}

func newGCS(cfg Config) (Destination, error) {
	return newObjectStore(cfg, cfg.Connect.GCSBucketPath, &gcsPutter{info: cfg.Connect})
}
