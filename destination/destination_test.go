package destination

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/stretchr/testify/require"

	"github.com/ferryhq/ferry/cache"
	"github.com/ferryhq/ferry/connect"
	"github.com/ferryhq/ferry/progress"
	"github.com/ferryhq/ferry/stream"
)

func testDataset(t *testing.T, n int) *stream.Dataset {
	t.Helper()
	var st, err = stream.New("users", "app", stream.NewSchema(
		stream.Field{Name: "id", Type: stream.String},
		stream.Field{Name: "score", Type: stream.Float64},
		stream.Field{Name: stream.BatchIDField, Type: stream.String},
	), stream.WithPrimaryField("id"))
	require.NoError(t, err)

	var ns = stream.Namespace{Name: "analytics"}
	var store = cache.NewMemory(ns)
	var records = make([]stream.Record, 0, n)
	for i := 0; i < n; i++ {
		records = append(records, stream.Record{string(rune('a' + i)), float64(i), "1735689600000"})
	}
	if n > 0 {
		_, err = store.Write(st, records)
		require.NoError(t, err)
	}
	return stream.NewDataset(ns, []*stream.Stream{st}, store, stream.Meta{
		BatchID: "1735689600000",
		DT:      time.Date(2025, 1, 1, 1, 2, 3, 0, time.UTC),
	})
}

func TestStagingLayout(t *testing.T) {
	var ds = testDataset(t, 1)
	var st = ds.Streams[0]

	var prefix = stagingPrefix("exports", ds.Namespace.Name, st, ds.Meta)
	require.Equal(t, "exports/analytics/app__users/2025-01-01/1735689600000", prefix)

	var name = stagingFileName(st, ds.Meta, 3)
	require.Equal(t, "app__users_2025_01_01_1735689600000_3.parquet", name)
}

func TestHiveLayout(t *testing.T) {
	var ds = testDataset(t, 1)
	var key = hiveKey("lake/", ds.Streams[0], ds.Meta, 0)
	require.Equal(t, "lake/users/dt=2025-01-01/20250101010203_1735689600000_0.parquet", key)
}

func TestParquetBytesCarriesMagic(t *testing.T) {
	var sch = stream.NewSchema(
		stream.Field{Name: "id", Type: stream.String},
		stream.Field{Name: "at", Type: stream.TimestampUTC},
	)
	var body, err = parquetBytes(sch, []stream.Record{
		{"a", time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)},
		{"b", nil},
	}, compress.Codecs.Uncompressed)
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(body, []byte("PAR1")))
	require.True(t, bytes.HasSuffix(body, []byte("PAR1")))
}

func TestParquetCodecSelection(t *testing.T) {
	var cases = map[string]compress.Compression{
		"":       compress.Codecs.Uncompressed,
		"none":   compress.Codecs.Uncompressed,
		"SNAPPY": compress.Codecs.Snappy,
		"gzip":   compress.Codecs.Gzip,
		"zstd":   compress.Codecs.Zstd,
	}
	for name, want := range cases {
		var got, err = parquetCodec(name)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}

	var _, err = parquetCodec("lzo")
	require.ErrorContains(t, err, "unsupported parquet compression")

	_, err = newObjectStore(Config{
		Connect: connect.Info{VendorType: connect.S3, Compression: "lzo"},
	}, "exports", &s3Putter{})
	require.Error(t, err)
}

func TestConsoleWritesJSONLines(t *testing.T) {
	var ds = testDataset(t, 3)
	var c, err = newConsole(Config{Connect: connect.Info{VendorType: connect.Console}})
	require.NoError(t, err)
	var buf bytes.Buffer
	c.(*Console).SetOutput(&buf)

	var last progress.Summary
	err = c.Write(context.Background(), ds, func(s progress.Summary) { last = s })
	require.NoError(t, err)

	var lines = strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)

	var row map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &row))
	require.Equal(t, "a", row["id"])
	require.Equal(t, "1735689600000", row[stream.BatchIDField])

	require.Equal(t, int64(3), last.Processed)
	require.Equal(t, "destination+console://analytics/app/users", last.URI)
}

func TestConsoleHonorsLimit(t *testing.T) {
	var ds = testDataset(t, 5)
	var c, err = newConsole(Config{Connect: connect.Info{VendorType: connect.Console, Limit: 2}})
	require.NoError(t, err)
	var buf bytes.Buffer
	c.(*Console).SetOutput(&buf)

	require.NoError(t, c.Write(context.Background(), ds, nil))
	var out = strings.TrimSpace(buf.String())
	require.Len(t, strings.Split(out, "\n"), 3) // 2 rows + truncation note
	require.Contains(t, out, "3 more records")
}

func TestMultiRenamesToTargetSchema(t *testing.T) {
	var ds = testDataset(t, 2)
	var c, err = newConsole(Config{Connect: connect.Info{VendorType: connect.Console}})
	require.NoError(t, err)
	var buf bytes.Buffer
	c.(*Console).SetOutput(&buf)

	var m = NewMulti("public", c)
	require.NoError(t, m.Write(context.Background(), ds, nil))

	// Stream moved to the target schema; the cached records still resolve.
	require.Equal(t, "public", ds.Streams[0].SchemaName)
	require.Equal(t, 2, ds.Size(ds.Streams[0]))
	require.Len(t, strings.Split(strings.TrimSpace(buf.String()), "\n"), 2)

	require.IsType(t, noopIntegrity{}, m.Integrity())
}

func TestObjectStoreKeysFollowFormat(t *testing.T) {
	var ds = testDataset(t, 1)
	var staging, err = newObjectStore(Config{
		Connect: connect.Info{VendorType: connect.S3, S3Prefix: "exports"},
	}, "exports", &s3Putter{})
	require.NoError(t, err)
	require.Equal(t,
		"exports/analytics/app__users/2025-01-01/1735689600000/app__users_2025_01_01_1735689600000_0.parquet",
		staging.key(ds, ds.Streams[0], 0))

	var hive *ObjectStore
	hive, err = newObjectStore(Config{
		Connect: connect.Info{VendorType: connect.S3, S3Prefix: "lake", Format: FormatHive},
	}, "lake", &s3Putter{})
	require.NoError(t, err)
	require.Equal(t,
		"lake/users/dt=2025-01-01/20250101010203_1735689600000_0.parquet",
		hive.key(ds, ds.Streams[0], 0))
}

func TestBatchFilePattern(t *testing.T) {
	var ds = testDataset(t, 1)
	require.Equal(t, ".*app__users_.*_1735689600000_.*[.]parquet",
		batchFilePattern(ds.Streams[0], ds.Meta))
}

func TestStageTableName(t *testing.T) {
	var ds = testDataset(t, 1)
	require.Equal(t, "temp_app_users", stageTableName(ds.Streams[0]))
}

func TestInsertFromStage(t *testing.T) {
	var got, err = insertFromStage("public.users", "temp_app_users", []string{"id", "score"})
	require.NoError(t, err)
	require.Equal(t, "INSERT INTO public.users (id,score) SELECT id,score FROM temp_app_users", got)
}

func TestWireSchemaTreatsBinaryAsText(t *testing.T) {
	var a = stream.NewSchema(
		stream.Field{Name: "id", Type: stream.String},
		stream.Field{Name: "payload", Type: stream.Binary},
	)
	var catalog = stream.NewSchema(
		stream.Field{Name: "payload", Type: stream.String},
		stream.Field{Name: "id", Type: stream.String},
	)
	require.False(t, stream.Compatible(a, catalog))
	require.True(t, stream.Compatible(wireSchema(a), catalog))
}

func TestSQLValueLowering(t *testing.T) {
	require.Equal(t, "deadbeef", sqlValue(stream.Binary, []byte{0xde, 0xad, 0xbe, 0xef}))
	require.Equal(t, "2025-01-02", sqlValue(stream.Date, time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)))
	require.Equal(t, "13:45:09", sqlValue(stream.Time, 13*time.Hour+45*time.Minute+9*time.Second))
	require.Equal(t, int64(7), sqlValue(stream.Int64, int64(7)))
	require.Nil(t, sqlValue(stream.String, nil))
}

func TestNewValidatesAndComposes(t *testing.T) {
	var _, err = New(Config{Connect: connect.Info{VendorType: "mysql"}})
	require.Error(t, err)

	// Known vendor, incomplete connection info.
	_, err = New(Config{Connect: connect.Info{VendorType: connect.PostgreSQL}})
	require.Error(t, err)

	var d Destination
	d, err = New(Config{Connect: connect.Info{VendorType: connect.Console}})
	require.NoError(t, err)
	require.IsType(t, &Multi{}, d)
}

func TestObjectStoreSkipsEmptyStreams(t *testing.T) {
	var ds = testDataset(t, 0)
	var o, err = newObjectStore(Config{Connect: connect.Info{VendorType: connect.S3}}, "exports", &s3Putter{})
	require.NoError(t, err)

	var msgs []string
	require.NoError(t, o.Write(context.Background(), ds, func(s progress.Summary) {
		msgs = append(msgs, s.Message)
	}))
	require.Equal(t, []string{"no records to write"}, msgs)
}

func TestConsoleSkipsEmptyStreams(t *testing.T) {
	var ds = testDataset(t, 0)
	var c, err = newConsole(Config{Connect: connect.Info{VendorType: connect.Console}})
	require.NoError(t, err)
	var buf bytes.Buffer
	c.(*Console).SetOutput(&buf)

	var msgs []string
	require.NoError(t, c.Write(context.Background(), ds, func(s progress.Summary) {
		msgs = append(msgs, s.Message)
	}))
	require.Equal(t, []string{"no records to write"}, msgs)
	require.Empty(t, buf.String())
}
