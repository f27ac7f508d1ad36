package sqlgen

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ferryhq/ferry/replication"
	"github.com/ferryhq/ferry/stream"
)

func userStream(t *testing.T, opts ...stream.Option) *stream.Stream {
	t.Helper()
	var s, err = stream.New("users", "app", stream.NewSchema(
		stream.Field{Name: "id", Type: stream.String},
		stream.Field{Name: "customer_id", Type: stream.String},
		stream.Field{Name: "name", Type: stream.String},
		stream.Field{Name: "updated_at", Type: stream.TimestampUTC},
	), opts...)
	require.NoError(t, err)
	return s
}

func incremental(start, end time.Time) *replication.Mode {
	return &replication.Mode{
		Type:   replication.Incremental,
		Period: replication.Daily,
		Start:  &start,
		End:    &end,
	}
}

func TestSafeIdentifier(t *testing.T) {
	var cases = map[string]string{
		"users":            "users",
		"app.users":        "app.users",
		"_private":         "_private",
		"user name; drop":  "usernamedrop",
		"0day":             "_0day",
		"weird-chars!@#$%": "weirdchars",
	}
	for in, want := range cases {
		var got, err = SafeIdentifier(in)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}

	var long string
	for i := 0; i < 80; i++ {
		long += "a"
	}
	var got, err = SafeIdentifier(long)
	require.NoError(t, err)
	require.Len(t, got, 64)

	_, err = SafeIdentifier("!!!")
	require.Error(t, err)
	_, err = SafeIdentifier("app..users")
	require.Error(t, err)
}

func TestLiteralEscaping(t *testing.T) {
	var got, err = Literal("O'Brien'; DROP TABLE users; --")
	require.NoError(t, err)
	require.Equal(t, `'O''Brien''; DROP TABLE users; --'`, got)

	got, err = Literal(nil)
	require.NoError(t, err)
	require.Equal(t, "NULL", got)

	got, err = Literal(true)
	require.NoError(t, err)
	require.Equal(t, "TRUE", got)

	got, err = Literal(int64(42))
	require.NoError(t, err)
	require.Equal(t, "42", got)

	got, err = Literal(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Equal(t, "'2025-01-01T00:00:00Z'", got)

	_, err = Literal(struct{}{})
	require.Error(t, err)
}

func TestSelectQueryFullRefresh(t *testing.T) {
	var s = userStream(t)
	var got, err = SelectQuery(s, &replication.Mode{Type: replication.FullRefresh})
	require.NoError(t, err)
	require.Equal(t, "SELECT id,customer_id,name,updated_at FROM app.users", got)
}

func TestSelectQueryIncrementalWindowAndFilters(t *testing.T) {
	var s = userStream(t,
		stream.WithCursorField("updated_at"),
		stream.WithFilters(map[string]any{"customer_id": "Customer1"}))

	var mode = incremental(
		time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC))

	var got, err = SelectQuery(s, mode)
	require.NoError(t, err)
	require.Equal(t, "SELECT id,customer_id,name,updated_at FROM app.users"+
		" WHERE updated_at >= '2025-01-01T00:00:00Z'"+
		" AND updated_at < '2025-01-02T00:00:00Z'"+
		" AND customer_id = 'Customer1'", got)

	var count string
	count, err = CountQuery(s, mode)
	require.NoError(t, err)
	require.Equal(t, "SELECT count(1) FROM app.users"+
		" WHERE updated_at >= '2025-01-01T00:00:00Z'"+
		" AND updated_at < '2025-01-02T00:00:00Z'"+
		" AND customer_id = 'Customer1'", count)
}

func TestSelectQueryFilterInjectionIsEscaped(t *testing.T) {
	var s = userStream(t,
		stream.WithFilters(map[string]any{"customer_id": "x' OR '1'='1"}))
	var got, err = SelectQuery(s, nil)
	require.NoError(t, err)
	require.Contains(t, got, `customer_id = 'x'' OR ''1''=''1'`)
}

func TestCreateTableIfNotExists(t *testing.T) {
	var sch = stream.NewSchema(
		stream.Field{Name: "id", Type: stream.String},
		stream.Field{Name: "n", Type: stream.Int64},
		stream.Field{Name: "ok", Type: stream.Bool},
		stream.Field{Name: "at", Type: stream.TimestampUTC},
	)
	var got, err = PostgresDialect.CreateTableIfNotExists("public.users", sch, "id")
	require.NoError(t, err)
	require.Equal(t, "CREATE TABLE IF NOT EXISTS public.users "+
		"(id TEXT PRIMARY KEY, n BIGINT, ok BOOLEAN, at TIMESTAMP WITH TIME ZONE)", got)

	// BigQuery does not take inline PRIMARY KEY.
	got, err = BigQueryDialect.CreateTableIfNotExists("ds.users", sch, "id")
	require.NoError(t, err)
	require.Equal(t, "CREATE TABLE IF NOT EXISTS ds.users "+
		"(id STRING, n INT64, ok BOOL, at TIMESTAMP)", got)
}

func TestStagingStatements(t *testing.T) {
	var got, err = CreateTempTableLike(PostgresDialect, "users_stage", "public.users")
	require.NoError(t, err)
	require.Equal(t, "CREATE TEMP TABLE users_stage (LIKE public.users)", got)

	got, err = CreateTempTableLike(SnowflakeDialect, "users_stage", "public.users")
	require.NoError(t, err)
	require.Equal(t, "CREATE TEMPORARY TABLE users_stage LIKE public.users", got)

	got, err = CreateTempTableLike(BigQueryDialect, "ds.users_stage", "ds.users")
	require.NoError(t, err)
	require.Equal(t, "CREATE TABLE IF NOT EXISTS ds.users_stage AS SELECT * FROM ds.users WHERE 1=0", got)
}

func TestUpsertOnConflict(t *testing.T) {
	var got, err = UpsertOnConflict("public.users", "users_stage",
		[]string{"id", "name"}, "id")
	require.NoError(t, err)
	require.Equal(t, "INSERT INTO public.users (id,name) SELECT id,name FROM users_stage "+
		"ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name", got)
}

func TestUpsertDeleteInsert(t *testing.T) {
	var del, ins, err = UpsertDeleteInsert("public.users", "users_stage",
		[]string{"id", "name"}, "id")
	require.NoError(t, err)
	require.Equal(t, "DELETE FROM public.users USING users_stage "+
		"WHERE public.users.id = users_stage.id", del)
	require.Equal(t, "INSERT INTO public.users (id,name) (SELECT id,name FROM users_stage)", ins)
}

func TestMerge(t *testing.T) {
	var got, err = Merge("public.users", "users_stage", []string{"id", "name", "n"}, "id")
	require.NoError(t, err)
	require.Equal(t, "MERGE INTO public.users AS target USING users_stage AS stage "+
		"ON target.id = stage.id "+
		"WHEN MATCHED THEN UPDATE SET target.name=stage.name,target.n=stage.n "+
		"WHEN NOT MATCHED THEN INSERT (id,name,n) VALUES (stage.id,stage.name,stage.n)", got)
}

func TestLoadStatements(t *testing.T) {
	var got, err = CopyFromS3("users_stage", "s3://bkt/staging/app/users/", "arn:aws:iam::1:role/load", "us-east-1")
	require.NoError(t, err)
	require.Equal(t, "COPY users_stage FROM 's3://bkt/staging/app/users/' "+
		"IAM_ROLE 'arn:aws:iam::1:role/load' FORMAT AS PARQUET REGION 'us-east-1'", got)

	got, err = CopyIntoFromStage("users_stage", "ferry_stage", ".*app__users.*[.]parquet")
	require.NoError(t, err)
	require.Equal(t, "COPY INTO users_stage FROM @ferry_stage FILE_FORMAT = (TYPE = PARQUET) "+
		"MATCH_BY_COLUMN_NAME = CASE_INSENSITIVE PATTERN = '.*app__users.*[.]parquet'", got)

	got, err = LoadFromGCS("ds.users_stage", "gs://bkt/staging/app/users/")
	require.NoError(t, err)
	require.Equal(t, "LOAD DATA OVERWRITE ds.users_stage FROM FILES "+
		"(format = 'PARQUET', uris = ['gs://bkt/staging/app/users/*.parquet'])", got)
}

func TestInsertStatement(t *testing.T) {
	var got, err = InsertStatement("users_stage", []string{"id", "name"})
	require.NoError(t, err)
	require.Equal(t, "INSERT INTO users_stage (id,name) VALUES ($1,$2)", got)
}

func TestDropStatements(t *testing.T) {
	var got, err = DropTable("public.users")
	require.NoError(t, err)
	require.Equal(t, "DROP TABLE IF EXISTS public.users", got)

	got, err = CreateStage("ferry_stage")
	require.NoError(t, err)
	require.Equal(t, "CREATE OR REPLACE STAGE ferry_stage FILE_FORMAT = (TYPE = PARQUET)", got)

	got, err = DropStage("ferry_stage")
	require.NoError(t, err)
	require.Equal(t, "DROP STAGE ferry_stage", got)
}

func TestParseColumnType(t *testing.T) {
	var cases = []struct {
		dataType string
		scale    int64
		want     stream.Type
	}{
		{"integer", -1, stream.Int64},
		{"BIGINT", -1, stream.Int64},
		{"numeric", 0, stream.Int64},
		{"numeric", 2, stream.Float64},
		{"NUMERIC(10,2)", -1, stream.Float64},
		{"NUMERIC(10,0)", -1, stream.Int64},
		{"double precision", -1, stream.Float64},
		{"character varying", -1, stream.String},
		{"VARCHAR(255)", -1, stream.String},
		{"jsonb", -1, stream.String},
		{"uuid", -1, stream.String},
		{"bytea", -1, stream.Binary},
		{"boolean", -1, stream.Bool},
		{"date", -1, stream.Date},
		{"time without time zone", -1, stream.Time},
		{"timestamp with time zone", -1, stream.TimestampUTC},
		{"TIMESTAMP_NTZ", -1, stream.TimestampUTC},
	}
	for _, tc := range cases {
		var got, err = ParseColumnType(tc.dataType, tc.scale)
		require.NoError(t, err, tc.dataType)
		require.Equal(t, tc.want, got, tc.dataType)
	}

	var _, err = ParseColumnType("geometry", -1)
	require.Error(t, err)
}
