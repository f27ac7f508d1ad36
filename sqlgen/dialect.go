package sqlgen

import (
	"fmt"
	"strings"

	"github.com/ferryhq/ferry/stream"
)

// Dialect carries the per-vendor DDL type mapping. Statement shapes that
// differ between vendors live in the vendor-named builders below.
type Dialect struct {
	Name         string
	TypeMappings map[stream.Type]string
}

// Binary values are written hex-encoded into text columns, so every dialect
// maps Binary to its text type.
var (
	PostgresDialect = Dialect{
		Name: "postgresql",
		TypeMappings: map[stream.Type]string{
			stream.Int64:        "BIGINT",
			stream.Float64:      "DOUBLE PRECISION",
			stream.String:       "TEXT",
			stream.Binary:       "TEXT",
			stream.Bool:         "BOOLEAN",
			stream.Date:         "DATE",
			stream.Time:         "TIME",
			stream.TimestampUTC: "TIMESTAMP WITH TIME ZONE",
		},
	}

	RedshiftDialect = Dialect{
		Name: "redshift",
		TypeMappings: map[stream.Type]string{
			stream.Int64:        "BIGINT",
			stream.Float64:      "FLOAT8",
			stream.String:       "VARCHAR(65535)",
			stream.Binary:       "VARCHAR(65535)",
			stream.Bool:         "BOOLEAN",
			stream.Date:         "DATE",
			stream.Time:         "TIME",
			stream.TimestampUTC: "TIMESTAMPTZ",
		},
	}

	SnowflakeDialect = Dialect{
		Name: "snowflake",
		TypeMappings: map[stream.Type]string{
			stream.Int64:        "BIGINT",
			stream.Float64:      "FLOAT",
			stream.String:       "VARCHAR",
			stream.Binary:       "VARCHAR",
			stream.Bool:         "BOOLEAN",
			stream.Date:         "DATE",
			stream.Time:         "TIME",
			stream.TimestampUTC: "TIMESTAMP_TZ",
		},
	}

	BigQueryDialect = Dialect{
		Name: "bigquery",
		TypeMappings: map[stream.Type]string{
			stream.Int64:        "INT64",
			stream.Float64:      "FLOAT64",
			stream.String:       "STRING",
			stream.Binary:       "STRING",
			stream.Bool:         "BOOL",
			stream.Date:         "DATE",
			stream.Time:         "TIME",
			stream.TimestampUTC: "TIMESTAMP",
		},
	}
)

// ColumnType maps a canonical type to this dialect's DDL type.
func (d Dialect) ColumnType(t stream.Type) (string, error) {
	if ddl, ok := d.TypeMappings[t]; ok {
		return ddl, nil
	}
	return "", fmt.Errorf("dialect %s has no mapping for type %s", d.Name, t)
}

// CreateTableIfNotExists builds the target table DDL from a stream schema.
// The primary field, when present in the schema, carries a PRIMARY KEY
// constraint on dialects that accept one inline.
func (d Dialect) CreateTableIfNotExists(tableName string, sch stream.Schema, primaryField string) (string, error) {
	var table, err = SafeIdentifier(tableName)
	if err != nil {
		return "", err
	}
	var cols = make([]string, 0, sch.Len())
	for _, f := range sch.Fields() {
		var name string
		if name, err = SafeIdentifier(f.Name); err != nil {
			return "", err
		}
		var ddl string
		if ddl, err = d.ColumnType(f.Type); err != nil {
			return "", err
		}
		var col = name + " " + ddl
		if f.Name == primaryField && d.Name != "bigquery" {
			col += " PRIMARY KEY"
		}
		cols = append(cols, col)
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", table, strings.Join(cols, ", ")), nil
}

// DropTable builds an unconditional drop for FULL_REFRESH and
// drop_after_complete paths.
func DropTable(tableName string) (string, error) {
	var table, err = SafeIdentifier(tableName)
	if err != nil {
		return "", err
	}
	return "DROP TABLE IF EXISTS " + table, nil
}

// safeColumns sanitizes a column list, failing on the first bad name.
func safeColumns(cols []string) ([]string, error) {
	var out = make([]string, len(cols))
	for i, col := range cols {
		var clean, err = SafeIdentifier(col)
		if err != nil {
			return nil, err
		}
		out[i] = clean
	}
	return out, nil
}

// CreateTempTableLike builds a session-scoped staging table shaped like the
// target. Postgres and Redshift use LIKE in parentheses, Snowflake uses the
// bare LIKE clause.
func CreateTempTableLike(dialect Dialect, tempName, likeName string) (string, error) {
	var temp, err = SafeIdentifier(tempName)
	if err != nil {
		return "", err
	}
	var like string
	if like, err = SafeIdentifier(likeName); err != nil {
		return "", err
	}
	switch dialect.Name {
	case "snowflake":
		return fmt.Sprintf("CREATE TEMPORARY TABLE %s LIKE %s", temp, like), nil
	case "bigquery":
		return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s AS SELECT * FROM %s WHERE 1=0", temp, like), nil
	default:
		return fmt.Sprintf("CREATE TEMP TABLE %s (LIKE %s)", temp, like), nil
	}
}

// InsertStatement builds a parameterized insert for driver-side batching.
func InsertStatement(tableName string, cols []string) (string, error) {
	var table, err = SafeIdentifier(tableName)
	if err != nil {
		return "", err
	}
	var safe []string
	if safe, err = safeColumns(cols); err != nil {
		return "", err
	}
	var params = make([]string, len(safe))
	for i := range params {
		params[i] = fmt.Sprintf("$%d", i+1)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(safe, ","), strings.Join(params, ",")), nil
}

// UpsertOnConflict builds the PostgreSQL stage-to-target upsert.
func UpsertOnConflict(targetName, stageName string, cols []string, primaryKey string) (string, error) {
	var target, err = SafeIdentifier(targetName)
	if err != nil {
		return "", err
	}
	var stage string
	if stage, err = SafeIdentifier(stageName); err != nil {
		return "", err
	}
	var safe []string
	if safe, err = safeColumns(cols); err != nil {
		return "", err
	}
	var pk string
	if pk, err = SafeIdentifier(primaryKey); err != nil {
		return "", err
	}

	var sets = make([]string, 0, len(safe))
	for _, col := range safe {
		if col == pk {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", col, col))
	}
	var colsStr = strings.Join(safe, ",")
	return fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s ON CONFLICT (%s) DO UPDATE SET %s",
		target, colsStr, colsStr, stage, pk, strings.Join(sets, ", ")), nil
}

// UpsertDeleteInsert builds the Redshift two-statement upsert.
func UpsertDeleteInsert(targetName, stageName string, cols []string, primaryKey string) (string, string, error) {
	var target, err = SafeIdentifier(targetName)
	if err != nil {
		return "", "", err
	}
	var stage string
	if stage, err = SafeIdentifier(stageName); err != nil {
		return "", "", err
	}
	var safe []string
	if safe, err = safeColumns(cols); err != nil {
		return "", "", err
	}
	var pk string
	if pk, err = SafeIdentifier(primaryKey); err != nil {
		return "", "", err
	}

	var colsStr = strings.Join(safe, ",")
	var deleteSQL = fmt.Sprintf("DELETE FROM %s USING %s WHERE %s.%s = %s.%s",
		target, stage, target, pk, stage, pk)
	var insertSQL = fmt.Sprintf("INSERT INTO %s (%s) (SELECT %s FROM %s)",
		target, colsStr, colsStr, stage)
	return deleteSQL, insertSQL, nil
}

// Merge builds the Snowflake/BigQuery stage-to-target merge.
func Merge(targetName, stageName string, cols []string, primaryKey string) (string, error) {
	var target, err = SafeIdentifier(targetName)
	if err != nil {
		return "", err
	}
	var stage string
	if stage, err = SafeIdentifier(stageName); err != nil {
		return "", err
	}
	var safe []string
	if safe, err = safeColumns(cols); err != nil {
		return "", err
	}
	var pk string
	if pk, err = SafeIdentifier(primaryKey); err != nil {
		return "", err
	}

	var stageCols = make([]string, len(safe))
	var sets = make([]string, 0, len(safe))
	for i, col := range safe {
		stageCols[i] = "stage." + col
		if col != pk {
			sets = append(sets, fmt.Sprintf("target.%s=stage.%s", col, col))
		}
	}
	return fmt.Sprintf("MERGE INTO %s AS target USING %s AS stage ON target.%s = stage.%s "+
		"WHEN MATCHED THEN UPDATE SET %s WHEN NOT MATCHED THEN INSERT (%s) VALUES (%s)",
		target, stage, pk, pk,
		strings.Join(sets, ","), strings.Join(safe, ","), strings.Join(stageCols, ",")), nil
}

// CopyFromS3 builds the Redshift Parquet load from an S3 staging prefix.
func CopyFromS3(tableName, s3URI, iamRole, region string) (string, error) {
	var table, err = SafeIdentifier(tableName)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("COPY %s FROM '%s' IAM_ROLE '%s' FORMAT AS PARQUET REGION '%s'",
		table, escapeSingle(s3URI), escapeSingle(iamRole), escapeSingle(region)), nil
}

// CopyIntoFromStage builds the Snowflake Parquet load from a named stage.
func CopyIntoFromStage(tableName, stageName, pattern string) (string, error) {
	var table, err = SafeIdentifier(tableName)
	if err != nil {
		return "", err
	}
	var stage string
	if stage, err = SafeIdentifier(stageName); err != nil {
		return "", err
	}
	return fmt.Sprintf("COPY INTO %s FROM @%s FILE_FORMAT = (TYPE = PARQUET) "+
		"MATCH_BY_COLUMN_NAME = CASE_INSENSITIVE PATTERN = '%s'",
		table, stage, escapeSingle(pattern)), nil
}

// CreateStage and DropStage manage the Snowflake named stage used by the
// managed-stage destination.
func CreateStage(stageName string) (string, error) {
	var stage, err = SafeIdentifier(stageName)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("CREATE OR REPLACE STAGE %s FILE_FORMAT = (TYPE = PARQUET)", stage), nil
}

func DropStage(stageName string) (string, error) {
	var stage, err = SafeIdentifier(stageName)
	if err != nil {
		return "", err
	}
	return "DROP STAGE " + stage, nil
}

// LoadFromGCS builds the BigQuery Parquet load from a GCS staging prefix.
func LoadFromGCS(tableName, gcsURI string) (string, error) {
	var table, err = SafeIdentifier(tableName)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("LOAD DATA OVERWRITE %s FROM FILES (format = 'PARQUET', uris = ['%s*.parquet'])",
		table, escapeSingle(gcsURI)), nil
}

func escapeSingle(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
