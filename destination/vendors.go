package destination

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"

	_ "github.com/jackc/pgx/v4/stdlib" // pgx database/sql driver
	sf "github.com/snowflakedb/gosnowflake"

	"github.com/ferryhq/ferry/connect"
	"github.com/ferryhq/ferry/sqlgen"
	"github.com/ferryhq/ferry/stream"
)

func init() {
	Register(connect.PostgreSQL, func(cfg Config) (Destination, error) {
		var d = postgresDialect{vendorType: connect.PostgreSQL, gen: sqlgen.PostgresDialect}
		return NewMulti(cfg.Connect.TargetSchema,
			newSQLDest(cfg, d, &insertLoader{chunkSize: cfg.chunkSize()}),
		), nil
	})

	// Redshift loads Parquet from S3, so the warehouse connector is composed
	// with an S3 staging child that uploads first.
	Register(connect.Redshift, func(cfg Config) (Destination, error) {
		var staging, err = newS3(cfg)
		if err != nil {
			return nil, err
		}
		var d = postgresDialect{vendorType: connect.Redshift, gen: sqlgen.RedshiftDialect}
		return NewMulti(cfg.Connect.TargetSchema,
			staging,
			newSQLDest(cfg, d, &s3CopyLoader{info: cfg.Connect}),
		), nil
	})

	// Snowflake loads Parquet from a named stage populated with PUT.
	Register(connect.Snowflake, func(cfg Config) (Destination, error) {
		var d = snowflakeDialect{}
		var staging, err = newSnowflakeStage(cfg, d)
		if err != nil {
			return nil, err
		}
		var warehouse = newSQLDest(cfg, d, &stageCopyLoader{info: cfg.Connect})
		if cfg.Connect.DeleteStage {
			warehouse.after = func(ctx context.Context, db *sql.DB, _ *stream.Dataset) error {
				var drop, err = sqlgen.DropStage(cfg.Connect.StageName)
				if err != nil {
					return err
				}
				if _, err = db.ExecContext(ctx, drop); err != nil {
					return fmt.Errorf("dropping stage %s: %w", cfg.Connect.StageName, err)
				}
				return nil
			}
		}
		return NewMulti(cfg.Connect.TargetSchema,
			staging,
			warehouse,
		), nil
	})

	// BigQuery loads Parquet from GCS.
	Register(connect.BigQuery, func(cfg Config) (Destination, error) {
		var staging, err = newGCS(cfg)
		if err != nil {
			return nil, err
		}
		var warehouse Destination
		if warehouse, err = newBigQueryDest(cfg); err != nil {
			return nil, err
		}
		return NewMulti(cfg.Connect.TargetSchema, staging, warehouse), nil
	})

	Register(connect.S3, func(cfg Config) (Destination, error) {
		var d, err = newS3(cfg)
		if err != nil {
			return nil, err
		}
		return NewMulti(cfg.Connect.TargetSchema, d), nil
	})

	Register(connect.GCS, func(cfg Config) (Destination, error) {
		var d, err = newGCS(cfg)
		if err != nil {
			return nil, err
		}
		return NewMulti(cfg.Connect.TargetSchema, d), nil
	})

	Register(connect.Console, func(cfg Config) (Destination, error) {
		var d, err = newConsole(cfg)
		if err != nil {
			return nil, err
		}
		return NewMulti(cfg.Connect.TargetSchema, d), nil
	})
}

// postgresDialect serves both PostgreSQL and Redshift over the pgx driver.
type postgresDialect struct {
	vendorType connect.Vendor
	gen        sqlgen.Dialect
}

func (d postgresDialect) vendor() connect.Vendor    { return d.vendorType }
func (d postgresDialect) driverName() string        { return "pgx" }
func (d postgresDialect) generator() sqlgen.Dialect { return d.gen }

func (d postgresDialect) dsn(info connect.Info) (string, error) {
	var u = url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(info.User, info.Password),
		Host:   fmt.Sprintf("%s:%d", info.Host, info.Port),
		Path:   "/" + info.Database,
	}
	return u.String(), nil
}

type snowflakeDialect struct{}

func (snowflakeDialect) vendor() connect.Vendor    { return connect.Snowflake }
func (snowflakeDialect) driverName() string        { return "snowflake" }
func (snowflakeDialect) generator() sqlgen.Dialect { return sqlgen.SnowflakeDialect }

func (snowflakeDialect) dsn(info connect.Info) (string, error) {
	var cfg = sf.Config{
		Account:       info.Account,
		User:          info.User,
		Authenticator: sf.AuthTypeOAuth,
		Token:         info.AccessToken,
		Database:      info.Database,
		Warehouse:     info.Warehouse,
	}
	if info.TargetSchema != "" {
		cfg.Schema = info.TargetSchema
	}
	var dsn, err = sf.DSN(&cfg)
	if err != nil {
		return "", fmt.Errorf("building snowflake dsn: %w", err)
	}
	return dsn, nil
}
