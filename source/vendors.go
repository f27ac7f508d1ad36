package source

import (
	"fmt"
	"net/url"

	_ "github.com/jackc/pgx/v4/stdlib" // pgx database/sql driver
	sf "github.com/snowflakedb/gosnowflake"

	"github.com/ferryhq/ferry/connect"
)

func init() {
	Register(connect.PostgreSQL, func(cfg Config, newCache CacheFactory) (Source, error) {
		return newSQL(cfg, postgresDialect{vendorType: connect.PostgreSQL}, newCache)
	})
	Register(connect.Redshift, func(cfg Config, newCache CacheFactory) (Source, error) {
		return newSQL(cfg, postgresDialect{vendorType: connect.Redshift}, newCache)
	})
	Register(connect.Snowflake, func(cfg Config, newCache CacheFactory) (Source, error) {
		return newSQL(cfg, snowflakeDialect{}, newCache)
	})
	Register(connect.BigQuery, newBigQuery)
	Register(connect.Memory, newMemory)
}

// postgresDialect serves both PostgreSQL and Redshift over the pgx driver;
// Redshift speaks the postgres wire protocol.
type postgresDialect struct {
	vendorType connect.Vendor
}

func (d postgresDialect) vendor() connect.Vendor { return d.vendorType }
func (d postgresDialect) driverName() string     { return "pgx" }

func (d postgresDialect) dsn(info connect.Info) (string, error) {
	var u = url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(info.User, info.Password),
		Host:   fmt.Sprintf("%s:%d", info.Host, info.Port),
		Path:   "/" + info.Database,
	}
	return u.String(), nil
}

func (d postgresDialect) namespace(info connect.Info) string { return info.Database }

type snowflakeDialect struct{}

func (snowflakeDialect) vendor() connect.Vendor { return connect.Snowflake }
func (snowflakeDialect) driverName() string     { return "snowflake" }

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

func (snowflakeDialect) namespace(info connect.Info) string { return info.Database }
