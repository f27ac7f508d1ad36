package cache

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ferryhq/ferry/stream"
)

// SQLite is a Store backed by one embedded database per run. SQLite's
// storage classes are lossy for our canonical types (no BOOLEAN, DATE or
// timestamp affinity), so values are encoded on write and re-typed from the
// declared stream schema on read rather than trusted as they come back.
type SQLite struct {
	mu        sync.Mutex
	db        *sql.DB
	path      string
	chunkSize int
	tables    map[streamKey]string
	sizes     map[streamKey]int
}

func NewSQLite(ns stream.Namespace, cfg Config) (*SQLite, error) {
	var path = cfg.Path
	if path == "" {
		var dir = cfg.Dir
		if dir == "" {
			dir = "./cache"
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating cache directory: %w", err)
		}
		path = filepath.Join(dir, ns.Name+".db")
	}

	var db, err = sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening cache database: %w", err)
	}
	// The cache is disposable scratch space; crash durability buys nothing.
	for _, pragma := range []string{
		"PRAGMA synchronous = OFF",
		"PRAGMA journal_mode = MEMORY",
	} {
		if _, err = db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("configuring cache database: %w", err)
		}
	}
	return &SQLite{
		db:        db,
		path:      path,
		chunkSize: cfg.chunkSize(),
		tables:    make(map[streamKey]string),
		sizes:     make(map[streamKey]int),
	}, nil
}

// Path returns the database file location.
func (c *SQLite) Path() string { return c.path }

func (c *SQLite) table(s *stream.Stream) (string, error) {
	var k = keyOf(s)
	if name, ok := c.tables[k]; ok {
		return name, nil
	}
	var name = fmt.Sprintf("%s__%s", s.SchemaName, s.Name)

	var cols = make([]string, 0, s.Schema().Len())
	for _, f := range s.Schema().Fields() {
		cols = append(cols, fmt.Sprintf("%q %s", f.Name, sqliteType(f.Type)))
	}
	var ddl = fmt.Sprintf("CREATE TABLE IF NOT EXISTS %q (%s)", name, strings.Join(cols, ", "))
	if _, err := c.db.Exec(ddl); err != nil {
		return "", fmt.Errorf("creating cache table %s: %w", name, err)
	}
	c.tables[k] = name
	return name, nil
}

func sqliteType(t stream.Type) string {
	switch t {
	case stream.Int64, stream.Bool, stream.Time:
		return "INTEGER"
	case stream.Float64:
		return "REAL"
	case stream.Binary:
		return "BLOB"
	default:
		return "TEXT"
	}
}

// encodeValue maps a canonical value to its SQLite storage form: timestamps
// as RFC3339Nano text, dates as YYYY-MM-DD text, times as integer
// microseconds, booleans as 0/1.
func encodeValue(t stream.Type, v any) any {
	if v == nil {
		return nil
	}
	switch t {
	case stream.Bool:
		if v.(bool) {
			return int64(1)
		}
		return int64(0)
	case stream.Date:
		return v.(time.Time).Format("2006-01-02")
	case stream.Time:
		return int64(v.(time.Duration) / time.Microsecond)
	case stream.TimestampUTC:
		return v.(time.Time).UTC().Format(time.RFC3339Nano)
	default:
		return v
	}
}

// decodeValue re-types a stored value against the declared field type.
// database/sql hands back int64/float64/string/[]byte only.
func decodeValue(t stream.Type, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch t {
	case stream.Bool:
		return v.(int64) != 0, nil
	case stream.Date:
		var d, err = time.ParseInLocation("2006-01-02", asString(v), time.UTC)
		if err != nil {
			return nil, fmt.Errorf("decoding date: %w", err)
		}
		return d, nil
	case stream.Time:
		return time.Duration(v.(int64)) * time.Microsecond, nil
	case stream.TimestampUTC:
		var ts, err = time.Parse(time.RFC3339Nano, asString(v))
		if err != nil {
			return nil, fmt.Errorf("decoding timestamp: %w", err)
		}
		return ts.UTC(), nil
	case stream.String:
		return asString(v), nil
	case stream.Binary:
		return v.([]byte), nil
	default:
		return v, nil
	}
}

func asString(v any) string {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v.(string)
}

func (c *SQLite) Write(s *stream.Stream, records []stream.Record) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db == nil {
		return 0, fmt.Errorf("cache is closed")
	}
	if len(records) == 0 {
		return 0, nil
	}

	var table, err = c.table(s)
	if err != nil {
		return 0, err
	}
	var fields = s.Schema().Fields()
	var placeholders = strings.TrimRight(strings.Repeat("?,", len(fields)), ",")
	var insert = fmt.Sprintf("INSERT INTO %q VALUES (%s)", table, placeholders)

	var tx *sql.Tx
	if tx, err = c.db.Begin(); err != nil {
		return 0, fmt.Errorf("beginning cache write: %w", err)
	}
	defer tx.Rollback()

	var stmt *sql.Stmt
	if stmt, err = tx.Prepare(insert); err != nil {
		return 0, fmt.Errorf("preparing cache insert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		if len(rec) != len(fields) {
			return 0, fmt.Errorf("stream %s: record has %d values, schema has %d fields",
				s.QualifiedName(), len(rec), len(fields))
		}
		var args = make([]any, len(fields))
		for i, f := range fields {
			args[i] = encodeValue(f.Type, rec[i])
		}
		if _, err = stmt.Exec(args...); err != nil {
			return 0, fmt.Errorf("inserting into cache table %s: %w", table, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing cache write: %w", err)
	}
	c.sizes[keyOf(s)] += len(records)
	return len(records), nil
}

func (c *SQLite) Read(s *stream.Stream) (stream.Cursor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db == nil {
		return nil, fmt.Errorf("cache is closed")
	}
	var table, ok = c.tables[keyOf(s)]
	if !ok {
		return &sliceCursor{pos: -1}, nil
	}

	var rows, err = c.db.Query(fmt.Sprintf("SELECT * FROM %q ORDER BY rowid", table))
	if err != nil {
		return nil, fmt.Errorf("reading cache table %s: %w", table, err)
	}
	return &sqliteCursor{schema: s.Schema(), rows: rows}, nil
}

func (c *SQLite) Size(s *stream.Stream) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sizes[keyOf(s)]
}

func (c *SQLite) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db == nil {
		return nil
	}
	var err = c.db.Close()
	c.db = nil
	return err
}

// Unlink closes the cache and removes its database file.
func (c *SQLite) Unlink() error {
	if err := c.Close(); err != nil {
		return err
	}
	if err := os.Remove(c.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

type sqliteCursor struct {
	schema stream.Schema
	rows   *sql.Rows
	cur    stream.Record
	err    error
}

func (c *sqliteCursor) Next() bool {
	if c.err != nil || !c.rows.Next() {
		return false
	}
	var fields = c.schema.Fields()
	var raw = make([]any, len(fields))
	var ptrs = make([]any, len(fields))
	for i := range raw {
		ptrs[i] = &raw[i]
	}
	if c.err = c.rows.Scan(ptrs...); c.err != nil {
		return false
	}

	var rec = make(stream.Record, len(fields))
	for i, f := range fields {
		if rec[i], c.err = decodeValue(f.Type, raw[i]); c.err != nil {
			c.err = fmt.Errorf("field %q: %w", f.Name, c.err)
			return false
		}
	}
	c.cur = rec
	return true
}

func (c *sqliteCursor) Record() stream.Record { return c.cur }

func (c *sqliteCursor) Err() error {
	if c.err != nil {
		return c.err
	}
	return c.rows.Err()
}

func (c *sqliteCursor) Close() error { return c.rows.Close() }
