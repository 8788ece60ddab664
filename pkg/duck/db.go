package duck

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"

	_ "github.com/duckdb/duckdb-go/v2"
)

type DB interface {
	Catalog() string
	Schema() string
	Close() error
	Conn(ctx context.Context) (Connection, error)
}

type Connection interface {
	DB() DB
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
	Close() error
}

type Database struct {
	log     *slog.Logger
	db      *sql.DB
	catalog string
	schema  string
}

type duckDBConn struct {
	conn    *sql.Conn
	db      *Database
	writeMu sync.Mutex // serializes write statements on a shared connection
}

// NewDB opens an embedded DuckDB database. An empty dbPath opens an
// in-memory database, which is what the pipeline uses as its working
// store: every table it holds is rebuilt from scratch on each run.
func NewDB(ctx context.Context, log *slog.Logger, dbPath string) (*Database, error) {
	db, err := sql.Open("duckdb", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	row := db.QueryRowContext(ctx, "SELECT current_database() AS catalog, current_schema() AS schema")
	var catalog, schema string
	if err := row.Scan(&catalog, &schema); err != nil {
		return nil, fmt.Errorf("failed to get current database and schema: %w", err)
	}

	return &Database{
		log:     log,
		db:      db,
		catalog: catalog,
		schema:  schema,
	}, nil
}

func (d *Database) Catalog() string {
	return d.catalog
}

func (d *Database) Schema() string {
	return d.schema
}

func (d *Database) Close() error {
	return d.db.Close()
}

func (d *Database) Conn(ctx context.Context) (Connection, error) {
	conn, err := d.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open connection: %w", err)
	}

	if _, err := conn.ExecContext(ctx, "USE "+d.catalog); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to use database: %w", err)
	}
	if _, err := conn.ExecContext(ctx, "SET schema = "+d.schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to set schema: %w", err)
	}

	return &duckDBConn{
		conn: conn,
		db:   d,
	}, nil
}

func (c *duckDBConn) DB() DB {
	return c.db
}

func (c *duckDBConn) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	return c.conn.ExecContext(ctx, query, args...)
}

func (c *duckDBConn) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.conn.QueryContext(ctx, query, args...)
}

func (c *duckDBConn) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return c.conn.QueryRowContext(ctx, query, args...)
}

func (c *duckDBConn) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	return c.conn.BeginTx(ctx, opts)
}

func (c *duckDBConn) Close() error {
	return c.conn.Close()
}
