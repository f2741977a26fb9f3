package writer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/marcboeker/go-duckdb/v2"
	_ "github.com/mattn/go-sqlite3"
)

// Supported SQL drivers.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
	DriverDuckDB   = "duckdb"
)

// SQLStore keeps shards as blobs in a single "shards" table.
type SQLStore struct {
	db     *sql.DB
	driver string
}

// NewSQLStore opens dsn with driver and creates the shards table.
func NewSQLStore(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	blob := "BLOB"
	switch driver {
	case DriverSQLite, DriverDuckDB:
	case DriverPostgres:
		blob = "BYTEA"
	default:
		return nil, fmt.Errorf("unsupported sql driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver != DriverPostgres {
		// single writer; also keeps an in-memory database on one connection
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	schema := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS shards (
		name TEXT PRIMARY KEY,
		data %s NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`, blob)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create shards table: %w", err)
	}
	return &SQLStore{db: db, driver: driver}, nil
}

func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) placeholders() (string, string, string) {
	if s.driver == DriverPostgres {
		return "$1", "$2", "$3"
	}
	return "?", "?", "?"
}

func (s *SQLStore) Get(ctx context.Context, name string) ([]byte, bool, error) {
	p1, _, _ := s.placeholders()
	var data []byte
	err := s.db.QueryRowContext(ctx, "SELECT data FROM shards WHERE name = "+p1, name).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read shard %s: %w", name, err)
	}
	return data, true, nil
}

func (s *SQLStore) Put(ctx context.Context, name string, data []byte) error {
	p1, p2, p3 := s.placeholders()
	query := fmt.Sprintf(`INSERT INTO shards (name, data, updated_at) VALUES (%s, %s, %s)
		ON CONFLICT (name) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`, p1, p2, p3)
	if _, err := s.db.ExecContext(ctx, query, name, data, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to write shard %s: %w", name, err)
	}
	return nil
}
