// Package database opens the relational store behind govscout. Two drivers
// are supported: PostgreSQL through lib/pq and SQLite through modernc.org/sqlite.
// Queries are written with '?' placeholders and rebound per driver.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/Adithya-Monish-Kumar-K/govscout/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/govscout/pkg/resilience"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Driver names a supported database/sql driver.
type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

// readPoolSize bounds the SQLite reader pool. WAL lets readers proceed
// while the single writer holds a transaction.
const readPoolSize = 4

// Client holds the write pool and the read pool. On PostgreSQL both are the
// same *sql.DB; on SQLite reads go through a separate query_only pool.
type Client struct {
	DB     *sql.DB
	read   *sql.DB
	driver Driver
	dsn    string
	logger *slog.Logger
}

// Open connects to the configured store, pings it (with retry) and returns
// a ready Client. Migrations are applied separately through Migrate.
func Open(ctx context.Context, cfg config.StoreConfig) (*Client, error) {
	var (
		driver Driver
		dsn    string
	)
	switch cfg.Driver {
	case string(DriverPostgres):
		driver, dsn = DriverPostgres, cfg.Postgres.DSN()
	case string(DriverSQLite), "":
		if dir := filepath.Dir(cfg.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("creating database directory: %w", err)
			}
		}
		driver, dsn = DriverSQLite, sqliteDSN(cfg.Path)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}

	db, err := connect(ctx, driver, dsn, func(db *sql.DB) {
		if driver == DriverSQLite {
			// SQLite has one writer; a single write connection avoids
			// SQLITE_BUSY between pooled writers.
			db.SetMaxOpenConns(1)
			return
		}
		db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
		db.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.Postgres.ConnMaxLifetime)
	})
	if err != nil {
		return nil, err
	}

	read := db
	if driver == DriverSQLite {
		read, err = connect(ctx, driver, dsn+"&_pragma=query_only(1)", func(db *sql.DB) {
			db.SetMaxOpenConns(readPoolSize)
			db.SetMaxIdleConns(readPoolSize)
		})
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("opening read pool: %w", err)
		}
	}

	return &Client{
		DB:     db,
		read:   read,
		driver: driver,
		dsn:    dsn,
		logger: slog.Default().With("component", "database", "driver", string(driver)),
	}, nil
}

func connect(ctx context.Context, driver Driver, dsn string, tune func(*sql.DB)) (*sql.DB, error) {
	db, err := sql.Open(string(driver), dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s connection: %w", driver, err)
	}
	tune(db)

	err = resilience.Retry(ctx, "database-ping", resilience.RetryConfig{MaxAttempts: 5, InitialDelay: 200 * time.Millisecond}, func() error {
		return resilience.WithTimeout(ctx, 5*time.Second, "database-ping", db.PingContext)
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging %s: %w", driver, err)
	}
	return db, nil
}

func sqliteDSN(path string) string {
	return path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(10000)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)"
}

func (c *Client) Driver() Driver {
	return c.driver
}

func (c *Client) Close() error {
	if c.read != c.DB {
		if err := c.read.Close(); err != nil {
			c.DB.Close()
			return err
		}
	}
	return c.DB.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.DB.PingContext(ctx)
}

// Rebind rewrites '?' placeholders into the driver's native form.
func (c *Client) Rebind(query string) string {
	return Rebind(c.driver, query)
}

// Rebind rewrites '?' placeholders to $1..$n for PostgreSQL. Question marks
// inside single-quoted literals are left alone.
func Rebind(driver Driver, query string) string {
	if driver != DriverPostgres {
		return query
	}
	var (
		b       strings.Builder
		n       int
		inQuote bool
	)
	b.Grow(len(query) + 8)
	for i := 0; i < len(query); i++ {
		ch := query[i]
		switch {
		case ch == '\'':
			inQuote = !inQuote
			b.WriteByte(ch)
		case ch == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(ch)
		}
	}
	return b.String()
}

func (c *Client) InTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rolling back transaction after error %v: %w", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	return nil
}

// ReadTx runs fn in a read-only transaction on the read pool, so every
// statement in fn sees the same snapshot. PostgreSQL gets REPEATABLE READ;
// a SQLite read transaction in WAL mode is a snapshot from its first read.
func (c *Client) ReadTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	opts := &sql.TxOptions{ReadOnly: true}
	if c.driver == DriverPostgres {
		opts.Isolation = sql.LevelRepeatableRead
	}
	tx, err := c.read.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("beginning read transaction: %w", err)
	}
	defer tx.Rollback()
	return fn(tx)
}
