package database

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations
var migrations embed.FS

// Migrate applies every pending schema migration for the client's driver and
// returns the resulting schema version. The migrator runs on its own
// connection pool because closing it closes the underlying *sql.DB.
func (c *Client) Migrate() (uint, error) {
	db, err := sql.Open(string(c.driver), c.dsn)
	if err != nil {
		return 0, fmt.Errorf("opening migration connection: %w", err)
	}

	var target database.Driver
	switch c.driver {
	case DriverPostgres:
		target, err = postgres.WithInstance(db, &postgres.Config{})
	default:
		target, err = sqlite.WithInstance(db, &sqlite.Config{})
	}
	if err != nil {
		db.Close()
		return 0, fmt.Errorf("preparing %s migration driver: %w", c.driver, err)
	}

	src, err := iofs.New(migrations, "migrations/"+string(c.driver))
	if err != nil {
		target.Close()
		return 0, fmt.Errorf("loading embedded migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, string(c.driver), target)
	if err != nil {
		src.Close()
		target.Close()
		return 0, fmt.Errorf("creating migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return 0, fmt.Errorf("applying migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil {
		return 0, fmt.Errorf("reading schema version: %w", err)
	}
	if dirty {
		return version, fmt.Errorf("schema version %d is dirty", version)
	}
	c.logger.Info("schema up to date", "version", version)
	return version, nil
}
