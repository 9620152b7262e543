package directory

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// MigrationsFS holds the directory schema, embedded at compile time.
//
//go:embed migrations/*.sql
var MigrationsFS embed.FS

// Migrate applies every pending migration to the database at databaseURL
// (a postgres:// URL).
func Migrate(databaseURL string) error {
	sub, err := fs.Sub(MigrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("directory: migrations: %w", err)
	}
	source, err := iofs.New(sub, ".")
	if err != nil {
		return fmt.Errorf("directory: migration source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, databaseURL)
	if err != nil {
		return fmt.Errorf("directory: migrate init: %w", err)
	}
	defer m.Close()
	m.Log = migrateLogger{}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("directory: migrate up: %w", err)
	}
	version, dirty, _ := m.Version()
	log.Printf("[directory] schema at version %d (dirty=%v)", version, dirty)
	return nil
}

type migrateLogger struct{}

func (migrateLogger) Printf(format string, v ...interface{}) {
	log.Printf("[migrate] "+format, v...)
}

func (migrateLogger) Verbose() bool {
	return false
}
