// Package database runs the PostgreSQL schema migrations for the
// persistence mirror (C8) at process startup. Grounded on the teacher's
// cmd/wsserver/main.go call site (database.RunMigrations(databaseURL,
// migrationsPath)); the teacher's internal/database package itself was not
// present in the retrieved pack, so this file is written directly against
// golang-migrate/migrate/v4's own documented file-source + postgres-driver
// API, which the teacher's go.mod already depends on.
package database

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// RunMigrations applies every pending up migration under migrationsPath to
// the database at databaseURL. migrationsPath must be an absolute or
// working-directory-relative filesystem path to a directory of
// golang-migrate-formatted .sql files. A database already at the latest
// migration is a no-op, not an error.
func RunMigrations(databaseURL, migrationsPath string) error {
	m, err := migrate.New("file://"+migrationsPath, databaseURL)
	if err != nil {
		return fmt.Errorf("database: init migrator: %w", err)
	}
	defer func() {
		srcErr, dbErr := m.Close()
		if srcErr != nil {
			fmt.Printf("database: close migration source: %v\n", srcErr)
		}
		if dbErr != nil {
			fmt.Printf("database: close migration db: %v\n", dbErr)
		}
	}()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("database: apply migrations: %w", err)
	}
	return nil
}
