package pgstore

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rs/zerolog/log"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate brings the schema at databaseURL up to date. A dirty version left
// by an interrupted run is forced clean and retried.
func Migrate(databaseURL string) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("migrations source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, databaseURL)
	if err != nil {
		return fmt.Errorf("migrations init: %w", err)
	}
	defer func() {
		if srcErr, dbErr := m.Close(); srcErr != nil || dbErr != nil {
			log.Warn().AnErr("source", srcErr).AnErr("db", dbErr).Str("module", "pgstore").Msg("close migrator")
		}
	}()

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("migrations version: %w", err)
	}
	if dirty {
		log.Warn().Uint("version", version).Str("module", "pgstore").Msg("schema dirty, forcing version")
		if err := m.Force(int(version)); err != nil {
			return fmt.Errorf("migrations force %d: %w", version, err)
		}
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.Info().Str("module", "pgstore").Uint("version", version).Msg("schema up to date")
			return nil
		}
		return fmt.Errorf("migrations up: %w", err)
	}
	version, _, _ = m.Version()
	log.Info().Str("module", "pgstore").Uint("version", version).Msg("schema migrated")
	return nil
}
