package main

import (
	"fmt"

	"github.com/uptrace/bun"

	"ms-inventory/internal/database/migrations"
	"ms-inventory/internal/logger"
)

// runMigrations applies or rolls back the schema, driven by the
// -migrate flag.
func runMigrations(bunDB *bun.DB, log *logger.Logger, direction string) error {
	runner := migrations.NewRunner(bunDB, migrations.DefaultOptions())
	defer func() {
		if err := runner.Close(); err != nil {
			log.Error("DATABASE", fmt.Sprintf("Closing migrator: %v", err))
		}
	}()

	switch direction {
	case "up":
		log.Info("DATABASE", "Running migrations")
		return runner.RunMigrations()
	case "down":
		log.Info("DATABASE", "Rolling back migrations")
		return runner.MigrateDown()
	default:
		return fmt.Errorf("unknown migration direction %q (want up or down)", direction)
	}
}
