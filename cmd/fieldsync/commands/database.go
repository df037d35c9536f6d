package commands

import (
	"database/sql"

	"github.com/spf13/cobra"

	"github.com/fieldsync/fieldsync/config"
	"github.com/fieldsync/fieldsync/db"
	"github.com/fieldsync/fieldsync/errors"
	"github.com/fieldsync/fieldsync/logger"
)

// loadConfig loads configuration, honoring the global --config flag
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// openDatabase opens and migrates the fieldsync database
func openDatabase(cfg *config.Config) (*sql.DB, error) {
	database, err := db.Open(cfg.Database.Path, logger.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", cfg.Database.Path)
	}

	if err := db.Migrate(database, logger.Logger); err != nil {
		database.Close()
		return nil, errors.Wrapf(err, "failed to run migrations on %s", cfg.Database.Path)
	}

	return database, nil
}
