package commands

import (
	"database/sql"

	"github.com/halcyonlabs/mender/config"
	"github.com/halcyonlabs/mender/db"
	"github.com/halcyonlabs/mender/errors"
	"github.com/halcyonlabs/mender/logger"
)

// openDatabase opens and migrates a database using the specified path.
// If dbPath is empty, it falls back to the configured path.
func openDatabase(dbPath string) (*sql.DB, error) {
	if dbPath == "" {
		cfg, err := config.Load()
		if err != nil {
			return nil, errors.Wrap(err, "failed to load configuration")
		}
		dbPath = cfg.Database.Path
		if dbPath == "" {
			dbPath = "mender.db"
		}
	}

	database, err := db.Open(dbPath, logger.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", dbPath)
	}

	if err := db.Migrate(database, logger.Logger); err != nil {
		database.Close()
		return nil, errors.Wrapf(err, "failed to run migrations on %s", dbPath)
	}

	return database, nil
}
