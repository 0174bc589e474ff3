package configdb

import (
	"github.com/BurntSushi/migration"
	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
)

func Migrations(log logs.Log) []migration.Migrator {
	migs := []migration.Migrator{}
	idx := 0

	migs = append(migs, dbh.MakeMigrationFromSQL(log, &idx,
		`
		CREATE TABLE stream(
			id INTEGER PRIMARY KEY,
			source TEXT NOT NULL,
			name TEXT NOT NULL,
			grid_row INT NOT NULL,
			grid_col INT NOT NULL,
			active INT NOT NULL
		);

		CREATE TABLE variable(
			key TEXT PRIMARY KEY,
			value TEXT
		);
	`))

	migs = append(migs, dbh.MakeMigrationFromSQL(log, &idx,
		`
		ALTER TABLE stream ADD COLUMN added_at INT;
		CREATE UNIQUE INDEX idx_stream_cell ON stream(grid_row, grid_col) WHERE active = 1;
	`))

	return migs
}
