package eventdb

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
		CREATE TABLE crossing(
			id INTEGER PRIMARY KEY,
			time INT NOT NULL,
			track_id INT NOT NULL,
			from_stream INT NOT NULL,
			to_stream INT NOT NULL,
			vx REAL NOT NULL,
			vy REAL NOT NULL,
			screens_crossed INT NOT NULL
		);
		CREATE INDEX idx_crossing_time ON crossing(time);
		CREATE INDEX idx_crossing_track_id ON crossing(track_id);
	`))

	return migs
}
