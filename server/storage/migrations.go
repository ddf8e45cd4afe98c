package storage

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
		CREATE TABLE user(
			id INTEGER PRIMARY KEY,
			is_active INT NOT NULL DEFAULT 1
		);

		CREATE TABLE site(
			id INTEGER PRIMARY KEY,
			user_id INT NOT NULL,
			is_armed INT NOT NULL DEFAULT 0,
			deleted_at INT
		);

		CREATE TABLE camera(
			id INTEGER PRIMARY KEY,
			site_id INT NOT NULL,
			is_armed INT NOT NULL DEFAULT 0,
			person_threshold INT NOT NULL DEFAULT 20,
			deleted_at INT
		);

		CREATE TABLE camera_ftp(
			id INTEGER PRIMARY KEY,
			camera_id INT NOT NULL,
			username TEXT NOT NULL,
			password TEXT NOT NULL
		);
		CREATE UNIQUE INDEX idx_camera_ftp_username ON camera_ftp (username);

		CREATE TABLE event(
			id INTEGER PRIMARY KEY,
			user_id INT NOT NULL,
			site_id INT NOT NULL,
			camera_id INT NOT NULL,
			created_at INT NOT NULL,
			ended_at INT
		);
		CREATE INDEX idx_event_camera_id ON event (camera_id);
	`))

	migs = append(migs, dbh.MakeMigrationFromSQL(log, &idx,
		`
		CREATE TABLE event_footage(
			id INTEGER PRIMARY KEY,
			event_id INT NOT NULL,
			name TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			ms INT NOT NULL DEFAULT 0,
			created_at INT NOT NULL
		);
		CREATE INDEX idx_event_footage_event_id ON event_footage (event_id);

		CREATE TABLE event_analytics(
			id INTEGER PRIMARY KEY,
			event_footage_id INT NOT NULL,
			frame INT NOT NULL,
			type TEXT NOT NULL,
			probability INT NOT NULL,
			x INT NOT NULL,
			y INT NOT NULL,
			w INT NOT NULL,
			h INT NOT NULL
		);
		CREATE INDEX idx_event_analytics_footage_id ON event_analytics (event_footage_id);

		CREATE TABLE event_analytics_xml(
			id INTEGER PRIMARY KEY,
			event_footage_id INT NOT NULL,
			data TEXT NOT NULL,
			created_at INT NOT NULL
		);
	`))

	migs = append(migs, dbh.MakeMigrationFromSQL(log, &idx,
		`
		CREATE TABLE camera_detection(
			id INTEGER PRIMARY KEY,
			camera_id INT NOT NULL,
			name TEXT NOT NULL,
			count INT NOT NULL DEFAULT 0
		);
		CREATE UNIQUE INDEX idx_camera_detection_camera_name ON camera_detection (camera_id, name);
	`))

	return migs
}
