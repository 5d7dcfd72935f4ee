package sqlite

import (
	"database/sql"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

// InitDB opens the SQLite database and creates the engine's tables if they
// don't exist.
func InitDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS segment_digests (
		id INTEGER PRIMARY KEY,
		file_id TEXT NOT NULL,
		offset INTEGER NOT NULL,
		length INTEGER NOT NULL,
		digest TEXT NOT NULL,
		recorded_at DATETIME,
		UNIQUE(file_id, offset, length)
	)`)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS transfer_segments (
		id INTEGER PRIMARY KEY,
		file_id TEXT NOT NULL,
		seg_index INTEGER NOT NULL,
		offset INTEGER NOT NULL,
		length INTEGER NOT NULL,
		digest TEXT NOT NULL,
		verified_at DATETIME,
		UNIQUE(file_id, seg_index)
	)`)
	if err != nil {
		return nil, err
	}

	return db, nil
}
