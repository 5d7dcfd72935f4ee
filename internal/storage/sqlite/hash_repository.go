package sqlite

import (
	"database/sql"
	"time"

	"github.com/M0Rf30/slskdn/internal/storage"
)

// HashRepository is the SQLite-backed content digest store.
type HashRepository struct {
	db *sql.DB
}

func NewHashRepository(dbConn *sql.DB) *HashRepository {
	return &HashRepository{db: dbConn}
}

// Lookup returns the known digest for the range, or storage.ErrNotFound.
func (r *HashRepository) Lookup(fileID string, offset, length int64) (string, error) {
	var digest string

	err := r.db.QueryRow(
		`SELECT digest FROM segment_digests WHERE file_id = ? AND offset = ? AND length = ?`,
		fileID, offset, length,
	).Scan(&digest)

	if err == sql.ErrNoRows {
		return "", storage.ErrNotFound
	}

	if err != nil {
		return "", err
	}

	return digest, nil
}

// Record stores a digest for the range. First write wins: a second call with
// the same digest is a no-op, a second call with a different digest returns
// storage.ErrDigestMismatch and leaves the original untouched.
func (r *HashRepository) Record(fileID string, offset, length int64, digest string) error {
	_, err := r.db.Exec(
		`INSERT INTO segment_digests (file_id, offset, length, digest, recorded_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(file_id, offset, length) DO NOTHING`,
		fileID, offset, length, digest, time.Now().Format(time.RFC3339),
	)
	if err != nil {
		return err
	}

	existing, err := r.Lookup(fileID, offset, length)
	if err != nil {
		return err
	}

	if existing != digest {
		return storage.ErrDigestMismatch
	}

	return nil
}
