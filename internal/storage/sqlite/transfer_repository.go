package sqlite

import (
	"database/sql"
	"time"

	"github.com/M0Rf30/slskdn/internal/storage"
)

// TransferRepository persists per-file segment verification state so a
// process restart can resume a transfer and skip Verified segments.
type TransferRepository struct {
	db *sql.DB
}

func NewTransferRepository(dbConn *sql.DB) *TransferRepository {
	return &TransferRepository{db: dbConn}
}

func (r *TransferRepository) SaveVerifiedSegment(rec storage.SegmentRecord) error {
	verifiedAt := rec.VerifiedAt
	if verifiedAt == "" {
		verifiedAt = time.Now().Format(time.RFC3339)
	}

	_, err := r.db.Exec(
		`INSERT INTO transfer_segments (file_id, seg_index, offset, length, digest, verified_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(file_id, seg_index) DO UPDATE SET
			digest = excluded.digest,
			verified_at = excluded.verified_at`,
		rec.FileID, rec.Index, rec.Offset, rec.Length, rec.Digest, verifiedAt,
	)

	return err
}

func (r *TransferRepository) VerifiedSegments(fileID string) ([]storage.SegmentRecord, error) {
	rows, err := r.db.Query(
		`SELECT file_id, seg_index, offset, length, digest, verified_at
		 FROM transfer_segments WHERE file_id = ? ORDER BY seg_index`,
		fileID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []storage.SegmentRecord

	for rows.Next() {
		var rec storage.SegmentRecord

		if err := rows.Scan(&rec.FileID, &rec.Index, &rec.Offset, &rec.Length, &rec.Digest, &rec.VerifiedAt); err != nil {
			return nil, err
		}

		records = append(records, rec)
	}

	return records, rows.Err()
}

func (r *TransferRepository) Clear(fileID string) error {
	_, err := r.db.Exec(`DELETE FROM transfer_segments WHERE file_id = ?`, fileID)

	return err
}
