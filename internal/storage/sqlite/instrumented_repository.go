package sqlite

import (
	"context"
	"database/sql"

	"github.com/M0Rf30/slskdn/internal/storage"
	"github.com/M0Rf30/slskdn/internal/telemetry"
)

// InstrumentedHashRepository wraps HashRepository with telemetry.
type InstrumentedHashRepository struct {
	repo      *HashRepository
	telemetry *telemetry.Telemetry
}

func NewInstrumentedHashRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedHashRepository {
	return &InstrumentedHashRepository{
		repo:      NewHashRepository(dbConn),
		telemetry: tel,
	}
}

func (r *InstrumentedHashRepository) Lookup(fileID string, offset, length int64) (string, error) {
	var result string

	var err error

	instrumentedErr := r.telemetry.InstrumentDBOperation(context.Background(), "hash_lookup", func(ctx context.Context) error {
		result, err = r.repo.Lookup(fileID, offset, length)

		return err
	})

	if instrumentedErr != nil {
		return "", instrumentedErr
	}

	return result, nil
}

func (r *InstrumentedHashRepository) Record(fileID string, offset, length int64, digest string) error {
	return r.telemetry.InstrumentDBOperation(context.Background(), "hash_record", func(ctx context.Context) error {
		return r.repo.Record(fileID, offset, length, digest)
	})
}

// InstrumentedTransferRepository wraps TransferRepository with telemetry.
type InstrumentedTransferRepository struct {
	repo      *TransferRepository
	telemetry *telemetry.Telemetry
}

func NewInstrumentedTransferRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedTransferRepository {
	return &InstrumentedTransferRepository{
		repo:      NewTransferRepository(dbConn),
		telemetry: tel,
	}
}

func (r *InstrumentedTransferRepository) SaveVerifiedSegment(rec storage.SegmentRecord) error {
	return r.telemetry.InstrumentDBOperation(context.Background(), "save_verified_segment", func(ctx context.Context) error {
		return r.repo.SaveVerifiedSegment(rec)
	})
}

func (r *InstrumentedTransferRepository) VerifiedSegments(fileID string) ([]storage.SegmentRecord, error) {
	var result []storage.SegmentRecord

	var err error

	instrumentedErr := r.telemetry.InstrumentDBOperation(context.Background(), "verified_segments", func(ctx context.Context) error {
		result, err = r.repo.VerifiedSegments(fileID)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}

func (r *InstrumentedTransferRepository) Clear(fileID string) error {
	return r.telemetry.InstrumentDBOperation(context.Background(), "clear_transfer", func(ctx context.Context) error {
		return r.repo.Clear(fileID)
	})
}
