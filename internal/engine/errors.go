package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/M0Rf30/slskdn/internal/peer"
)

// ErrTransferNotFound is returned for status or cancel calls against an
// unknown transfer ID.
var ErrTransferNotFound = errors.New("transfer not found")

// VerificationMismatchError reports that downloaded bytes hashed to a digest
// that disagrees with the digest already known for that range. The serving
// source is treated as untrustworthy; the first recorded digest is retained.
type VerificationMismatchError struct {
	FileID string
	Offset int64
	Length int64
	Want   string
	Got    string
	Source peer.Identity
}

func (e *VerificationMismatchError) Error() string {
	return fmt.Sprintf("digest mismatch for %s [%d,%d) from %s: want %s, got %s",
		e.FileID, e.Offset, e.Offset+e.Length, e.Source, e.Want, e.Got)
}

// StalledError reports that a transfer made no progress within the stall
// window with no eligible sources remaining. Recoverable via backfill.
type StalledError struct {
	TransferID string
	Window     time.Duration
}

func (e *StalledError) Error() string {
	return fmt.Sprintf("transfer %s stalled: no progress within %s and no eligible sources", e.TransferID, e.Window)
}

// CorruptAssemblyError reports a gap or overlap found at reassembly time.
// The partition invariant makes this structurally impossible, so it signals
// a bug, not a network condition.
type CorruptAssemblyError struct {
	TransferID string
	Detail     string
}

func (e *CorruptAssemblyError) Error() string {
	return fmt.Sprintf("corrupt assembly for transfer %s: %s", e.TransferID, e.Detail)
}
