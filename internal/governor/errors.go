package governor

import (
	"fmt"
	"time"

	"github.com/M0Rf30/slskdn/internal/peer"
)

// CapacityTimeoutError reports that an admission ticket could not be acquired
// within the bounded wait. It is a deferral, not a transfer-level failure.
type CapacityTimeoutError struct {
	Source peer.Identity
	Wait   time.Duration
}

func (e *CapacityTimeoutError) Error() string {
	return fmt.Sprintf("no fetch capacity for source %s within %s", e.Source, e.Wait)
}
