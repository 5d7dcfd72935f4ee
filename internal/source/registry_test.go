package source

import (
	"errors"
	"testing"
	"time"

	"github.com/M0Rf30/slskdn/internal/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRegistry(t *testing.T) (*Registry, *time.Time) {
	t.Helper()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	r := NewRegistry(Limits{
		SuspectAfterFailures: 3,
		SuspectCooldown:      time.Minute,
		EvictAfterFailures:   10,
	})
	r.now = func() time.Time { return now }

	return r, &now
}

func TestRegister_IdempotentMerge(t *testing.T) {
	r, _ := testRegistry(t)

	r.Register("t1", peer.Announcement{Peer: "alice", Ranges: []peer.Range{{Offset: 0, Length: 1024}}})
	r.Update("t1", "alice", Outcome{Bytes: 1024, Duration: time.Second})

	// Same peer again with a new range: metrics merged, not reset.
	r.Register("t1", peer.Announcement{Peer: "alice", Ranges: []peer.Range{{Offset: 1024, Length: 1024}}})

	snapshots := r.List("t1")
	require.Len(t, snapshots, 1)
	assert.Equal(t, 1, snapshots[0].Successes)
	assert.Len(t, snapshots[0].Ranges, 2)
}

func TestRegister_WholeFileAbsorbsRanges(t *testing.T) {
	r, _ := testRegistry(t)

	r.Register("t1", peer.Announcement{Peer: "alice", Ranges: []peer.Range{{Offset: 0, Length: 1024}}})
	r.Register("t1", peer.Announcement{Peer: "alice"})

	snapshots := r.List("t1")
	require.Len(t, snapshots, 1)
	assert.Empty(t, snapshots[0].Ranges, "whole-file announcement should absorb partial ranges")
	assert.True(t, snapshots[0].CoversRange(1<<20, 1<<20))
}

func TestUpdate_SuspectAfterConsecutiveFailures(t *testing.T) {
	r, now := testRegistry(t)

	r.Register("t1", peer.Announcement{Peer: "bob"})

	for i := 0; i < 3; i++ {
		r.Update("t1", "bob", Outcome{Err: errors.New("connection reset")})
	}

	assert.Empty(t, r.List("t1"), "suspect source must be excluded from list")
	assert.Equal(t, 3, r.Failures("t1", "bob"))

	// Cooldown elapses, the source recovers.
	*now = now.Add(2 * time.Minute)

	snapshots := r.List("t1")
	require.Len(t, snapshots, 1)
	assert.Equal(t, StateActive, snapshots[0].State)
	assert.Equal(t, 0, snapshots[0].ConsecutiveFailures)
	assert.Equal(t, 3, snapshots[0].Failures, "total failure history is kept")
}

func TestUpdate_SuccessResetsConsecutiveFailures(t *testing.T) {
	r, _ := testRegistry(t)

	r.Register("t1", peer.Announcement{Peer: "bob"})
	r.Update("t1", "bob", Outcome{Err: errors.New("timeout")})
	r.Update("t1", "bob", Outcome{Err: errors.New("timeout")})
	r.Update("t1", "bob", Outcome{Bytes: 4096, Duration: time.Second})
	r.Update("t1", "bob", Outcome{Err: errors.New("timeout")})
	r.Update("t1", "bob", Outcome{Err: errors.New("timeout")})

	snapshots := r.List("t1")
	require.Len(t, snapshots, 1, "interleaved successes should keep the source active")
	assert.Equal(t, 2, snapshots[0].ConsecutiveFailures)
}

func TestUpdate_MismatchFastTracksSuspect(t *testing.T) {
	r, _ := testRegistry(t)

	r.Register("t1", peer.Announcement{Peer: "mallory"})
	r.Update("t1", "mallory", Outcome{Mismatch: true})

	assert.Empty(t, r.List("t1"), "one mismatch should outweigh the threshold of 3")
	assert.Equal(t, 1, r.Failures("t1", "mallory"))
}

func TestUpdate_EvictionIsPermanent(t *testing.T) {
	r, now := testRegistry(t)

	r.Register("t1", peer.Announcement{Peer: "dave"})

	for i := 0; i < 10; i++ {
		r.Update("t1", "dave", Outcome{Err: errors.New("unreachable")})
		*now = now.Add(time.Minute)
	}

	*now = now.Add(time.Hour)
	assert.Empty(t, r.List("t1"), "evicted source must never reappear")
}

func TestUpdate_ThroughputEWMA(t *testing.T) {
	r, _ := testRegistry(t)

	r.Register("t1", peer.Announcement{Peer: "alice"})
	r.Update("t1", "alice", Outcome{Bytes: 1000, Duration: time.Second})

	snapshots := r.List("t1")
	require.Len(t, snapshots, 1)
	assert.InDelta(t, 1000.0, snapshots[0].Throughput, 0.001, "first sample seeds the average")

	r.Update("t1", "alice", Outcome{Bytes: 2000, Duration: time.Second})

	snapshots = r.List("t1")
	assert.InDelta(t, 0.3*2000+0.7*1000, snapshots[0].Throughput, 0.001)
}

func TestDrop(t *testing.T) {
	r, _ := testRegistry(t)

	r.Register("t1", peer.Announcement{Peer: "alice"})
	r.Drop("t1")

	assert.Empty(t, r.List("t1"))
}
