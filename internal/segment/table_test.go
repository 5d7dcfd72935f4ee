package segment

import (
	"testing"

	"github.com/M0Rf30/slskdn/internal/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTable_ExactPartition(t *testing.T) {
	tests := []struct {
		name        string
		fileSize    int64
		segmentSize int64
		wantCount   int
		wantLast    int64
	}{
		{
			name:        "even split",
			fileSize:    10 << 20,
			segmentSize: 1 << 20,
			wantCount:   10,
			wantLast:    1 << 20,
		},
		{
			name:        "short final segment",
			fileSize:    10<<20 + 1234,
			segmentSize: 1 << 20,
			wantCount:   11,
			wantLast:    1234,
		},
		{
			name:        "file smaller than one segment",
			fileSize:    100,
			segmentSize: 1 << 20,
			wantCount:   1,
			wantLast:    100,
		},
		{
			name:        "empty file",
			fileSize:    0,
			segmentSize: 1 << 20,
			wantCount:   0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			table, err := NewTable(tt.fileSize, tt.segmentSize, 3)
			require.NoError(t, err)
			require.Equal(t, tt.wantCount, table.Len())
			require.NoError(t, table.Validate())

			// Segments must tile [0, fileSize) with no gap or overlap.
			var total int64
			for i := 0; i < table.Len(); i++ {
				s := table.Segment(i)
				assert.Equal(t, total, s.Offset)
				total += s.Length
			}
			assert.Equal(t, tt.fileSize, total)

			if tt.wantCount > 0 {
				assert.Equal(t, tt.wantLast, table.Segment(table.Len()-1).Length)
			}
		})
	}
}

func TestNewTable_RejectsBadSizes(t *testing.T) {
	_, err := NewTable(-1, 1<<20, 3)
	assert.Error(t, err)

	_, err = NewTable(1<<20, 0, 3)
	assert.Error(t, err)
}

func TestTable_StateMachine(t *testing.T) {
	table, err := NewTable(4096, 1024, 3)
	require.NoError(t, err)

	// Unclaimed -> Claimed -> Verifying -> Verified.
	require.NoError(t, table.Claim(0, "alice"))
	assert.Equal(t, StateClaimed, table.Segment(0).State())
	assert.Equal(t, "alice", string(table.Segment(0).ClaimedBy()))

	require.Error(t, table.Claim(0, "bob"), "claimed segment cannot be claimed again")

	require.NoError(t, table.MarkVerifying(0))
	require.NoError(t, table.MarkVerified(0, "abc123"))
	assert.Equal(t, StateVerified, table.Segment(0).State())
	assert.Equal(t, "abc123", table.Segment(0).Digest)
	assert.Empty(t, string(table.Segment(0).ClaimedBy()))

	require.Error(t, table.Claim(0, "bob"), "verified is terminal")
	require.Error(t, table.Release(0), "verified segment cannot be released")
}

func TestTable_ReleaseRetryAndExhaustion(t *testing.T) {
	table, err := NewTable(1024, 1024, 3)
	require.NoError(t, err)

	for i, p := range []peer.Identity{"alice", "bob", "carol"} {
		require.NoError(t, table.Claim(0, p))
		require.NoError(t, table.Release(0))

		if i < 2 {
			assert.Equal(t, StateUnclaimed, table.Segment(0).State())
		}
	}

	// Three distinct sources attempted: permanently failed.
	assert.Equal(t, StateExhausted, table.Segment(0).State())
	assert.Equal(t, 3, table.Segment(0).AttemptCount())

	// Backfill revival clears the attempt history.
	assert.Equal(t, 1, table.ReviveExhausted())
	assert.Equal(t, StateUnclaimed, table.Segment(0).State())
	assert.Equal(t, 0, table.Segment(0).AttemptCount())
	require.NoError(t, table.Claim(0, "alice"))
}

func TestTable_UnclaimDoesNotChargeAttempt(t *testing.T) {
	table, err := NewTable(1024, 1024, 3)
	require.NoError(t, err)

	require.NoError(t, table.Claim(0, "alice"))
	require.NoError(t, table.Unclaim(0))

	assert.Equal(t, StateUnclaimed, table.Segment(0).State())
	assert.False(t, table.Segment(0).Attempted("alice"))
	assert.Equal(t, 0, table.Segment(0).AttemptCount())
}

func TestTable_FailedSourceNeverRetriesSameSegment(t *testing.T) {
	table, err := NewTable(1024, 1024, 3)
	require.NoError(t, err)

	require.NoError(t, table.Claim(0, "alice"))
	require.NoError(t, table.Release(0))

	assert.True(t, table.Segment(0).Attempted("alice"))
	assert.False(t, table.Segment(0).Attempted("bob"))
}

func TestTable_Progress(t *testing.T) {
	table, err := NewTable(3000, 1024, 3)
	require.NoError(t, err)

	require.NoError(t, table.Claim(2, "alice"))
	require.NoError(t, table.MarkVerifying(2))
	require.NoError(t, table.MarkVerified(2, "d1"))

	assert.Equal(t, int64(952), table.VerifiedBytes(), "final segment is 3000-2048 bytes")
	assert.False(t, table.AllVerified())
	assert.Equal(t, []int{0, 1}, table.Unclaimed())

	bm := table.VerifiedBitmap()
	assert.Equal(t, 1, bm.Count())
	assert.True(t, bm.Get(2))
	assert.False(t, bm.Get(0))
}

func TestTable_Restore(t *testing.T) {
	table, err := NewTable(2048, 1024, 3)
	require.NoError(t, err)

	require.NoError(t, table.Restore(1, "persisted"))
	assert.Equal(t, StateVerified, table.Segment(1).State())
	assert.Equal(t, "persisted", table.Segment(1).Digest)

	require.Error(t, table.Restore(1, "again"))
}
