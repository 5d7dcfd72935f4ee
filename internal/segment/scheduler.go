package segment

import (
	"github.com/M0Rf30/slskdn/internal/peer"
	"github.com/M0Rf30/slskdn/internal/source"
)

// Assignment is one claim produced by a scheduling pass.
type Assignment struct {
	Index  int
	Offset int64
	Length int64
	Digest string
	Source peer.Identity
}

// Pass assigns Unclaimed segments to ranked sources and claims them on the
// table. For each segment the highest-ranked source wins that (a) advertises
// coverage of the byte range, (b) has spare admitted concurrency, and (c) was
// not already assigned another segment in this pass; one segment per source
// per pass spreads load across the swarm. Sources that already failed a
// segment are never assigned to it again. Segments with no eligible source
// stay Unclaimed until the next pass.
func Pass(t *Table, ranked []source.Snapshot, spare func(peer.Identity) bool) []Assignment {
	if len(ranked) == 0 {
		return nil
	}

	used := make(map[peer.Identity]struct{}, len(ranked))

	var assignments []Assignment

	for _, idx := range t.Unclaimed() {
		s := t.Segment(idx)

		for _, candidate := range ranked {
			if _, taken := used[candidate.Peer]; taken {
				continue
			}

			if s.Attempted(candidate.Peer) {
				continue
			}

			if !candidate.CoversRange(s.Offset, s.Length) {
				continue
			}

			if spare != nil && !spare(candidate.Peer) {
				continue
			}

			if err := t.Claim(idx, candidate.Peer); err != nil {
				break
			}

			used[candidate.Peer] = struct{}{}
			assignments = append(assignments, Assignment{
				Index:  idx,
				Offset: s.Offset,
				Length: s.Length,
				Digest: s.Digest,
				Source: candidate.Peer,
			})

			break
		}

		if len(used) == len(ranked) {
			break
		}
	}

	return assignments
}
