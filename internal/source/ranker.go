package source

import (
	"sort"
	"time"
)

// Scoring weights. Throughput dominates, then reliability, then latency and
// recency of contact.
const (
	weightThroughput = 0.4
	weightSuccess    = 0.3
	weightLatency    = 0.2
	weightRecency    = 0.1
)

// Reference points that map raw metrics onto [0,1). A source at the reference
// value scores 0.5 on that component.
const (
	refThroughput = 256 * 1024 // bytes/sec
	refLatency    = 200 * time.Millisecond
	refRecency    = 5 * time.Minute
)

// Score computes the ranking score for one source snapshot. Pure function:
// same snapshot and clock, same score.
func Score(s Snapshot, now time.Time) float64 {
	tp := s.Throughput / (s.Throughput + refThroughput)

	lat := 0.5
	if s.Latency > 0 {
		lat = float64(refLatency) / float64(refLatency+s.Latency)
	}

	rec := 0.5
	if !s.LastSeen.IsZero() {
		age := now.Sub(s.LastSeen)
		if age < 0 {
			age = 0
		}

		rec = float64(refRecency) / float64(refRecency+age)
	}

	return weightThroughput*tp + weightSuccess*s.SuccessRatio() + weightLatency*lat + weightRecency*rec
}

// Rank orders snapshots best-first. Ties break on peer identity so the order
// is reproducible. The input slice is sorted in place and returned.
func Rank(snapshots []Snapshot, now time.Time) []Snapshot {
	sort.Slice(snapshots, func(i, j int) bool {
		si, sj := Score(snapshots[i], now), Score(snapshots[j], now)
		if si != sj {
			return si > sj
		}

		return snapshots[i].Peer < snapshots[j].Peer
	})

	return snapshots
}
