package shoal

import (
	"crypto/sha256"
	"encoding/binary"
	"sort"
)

// weightedStream derives a deterministic [0,1) stream of floats from a
// round number, mirroring mining.seededStream's repeated-SHA-256 approach
// (§4.1's shuffle) so anchor selection stays reproducible across
// implementations without depending on math/rand's internals.
type weightedStream struct {
	round   int64
	counter uint64
}

func (s *weightedStream) next() float64 {
	var in [16]byte
	binary.BigEndian.PutUint64(in[:8], uint64(s.round))
	binary.BigEndian.PutUint64(in[8:], s.counter)
	s.counter++
	h := sha256.Sum256(in[:])
	v := binary.BigEndian.Uint64(h[:8])
	return float64(v) / float64(^uint64(0))
}

// SelectAnchorAuthor deterministically picks the anchor author for round
// from committee, weighted by each eligible member's reputation score
// (§4.3: "chosen by weighted sampling ... deterministic given the
// committee, reputation snapshot, and round number"). Members excluded for
// equivocation are skipped entirely. Ties / all-zero weights fall back to
// uniform selection over eligible members, so a fresh committee with no
// history still produces a deterministic choice.
func SelectAnchorAuthor(committee []string, rep *ReputationState, round int64) string {
	type candidate struct {
		id     string
		weight int64
	}
	var eligible []candidate
	var total int64
	for _, m := range committee {
		if !rep.Eligible(m, round) {
			continue
		}
		w := rep.Score(m) + 1 // +1 so a zero score still has nonzero weight
		eligible = append(eligible, candidate{id: m, weight: w})
		total += w
	}
	if len(eligible) == 0 {
		return ""
	}
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].id < eligible[j].id })

	stream := &weightedStream{round: round}
	pick := stream.next() * float64(total)

	var cum int64
	for _, c := range eligible {
		cum += c.weight
		if pick < float64(cum) {
			return c.id
		}
	}
	return eligible[len(eligible)-1].id
}
