// Package shoal implements consensus over the certified DAG: anchor
// selection, the direct/indirect commit rules, and the deterministic total
// order appended to ordered_log (§4.3).
package shoal

import "sync"

const (
	// anchorCommitReward is added to an anchor author's score when its
	// anchor certificate is directly committed.
	anchorCommitReward = 10
	// anchorSkipPenalty is subtracted from an anchor author's score when
	// its anchor certificate is skipped (not committed within the bound).
	anchorSkipPenalty = -5
	// voteReward is added to a certificate author for each certificate of
	// theirs that contributes to a quorum.
	voteReward = 1
	// equivocationPenalty is a large negative increment, per §4.3.
	equivocationPenalty = -1000
	// exclusionRounds is how many rounds an equivocator is excluded from
	// leader selection after being penalised.
	exclusionRounds = 50
)

// ReputationState tracks each committee member's running score and any
// active exclusion, used to weight anchor/leader selection. Grounded on
// consensus/poa.go's validator bookkeeping, generalized from a flat
// round-robin schedule to score-weighted sampling.
type ReputationState struct {
	mu         sync.RWMutex
	scores     map[string]int64
	excludedTo map[string]int64 // peer id -> round after which it is eligible again
}

// NewReputationState seeds every member of committee at score 0.
func NewReputationState(committee []string) *ReputationState {
	r := &ReputationState{
		scores:     make(map[string]int64, len(committee)),
		excludedTo: make(map[string]int64),
	}
	for _, m := range committee {
		r.scores[m] = 0
	}
	return r
}

// RewardAnchorCommit increments author's score after a direct anchor commit.
func (r *ReputationState) RewardAnchorCommit(author string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scores[author] += anchorCommitReward
}

// PenalizeSkippedAnchor decrements author's score after an anchor skip.
func (r *ReputationState) PenalizeSkippedAnchor(author string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scores[author] += anchorSkipPenalty
}

// RewardVote gives a small increment to a certificate author whose
// certificate contributed to a commit's transitive quorum.
func (r *ReputationState) RewardVote(author string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scores[author] += voteReward
}

// PenalizeEquivocation applies the large negative increment and excludes
// author from leader selection for exclusionRounds rounds starting at
// currentRound.
func (r *ReputationState) PenalizeEquivocation(author string, currentRound int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scores[author] += equivocationPenalty
	r.excludedTo[author] = currentRound + exclusionRounds
}

// Score returns a member's current score (floored at 0 for sampling weight
// purposes — a negative score must never invert the weighting).
func (r *ReputationState) Score(member string) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := r.scores[member]
	if s < 0 {
		return 0
	}
	return s
}

// Eligible reports whether member may be selected as leader at round.
func (r *ReputationState) Eligible(member string, round int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return round >= r.excludedTo[member]
}

// Snapshot returns a stable copy of the score map, used for checkpointing
// and for deterministic selection (callers must not mutate the reputation
// state mid-selection).
func (r *ReputationState) Snapshot() map[string]int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]int64, len(r.scores))
	for k, v := range r.scores {
		out[k] = v
	}
	return out
}

// ReputationSnapshot is the full serializable state of a ReputationState —
// scores plus active exclusions — captured into a §4.6 checkpoint and
// restored on recovery so restarted validators don't lose equivocation
// history or anchor-commit standing.
type ReputationSnapshot struct {
	Scores     map[string]int64 `json:"scores"`
	ExcludedTo map[string]int64 `json:"excluded_to"`
}

// FullSnapshot captures scores and exclusions together.
func (r *ReputationState) FullSnapshot() ReputationSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	scores := make(map[string]int64, len(r.scores))
	for k, v := range r.scores {
		scores[k] = v
	}
	excludedTo := make(map[string]int64, len(r.excludedTo))
	for k, v := range r.excludedTo {
		excludedTo[k] = v
	}
	return ReputationSnapshot{Scores: scores, ExcludedTo: excludedTo}
}

// RestoreReputationState rebuilds a ReputationState from a checkpointed
// snapshot. Any committee member missing from snap.Scores (e.g. the
// committee changed since the checkpoint) is seeded at 0, matching
// NewReputationState's behavior for a fresh member.
func RestoreReputationState(committee []string, snap ReputationSnapshot) *ReputationState {
	r := NewReputationState(committee)
	for k, v := range snap.Scores {
		r.scores[k] = v
	}
	for k, v := range snap.ExcludedTo {
		r.excludedTo[k] = v
	}
	return r
}
