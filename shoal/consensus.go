package shoal

import (
	"fmt"
	"sort"
	"sync"

	"github.com/tolelom/modality/dag"
)

// OrderedEntry is one finalised unit appended to ordered_log: a certificate
// together with the batch digests it references, in the certificate's
// declared order (§4.3 "Ordering").
type OrderedEntry struct {
	CertificateDigest string
	Author            string
	Round             int64
	BatchDigests      []dag.BatchDigest
}

// ConsensusState tracks the committed-anchor frontier and the resulting
// ordered_log. Grounded on core/blockchain.go's single-writer chain state
// (mutex-guarded, append-only log), generalized from block-per-height to
// anchor-per-round.
type ConsensusState struct {
	mu sync.Mutex

	store     *dag.Store
	rep       *ReputationState
	committee []string

	lastCommittedAnchor string // digest; "" before any commit
	orderedLog          []OrderedEntry
	skipTimeoutRounds   int64
	anchors             map[int64]string // round -> anchor certificate digest, registered as rounds are proposed
}

// NewConsensusState constructs a ConsensusState. skipTimeoutRounds bounds
// how many rounds the protocol waits for an anchor's direct-commit
// condition before skipping it; the Open Question in DESIGN.md resolves
// this to 2x the expected round duration's equivalent round count.
func NewConsensusState(store *dag.Store, rep *ReputationState, committee []string, skipTimeoutRounds int64) *ConsensusState {
	return &ConsensusState{
		store:             store,
		rep:               rep,
		committee:         committee,
		skipTimeoutRounds: skipTimeoutRounds,
		anchors:           make(map[int64]string),
	}
}

// RegisterAnchor records round's anchor certificate digest so later calls
// to TryCommitAnchor can find it as a candidate for indirect commit. The
// round driver must call this as soon as an anchor certificate exists for
// a round, before attempting direct commit on any later round.
func (cs *ConsensusState) RegisterAnchor(round int64, digest string) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.anchors[round] = digest
}

// isAncestor reports whether ancestor is reachable from descendant by
// following parent links (BFS), used for both the direct-commit
// "transitive parent" check and indirect-commit reachability.
func (cs *ConsensusState) isAncestor(descendant, ancestor string) bool {
	if descendant == ancestor {
		return true
	}
	visited := map[string]bool{descendant: true}
	queue := []string{descendant}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		cert, err := cs.store.GetCertificate(cur)
		if err != nil {
			continue
		}
		for _, p := range cert.Header.Parents {
			if p == ancestor {
				return true
			}
			if !visited[p] {
				visited[p] = true
				queue = append(queue, p)
			}
		}
	}
	return false
}

// reachableSet returns every certificate digest reachable (inclusive) from
// root by following parent links.
func (cs *ConsensusState) reachableSet(root string) map[string]bool {
	visited := map[string]bool{root: true}
	queue := []string{root}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		cert, err := cs.store.GetCertificate(cur)
		if err != nil {
			continue
		}
		for _, p := range cert.Header.Parents {
			if !visited[p] {
				visited[p] = true
				queue = append(queue, p)
			}
		}
	}
	return visited
}

// TryCommitAnchor evaluates the direct-commit rule for the anchor
// certificate at round r: it commits if at least 2f+1 certificates in
// round r+1 transitively reference it as a parent (§4.3). On commit it
// cascades to any earlier uncommitted anchors that are ancestors of this
// one (indirect commit), appends the newly finalised certificates to
// ordered_log, and updates reputation. Returns whether a commit occurred.
func (cs *ConsensusState) TryCommitAnchor(anchorDigest string, anchorRound int64) (bool, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	nextRoundCerts := cs.store.GetCertificatesInRound(anchorRound + 1)
	refs := 0
	for _, c := range nextRoundCerts {
		if cs.isAncestor(c.Digest(), anchorDigest) {
			refs++
		}
	}
	quorum := dag.QuorumSize(len(cs.committee))
	if refs < quorum {
		return false, nil
	}

	anchorCert, err := cs.store.GetCertificate(anchorDigest)
	if err != nil {
		return false, fmt.Errorf("commit anchor: %w", err)
	}

	// Indirect commit: walk back through prior anchors that are ancestors
	// of this one but not yet committed, oldest first.
	var toCommit []*dag.Certificate
	if cs.lastCommittedAnchor != "" {
		toCommit = cs.uncommittedAncestorAnchors(anchorDigest, anchorRound)
	}
	toCommit = append(toCommit, anchorCert)

	for _, anchor := range toCommit {
		if err := cs.commitAnchor(anchor); err != nil {
			return false, err
		}
	}
	return true, nil
}

// uncommittedAncestorAnchors finds every registered anchor (via
// RegisterAnchor) older than anchorDigest's round that is reachable from
// anchorDigest and has not already been committed, sorted oldest-round
// first — the indirect commits triggered when anchorDigest commits (§4.3).
func (cs *ConsensusState) uncommittedAncestorAnchors(anchorDigest string, anchorRound int64) []*dag.Certificate {
	var candidates []*dag.Certificate
	for round, digest := range cs.anchors {
		if round >= anchorRound || digest == cs.lastCommittedAnchor {
			continue
		}
		if digest == anchorDigest {
			continue
		}
		if !cs.isAncestor(anchorDigest, digest) {
			continue
		}
		c, err := cs.store.GetCertificate(digest)
		if err != nil || c.Committed {
			continue
		}
		candidates = append(candidates, c)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Round() < candidates[j].Round() })
	return candidates
}

// commitAnchor finalises a single anchor: computes reachable(anchor) \
// reachable(lastCommittedAnchor), sorts it per §4.3's ordering rule, and
// appends to ordered_log.
func (cs *ConsensusState) commitAnchor(anchor *dag.Certificate) error {
	newReachable := cs.reachableSet(anchor.Digest())
	if cs.lastCommittedAnchor != "" {
		prevReachable := cs.reachableSet(cs.lastCommittedAnchor)
		for d := range prevReachable {
			delete(newReachable, d)
		}
	}

	type scored struct {
		cert *dag.Certificate
	}
	var finalised []scored
	for d := range newReachable {
		c, err := cs.store.GetCertificate(d)
		if err != nil {
			continue
		}
		finalised = append(finalised, scored{cert: c})
	}
	sort.Slice(finalised, func(i, j int) bool {
		a, b := finalised[i].cert, finalised[j].cert
		if a.Round() != b.Round() {
			return a.Round() < b.Round()
		}
		return a.Author() < b.Author()
	})

	for _, f := range finalised {
		cs.orderedLog = append(cs.orderedLog, OrderedEntry{
			CertificateDigest: f.cert.Digest(),
			Author:            f.cert.Author(),
			Round:             f.cert.Round(),
			BatchDigests:      f.cert.Header.BatchDigests,
		})
		if err := cs.store.MarkCommitted(f.cert.Digest()); err != nil {
			return fmt.Errorf("mark committed: %w", err)
		}
		if f.cert.Author() == anchor.Author() {
			cs.rep.RewardAnchorCommit(f.cert.Author())
		} else {
			cs.rep.RewardVote(f.cert.Author())
		}
	}

	cs.lastCommittedAnchor = anchor.Digest()
	return nil
}

// SkipAnchor is called when an anchor's direct-commit condition has not
// been satisfied within skipTimeoutRounds of its own round, penalising its
// author and letting the protocol move on (§4.3).
func (cs *ConsensusState) SkipAnchor(author string) {
	cs.rep.PenalizeSkippedAnchor(author)
}

// SkipTimeoutRounds returns the configured anchor-skip bound.
func (cs *ConsensusState) SkipTimeoutRounds() int64 { return cs.skipTimeoutRounds }

// OrderedLog returns the full finalised order so far.
func (cs *ConsensusState) OrderedLog() []OrderedEntry {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	out := make([]OrderedEntry, len(cs.orderedLog))
	copy(out, cs.orderedLog)
	return out
}

// StateSnapshot is the serializable portion of ConsensusState a §4.6
// checkpoint captures: the commit frontier, the registered-but-not-yet-
// superseded anchors, and the ordered log produced so far. store and rep
// are not part of it — the DAG store is checkpointed separately
// (dag.Store.Snapshot) and reputation via ReputationState.FullSnapshot.
type StateSnapshot struct {
	LastCommittedAnchor string           `json:"last_committed_anchor"`
	Anchors             map[int64]string `json:"anchors"`
	OrderedLog          []OrderedEntry   `json:"ordered_log"`
}

// Snapshot captures the current commit frontier for checkpointing.
func (cs *ConsensusState) Snapshot() StateSnapshot {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	anchors := make(map[int64]string, len(cs.anchors))
	for k, v := range cs.anchors {
		anchors[k] = v
	}
	log := make([]OrderedEntry, len(cs.orderedLog))
	copy(log, cs.orderedLog)
	return StateSnapshot{
		LastCommittedAnchor: cs.lastCommittedAnchor,
		Anchors:             anchors,
		OrderedLog:          log,
	}
}

// RestoreConsensusState rebuilds a ConsensusState from a checkpointed
// snapshot on top of a store already seeded with the matching certificates
// (via dag.Store.Insert, or storage.Recover). The caller must restore the
// store before calling this, since commitAnchor's reachability walk depends
// on every referenced certificate already being present.
func RestoreConsensusState(store *dag.Store, rep *ReputationState, committee []string, skipTimeoutRounds int64, snap StateSnapshot) *ConsensusState {
	cs := NewConsensusState(store, rep, committee, skipTimeoutRounds)
	cs.lastCommittedAnchor = snap.LastCommittedAnchor
	for k, v := range snap.Anchors {
		cs.anchors[k] = v
	}
	cs.orderedLog = append(cs.orderedLog, snap.OrderedLog...)
	return cs
}
