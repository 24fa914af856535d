// Package hybrid binds the mining chain (C1) to Shoal consensus (C3): it
// derives each mining epoch's validator committee from the nominations
// mined two epochs earlier, and signals epoch transitions to the rest of
// the node (§4.4).
package hybrid

import (
	"errors"
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/tolelom/modality/mining"
)

// ErrValidatorSetUndefined is returned for epoch N < 2, where §4.4 defines
// the validator set as undefined and validation paused.
var ErrValidatorSetUndefined = errors.New("hybrid: validator set undefined for epoch < 2")

// ErrEpochIncomplete is returned when epoch N-2 has fewer than
// mining.EpochLength canonical blocks locally — derivation must wait.
var ErrEpochIncomplete = errors.New("hybrid: source epoch not fully observed locally")

// DeriveValidatorSet computes the validator committee for mining epoch n
// (n >= 2) from the nominations mined in epoch n-2 (§4.4):
//  1. fetch the 40 canonical blocks of epoch n-2,
//  2. apply the XOR-seeded Fisher-Yates shuffle to the nomination list,
//  3. take the first committeeSize entries, deduplicated while preserving
//     order.
func DeriveValidatorSet(chain *mining.Chain, n int64, committeeSize int) ([]string, error) {
	if n < 2 {
		return nil, ErrValidatorSetUndefined
	}
	sourceEpoch := n - 2
	noms, seed, err := mining.NominationsForEpoch(chain, sourceEpoch)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEpochIncomplete, err)
	}

	shuffled := mining.ShuffleNominations(noms, seed)

	seen := mapset.NewThreadUnsafeSet[string]()
	set := make([]string, 0, committeeSize)
	for _, nom := range shuffled {
		if len(set) >= committeeSize {
			break
		}
		if !seen.Add(nom.NominatedPeerID) {
			continue
		}
		set = append(set, nom.NominatedPeerID)
	}
	return set, nil
}

// IsMember reports whether peerID appears in a derived validator set.
func IsMember(set []string, peerID string) bool {
	return mapset.NewThreadUnsafeSet(set...).Contains(peerID)
}
