package mining

import "fmt"

// IndexHash pairs a block index with its claimed hash, as exchanged by the
// find_ancestor endpoint (§4.1, §4.7).
type IndexHash struct {
	Index int64
	Hash  string
}

// AncestorResult is the find_ancestor response payload.
type AncestorResult struct {
	ChainLength          int64
	Matches              []IndexHash
	HighestMatch         *IndexHash
	CumulativeDifficulty uint64
}

// FindCommonAncestor checks each of a remote chain's claimed (index, hash)
// pairs against the local chain and reports every match and the highest
// one (§4.1). It probes only the pairs it is given; choosing the points
// (ExponentialProbePoints) and narrowing between them (BinarySearchForkPoint)
// happen outside it. CumulativeDifficulty is left zero.
//
// probe is supplied by the network layer and returns the local hash at a
// given index ("" if unknown locally).
func FindCommonAncestor(localHeight int64, probe func(index int64) (string, error), remote []IndexHash) (*AncestorResult, error) {
	byIndex := make(map[int64]string, len(remote))
	for _, ih := range remote {
		byIndex[ih.Index] = ih.Hash
	}

	matches := []IndexHash{}
	var highest *IndexHash
	for _, ih := range remote {
		local, err := probe(ih.Index)
		if err != nil {
			return nil, fmt.Errorf("probe index %d: %w", ih.Index, err)
		}
		if local != "" && local == ih.Hash {
			m := ih
			matches = append(matches, m)
			if highest == nil || m.Index > highest.Index {
				highest = &m
			}
		}
	}

	return &AncestorResult{
		ChainLength:  localHeight,
		Matches:      matches,
		HighestMatch: highest,
	}, nil
}

// ExponentialProbePoints returns the sequence of indices a client should
// probe, starting at tip and stepping back by doubling distances
// (1, 2, 4, 8, ...), until index 0 is included. The caller binary-searches
// between the first matching and first non-matching probe to pin down the
// exact fork point.
func ExponentialProbePoints(tip int64) []int64 {
	if tip < 0 {
		return nil
	}
	points := []int64{tip}
	step := int64(1)
	cur := tip
	for cur > 0 {
		cur -= step
		if cur < 0 {
			cur = 0
		}
		points = append(points, cur)
		step *= 2
	}
	if points[len(points)-1] != 0 {
		points = append(points, 0)
	}
	return points
}

// BinarySearchForkPoint narrows between lo (known to match) and hi (known to
// mismatch) to the highest matching index, given a match predicate.
func BinarySearchForkPoint(lo, hi int64, matches func(index int64) (bool, error)) (int64, error) {
	for lo+1 < hi {
		mid := lo + (hi-lo)/2
		ok, err := matches(mid)
		if err != nil {
			return 0, err
		}
		if ok {
			lo = mid
		} else {
			hi = mid
		}
	}
	return lo, nil
}

// NominationsForEpoch collects the (index, nominated_peer_id) pairs and the
// XOR-seed nonces for a fully-observed epoch e, ready for ShuffleNominations.
func NominationsForEpoch(chain *Chain, e int64) ([]Nomination, [32]byte, error) {
	first, last := EpochBounds(e)
	noms := make([]Nomination, 0, EpochLength)
	nonces := make([]uint64, 0, EpochLength)
	for idx := first; idx <= last; idx++ {
		b, err := chain.GetCanonical(idx)
		if err != nil {
			return nil, [32]byte{}, fmt.Errorf("epoch %d incomplete at index %d: %w", e, idx, err)
		}
		noms = append(noms, Nomination{Index: idx, NominatedPeerID: b.Body.NominatedPeerID})
		nonces = append(nonces, b.Header.Nonce)
	}
	return noms, EpochSeed(nonces), nil
}
