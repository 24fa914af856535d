package shoal

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tolelom/modality/crypto"
	"github.com/tolelom/modality/dag"
)

// identity is a test-only keypair bound to a peer id, used so that built
// certificates carry votes that pass dag.VerifyCertificateVotes.
type identity struct {
	priv   crypto.PrivateKey
	peerID string
}

func newIdentities(t *testing.T, n int) []identity {
	t.Helper()
	out := make([]identity, n)
	for i := range out {
		priv, pub, err := crypto.GenerateKeyPair()
		require.NoError(t, err)
		out[i] = identity{priv: priv, peerID: pub.PeerID()}
	}
	return out
}

func peerIDs(ids []identity) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.peerID
	}
	return out
}

func buildCert(t *testing.T, authors []identity, author identity, round int64, parents []string) dag.Certificate {
	t.Helper()
	h := dag.Header{Author: author.peerID, Round: round, Parents: parents}
	votes := make([]dag.Vote, 0, len(authors))
	for _, voter := range authors {
		votes = append(votes, dag.SignVote(h, voter.peerID, voter.priv))
	}
	return dag.Certificate{Header: h, Votes: votes}
}

func TestSelectAnchorAuthorDeterministic(t *testing.T) {
	committee := []string{"a", "b", "c", "d"}
	rep := NewReputationState(committee)
	first := SelectAnchorAuthor(committee, rep, 7)
	second := SelectAnchorAuthor(committee, rep, 7)
	require.Equal(t, first, second)
	require.Contains(t, committee, first)
}

func TestSelectAnchorAuthorExcludesEquivocators(t *testing.T) {
	committee := []string{"a", "b"}
	rep := NewReputationState(committee)
	rep.PenalizeEquivocation("a", 0)
	choice := SelectAnchorAuthor(committee, rep, 0)
	require.Equal(t, "b", choice)
}

func TestDirectCommitAndOrdering(t *testing.T) {
	store := dag.NewStore()
	ids := newIdentities(t, 4)
	committee := peerIDs(ids)

	// Round 0: genesis certs from all four authors, no parents. Every
	// identity votes for every header so each certificate carries a full
	// quorum certificate of valid signatures.
	var round0 []string
	for _, a := range ids {
		c := buildCert(t, ids, a, 0, nil)
		require.NoError(t, store.Insert(c))
		round0 = append(round0, c.Digest())
	}

	anchorDigest := round0[0]

	// Round 1: 3 of 4 (quorum for f=1) certs reference the anchor as a parent.
	for _, a := range ids[:3] {
		c := buildCert(t, ids, a, 1, []string{anchorDigest})
		require.NoError(t, store.Insert(c))
	}

	rep := NewReputationState(committee)
	cs := NewConsensusState(store, rep, committee, 4)
	cs.RegisterAnchor(0, anchorDigest)

	committed, err := cs.TryCommitAnchor(anchorDigest, 0)
	require.NoError(t, err)
	require.True(t, committed)

	log := cs.OrderedLog()
	require.NotEmpty(t, log)
	require.Equal(t, anchorDigest, log[0].CertificateDigest)
}
