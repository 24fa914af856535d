package storage

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tolelom/modality/contract"
	"github.com/tolelom/modality/internal/testutil"
)

func TestContractLogAppendAndOrder(t *testing.T) {
	log := NewContractLog(testutil.NewMemDB())

	c0 := contract.Commit{ContractID: "c1", Method: contract.MethodGenesis, Hash: "h0"}
	c1 := contract.Commit{ContractID: "c1", ParentHash: "h0", Method: contract.MethodPost, Hash: "h1"}
	c2 := contract.Commit{ContractID: "c1", ParentHash: "h1", Method: contract.MethodPost, Hash: "h2"}

	require.NoError(t, log.Append("c1", 0, c0))
	require.NoError(t, log.Append("c1", 1, c1))
	require.NoError(t, log.Append("c1", 2, c2))

	commits, err := log.Log("c1")
	require.NoError(t, err)
	require.Len(t, commits, 3)
	require.Equal(t, "h0", commits[0].Hash)
	require.Equal(t, "h1", commits[1].Hash)
	require.Equal(t, "h2", commits[2].Hash)

	head, err := log.Head("c1")
	require.NoError(t, err)
	require.Equal(t, "h2", head)
}

func TestContractLogHeadEmptyForUnknownContract(t *testing.T) {
	log := NewContractLog(testutil.NewMemDB())
	head, err := log.Head("missing")
	require.NoError(t, err)
	require.Equal(t, "", head)
}

func TestContractLogReplayStateRoundTrip(t *testing.T) {
	log := NewContractLog(testutil.NewMemDB())
	state := &contract.ReplayState{
		ContractID:     "c1",
		LastCommitHash: "h2",
		Paths:          contract.PathStore{"greeting": []byte(`"hello"`)},
	}
	require.NoError(t, log.PutReplayState("c1", 3, state))

	got, seq, ok, err := log.GetReplayState("c1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(3), seq)
	require.Equal(t, "h2", got.LastCommitHash)
	require.Equal(t, state.Paths["greeting"], got.Paths["greeting"])
}

func TestContractLogReplayStateMissingIsNotOK(t *testing.T) {
	log := NewContractLog(testutil.NewMemDB())
	_, _, ok, err := log.GetReplayState("missing")
	require.NoError(t, err)
	require.False(t, ok)
}
