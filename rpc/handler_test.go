package rpc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tolelom/modality/contract"
	"github.com/tolelom/modality/crypto"
	"github.com/tolelom/modality/dag"
	"github.com/tolelom/modality/events"
	"github.com/tolelom/modality/internal/testutil"
	"github.com/tolelom/modality/mining"
	"github.com/tolelom/modality/storage"
)

func newTestHandler(t *testing.T) (*Handler, *mining.Chain) {
	t.Helper()
	db := testutil.NewMemDB()
	blockStore := storage.NewMiningBlockStore(db)
	chain := mining.NewChain(blockStore)

	genesis, err := mining.NewUnsolvedBlock(0, mining.GenesisHash, 1, "node0", 0, 1700000000)
	require.NoError(t, err)
	genesis.Hash = genesis.ComputeHash()
	_, _, err = chain.Accept(genesis)
	require.NoError(t, err)

	validator := contract.NewValidator()
	contractLog := storage.NewContractLog(db)
	emitter := events.NewEmitter()
	h := NewHandler(chain, dag.NewStore(), validator, contractLog, emitter, "test-chain")
	return h, chain
}

func dispatch(h *Handler, method string, params any) Response {
	raw, _ := json.Marshal(params)
	return h.Dispatch(Request{JSONRPC: "2.0", ID: 1, Method: method, Params: raw})
}

func TestGetChainHeightOnFreshChain(t *testing.T) {
	h, _ := newTestHandler(t)
	resp := dispatch(h, "getChainHeight", struct{}{})
	require.Nil(t, resp.Error)
	require.Equal(t, int64(0), resp.Result)
}

func TestGetBlockByIndex(t *testing.T) {
	h, _ := newTestHandler(t)
	resp := dispatch(h, "getBlock", map[string]any{"index": 0})
	require.Nil(t, resp.Error)
	block, ok := resp.Result.(*mining.Block)
	require.True(t, ok)
	require.Equal(t, int64(0), block.Header.Index)
}

func TestUnknownMethodReturnsMethodNotFound(t *testing.T) {
	h, _ := newTestHandler(t)
	resp := dispatch(h, "doesNotExist", struct{}{})
	require.NotNil(t, resp.Error)
	require.Equal(t, CodeMethodNotFound, resp.Error.Code)
}

func TestSubmitCommitPersistsAndReplays(t *testing.T) {
	h, _ := newTestHandler(t)

	_, priv, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	genesisCommit := contract.Commit{ContractID: "asset-1", Method: contract.MethodGenesis}
	genesisCommit.Hash = genesisCommit.ComputeHash()
	resp := dispatch(h, "submitCommit", genesisCommit)
	require.Nil(t, resp.Error)

	post := contract.Commit{
		ContractID: "asset-1",
		ParentHash: genesisCommit.Hash,
		Method:     contract.MethodPost,
		Path:       "greeting",
		Value:      json.RawMessage(`"hi"`),
	}
	post.Signatures = []contract.Signature{{PubKeyHex: priv.Public().Hex(), SigHex: crypto.Sign(priv, post.SigningBytes())}}
	post.Hash = post.ComputeHash()
	resp = dispatch(h, "submitCommit", post)
	require.Nil(t, resp.Error)

	logResp := dispatch(h, "getContractLog", map[string]any{"contract_id": "asset-1"})
	require.Nil(t, logResp.Error)
	commits, ok := logResp.Result.([]contract.Commit)
	require.True(t, ok)
	require.Len(t, commits, 2)
}
