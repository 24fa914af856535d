package rpc

import (
	"encoding/json"
	"fmt"

	"github.com/tolelom/modality/contract"
	"github.com/tolelom/modality/dag"
	"github.com/tolelom/modality/events"
	"github.com/tolelom/modality/mining"
	"github.com/tolelom/modality/storage"
)

// Handler holds all dependencies needed to serve RPC methods.
type Handler struct {
	chain       *mining.Chain
	dagStore    *dag.Store
	validator   *contract.Validator
	contractLog *storage.ContractLog
	emitter     *events.Emitter
	chainID     string // configured chain_id; stored only, submitted commits are not checked against it
}

// NewHandler creates an RPC Handler.
func NewHandler(chain *mining.Chain, dagStore *dag.Store, validator *contract.Validator, contractLog *storage.ContractLog, emitter *events.Emitter, chainID string) *Handler {
	return &Handler{chain: chain, dagStore: dagStore, validator: validator, contractLog: contractLog, emitter: emitter, chainID: chainID}
}

// Dispatch routes an RPC request to the correct method.
func (h *Handler) Dispatch(req Request) Response {
	switch req.Method {
	case "getChainHeight":
		return okResponse(req.ID, h.chain.Tip().Header.Index)

	case "getBlock":
		return h.getBlock(req)

	case "getHighestRound":
		return okResponse(req.ID, h.dagStore.GetHighestRound())

	case "getCertificate":
		return h.getCertificate(req)

	case "getCertificatesInRound":
		return h.getCertificatesInRound(req)

	case "getContractLog":
		return h.getContractLog(req)

	case "getContractHead":
		return h.getContractHead(req)

	case "submitCommit":
		return h.submitCommit(req)

	default:
		return errResponse(req.ID, CodeMethodNotFound, fmt.Sprintf("method %q not found", req.Method))
	}
}

func (h *Handler) getBlock(req Request) Response {
	var params struct {
		Hash  string `json:"hash"`
		Index *int64 `json:"index"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, "params: "+err.Error())
	}

	var block *mining.Block
	var err error
	switch {
	case params.Hash != "":
		block, err = h.chain.GetBlockByHash(params.Hash)
	case params.Index != nil:
		block, err = h.chain.GetCanonical(*params.Index)
	default:
		block = h.chain.Tip()
	}
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	if block == nil {
		return errResponse(req.ID, CodeInternalError, "no block found")
	}
	return okResponse(req.ID, block)
}

func (h *Handler) getCertificate(req Request) Response {
	var params struct {
		Digest string `json:"digest"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	if params.Digest == "" {
		return errResponse(req.ID, CodeInvalidParams, "digest is required")
	}
	cert, err := h.dagStore.GetCertificate(params.Digest)
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	return okResponse(req.ID, cert)
}

func (h *Handler) getCertificatesInRound(req Request) Response {
	var params struct {
		Round int64 `json:"round"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	return okResponse(req.ID, h.dagStore.GetCertificatesInRound(params.Round))
}

func (h *Handler) getContractLog(req Request) Response {
	var params struct {
		ContractID string `json:"contract_id"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	if params.ContractID == "" {
		return errResponse(req.ID, CodeInvalidParams, "contract_id is required")
	}
	commits, err := h.contractLog.Log(params.ContractID)
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	return okResponse(req.ID, commits)
}

func (h *Handler) getContractHead(req Request) Response {
	var params struct {
		ContractID string `json:"contract_id"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	if params.ContractID == "" {
		return errResponse(req.ID, CodeInvalidParams, "contract_id is required")
	}
	head, err := h.contractLog.Head(params.ContractID)
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	return okResponse(req.ID, map[string]string{"head": head})
}

func (h *Handler) submitCommit(req Request) Response {
	var c contract.Commit
	if err := json.Unmarshal(req.Params, &c); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	// Recompute the hash server-side; do not trust the client-provided value.
	c.Hash = c.ComputeHash()

	commits, err := h.contractLog.Log(c.ContractID)
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	state, err := h.loadReplayState(c.ContractID, commits)
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}

	next, err := h.validator.Validate(state, c)
	if err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	if err := h.contractLog.Append(c.ContractID, int64(len(commits)), c); err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	if err := h.contractLog.PutReplayState(c.ContractID, int64(len(commits))+1, next); err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	h.emitAssetEvent(c)
	return okResponse(req.ID, map[string]string{"commit_hash": c.Hash})
}

// loadReplayState returns the state to validate the next commit against:
// the cached snapshot if it already accounts for every commit in commits,
// or a full ReplayLog otherwise. The commit count, not a timestamp, is the
// cache key — it's the only thing that can invalidate a deterministic
// replay.
func (h *Handler) loadReplayState(contractID string, commits []contract.Commit) (*contract.ReplayState, error) {
	if snap, seq, ok, err := h.contractLog.GetReplayState(contractID); err != nil {
		return nil, err
	} else if ok && seq == int64(len(commits)) {
		return snap, nil
	}
	state := &contract.ReplayState{ContractID: contractID, Paths: contract.PathStore{}}
	replay, err := h.validator.ReplayLog(contractID, commits)
	if err != nil {
		return nil, err
	}
	if replay != nil {
		state = replay
	}
	return state, nil
}

// emitAssetEvent notifies the indexer of an accepted create/send commit so
// ownership lookups stay current without replaying the log.
func (h *Handler) emitAssetEvent(c contract.Commit) {
	if h.emitter == nil {
		return
	}
	assetKey := c.ContractID + "/" + c.Path
	switch c.Method {
	case contract.MethodCreate:
		signers := c.Signers()
		if len(signers) == 0 {
			return
		}
		h.emitter.Emit(events.Event{Type: events.EventContractCommit, ContractID: c.ContractID,
			Data: map[string]any{"method": "create", "asset_key": assetKey, "owner": signers[0]}})
	case contract.MethodSend:
		var body struct {
			AssetID string `json:"asset_id"`
			From    string `json:"from"`
			To      string `json:"to"`
		}
		if json.Unmarshal(c.Value, &body) != nil || body.AssetID == "" {
			return
		}
		h.emitter.Emit(events.Event{Type: events.EventContractCommit, ContractID: c.ContractID,
			Data: map[string]any{"method": "send", "asset_key": c.ContractID + "/" + body.AssetID, "from": body.From, "to": body.To}})
	}
}
