package network

import (
	"encoding/json"
	"log"

	"github.com/tolelom/modality/contract"
)

// GetContractLogRequest asks a peer for contractID's commit log, optionally
// starting after AfterSeq for incremental catch-up.
type GetContractLogRequest struct {
	ContractID string `json:"contract_id"`
	AfterSeq   int64  `json:"after_seq"`
}

// ContractLogResponse carries a contract's commit log (or a suffix of it).
type ContractLogResponse struct {
	ContractID string            `json:"contract_id"`
	Commits    []contract.Commit `json:"commits"`
}

// ContractLogStore is the persistence surface ContractSyncer needs; storage.ContractLog
// satisfies it.
type ContractLogStore interface {
	Log(contractID string) ([]contract.Commit, error)
}

// ContractSyncer gossips new commits and answers replay-log requests for
// the contracts this node tracks. Validation happens in contract.Validator;
// ContractSyncer only moves bytes: received commits are handed to onCommit,
// and it persists nothing itself.
type ContractSyncer struct {
	node      *Node
	log       ContractLogStore
	validator *contract.Validator
	onCommit  func(contract.Commit)
}

// NewContractSyncer registers the contract handlers on node.
func NewContractSyncer(node *Node, log ContractLogStore, validator *contract.Validator, onCommit func(contract.Commit)) *ContractSyncer {
	s := &ContractSyncer{node: node, log: log, validator: validator, onCommit: onCommit}
	node.Handle(MsgContractCommit, s.handleCommit)
	node.Handle(MsgGetContractLog, s.handleGetLog)
	return s
}

// BroadcastCommit gossips a locally-accepted commit to the committee.
func (s *ContractSyncer) BroadcastCommit(c contract.Commit) {
	data, err := json.Marshal(c)
	if err != nil {
		log.Printf("[contract-sync] marshal commit: %v", err)
		return
	}
	s.node.Broadcast(Message{Type: MsgContractCommit, Payload: data})
}

func (s *ContractSyncer) handleCommit(_ *Peer, msg Message) {
	var c contract.Commit
	if err := json.Unmarshal(msg.Payload, &c); err != nil {
		log.Printf("[contract-sync] unmarshal commit: %v", err)
		return
	}
	if s.onCommit != nil {
		s.onCommit(c)
	}
}

// RequestLog asks peer for contractID's full commit log.
func (s *ContractSyncer) RequestLog(peer *Peer, contractID string) error {
	data, err := json.Marshal(GetContractLogRequest{ContractID: contractID})
	if err != nil {
		return err
	}
	return peer.Send(Message{Type: MsgGetContractLog, Payload: data})
}

func (s *ContractSyncer) handleGetLog(peer *Peer, msg Message) {
	var req GetContractLogRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		return
	}
	commits, err := s.log.Log(req.ContractID)
	if err != nil {
		log.Printf("[contract-sync] load log for %s: %v", req.ContractID, err)
		return
	}
	if req.AfterSeq > 0 {
		if req.AfterSeq > int64(len(commits)) {
			req.AfterSeq = int64(len(commits))
		}
		commits = commits[req.AfterSeq:]
	}
	data, err := json.Marshal(ContractLogResponse{ContractID: req.ContractID, Commits: commits})
	if err != nil {
		return
	}
	_ = peer.Send(Message{Type: MsgContractLog, Payload: data})
}
