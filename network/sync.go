package network

import (
	"encoding/json"
	"log"

	"github.com/tolelom/modality/mining"
)

// GetBlocksRequest asks a peer for blocks starting at FromIndex.
type GetBlocksRequest struct {
	FromIndex int64 `json:"from_index"`
	Limit     int   `json:"limit"`
}

// BlocksResponse carries a batch of canonical blocks.
type BlocksResponse struct {
	Blocks []*mining.Block `json:"blocks"`
}

// GetAncestorRequest carries the exponential probe points and their claimed
// hashes, per mining.ExponentialProbePoints / mining.FindCommonAncestor.
type GetAncestorRequest struct {
	LocalHeight int64               `json:"local_height"`
	Points      []mining.IndexHash `json:"points"`
}

// Syncer handles mining-chain synchronisation between nodes.
type Syncer struct {
	node  *Node
	chain *mining.Chain
}

// NewSyncer creates a Syncer that requests missing blocks from peers and
// serves its own canonical chain to theirs.
func NewSyncer(node *Node, chain *mining.Chain) *Syncer {
	s := &Syncer{node: node, chain: chain}
	node.Handle(MsgGetBlocks, s.handleGetBlocks)
	node.Handle(MsgBlocks, s.handleBlocks)
	node.Handle(MsgGetAncestor, s.handleGetAncestor)
	node.Handle(MsgBlock, s.handleBlock)
	return s
}

// RequestBlocks asks peer for blocks starting at fromIndex.
func (s *Syncer) RequestBlocks(peer *Peer, fromIndex int64) error {
	req, err := json.Marshal(GetBlocksRequest{FromIndex: fromIndex, Limit: 50})
	if err != nil {
		return err
	}
	return peer.Send(Message{Type: MsgGetBlocks, Payload: req})
}

// RequestAncestor asks peer to resolve the most recent common ancestor with
// our local chain, per the exponential-then-binary probe protocol.
func (s *Syncer) RequestAncestor(peer *Peer) error {
	points := mining.ExponentialProbePoints(s.chain.Tip().Header.Index)
	remote := make([]mining.IndexHash, 0, len(points))
	for _, idx := range points {
		b, err := s.chain.GetCanonical(idx)
		if err != nil {
			continue
		}
		remote = append(remote, mining.IndexHash{Index: idx, Hash: b.ComputeHash()})
	}
	req, err := json.Marshal(GetAncestorRequest{LocalHeight: s.chain.Tip().Header.Index, Points: remote})
	if err != nil {
		return err
	}
	return peer.Send(Message{Type: MsgGetAncestor, Payload: req})
}

func (s *Syncer) handleGetAncestor(peer *Peer, msg Message) {
	var req GetAncestorRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		return
	}
	result, err := mining.FindCommonAncestor(s.chain.Tip().Header.Index, func(index int64) (string, error) {
		b, err := s.chain.GetCanonical(index)
		if err != nil {
			return "", nil
		}
		return b.ComputeHash(), nil
	}, req.Points)
	if err != nil {
		log.Printf("[sync] ancestor resolution failed: %v", err)
		return
	}
	data, err := json.Marshal(result)
	if err != nil {
		return
	}
	_ = peer.Send(Message{Type: MsgAncestor, Payload: data})
}

func (s *Syncer) handleGetBlocks(peer *Peer, msg Message) {
	var req GetBlocksRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		return
	}
	if req.Limit <= 0 || req.Limit > 200 {
		req.Limit = 50
	}
	blocks := make([]*mining.Block, 0, req.Limit)
	for idx := req.FromIndex; idx < req.FromIndex+int64(req.Limit); idx++ {
		b, err := s.chain.GetCanonical(idx)
		if err != nil {
			break
		}
		blocks = append(blocks, b)
	}
	data, err := json.Marshal(BlocksResponse{Blocks: blocks})
	if err != nil {
		return
	}
	_ = peer.Send(Message{Type: MsgBlocks, Payload: data})
}

func (s *Syncer) handleBlocks(_ *Peer, msg Message) {
	var resp BlocksResponse
	if err := json.Unmarshal(msg.Payload, &resp); err != nil {
		return
	}
	for _, b := range resp.Blocks {
		s.acceptBlock(b)
	}
}

func (s *Syncer) handleBlock(_ *Peer, msg Message) {
	var b mining.Block
	if err := json.Unmarshal(msg.Payload, &b); err != nil {
		log.Printf("[sync] unmarshal block: %v", err)
		return
	}
	s.acceptBlock(&b)
}

func (s *Syncer) acceptBlock(b *mining.Block) {
	accepted, reorged, err := s.chain.Accept(b)
	if err != nil {
		log.Printf("[sync] block %d rejected: %v", b.Header.Index, err)
		return
	}
	if accepted {
		log.Printf("[sync] block %d accepted (reorg=%v)", b.Header.Index, reorged)
	}
}
