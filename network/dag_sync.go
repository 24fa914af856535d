package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/tolelom/modality/dag"
)

// GetDAGRangeRequest asks a peer for certificates between Start and End
// (inclusive), paginated by Offset, per the DAG's range-sync protocol.
type GetDAGRangeRequest struct {
	Start  int64 `json:"start"`
	End    int64 `json:"end"`
	Offset int   `json:"offset"`
}

// DAGRangeResponse carries one page of certificates plus whether more pages
// remain at the requested range.
type DAGRangeResponse struct {
	Certificates []*dag.Certificate `json:"certificates"`
	HasMore      bool               `json:"has_more"`
}

// DAGSyncer wires a dag.Primary to the network: it serves headers it's
// asked to vote on, relays votes back to whichever primary requested them,
// gossips certificates, and answers range-sync requests out of the local
// store. It implements dag.Network.
type DAGSyncer struct {
	node    *Node
	store   *dag.Store
	primary *dag.Primary

	mu      sync.Mutex
	pending map[string]chan dag.Vote // keyed by header digest

	// onEquivocation, if set, is called whenever the local store catches a
	// peer equivocating — voting or certifying two different headers for
	// the same (author, round). Wired to a reputation penalty by whoever
	// owns consensus state (the dag store itself has no notion of score).
	onEquivocation func(author string, round int64)
}

// NewDAGSyncer registers the DAG handlers on node and returns a DAGSyncer
// usable as the primary's Network. primary is set after construction via
// SetPrimary since Primary and Network are mutually referential.
func NewDAGSyncer(node *Node, store *dag.Store) *DAGSyncer {
	s := &DAGSyncer{node: node, store: store, pending: make(map[string]chan dag.Vote)}
	node.Handle(MsgHeader, s.handleHeader)
	node.Handle(MsgVote, s.handleVote)
	node.Handle(MsgCertificate, s.handleCertificate)
	node.Handle(MsgGetDAGRange, s.handleGetRange)
	return s
}

// SetPrimary attaches the primary this syncer serves votes and headers for.
func (s *DAGSyncer) SetPrimary(p *dag.Primary) { s.primary = p }

// SetEquivocationHook registers fn to be called with the offending author
// and round whenever handleHeader or handleCertificate observes
// dag.ErrEquivocation.
func (s *DAGSyncer) SetEquivocationHook(fn func(author string, round int64)) {
	s.onEquivocation = fn
}

// BroadcastHeader implements dag.Network.
func (s *DAGSyncer) BroadcastHeader(h dag.Header) { s.node.BroadcastHeader(h) }

// BroadcastCertificate implements dag.Network.
func (s *DAGSyncer) BroadcastCertificate(c dag.Certificate) { s.node.BroadcastCertificate(c) }

// RequestVote implements dag.Network: sends header directly to peerID and
// blocks (up to 5s) for that peer's vote.
func (s *DAGSyncer) RequestVote(peerID string, h dag.Header) (dag.Vote, error) {
	peer := s.node.Peer(peerID)
	if peer == nil {
		return dag.Vote{}, fmt.Errorf("dag sync: no connection to %s", peerID)
	}
	digest := h.Digest()
	ch := make(chan dag.Vote, 1)
	s.mu.Lock()
	s.pending[digest] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, digest)
		s.mu.Unlock()
	}()

	data, err := json.Marshal(h)
	if err != nil {
		return dag.Vote{}, err
	}
	if err := peer.Send(Message{Type: MsgHeader, Payload: data}); err != nil {
		return dag.Vote{}, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	select {
	case v := <-ch:
		return v, nil
	case <-ctx.Done():
		return dag.Vote{}, fmt.Errorf("dag sync: vote request to %s timed out", peerID)
	}
}

func (s *DAGSyncer) handleHeader(peer *Peer, msg Message) {
	if s.primary == nil {
		return
	}
	var h dag.Header
	if err := json.Unmarshal(msg.Payload, &h); err != nil {
		log.Printf("[dag-sync] unmarshal header: %v", err)
		return
	}
	v, err := s.primary.CastVote(h)
	if err != nil {
		if errors.Is(err, dag.ErrEquivocation) && s.onEquivocation != nil {
			s.onEquivocation(h.Author, h.Round)
		}
		log.Printf("[dag-sync] refused to vote for %s/%d: %v", h.Author, h.Round, err)
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	_ = peer.Send(Message{Type: MsgVote, Payload: data})
}

func (s *DAGSyncer) handleVote(_ *Peer, msg Message) {
	var v dag.Vote
	if err := json.Unmarshal(msg.Payload, &v); err != nil {
		log.Printf("[dag-sync] unmarshal vote: %v", err)
		return
	}
	s.mu.Lock()
	ch, ok := s.pending[v.HeaderDigest]
	s.mu.Unlock()
	if ok {
		select {
		case ch <- v:
		default:
		}
	}
}

func (s *DAGSyncer) handleCertificate(_ *Peer, msg Message) {
	var c dag.Certificate
	if err := json.Unmarshal(msg.Payload, &c); err != nil {
		log.Printf("[dag-sync] unmarshal certificate: %v", err)
		return
	}
	missing := s.store.MissingParents(c)
	if len(missing) > 0 {
		log.Printf("[dag-sync] certificate %s missing %d parents, deferring", c.Digest(), len(missing))
		return
	}
	if err := s.store.Insert(c); err != nil {
		if errors.Is(err, dag.ErrEquivocation) && s.onEquivocation != nil {
			s.onEquivocation(c.Author(), c.Round())
		}
		log.Printf("[dag-sync] insert certificate %s: %v", c.Digest(), err)
	}
}

// RequestRange asks peer for certificates in [start, end], starting at
// page offset.
func (s *DAGSyncer) RequestRange(peer *Peer, start, end int64, offset int) error {
	data, err := json.Marshal(GetDAGRangeRequest{Start: start, End: end, Offset: offset})
	if err != nil {
		return err
	}
	return peer.Send(Message{Type: MsgGetDAGRange, Payload: data})
}

func (s *DAGSyncer) handleGetRange(peer *Peer, msg Message) {
	var req GetDAGRangeRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		return
	}
	certs, hasMore := s.store.GetCertificatesInRange(req.Start, req.End, req.Offset)
	data, err := json.Marshal(DAGRangeResponse{Certificates: certs, HasMore: hasMore})
	if err != nil {
		return
	}
	_ = peer.Send(Message{Type: MsgDAGRange, Payload: data})
}
