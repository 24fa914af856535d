package dag

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/tolelom/modality/crypto"
)

// Network is the primary's view of the outside world — a single small
// interface the network package implements, grounded on network/node.go's
// MessageHandler/broadcast split but narrowed to what the primary needs.
type Network interface {
	BroadcastHeader(h Header)
	BroadcastCertificate(c Certificate)
	RequestVote(peerID string, h Header) (Vote, error)
}

// Primary drives one validator's per-round certificate production loop
// (§4.2). Grounded on consensus/poa.go's round-production loop, generalized
// from "produce one block per slot" to "produce one certificate per round,
// gated on 2f+1 parents".
type Primary struct {
	selfID    string
	priv      crypto.PrivateKey
	store     *Store
	net       Network
	committee []string // peer ids, fixed membership for this validator instance's life

	mu           sync.Mutex
	currentRound int64
	pendingBatch []BatchDigest
}

// NewPrimary constructs a Primary for selfID over committee, starting at
// round 0.
func NewPrimary(selfID string, priv crypto.PrivateKey, store *Store, net Network, committee []string) *Primary {
	return &Primary{selfID: selfID, priv: priv, store: store, net: net, committee: committee}
}

// OfferBatchDigest records a worker's sealed batch digest for inclusion in
// the next header this primary builds.
func (p *Primary) OfferBatchDigest(bd BatchDigest) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pendingBatch = append(p.pendingBatch, bd)
}

// quorum returns 2f+1 for this primary's committee.
func (p *Primary) quorum() int {
	return QuorumSize(len(p.committee))
}

// RunRound executes one round of the protocol: wait for 2f+1 certificates
// of round-1 (or, at round 0, proceed unconditionally against a configured
// genesis set), build and broadcast a header, collect 2f+1 votes, aggregate
// a certificate, persist and broadcast it. Returns the produced certificate.
func (p *Primary) RunRound(ctx context.Context, round int64) (*Certificate, error) {
	var parents []string
	if round > 0 {
		authors := p.store.AuthorsInRound(round - 1)
		if len(authors) < p.quorum() {
			return nil, fmt.Errorf("dag: round %d not ready, have %d/%d parents", round, len(authors), p.quorum())
		}
		for _, a := range authors {
			digest := ""
			for _, c := range p.store.GetCertificatesInRound(round - 1) {
				if c.Author() == a {
					digest = c.Digest()
					break
				}
			}
			if digest != "" {
				parents = append(parents, digest)
			}
		}
	}

	p.mu.Lock()
	batchDigests := p.pendingBatch
	p.pendingBatch = nil
	p.mu.Unlock()

	header := Header{
		Author:       p.selfID,
		Round:        round,
		Parents:      parents,
		BatchDigests: batchDigests,
	}
	p.net.BroadcastHeader(header)

	votes := []Vote{SignVote(header, p.selfID, p.priv)}
	for _, peer := range p.committee {
		if peer == p.selfID {
			continue
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		v, err := p.net.RequestVote(peer, header)
		if err != nil {
			log.Printf("[dag-primary] vote request to %s failed: %v", peer, err)
			continue
		}
		if v.HeaderDigest != header.Digest() || v.Voter != peer {
			log.Printf("[dag-primary] vote from %s does not match requested header, dropping", peer)
			continue
		}
		pub, err := crypto.PeerIDToPubKey(v.Voter)
		if err != nil {
			log.Printf("[dag-primary] vote from %s: bad peer id: %v", peer, err)
			continue
		}
		if err := VerifyVote(v, pub); err != nil {
			log.Printf("[dag-primary] vote from %s failed verification: %v", peer, err)
			continue
		}
		votes = append(votes, v)
		if len(votes) >= p.quorum() {
			break
		}
	}

	if len(votes) < p.quorum() {
		return nil, fmt.Errorf("dag: round %d failed to reach quorum (%d/%d votes)", round, len(votes), p.quorum())
	}

	cert := Certificate{Header: header, Votes: votes}
	if err := p.store.Insert(cert); err != nil {
		return nil, fmt.Errorf("insert own certificate: %w", err)
	}
	p.net.BroadcastCertificate(cert)
	return &cert, nil
}

// CastVote is called when this validator receives a header from another
// primary and is asked to vote. It enforces "at most one vote per (author,
// round)" via the store's equivocation guard.
func (p *Primary) CastVote(header Header) (Vote, error) {
	digest := header.Digest()
	if err := p.store.CheckEquivocation(header.Author, header.Round, digest); err != nil {
		return Vote{}, err
	}
	return SignVote(header, p.selfID, p.priv), nil
}

// ReceiveCertificate inserts a certificate gossiped by a peer. It fetches
// nothing: callers must ensure parents arrive before children (e.g. via the
// sync protocol).
func (p *Primary) ReceiveCertificate(cert Certificate) error {
	return p.store.Insert(cert)
}
