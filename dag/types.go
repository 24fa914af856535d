// Package dag implements the certified-DAG mempool layer: workers batching
// submitted transactions, primaries building per-round headers, and the
// vote/certificate protocol that binds rounds together (§4.2).
package dag

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/tolelom/modality/crypto"
)

// Batch is a worker-collected group of opaque transaction payloads.
type Batch struct {
	WorkerID  uint32   `json:"worker_id"`
	Author    string   `json:"author"` // peer id of the primary this worker serves
	Timestamp int64    `json:"timestamp"`
	Txs       [][]byte `json:"txs"`
}

// Digest returns the BLAKE2b-256 digest identifying this batch.
func (b Batch) Digest() string {
	data, _ := json.Marshal(b)
	return crypto.DAGDigest(data)
}

// BatchDigest pairs a batch's digest with the worker that produced it, as
// advertised between peer workers and referenced from headers.
type BatchDigest struct {
	Digest   string `json:"digest"`
	WorkerID uint32 `json:"worker_id"`
}

// Header is a primary's round proposal: the certificates it saw from the
// previous round (its parents) plus the batch digests it vouches for.
type Header struct {
	Author       string        `json:"author"` // peer id
	Round        int64         `json:"round"`
	Parents      []string      `json:"parents"` // parent certificate digests
	BatchDigests []BatchDigest `json:"batch_digests"`
	Timestamp    int64         `json:"timestamp"`
}

// canonicalBytes returns a deterministic JSON encoding used for both
// digesting and signing, sorting parents so two equal header values always
// serialize identically regardless of append order.
func (h Header) canonicalBytes() []byte {
	sorted := make([]string, len(h.Parents))
	copy(sorted, h.Parents)
	sort.Strings(sorted)
	cp := h
	cp.Parents = sorted
	data, _ := json.Marshal(cp)
	return data
}

// Digest returns this header's DAG digest.
func (h Header) Digest() string {
	return crypto.DAGDigest(h.canonicalBytes())
}

// Vote is one validator's signature over a header, keyed by (author, round)
// so equivocation (voting for two different headers at the same (author,
// round)) is detectable by the voter's own bookkeeping and by receivers.
type Vote struct {
	HeaderDigest string `json:"header_digest"`
	Author       string `json:"author"` // header author, not voter
	Round        int64  `json:"round"`
	Voter        string `json:"voter"`
	Signature    string `json:"signature"`
}

func voteSigningBytes(headerDigest string) []byte {
	return []byte("dag-vote:" + headerDigest)
}

// SignVote produces a Vote for header, signed by priv (whose peer id is
// voter).
func SignVote(header Header, voterPeerID string, priv crypto.PrivateKey) Vote {
	digest := header.Digest()
	return Vote{
		HeaderDigest: digest,
		Author:       header.Author,
		Round:        header.Round,
		Voter:        voterPeerID,
		Signature:    crypto.Sign(priv, voteSigningBytes(digest)),
	}
}

// VerifyVote checks a vote's signature against the voter's claimed public key.
func VerifyVote(v Vote, voterPub crypto.PublicKey) error {
	if voterPub.PeerID() != v.Voter {
		return fmt.Errorf("vote voter %s does not match supplied key", v.Voter)
	}
	return crypto.Verify(voterPub, voteSigningBytes(v.HeaderDigest), v.Signature)
}

// VerifyCertificateVotes checks that every vote in a certificate's quorum
// certificate is for this certificate's header and carries a valid
// signature from the peer id it claims — the check that turns "2f+1 votes
// arrived" into "2f+1 votes were genuinely cast" (§4.2, invariant that
// quorum certificates must be validly signed).
func VerifyCertificateVotes(c Certificate) error {
	digest := c.Digest()
	for _, v := range c.Votes {
		if v.HeaderDigest != digest {
			return fmt.Errorf("dag: vote %s/%d references header %s, certificate is %s", v.Voter, v.Round, v.HeaderDigest, digest)
		}
		pub, err := crypto.PeerIDToPubKey(v.Voter)
		if err != nil {
			return fmt.Errorf("dag: vote voter %s: %w", v.Voter, err)
		}
		if err := VerifyVote(v, pub); err != nil {
			return fmt.Errorf("dag: invalid vote from %s: %w", v.Voter, err)
		}
	}
	return nil
}

// Certificate aggregates at least 2f+1 votes for a header into the object
// that becomes a DAG node.
type Certificate struct {
	Header    Header   `json:"header"`
	Votes     []Vote   `json:"votes"`
	Committed bool     `json:"committed"`
}

// Digest returns the certificate's identity, which is its header's digest —
// a certificate and its header always share one digest so parent references
// (which name header digests) resolve directly to certificates once quorum
// is reached.
func (c Certificate) Digest() string {
	return c.Header.Digest()
}

// Round is a convenience accessor.
func (c Certificate) Round() int64 { return c.Header.Round }

// Author is a convenience accessor.
func (c Certificate) Author() string { return c.Header.Author }

// QuorumSize returns 2f+1 for a committee of size n (n = 3f+1 or greater).
func QuorumSize(committeeSize int) int {
	f := (committeeSize - 1) / 3
	return 2*f + 1
}
