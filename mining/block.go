// Package mining implements the proof-of-work chain: block production,
// difficulty-epoch adjustment, and the nomination shuffle that feeds the
// hybrid coordinator's validator-set derivation.
package mining

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tolelom/modality/crypto"
)

// GenesisHash is the canonical all-zero prev-hash for block 0.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// EpochLength is the number of consecutive blocks per mining epoch (§3).
const EpochLength = 40

// BlockHeader is the hashed, signed portion of a block.
type BlockHeader struct {
	Index      int64  `json:"index"`
	Timestamp  int64  `json:"timestamp"`
	PrevHash   string `json:"prev_hash"`
	DataHash   string `json:"data_hash"` // SHA-256(serialize(body))
	Nonce      uint64 `json:"nonce"`
	Difficulty uint64 `json:"difficulty"`
}

// Body carries the per-block nomination payload. Bodies never carry
// contract commits (§3).
type Body struct {
	NominatedPeerID string `json:"nominated_peer_id"`
	MinerNumber      int64  `json:"miner_number"`
}

// Block is a mined block: header + body + hash.
type Block struct {
	Header    BlockHeader `json:"header"`
	Body      Body        `json:"body"`
	Hash      string      `json:"hash"`
	Orphaned  bool        `json:"orphaned"`
}

// dataHash returns SHA-256 of the serialized body.
func dataHash(body Body) (string, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	return crypto.Hash(data), nil
}

// headerCanonicalBytes serializes header_without_hash per §6: fields in
// declared order, numeric fields fixed-width big-endian.
func headerCanonicalBytes(h BlockHeader) []byte {
	var buf bytes.Buffer
	var b8 [8]byte

	binary.BigEndian.PutUint64(b8[:], uint64(h.Index))
	buf.Write(b8[:])
	binary.BigEndian.PutUint64(b8[:], uint64(h.Timestamp))
	buf.Write(b8[:])
	buf.WriteString(h.PrevHash)
	buf.WriteString(h.DataHash)
	binary.BigEndian.PutUint64(b8[:], h.Nonce)
	buf.Write(b8[:])
	binary.BigEndian.PutUint64(b8[:], h.Difficulty)
	buf.Write(b8[:])
	return buf.Bytes()
}

// ComputeHash returns SHA-256 of the canonical header bytes.
func (b *Block) ComputeHash() string {
	return crypto.Hash(headerCanonicalBytes(b.Header))
}

// VerifyIntegrity checks hash consistency and data-hash correctness.
// It does not check difficulty or chain linkage (see chain.go).
func (b *Block) VerifyIntegrity() error {
	if computed := b.ComputeHash(); computed != b.Hash {
		return fmt.Errorf("block hash mismatch: stored %s computed %s", b.Hash, computed)
	}
	wantData, err := dataHash(b.Body)
	if err != nil {
		return fmt.Errorf("hash body: %w", err)
	}
	if wantData != b.Header.DataHash {
		return errors.New("data_hash mismatch")
	}
	return nil
}

// MeetsDifficulty reports whether the block's hash satisfies
// hash < 2^256/difficulty.
func (b *Block) MeetsDifficulty() bool {
	return hashMeetsTarget(b.Hash, b.Header.Difficulty)
}

// NewUnsolvedBlock builds a block with header/body populated but nonce and
// hash left for the PoW search loop to fill in.
func NewUnsolvedBlock(index int64, prevHash string, difficulty uint64, nominatedPeerID string, minerNumber int64, timestamp int64) (*Block, error) {
	body := Body{NominatedPeerID: nominatedPeerID, MinerNumber: minerNumber}
	dh, err := dataHash(body)
	if err != nil {
		return nil, err
	}
	return &Block{
		Header: BlockHeader{
			Index:      index,
			Timestamp:  timestamp,
			PrevHash:   prevHash,
			DataHash:   dh,
			Difficulty: difficulty,
		},
		Body: body,
	}, nil
}

// Epoch returns the epoch index a block height belongs to.
func Epoch(index int64) int64 { return index / EpochLength }

// EpochBounds returns the inclusive [first, last] indices of epoch e.
func EpochBounds(e int64) (first, last int64) {
	return e * EpochLength, e*EpochLength + EpochLength - 1
}

// IsEpochBoundary reports whether index is the first block of a new epoch
// (index % 40 == 0), excluding genesis.
func IsEpochBoundary(index int64) bool {
	return index > 0 && index%EpochLength == 0
}
