package mining

import (
	"context"
	"log"
	"time"
)

// abortCheckInterval bounds how many nonce attempts the PoW inner loop makes
// before yielding to check the abort signal, so mining never monopolises its
// thread (§5).
const abortCheckInterval = 4096

// Miner runs the interruptible proof-of-work search described in §4.1.
type Miner struct {
	chain  *Chain
	cfg    DifficultyConfig
	nextAt map[int64]struct{} // not read; MineNext's abort check asks the chain (HasBlockAt)
}

// NewMiner creates a Miner bound to chain.
func NewMiner(chain *Chain, cfg DifficultyConfig) *Miner {
	return &Miner{chain: chain, cfg: cfg}
}

// MineNext performs the interruptible PoW search for the block following the
// chain's current tip. It reads the tip fresh at the start (not at call
// construction time) and aborts immediately if a block at that index is
// already known locally — satisfying "never re-enters index k" (§4.1, §8.3).
//
// ctx cancellation and abort (closed when a competing block for the same
// index arrives via gossip) both interrupt the search; abort returns
// (nil, nil) so the caller advances to the next tip without error, while
// ctx cancellation returns ctx.Err().
func (m *Miner) MineNext(ctx context.Context, abort <-chan struct{}, nominatedPeerID string, minerNumber int64) (*Block, error) {
	tip := m.chain.Tip()
	var index int64
	var prevHash string
	if tip == nil {
		index = 0
		prevHash = GenesisHash
	} else {
		index = tip.Header.Index + 1
		prevHash = tip.Hash
	}

	if m.chain.HasBlockAt(index) {
		return nil, nil // already claimed locally; caller should re-read the tip and retry
	}

	difficulty, err := m.currentDifficulty(index, tip)
	if err != nil {
		return nil, err
	}
	block, err := NewUnsolvedBlock(index, prevHash, difficulty, nominatedPeerID, minerNumber, time.Now().Unix())
	if err != nil {
		return nil, err
	}

	var nonce uint64
	for {
		for i := 0; i < abortCheckInterval; i++ {
			block.Header.Nonce = nonce
			hash := block.ComputeHash()
			if hashMeetsTarget(hash, block.Header.Difficulty) {
				block.Hash = hash
				return block, nil
			}
			nonce++
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-abort:
			log.Printf("[mining] abort signal at index %d after %d attempts", index, nonce)
			return nil, nil
		default:
		}
	}
}

// currentDifficulty returns the difficulty that applies to the block being
// mined at index. It only changes at epoch boundaries (§4.1): every block
// within an epoch carries the difficulty fixed at that epoch's first block.
func (m *Miner) currentDifficulty(index int64, tip *Block) (uint64, error) {
	if tip == nil {
		return m.cfg.MinDifficulty, nil
	}
	if index%EpochLength != 0 {
		return tip.Header.Difficulty, nil
	}

	// index is the first block of a new epoch: retarget from the completed
	// epoch's first and last block timestamps.
	completedEpoch := Epoch(index) - 1
	first, last := EpochBounds(completedEpoch)
	firstBlock, err := m.chain.GetCanonical(first)
	if err != nil {
		return tip.Header.Difficulty, nil // epoch not fully observed locally yet; keep current difficulty
	}
	lastBlock, err := m.chain.GetCanonical(last)
	if err != nil {
		return tip.Header.Difficulty, nil
	}
	observed := lastBlock.Header.Timestamp - firstBlock.Header.Timestamp
	return NextDifficulty(m.cfg, tip.Header.Difficulty, observed), nil
}
