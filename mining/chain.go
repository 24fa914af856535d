package mining

import (
	"errors"
	"fmt"
	"sync"
)

// ErrNotFound is returned when a requested block does not exist.
var ErrNotFound = errors.New("mining: not found")

// BlockStore is the persistence interface used by Chain. Implementations
// live in the storage package.
type BlockStore interface {
	GetBlockByHash(hash string) (*Block, error)
	PutBlock(block *Block) error
	GetCanonicalHash(index int64) (string, error)
	SetCanonicalHash(index int64, hash string) error
	MarkOrphaned(hash string) error
	GetTip() (string, error)
	SetTip(hash string) error
	GetCumulativeDifficulty(hash string) (uint64, error)
	SetCumulativeDifficulty(hash string, total uint64) error
}

// Chain manages the canonical mining chain: fork-choice by first-seen at a
// height, superseded by cumulative-difficulty reorg (§4.1).
type Chain struct {
	mu     sync.RWMutex
	store  BlockStore
	tip    *Block
	tipCum uint64
}

// NewChain returns a Chain backed by store. Call Init to load any existing
// tip.
func NewChain(store BlockStore) *Chain {
	return &Chain{store: store}
}

// Init loads the persisted tip, if any.
func (c *Chain) Init() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	hash, err := c.store.GetTip()
	if err != nil {
		return fmt.Errorf("get tip: %w", err)
	}
	if hash == "" {
		return nil
	}
	b, err := c.store.GetBlockByHash(hash)
	if err != nil {
		return fmt.Errorf("load tip block: %w", err)
	}
	cum, err := c.store.GetCumulativeDifficulty(hash)
	if err != nil {
		return fmt.Errorf("load tip difficulty: %w", err)
	}
	c.tip = b
	c.tipCum = cum
	return nil
}

// Tip returns the current canonical tip, or nil for a fresh chain.
func (c *Chain) Tip() *Block {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tip
}

// HasBlockAt reports whether a canonical block already exists at index —
// used by the miner to abort before starting a redundant search (§4.1).
func (c *Chain) HasBlockAt(index int64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	hash, err := c.store.GetCanonicalHash(index)
	return err == nil && hash != ""
}

// GetBlockByHash returns a block (canonical or orphaned) by hash.
func (c *Chain) GetBlockByHash(hash string) (*Block, error) {
	return c.store.GetBlockByHash(hash)
}

// GetCanonical returns the canonical block at index.
func (c *Chain) GetCanonical(index int64) (*Block, error) {
	hash, err := c.store.GetCanonicalHash(index)
	if err != nil {
		return nil, err
	}
	return c.store.GetBlockByHash(hash)
}

// Accept validates block and applies the fork-choice rule: first-seen wins
// at a contested height; a block extending a heavier chain triggers a
// reorg. Returns (accepted, reorged, error).
func (c *Chain) Accept(block *Block) (accepted, reorged bool, err error) {
	if err := block.VerifyIntegrity(); err != nil {
		return false, false, fmt.Errorf("integrity: %w", err)
	}
	if !block.MeetsDifficulty() {
		return false, false, errors.New("hash does not meet declared difficulty")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var parentCum uint64
	if block.Header.Index > 0 {
		parent, err := c.store.GetBlockByHash(block.Header.PrevHash)
		if err != nil {
			return false, false, fmt.Errorf("parent %s not known: %w", block.Header.PrevHash, err)
		}
		if parent.Header.Index != block.Header.Index-1 {
			return false, false, errors.New("parent index mismatch")
		}
		parentCum, err = c.store.GetCumulativeDifficulty(parent.Hash)
		if err != nil {
			return false, false, fmt.Errorf("parent difficulty: %w", err)
		}
	}
	cum := parentCum + block.Header.Difficulty

	if err := c.store.PutBlock(block); err != nil {
		return false, false, fmt.Errorf("put block: %w", err)
	}
	if err := c.store.SetCumulativeDifficulty(block.Hash, cum); err != nil {
		return false, false, fmt.Errorf("set cumulative difficulty: %w", err)
	}

	existingHash, _ := c.store.GetCanonicalHash(block.Header.Index)

	switch {
	case existingHash == "":
		// First block seen at this height: becomes canonical immediately.
		if err := c.commitCanonical(block, cum); err != nil {
			return false, false, err
		}
		return true, false, nil

	case existingHash == block.Hash:
		return false, false, nil // already canonical

	default:
		// Contested height: only a strictly heavier chain triggers a reorg.
		if cum <= c.tipCum {
			return true, false, nil // stored for audit, not canonical
		}
		if err := c.reorgTo(block, cum); err != nil {
			return false, false, err
		}
		return true, true, nil
	}
}

// commitCanonical sets block as canonical at its height and advances the tip.
func (c *Chain) commitCanonical(block *Block, cum uint64) error {
	if err := c.store.SetCanonicalHash(block.Header.Index, block.Hash); err != nil {
		return err
	}
	if err := c.store.SetTip(block.Hash); err != nil {
		return err
	}
	c.tip = block
	c.tipCum = cum
	return nil
}

// reorgTo switches the canonical chain to the ancestry of newTip, marking
// the superseded blocks orphaned. It walks back from both the old tip and
// the new block down to block 0, then flips canonical
// pointers for every affected index within this single call so the
// canonical/orphaned flags never observably disagree (resolves the
// "is_canonical flag maintenance" open question in DESIGN.md).
func (c *Chain) reorgTo(newTip *Block, cum uint64) error {
	newChain := []*Block{newTip}
	cur := newTip
	for cur.Header.Index > 0 {
		parent, err := c.store.GetBlockByHash(cur.Header.PrevHash)
		if err != nil {
			return fmt.Errorf("reorg: walk new chain: %w", err)
		}
		newChain = append(newChain, parent)
		cur = parent
	}

	oldByIndex := map[int64]string{}
	if c.tip != nil {
		oc := c.tip
		for {
			oldByIndex[oc.Header.Index] = oc.Hash
			if oc.Header.Index == 0 {
				break
			}
			parent, err := c.store.GetBlockByHash(oc.Header.PrevHash)
			if err != nil {
				return fmt.Errorf("reorg: walk old chain: %w", err)
			}
			oc = parent
		}
	}

	for _, b := range newChain {
		if oldHash, ok := oldByIndex[b.Header.Index]; ok && oldHash != b.Hash {
			if err := c.store.MarkOrphaned(oldHash); err != nil {
				return fmt.Errorf("reorg: mark orphaned: %w", err)
			}
		}
		if err := c.store.SetCanonicalHash(b.Header.Index, b.Hash); err != nil {
			return fmt.Errorf("reorg: set canonical: %w", err)
		}
	}
	return c.commitCanonical(newTip, cum)
}
