package storage

import (
	"encoding/binary"
	"encoding/json"
	"errors"

	"github.com/tolelom/modality/mining"
)

// MiningBlockStore implements mining.BlockStore on top of a generic DB,
// grounded on the teacher's LevelBlockStore (block:/height:/chain:tip key
// layout) but remapped to the §4.6 schema and extended with cumulative
// difficulty tracking, which the teacher's PoA chain had no need for.
type MiningBlockStore struct {
	db DB
}

// NewMiningBlockStore wraps db as a mining.BlockStore.
func NewMiningBlockStore(db DB) *MiningBlockStore {
	return &MiningBlockStore{db: db}
}

func (s *MiningBlockStore) GetBlockByHash(hash string) (*mining.Block, error) {
	data, err := s.db.Get(minerBlockByHashKey(hash))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, mining.ErrNotFound
		}
		return nil, err
	}
	var b mining.Block
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *MiningBlockStore) PutBlock(block *mining.Block) error {
	data, err := json.Marshal(block)
	if err != nil {
		return err
	}
	return s.db.Set(minerBlockByHashKey(block.Hash), data)
}

func (s *MiningBlockStore) GetCanonicalHash(index int64) (string, error) {
	v, err := s.db.Get(minerBlockCanonicalKey(index))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", mining.ErrNotFound
		}
		return "", err
	}
	return string(v), nil
}

func (s *MiningBlockStore) SetCanonicalHash(index int64, hash string) error {
	return s.db.Set(minerBlockCanonicalKey(index), []byte(hash))
}

func (s *MiningBlockStore) MarkOrphaned(hash string) error {
	b, err := s.GetBlockByHash(hash)
	if err != nil {
		return err
	}
	b.Orphaned = true
	return s.PutBlock(b)
}

func (s *MiningBlockStore) GetTip() (string, error) {
	v, err := s.db.Get(minerTipKey)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", nil
		}
		return "", err
	}
	return string(v), nil
}

func (s *MiningBlockStore) SetTip(hash string) error {
	return s.db.Set(minerTipKey, []byte(hash))
}

func (s *MiningBlockStore) GetCumulativeDifficulty(hash string) (uint64, error) {
	v, err := s.db.Get(minerCumDiffKey(hash))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return binary.BigEndian.Uint64(v), nil
}

func (s *MiningBlockStore) SetCumulativeDifficulty(hash string, total uint64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], total)
	return s.db.Set(minerCumDiffKey(hash), b[:])
}
