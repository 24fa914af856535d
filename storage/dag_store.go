package storage

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/VictoriaMetrics/fastcache"

	"github.com/tolelom/modality/dag"
)

// hotCacheBytes bounds the in-process certificate/batch cache. Certificates
// and batches are immutable once written, so there is no invalidation to
// reason about — only an eviction budget.
const hotCacheBytes = 32 * 1024 * 1024

// DAGPersistence durably stores certificates, batches, and checkpoints under
// the §4.6 key schema. It is a side persistence layer alongside dag.Store's
// in-memory arena: every certificate is written here before dag.Store counts
// it as present (§4.6 "every certificate is persisted before being counted
// in the DAG"), and checkpoints snapshot dag.Store's contents periodically.
// A fastcache-backed hot cache sits in front of certificate and batch reads,
// since the ordered-log drain and certificate-range sync both re-read
// recently-written entries far more often than old ones.
type DAGPersistence struct {
	db  DB
	hot *fastcache.Cache
}

// NewDAGPersistence wraps db.
func NewDAGPersistence(db DB) *DAGPersistence {
	return &DAGPersistence{db: db, hot: fastcache.New(hotCacheBytes)}
}

// PutCertificate persists a certificate under its round and digest.
func (p *DAGPersistence) PutCertificate(c dag.Certificate) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	key := dagCertKey(c.Round(), c.Digest())
	if err := p.db.Set(key, data); err != nil {
		return err
	}
	p.hot.Set(key, data)
	return p.bumpHighestRound(c.Round())
}

// bumpHighestRound records round in dag/meta/current if it exceeds the
// value already stored there, so a restarted node knows how far to recover
// without rescanning every round from zero.
func (p *DAGPersistence) bumpHighestRound(round int64) error {
	current, err := p.HighestRound()
	if err != nil {
		return err
	}
	if round <= current {
		return nil
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(round))
	return p.db.Set(dagMetaCurrentKey, buf)
}

// HighestRound returns the highest round any certificate has been
// persisted for, or -1 if none have been written yet.
func (p *DAGPersistence) HighestRound() (int64, error) {
	data, err := p.db.Get(dagMetaCurrentKey)
	if errors.Is(err, ErrNotFound) {
		return -1, nil
	}
	if err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(data)), nil
}

// LatestRound is a convenience wrapper for callers that only need the
// highest persisted round (e.g. to pick Recover's upToRound) without
// constructing their own DAGPersistence.
func LatestRound(db DB) (int64, error) {
	return NewDAGPersistence(db).HighestRound()
}

// GetCertificate loads a certificate by round and digest.
func (p *DAGPersistence) GetCertificate(round int64, digest string) (*dag.Certificate, error) {
	key := dagCertKey(round, digest)
	data := p.hot.Get(nil, key)
	if data == nil {
		var err error
		data, err = p.db.Get(key)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, dag.ErrNotFound
			}
			return nil, err
		}
		p.hot.Set(key, data)
	}
	var c dag.Certificate
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// LoadRound returns every certificate persisted for round, used by startup
// replay.
func (p *DAGPersistence) LoadRound(round int64) ([]*dag.Certificate, error) {
	it := p.db.NewIterator(dagCertRoundPrefix(round))
	defer it.Release()

	var out []*dag.Certificate
	for it.Next() {
		var c dag.Certificate
		if err := json.Unmarshal(it.Value(), &c); err != nil {
			return nil, fmt.Errorf("decode certificate: %w", err)
		}
		out = append(out, &c)
	}
	return out, it.Error()
}

// PutBatch persists a sealed batch.
func (p *DAGPersistence) PutBatch(b dag.Batch) error {
	data, err := json.Marshal(b)
	if err != nil {
		return err
	}
	key := dagBatchKey(b.Digest())
	if err := p.db.Set(key, data); err != nil {
		return err
	}
	p.hot.Set(key, data)
	return nil
}

// GetBatch loads a batch by digest.
func (p *DAGPersistence) GetBatch(digest string) (*dag.Batch, error) {
	key := dagBatchKey(digest)
	data := p.hot.Get(nil, key)
	if data == nil {
		var err error
		data, err = p.db.Get(key)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, dag.ErrNotFound
			}
			return nil, err
		}
		p.hot.Set(key, data)
	}
	var b dag.Batch
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// Checkpoint is the periodic snapshot described in §4.6: the full DAG
// contents plus consensus and reputation state, captured every 100 rounds.
type Checkpoint struct {
	Round         int64             `json:"round"`
	Certificates  []*dag.Certificate `json:"certificates"`
	ConsensusBlob []byte            `json:"consensus_blob"`
}

// CheckpointInterval is how many rounds pass between checkpoints (§4.6).
const CheckpointInterval = 100

// PutCheckpoint persists a checkpoint at the given round.
func (p *DAGPersistence) PutCheckpoint(cp Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	return p.db.Set(dagCheckpointKey(cp.Round), data)
}

// LatestCheckpoint scans backwards from round (inclusive) in
// CheckpointInterval steps to find the most recent persisted checkpoint.
// Returns (nil, nil) if none exists, matching the "no checkpoint → replay
// all certificates" fallback in §4.6.
func (p *DAGPersistence) LatestCheckpoint(upToRound int64) (*Checkpoint, error) {
	for r := (upToRound / CheckpointInterval) * CheckpointInterval; r >= 0; r -= CheckpointInterval {
		data, err := p.db.Get(dagCheckpointKey(r))
		if errors.Is(err, ErrNotFound) {
			if r == 0 {
				break
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		var cp Checkpoint
		if err := json.Unmarshal(data, &cp); err != nil {
			return nil, err
		}
		return &cp, nil
	}
	return nil, nil
}

// Recover rebuilds a dag.Store using the "hybrid" strategy (§4.6): load the
// latest checkpoint (if any), seed the store with it, then replay every
// persisted certificate whose round is greater than the checkpoint's round
// (or every certificate, if there is no checkpoint), up to upToRound.
// Callers that want the full persisted history should pass
// LatestRound(db) (or its own tracked current round) rather than a literal
// 0, or recovery silently stops at round 0 on every restart. The checkpoint
// used, if any, is also returned so the caller can restore the consensus
// and reputation state it was captured alongside.
func Recover(db DB, upToRound int64) (*dag.Store, *Checkpoint, error) {
	p := NewDAGPersistence(db)
	store := dag.NewStore()

	fromRound := int64(0)
	cp, err := p.LatestCheckpoint(upToRound)
	if err != nil {
		return nil, nil, fmt.Errorf("load checkpoint: %w", err)
	}
	if cp != nil {
		for _, c := range cp.Certificates {
			if err := store.Insert(*c); err != nil {
				return nil, nil, fmt.Errorf("replay checkpoint certificate: %w", err)
			}
		}
		fromRound = cp.Round + 1
	}

	for r := fromRound; r <= upToRound; r++ {
		certs, err := p.LoadRound(r)
		if err != nil {
			return nil, nil, fmt.Errorf("load round %d: %w", r, err)
		}
		for _, c := range certs {
			if err := store.Insert(*c); err != nil {
				return nil, nil, fmt.Errorf("replay round %d certificate: %w", r, err)
			}
		}
	}
	return store, cp, nil
}
