package storage

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tolelom/modality/contract"
)

// ContractLog durably stores a contract's append-only commit log and its
// most recently replayed path snapshot under the §4.6 key schema, so a
// restarted validator can resume without re-fetching every commit over the
// network.
type ContractLog struct {
	db DB
}

// NewContractLog wraps db.
func NewContractLog(db DB) *ContractLog {
	return &ContractLog{db: db}
}

// Append persists commit as the next entry in contractID's log. seq must be
// one greater than the previous call's seq (the caller, typically
// contract.Validator's owner, tracks this).
func (l *ContractLog) Append(contractID string, seq int64, c contract.Commit) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	batch := l.db.NewBatch()
	batch.Set(contractCommitKey(contractID, seq), data)
	batch.Set(contractHeadKey(contractID), []byte(c.Hash))
	return batch.Write()
}

// Log returns every commit persisted for contractID, in commit order.
func (l *ContractLog) Log(contractID string) ([]contract.Commit, error) {
	it := l.db.NewIterator(contractCommitPrefix(contractID))
	defer it.Release()

	var out []contract.Commit
	for it.Next() {
		var c contract.Commit
		if err := json.Unmarshal(it.Value(), &c); err != nil {
			return nil, fmt.Errorf("decode commit: %w", err)
		}
		out = append(out, c)
	}
	return out, it.Error()
}

// Head returns the hash of the last commit appended for contractID.
func (l *ContractLog) Head(contractID string) (string, error) {
	data, err := l.db.Get(contractHeadKey(contractID))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", nil
		}
		return "", err
	}
	return string(data), nil
}

// PutReplayState persists the full replayed state for contractID — model,
// accumulated rules, current model state, and path namespace, not just the
// paths — tagged with seq, the commit-log length it was computed from.
// ReplayLog needs every one of those fields to validate the next commit, so
// a snapshot of paths alone can't stand in for a real replay; this is why
// the cache stores the whole ReplayState.
func (l *ContractLog) PutReplayState(contractID string, seq int64, state *contract.ReplayState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	batch := l.db.NewBatch()
	batch.Set(contractPathKey(contractID, "__snapshot__"), data)
	batch.Set(contractSnapshotSeqKey(contractID), []byte(zp(seq)))
	return batch.Write()
}

// GetReplayState loads the persisted replay state for contractID along with
// the log length it was computed from. ok is false if nothing has been
// snapshotted yet. Callers should only use the returned state in place of a
// full ReplayLog when seq equals the current log length exactly — anything
// older means commits have been appended since and the snapshot predates
// them.
func (l *ContractLog) GetReplayState(contractID string) (state *contract.ReplayState, seq int64, ok bool, err error) {
	data, err := l.db.Get(contractPathKey(contractID, "__snapshot__"))
	if errors.Is(err, ErrNotFound) {
		return nil, 0, false, nil
	}
	if err != nil {
		return nil, 0, false, err
	}
	seqData, err := l.db.Get(contractSnapshotSeqKey(contractID))
	if errors.Is(err, ErrNotFound) {
		return nil, 0, false, nil
	}
	if err != nil {
		return nil, 0, false, err
	}
	var st contract.ReplayState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, 0, false, err
	}
	if _, err := fmt.Sscanf(string(seqData), "%d", &seq); err != nil {
		return nil, 0, false, err
	}
	return &st, seq, true, nil
}
