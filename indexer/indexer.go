// Package indexer maintains secondary indexes over accepted contract
// commits so callers can query asset ownership without replaying every
// contract's log from genesis.
package indexer

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/tolelom/modality/events"
	"github.com/tolelom/modality/storage"
)

const prefixOwnerAssets = "idx:owner:asset:"

// Indexer subscribes to contract-commit events and updates secondary
// lookup tables. It never re-derives truth from the contract log itself —
// on a cold index it must be rebuilt by replaying every tracked contract's
// log through the same asset-aware event shape.
type Indexer struct {
	db      storage.DB
	emitter *events.Emitter
}

// New creates an Indexer backed by db and subscribes to relevant events.
func New(db storage.DB, emitter *events.Emitter) *Indexer {
	idx := &Indexer{db: db, emitter: emitter}
	emitter.Subscribe(events.EventContractCommit, idx.onContractCommit)
	return idx
}

// GetAssetsByOwner returns all "contract_id/asset_path" identifiers owned by
// the given peer id.
func (idx *Indexer) GetAssetsByOwner(owner string) ([]string, error) {
	return idx.getList(prefixOwnerAssets + owner)
}

func (idx *Indexer) onContractCommit(ev events.Event) {
	method, _ := ev.Data["method"].(string)
	assetKey, _ := ev.Data["asset_key"].(string)
	if assetKey == "" {
		return
	}
	switch method {
	case "create":
		owner, _ := ev.Data["owner"].(string)
		if owner == "" {
			return
		}
		if err := idx.addToList(prefixOwnerAssets+owner, assetKey); err != nil {
			log.Printf("[indexer] create index write failed (owner=%s asset=%s): %v", owner, assetKey, err)
		}
	case "send":
		from, _ := ev.Data["from"].(string)
		to, _ := ev.Data["to"].(string)
		if from == "" || to == "" {
			return
		}
		if err := idx.removeFromList(prefixOwnerAssets+from, assetKey); err != nil {
			log.Printf("[indexer] send remove failed (from=%s asset=%s): %v", from, assetKey, err)
		}
		if err := idx.addToList(prefixOwnerAssets+to, assetKey); err != nil {
			log.Printf("[indexer] send add failed (to=%s asset=%s): %v", to, assetKey, err)
		}
	}
}

// ---- list helpers ----

func (idx *Indexer) getList(key string) ([]string, error) {
	data, err := idx.db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil // empty list
		}
		return nil, err
	}
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("indexer unmarshal: %w", err)
	}
	return ids, nil
}

func (idx *Indexer) addToList(key, value string) error {
	ids, err := idx.getList(key)
	if err != nil {
		return fmt.Errorf("read list: %w", err)
	}
	for _, id := range ids {
		if id == value {
			return nil // already present
		}
	}
	ids = append(ids, value)
	data, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	return idx.db.Set([]byte(key), data)
}

func (idx *Indexer) removeFromList(key, value string) error {
	ids, err := idx.getList(key)
	if err != nil {
		return fmt.Errorf("read list: %w", err)
	}
	if ids == nil {
		return nil
	}
	filtered := ids[:0]
	for _, id := range ids {
		if id != value {
			filtered = append(filtered, id)
		}
	}
	data, err := json.Marshal(filtered)
	if err != nil {
		return err
	}
	return idx.db.Set([]byte(key), data)
}
