package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tolelom/modality/contract"
	"github.com/tolelom/modality/crypto"
	"github.com/tolelom/modality/dag"
	"github.com/tolelom/modality/events"
	"github.com/tolelom/modality/network"
	"github.com/tolelom/modality/shoal"
	"github.com/tolelom/modality/storage"
)

// ShoalValidator is the concrete hybrid.Validator the node supervisor
// constructs for each committee this node joins: one dag.Primary producing
// certificates, one shoal.ConsensusState ordering them into anchors, and a
// drain that replays each committed certificate's batches through the
// contract validator in deterministic order.
type ShoalValidator struct {
	selfID string
	priv   crypto.PrivateKey
	db     storage.DB
	node   *network.Node

	store       *dag.Store
	persistence *storage.DAGPersistence
	contractVal *contract.Validator
	contractLog *storage.ContractLog
	emitter     *events.Emitter

	cancel  context.CancelFunc
	done    chan struct{}
	drained int // ordered-log entries already applied by drainOrderedLog
}

// NewShoalValidator constructs a validator runtime bound to a node's
// network and storage layers. Call Start to join a committee.
func NewShoalValidator(selfID string, priv crypto.PrivateKey, db storage.DB, node *network.Node, contractVal *contract.Validator, emitter *events.Emitter) *ShoalValidator {
	return &ShoalValidator{
		selfID:      selfID,
		priv:        priv,
		db:          db,
		node:        node,
		contractVal: contractVal,
		contractLog: storage.NewContractLog(db),
		emitter:     emitter,
	}
}

// Start implements hybrid.Validator: it recovers the DAG store (and, if a
// checkpoint exists, the consensus/reputation state it was captured
// alongside) for committee, and begins producing and ordering certificates
// in the background.
func (v *ShoalValidator) Start(committee []string) error {
	v.persistence = storage.NewDAGPersistence(v.db)

	highestRound, err := storage.LatestRound(v.db)
	if err != nil {
		return fmt.Errorf("load highest dag round: %w", err)
	}
	store, cp, err := storage.Recover(v.db, highestRound)
	if err != nil {
		return err
	}
	v.store = store

	syncer := network.NewDAGSyncer(v.node, v.store)
	primary := dag.NewPrimary(v.selfID, v.priv, v.store, syncer, committee)
	syncer.SetPrimary(primary)

	var rep *shoal.ReputationState
	var cs *shoal.ConsensusState
	if cp != nil && len(cp.ConsensusBlob) > 0 {
		var blob checkpointBlob
		if err := json.Unmarshal(cp.ConsensusBlob, &blob); err != nil {
			return fmt.Errorf("decode checkpoint blob: %w", err)
		}
		rep = shoal.RestoreReputationState(committee, blob.Reputation)
		cs = shoal.RestoreConsensusState(v.store, rep, committee, 2, blob.Consensus)
	} else {
		rep = shoal.NewReputationState(committee)
		cs = shoal.NewConsensusState(v.store, rep, committee, 2)
	}
	v.drained = len(cs.OrderedLog())
	syncer.SetEquivocationHook(func(author string, round int64) {
		rep.PenalizeEquivocation(author, round)
	})

	ctx, cancel := context.WithCancel(context.Background())
	v.cancel = cancel
	v.done = make(chan struct{})

	go v.run(ctx, primary, cs, rep, committee, highestRound+1)
	return nil
}

// checkpointBlob is the JSON shape stored in storage.Checkpoint's
// ConsensusBlob field: the consensus commit frontier plus reputation
// scores and exclusions, captured together every storage.CheckpointInterval
// rounds so a restart resumes ordering without replaying the whole DAG.
type checkpointBlob struct {
	Consensus  shoal.StateSnapshot      `json:"consensus"`
	Reputation shoal.ReputationSnapshot `json:"reputation"`
}

// Stop implements hybrid.Validator: it cancels the background loop and
// waits for it to exit.
func (v *ShoalValidator) Stop() error {
	if v.cancel == nil {
		return nil
	}
	v.cancel()
	<-v.done
	return nil
}

func (v *ShoalValidator) run(ctx context.Context, primary *dag.Primary, cs *shoal.ConsensusState, rep *shoal.ReputationState, committee []string, startRound int64) {
	defer close(v.done)
	round := startRound
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		roundCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		cert, err := primary.RunRound(roundCtx, round)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[validator] round %d: %v", round, err)
			time.Sleep(500 * time.Millisecond)
			continue
		}

		if err := v.persistence.PutCertificate(*cert); err != nil {
			log.Printf("[validator] persist certificate %s: %v", cert.Digest(), err)
		}
		v.emitter.Emit(events.Event{Type: events.EventCertificateInserted, Data: map[string]any{"digest": cert.Digest(), "round": cert.Round()}})

		anchorAuthor := shoal.SelectAnchorAuthor(committee, rep, round)
		if cert.Author() == anchorAuthor {
			cs.RegisterAnchor(round, cert.Digest())
			committed, err := cs.TryCommitAnchor(cert.Digest(), round)
			if err != nil {
				log.Printf("[validator] commit anchor round %d: %v", round, err)
			} else if committed {
				v.drainOrderedLog(cs)
			}
		}

		if round > 0 && round%storage.CheckpointInterval == 0 {
			if err := v.writeCheckpoint(round, cs, rep); err != nil {
				log.Printf("[validator] checkpoint at round %d: %v", round, err)
			}
		}

		round++
	}
}

// writeCheckpoint snapshots the DAG store, commit frontier, and reputation
// state together at round, so a restart can resume ordering from here
// instead of replaying every certificate since round 0 (§4.6).
func (v *ShoalValidator) writeCheckpoint(round int64, cs *shoal.ConsensusState, rep *shoal.ReputationState) error {
	blob, err := json.Marshal(checkpointBlob{Consensus: cs.Snapshot(), Reputation: rep.FullSnapshot()})
	if err != nil {
		return fmt.Errorf("marshal checkpoint blob: %w", err)
	}
	cp := storage.Checkpoint{
		Round:         round,
		Certificates:  v.store.Snapshot(),
		ConsensusBlob: blob,
	}
	return v.persistence.PutCheckpoint(cp)
}

// drainOrderedLog replays every certificate newly added to cs's ordered log
// through the contract validator, in the deterministic order Shoal
// produced. Within one entry, the worker batches that make up its
// certificate are fetched concurrently (pure I/O, no ordering requirement
// between them) but applied to the contract validator in a fixed order —
// anchor order is consensus, batch-fetch order is not.
func (v *ShoalValidator) drainOrderedLog(cs *shoal.ConsensusState) {
	ordered := cs.OrderedLog()
	defer func() { v.drained = len(ordered) }()
	for _, entry := range ordered[v.drained:] {
		batches := make([]*dag.Batch, len(entry.BatchDigests))
		g, _ := errgroup.WithContext(context.Background())
		for i, bd := range entry.BatchDigests {
			i, bd := i, bd
			g.Go(func() error {
				batch, err := v.persistence.GetBatch(bd.Digest)
				if err != nil {
					log.Printf("[validator] ordered entry %s: load batch %s: %v", entry.CertificateDigest, bd.Digest, err)
					return nil
				}
				batches[i] = batch
				return nil
			})
		}
		_ = g.Wait()

		for _, batch := range batches {
			if batch == nil {
				continue
			}
			for _, raw := range batch.Txs {
				v.applyCommit(raw)
			}
		}
	}
}

func (v *ShoalValidator) applyCommit(raw []byte) {
	var c contract.Commit
	if err := json.Unmarshal(raw, &c); err != nil {
		log.Printf("[validator] decode commit: %v", err)
		return
	}
	commits, err := v.contractLog.Log(c.ContractID)
	if err != nil {
		log.Printf("[validator] load log for %s: %v", c.ContractID, err)
		return
	}
	state, err := v.loadReplayState(c.ContractID, commits)
	if err != nil {
		log.Printf("[validator] replay state for %s: %v", c.ContractID, err)
		return
	}
	next, err := v.contractVal.Validate(state, c)
	if err != nil {
		v.emitter.Emit(events.Event{Type: events.EventContractRejected, ContractID: c.ContractID, Data: map[string]any{"error": err.Error()}})
		return
	}
	if err := v.contractLog.Append(c.ContractID, int64(len(commits)), c); err != nil {
		log.Printf("[validator] append commit %s: %v", c.Hash, err)
		return
	}
	if err := v.contractLog.PutReplayState(c.ContractID, int64(len(commits))+1, next); err != nil {
		log.Printf("[validator] snapshot %s: %v", c.ContractID, err)
	}
	v.emitter.Emit(events.Event{Type: events.EventContractCommit, ContractID: c.ContractID, Data: map[string]any{"method": string(c.Method)}})
}

// loadReplayState mirrors rpc.Handler.loadReplayState: use the cached
// replay snapshot when it already covers every commit in commits, fall
// back to a full ReplayLog otherwise.
func (v *ShoalValidator) loadReplayState(contractID string, commits []contract.Commit) (*contract.ReplayState, error) {
	if snap, seq, ok, err := v.contractLog.GetReplayState(contractID); err != nil {
		return nil, err
	} else if ok && seq == int64(len(commits)) {
		return snap, nil
	}
	state := &contract.ReplayState{ContractID: contractID, Paths: contract.PathStore{}}
	replay, err := v.contractVal.ReplayLog(contractID, commits)
	if err != nil {
		return nil, err
	}
	if replay != nil {
		state = replay
	}
	return state, nil
}
