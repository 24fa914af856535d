package hybrid

import (
	"fmt"
	"log"
	"sync"

	"github.com/tolelom/modality/events"
	"github.com/tolelom/modality/mining"
)

// Validator is the lifecycle surface the coordinator drives: whatever
// bundles a Shoal consensus instance (DAG worker/primary, ConsensusState,
// contract ordering hookup) for one mining epoch's committee. The concrete
// implementation lives at the node-supervisor level, which has the
// constructors for dag.Store, dag.Primary, and shoal.ConsensusState
// available; hybrid only needs to start and stop it.
type Validator interface {
	Start(committee []string) error
	Stop() error
}

// Coordinator binds C1 and C3 per §4.4: it listens for epoch-transition
// events, derives the validator set two epochs back, and starts or tears
// down the local Shoal validator instance depending on membership.
// Grounded on network/node.go's handler-registration pattern (Handle +
// dispatch), generalized from wire messages to internal epoch events.
type Coordinator struct {
	chain         *mining.Chain
	emitter       *events.Emitter
	selfPeerID    string
	committeeSize int
	newValidator  func() Validator

	mu        sync.Mutex
	running   Validator
	runningOf int64 // epoch the running validator was started for, -1 if none
}

// NewCoordinator constructs a Coordinator. newValidator builds a fresh
// Validator instance each time this node needs to join a committee.
func NewCoordinator(chain *mining.Chain, emitter *events.Emitter, selfPeerID string, committeeSize int, newValidator func() Validator) *Coordinator {
	c := &Coordinator{
		chain:         chain,
		emitter:       emitter,
		selfPeerID:    selfPeerID,
		committeeSize: committeeSize,
		newValidator:  newValidator,
		runningOf:     -1,
	}
	emitter.Subscribe(events.EventEpochTransition, c.handleEpochTransition)
	return c
}

// handleEpochTransition is the events.Handler invoked when the miner
// broadcasts (or this node observes) index % 40 == 0.
func (c *Coordinator) handleEpochTransition(ev events.Event) {
	if err := c.ReconcileEpoch(ev.Epoch); err != nil {
		log.Printf("[hybrid] epoch %d reconcile: %v", ev.Epoch, err)
	}
}

// ReconcileEpoch derives the validator set for epoch and starts or tears
// down this node's validator instance accordingly (§4.4). Safe to call at
// startup as well as on every transition event.
func (c *Coordinator) ReconcileEpoch(epoch int64) error {
	set, err := DeriveValidatorSet(c.chain, epoch, c.committeeSize)
	if err != nil {
		if err == ErrValidatorSetUndefined {
			log.Printf("[hybrid] epoch %d: validator set undefined, miner-only operation", epoch)
			return nil
		}
		return fmt.Errorf("derive validator set: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	member := IsMember(set, c.selfPeerID)
	switch {
	case member && c.running == nil:
		v := c.newValidator()
		if err := v.Start(set); err != nil {
			return fmt.Errorf("start validator for epoch %d: %w", epoch, err)
		}
		c.running = v
		c.runningOf = epoch
		c.emitter.Emit(events.Event{Type: events.EventValidatorActivated, Epoch: epoch})
		log.Printf("[hybrid] joined committee for epoch %d (%d members)", epoch, len(set))

	case member && c.running != nil && c.runningOf != epoch:
		// Committee membership persists across the epoch boundary but the
		// member set may have changed; restart against the fresh set.
		if err := c.running.Stop(); err != nil {
			log.Printf("[hybrid] stop validator before restart: %v", err)
		}
		v := c.newValidator()
		if err := v.Start(set); err != nil {
			return fmt.Errorf("restart validator for epoch %d: %w", epoch, err)
		}
		c.running = v
		c.runningOf = epoch

	case !member && c.running != nil:
		if err := c.running.Stop(); err != nil {
			log.Printf("[hybrid] stop validator: %v", err)
		}
		c.running = nil
		c.runningOf = -1
		c.emitter.Emit(events.Event{Type: events.EventValidatorStepped, Epoch: epoch})
		log.Printf("[hybrid] not in committee for epoch %d, stepped down", epoch)
	}
	return nil
}

// EmitEpochTransition is called by the miner when it mines a block whose
// index % 40 == 0, broadcasting the transition to local subscribers (and,
// via the network layer, to peers).
func EmitEpochTransition(emitter *events.Emitter, epoch int64) {
	emitter.Emit(events.Event{Type: events.EventEpochTransition, Epoch: epoch})
}
