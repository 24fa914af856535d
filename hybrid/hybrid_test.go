package hybrid

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tolelom/modality/events"
	"github.com/tolelom/modality/mining"
)

type fakeBlockStore struct {
	byHash    map[string]*mining.Block
	canonical map[int64]string
	cumDiff   map[string]uint64
	tip       string
}

func newFakeBlockStore() *fakeBlockStore {
	return &fakeBlockStore{byHash: map[string]*mining.Block{}, canonical: map[int64]string{}, cumDiff: map[string]uint64{}}
}
func (s *fakeBlockStore) GetBlockByHash(hash string) (*mining.Block, error) {
	b, ok := s.byHash[hash]
	if !ok {
		return nil, mining.ErrNotFound
	}
	return b, nil
}
func (s *fakeBlockStore) PutBlock(b *mining.Block) error { s.byHash[b.Hash] = b; return nil }
func (s *fakeBlockStore) GetCanonicalHash(index int64) (string, error) {
	h, ok := s.canonical[index]
	if !ok {
		return "", mining.ErrNotFound
	}
	return h, nil
}
func (s *fakeBlockStore) SetCanonicalHash(index int64, hash string) error {
	s.canonical[index] = hash
	return nil
}
func (s *fakeBlockStore) MarkOrphaned(hash string) error { return nil }
func (s *fakeBlockStore) GetTip() (string, error)        { return s.tip, nil }
func (s *fakeBlockStore) SetTip(hash string) error        { s.tip = hash; return nil }
func (s *fakeBlockStore) GetCumulativeDifficulty(hash string) (uint64, error) {
	return s.cumDiff[hash], nil
}
func (s *fakeBlockStore) SetCumulativeDifficulty(hash string, total uint64) error {
	s.cumDiff[hash] = total
	return nil
}

func mineEpoch(t *testing.T, chain *mining.Chain, cfg mining.DifficultyConfig, nominees []string) {
	t.Helper()
	miner := mining.NewMiner(chain, cfg)
	for i := 0; i < int(mining.EpochLength); i++ {
		b, err := miner.MineNext(context.Background(), make(chan struct{}), nominees[i%len(nominees)], int64(i))
		require.NoError(t, err)
		_, _, err = chain.Accept(b)
		require.NoError(t, err)
	}
}

func TestDeriveValidatorSetUndefinedBeforeEpoch2(t *testing.T) {
	chain := mining.NewChain(newFakeBlockStore())
	require.NoError(t, chain.Init())
	_, err := DeriveValidatorSet(chain, 1, 4)
	require.ErrorIs(t, err, ErrValidatorSetUndefined)
}

func TestDeriveValidatorSetFromTwoEpochsBack(t *testing.T) {
	chain := mining.NewChain(newFakeBlockStore())
	require.NoError(t, chain.Init())
	cfg := mining.DefaultDifficultyConfig()
	cfg.MinDifficulty = 1

	nominees := []string{"peerA", "peerB", "peerC", "peerD", "peerE"}
	mineEpoch(t, chain, cfg, nominees) // epoch 0
	mineEpoch(t, chain, cfg, nominees) // epoch 1

	set, err := DeriveValidatorSet(chain, 2, 4)
	require.NoError(t, err)
	require.Len(t, set, 4)
	for _, m := range set {
		require.Contains(t, nominees, m)
	}
}

func TestCoordinatorStartsAndReconcileIsIdempotent(t *testing.T) {
	chain := mining.NewChain(newFakeBlockStore())
	require.NoError(t, chain.Init())
	cfg := mining.DefaultDifficultyConfig()
	cfg.MinDifficulty = 1
	nominees := []string{"self", "peerB", "peerC", "peerD"}
	mineEpoch(t, chain, cfg, nominees)
	mineEpoch(t, chain, cfg, nominees)

	emitter := events.NewEmitter()
	started := 0
	stopped := 0
	coord := NewCoordinator(chain, emitter, "self", 4, func() Validator {
		return &countingValidator{onStart: func() { started++ }, onStop: func() { stopped++ }}
	})

	require.NoError(t, coord.ReconcileEpoch(2))
	require.Equal(t, 1, started)

	// A different committee that excludes "self" should stop it.
	coord2 := NewCoordinator(chain, emitter, "not-a-member", 4, func() Validator {
		return &countingValidator{onStart: func() {}, onStop: func() {}}
	})
	_ = coord2
	require.NoError(t, coord.ReconcileEpoch(2)) // idempotent re-reconcile, no restart since same epoch
	require.Equal(t, 1, started)
	require.Equal(t, 0, stopped)
}

type countingValidator struct {
	onStart func()
	onStop  func()
}

func (v *countingValidator) Start(committee []string) error { v.onStart(); return nil }
func (v *countingValidator) Stop() error                     { v.onStop(); return nil }
