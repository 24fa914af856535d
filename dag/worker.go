package dag

import (
	"log"
	"sync"
	"time"
)

// Announcer is implemented by the network layer: Announce gossips a
// (digest, worker_id) pair to peer workers once a batch is sealed.
type Announcer interface {
	Announce(digest string, workerID uint32)
}

// Worker collects submitted transactions into batches, sealing one when
// either batchSizeBytes or batchTimeout is reached (§4.2). Grounded on
// core/mempool.go's pending-transaction buffer, generalized from
// "mempool holds everything" to "mempool seals bounded batches".
type Worker struct {
	id              uint32
	author          string // peer id of the primary this worker serves
	batchSizeBytes  int
	batchTimeout    time.Duration
	announcer       Announcer
	persist         func(Batch) error
	availableLocal  func(digest string) bool

	mu      sync.Mutex
	pending [][]byte
	size    int
	timer   *time.Timer
}

// NewWorker constructs a Worker serving the primary identified by author.
// persist is called to durably store a sealed batch before it is announced
// (§4.6: batches persisted before counted available).
func NewWorker(id uint32, author string, batchSizeBytes int, batchTimeout time.Duration, announcer Announcer, persist func(Batch) error) *Worker {
	return &Worker{
		id:             id,
		author:         author,
		batchSizeBytes: batchSizeBytes,
		batchTimeout:   batchTimeout,
		announcer:      announcer,
		persist:        persist,
	}
}

// Submit adds a transaction to the pending batch, sealing immediately if
// this pushes the batch over batchSizeBytes.
func (w *Worker) Submit(tx []byte) error {
	w.mu.Lock()
	w.pending = append(w.pending, tx)
	w.size += len(tx)
	seal := w.size >= w.batchSizeBytes
	if !seal && w.timer == nil {
		w.timer = time.AfterFunc(w.batchTimeout, w.sealOnTimeout)
	}
	w.mu.Unlock()

	if seal {
		return w.Seal()
	}
	return nil
}

func (w *Worker) sealOnTimeout() {
	if err := w.Seal(); err != nil {
		log.Printf("[dag-worker %d] timeout seal: %v", w.id, err)
	}
}

// Seal closes out the pending batch (if non-empty), persists it, and
// announces its digest. Safe to call concurrently with Submit.
func (w *Worker) Seal() error {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	if len(w.pending) == 0 {
		w.mu.Unlock()
		return nil
	}
	batch := Batch{WorkerID: w.id, Author: w.author, Timestamp: time.Now().Unix(), Txs: w.pending}
	w.pending = nil
	w.size = 0
	w.mu.Unlock()

	if err := w.persist(batch); err != nil {
		return err
	}
	w.announcer.Announce(batch.Digest(), w.id)
	return nil
}
