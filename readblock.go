package boxcar

import (
	"sync"
	"time"
)

type (
	// Worker is the per-goroutine context threaded through parallel
	// nested transactions. It carries the read-block free list and the
	// conflict backoff state. A Worker belongs to one goroutine at a time;
	// only block returns may come from elsewhere
	Worker struct {
		bc      *Boxcar
		backoff time.Duration
		mu      sync.Mutex
		free    []*readBlock
	}

	// readBlock batches committed-state reads into a reusable fixed-size
	// log segment, filled cursor-down from the last slot
	readBlock struct {
		entries []*Box
		owner   *Worker
	}
)

// NewWorker creates a worker context for one driver goroutine
func (bc *Boxcar) NewWorker() *Worker {
	return &Worker{bc: bc, backoff: bc.config.InitialBackoff}
}

// PoolSize reports how many read blocks are parked in the free list
func (w *Worker) PoolSize() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.free)
}

func (w *Worker) getBlock() *readBlock {
	w.mu.Lock()
	if n := len(w.free); n > 0 {
		blk := w.free[n-1]
		w.free = w.free[:n-1]
		w.mu.Unlock()
		return blk
	}
	w.mu.Unlock()
	return &readBlock{
		entries: make([]*Box, w.bc.config.ReadBlockSize),
		owner:   w,
	}
}

// release returns a block to its owner's free list. Unlike getBlock it may
// be called from a different goroutine: the top-level transaction releases
// merged descendants' logs when the whole subtree completes
func (blk *readBlock) release() {
	w := blk.owner
	w.mu.Lock()
	w.free = append(w.free, blk)
	w.mu.Unlock()
}

// nextBackoff returns the current delay and doubles it up to the
// configured ceiling
func (w *Worker) nextBackoff() time.Duration {
	d := w.backoff
	next := min(d*2, w.bc.config.MaxBackoff)
	w.backoff = next
	return d
}

func (w *Worker) resetBackoff() {
	w.backoff = w.bc.config.InitialBackoff
}
