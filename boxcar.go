package boxcar

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

type (
	// Boxcar is the shared runtime: the global version clock, the commit
	// lock serializing top-level write-backs, and the configuration under
	// which transactions run
	Boxcar struct {
		config   Config
		log      *zap.Logger
		clock    atomic.Int64
		commitMu sync.Mutex

		listenerMu sync.RWMutex
		listeners  []CommitListener
	}

	// CommitListener observes the global version published by each
	// top-level commit. Listeners run synchronously after the commit
	// lock is released
	CommitListener func(version int64)
)

// New creates a runtime with the given configuration. The global clock
// starts at 1 so that a running ownership record (version 0) can never be
// confused with a committed one
func New(cfg Config) *Boxcar {
	cfg = cfg.normalize()
	bc := &Boxcar{
		config: cfg,
		log:    cfg.Logger,
	}
	bc.clock.Store(1)
	return bc
}

// Version returns the newest globally committed version
func (bc *Boxcar) Version() int64 {
	return bc.clock.Load()
}

// OnCommit registers a listener invoked after every top-level commit
func (bc *Boxcar) OnCommit(fn CommitListener) {
	bc.listenerMu.Lock()
	bc.listeners = append(bc.listeners, fn)
	bc.listenerMu.Unlock()
}

func (bc *Boxcar) notifyCommit(version int64) {
	bc.listenerMu.RLock()
	listeners := bc.listeners
	bc.listenerMu.RUnlock()
	for _, fn := range listeners {
		fn(version)
	}
}
