package boxcar

import (
	"math"
	"sync/atomic"
)

type (
	// ownership names the transaction that currently owns a pending write
	// and the version at which that ownership became permanent. Readers
	// race against the slot-claiming CAS in the write path, so every field
	// is atomic; owner and nestedVersion are reassigned only while the
	// owning transaction's parent holds its merge lock
	ownership struct {
		mergeVersion  atomic.Int64
		nestedVersion atomic.Int64
		owner         atomic.Pointer[Tx]
	}
)

const (
	orecRunning int64 = 0
	orecAborted int64 = math.MinInt64
)

func newOwnership(owner *Tx) *ownership {
	o := &ownership{}
	o.owner.Store(owner)
	return o
}

// committedOwnership anchors a freshly created Box or Array: the slot reads
// as committed at the given global version, so the first writer claims it
// through the ordinary reclaim CAS
func committedOwnership(version int64) *ownership {
	o := &ownership{}
	o.mergeVersion.Store(version)
	return o
}

func (o *ownership) aborted() bool {
	return o.mergeVersion.Load() == orecAborted
}
