package boxcar

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type (
	// Tx is one node of the transaction tree. A Tx returned by Begin is a
	// top-level transaction; ParallelTx embeds a Tx so that parent chains,
	// ancestor checks, and ownership records treat every node uniformly.
	//
	// Fields below the merge lock are mutated only while that lock is
	// held; a transaction's own read/write sets are touched only by the
	// goroutine running it
	Tx struct {
		bc     *Boxcar
		id     uuid.UUID
		parent *Tx

		// nested points back to the ParallelTx wrapping this node, nil
		// for a top-level transaction
		nested *ParallelTx

		// number is the global version visible when the root ancestor
		// started; ancVersions[i] is the nested-commit version of the
		// i-th ancestor at fork time
		number      int64
		ancVersions []int64

		orec          *ownership
		nestedVersion atomic.Int64
		merged        atomic.Pointer[[]*ParallelTx]

		// mu is the merge lock: the single lock in the system, scoping
		// the critical section of one child merge
		mu sync.Mutex

		boxesWritten    map[*Box]any
		ownedWrites     []*Box
		perTxValues     map[*PerTxBox]any
		arrayWrites     map[arrayKey]*arrayEntry
		arrayWriteCount map[*Array]int
		arraysRead      []*arrayEntry

		// reads logs top-level committed-state reads for commit-time
		// validation; parallel children batch theirs into read blocks
		reads []*Box

		sequential bool
	}
)

var noMerged = []*ParallelTx{}

// Begin starts a top-level read-write transaction at the current global
// version
func (bc *Boxcar) Begin() *Tx {
	tx := &Tx{
		bc:     bc,
		id:     uuid.New(),
		number: bc.clock.Load(),
	}
	tx.orec = newOwnership(tx)
	tx.merged.Store(&noMerged)
	bc.log.Debug("transaction started",
		zap.Stringer("tx", tx.id),
		zap.Int64("snapshot", tx.number),
	)
	return tx
}

// ID returns the transaction's identity, used for log correlation
func (tx *Tx) ID() uuid.UUID {
	return tx.id
}

// Snapshot returns the global version visible to this transaction
func (tx *Tx) Snapshot() int64 {
	return tx.number
}

// NestedVersion returns the number of child merges folded into this
// transaction so far
func (tx *Tx) NestedVersion() int64 {
	return tx.nestedVersion.Load()
}

// Sequential reports whether the driver re-runs parallel regions of this
// transaction one sibling at a time
func (tx *Tx) Sequential() bool {
	return tx.sequential
}

func (tx *Tx) mergedChildren() []*ParallelTx {
	return *tx.merged.Load()
}

// Read returns the box's value as seen by a top-level transaction: a head
// node owned through a merged child, the local write set, or the newest
// committed body
func (tx *Tx) Read(b *Box) (any, error) {
	iw := b.inplace.Load()
	if iw.orec.Load().owner.Load() == tx {
		return iw.getValue(), nil
	}
	if v, ok := tx.boxesWritten[b]; ok {
		return v, nil
	}
	return tx.readCommitted(b)
}

func (tx *Tx) readCommitted(b *Box) (any, error) {
	body := b.body.Load()
	if body.version > tx.number {
		return nil, ErrEarlyAbort
	}
	tx.reads = append(tx.reads, b)
	return body.value, nil
}

// Write records a tentative value. An already-owned head node is
// overwritten without synchronization and a committed slot within the
// snapshot is reclaimed by CAS, keeping the write visible to parallel
// children through the chain; a slot held by another transaction falls
// back to the local write set and publishes at commit
func (tx *Tx) Write(b *Box, value any) error {
	iw := b.inplace.Load()
	owner := iw.orec.Load()
	if owner.owner.Load() == tx {
		iw.setValue(value)
		return nil
	}

	for {
		mv := owner.mergeVersion.Load()
		if mv == orecRunning || mv > tx.number {
			break
		}
		if iw.orec.CompareAndSwap(owner, tx.orec) {
			iw.setValue(value)
			tx.ownedWrites = append(tx.ownedWrites, b)
			return nil
		}
		iw = b.inplace.Load()
		owner = iw.orec.Load()
	}

	if tx.boxesWritten == nil {
		tx.boxesWritten = map[*Box]any{}
	}
	tx.boxesWritten[b] = value
	return nil
}

// ReadArray returns one slot of an array: the local write set, then the
// committed snapshot
func (tx *Tx) ReadArray(a *Array, index int) (any, error) {
	if e, ok := tx.arrayWrites[arrayKey{a, index}]; ok {
		return e.writeValue, nil
	}
	return tx.readCommittedArray(a, index)
}

func (tx *Tx) readCommittedArray(a *Array, index int) (any, error) {
	body := a.body.Load()
	if body.version > tx.number {
		return nil, ErrEarlyAbort
	}
	tx.arraysRead = append(tx.arraysRead, &arrayEntry{array: a, index: index})
	return body.values[index], nil
}

// WriteArray records a tentative write to one slot of an array
func (tx *Tx) WriteArray(a *Array, index int, value any) {
	key := arrayKey{a, index}
	if e, ok := tx.arrayWrites[key]; ok {
		e.writeValue = value
		return
	}
	if tx.arrayWrites == nil {
		tx.arrayWrites = map[arrayKey]*arrayEntry{}
		tx.arrayWriteCount = map[*Array]int{}
	}
	tx.arrayWrites[key] = &arrayEntry{array: a, index: index, writeValue: value}
	tx.arrayWriteCount[a]++
}

// ReadPerTx returns the transaction's value for the box, falling back to
// the box's initial value
func (tx *Tx) ReadPerTx(box *PerTxBox) (any, error) {
	if v, ok := tx.perTxValues[box]; ok {
		return v, nil
	}
	return box.initial, nil
}

// WritePerTx records a per-transaction value for the box
func (tx *Tx) WritePerTx(box *PerTxBox, value any) {
	if tx.perTxValues == nil {
		tx.perTxValues = map[*PerTxBox]any{}
	}
	tx.perTxValues[box] = value
}

// Commit validates the transaction's committed-state reads and publishes
// its write sets, and those of every merged descendant, as new bodies at
// the next global version. Read-only transactions commit without touching
// the clock
func (tx *Tx) Commit() error {
	bc := tx.bc
	merged := tx.mergedChildren()
	owned := tx.ownedBoxes(merged)

	if len(tx.boxesWritten) == 0 && len(tx.arrayWrites) == 0 &&
		len(owned) == 0 {
		tx.finishTop(merged)
		return nil
	}

	bc.commitMu.Lock()
	if err := tx.validateCommitted(merged); err != nil {
		bc.commitMu.Unlock()
		return err
	}

	version := bc.clock.Load() + 1
	inPlace := map[*Box]bool{}
	for _, b := range owned {
		inPlace[b] = true
	}
	for b, v := range tx.boxesWritten {
		// a pre-fork write superseded by a merged in-place write
		// publishes once, with the merged value
		if !inPlace[b] {
			b.commitValue(v, version)
		}
	}
	for _, b := range owned {
		b.commitValue(b.inplace.Load().getValue(), version)
	}
	tx.commitArrays(version)

	tx.orec.mergeVersion.Store(version)
	for _, m := range merged {
		m.orec.mergeVersion.Store(version)
	}
	bc.clock.Store(version)
	bc.commitMu.Unlock()

	bc.notifyCommit(version)
	bc.log.Debug("transaction committed",
		zap.Stringer("tx", tx.id),
		zap.Int64("version", version),
		zap.Int("merged", len(merged)),
	)
	tx.finishTop(merged)
	return nil
}

// ownedBoxes collects every box whose in-place head still belongs to this
// transaction. Boxes surface through the owned-write sets of merged
// descendants; heads claimed by an aborted child were either unlinked at
// abort or read as aborted here and skipped
func (tx *Tx) ownedBoxes(merged []*ParallelTx) []*Box {
	seen := map[*Box]bool{}
	var owned []*Box
	collect := func(boxes []*Box) {
		for _, b := range boxes {
			if seen[b] {
				continue
			}
			seen[b] = true
			o := b.inplace.Load().orec.Load()
			if o.owner.Load() == tx &&
				o.mergeVersion.Load() == orecRunning {
				owned = append(owned, b)
			}
		}
	}
	collect(tx.ownedWrites)
	for _, m := range merged {
		collect(m.ownedWrites)
	}
	return owned
}

// validateCommitted re-checks every committed-state read against the
// global clock: the transaction's own read log, the batched read blocks of
// every merged descendant, and the array reads propagated up by merges
func (tx *Tx) validateCommitted(merged []*ParallelTx) error {
	for _, b := range tx.reads {
		if b.body.Load().version > tx.number {
			return ErrEarlyAbort
		}
	}
	for _, m := range merged {
		if err := m.validateCommittedReads(tx.number); err != nil {
			return err
		}
	}
	for _, e := range tx.arraysRead {
		if e.readOwner == nil && e.array.body.Load().version > tx.number {
			return ErrEarlyAbort
		}
	}
	return nil
}

func (tx *Tx) commitArrays(version int64) {
	if len(tx.arrayWrites) == 0 {
		return
	}
	perArray := map[*Array]map[int]any{}
	for key, e := range tx.arrayWrites {
		writes := perArray[key.array]
		if writes == nil {
			writes = map[int]any{}
			perArray[key.array] = writes
		}
		writes[key.index] = e.writeValue
	}
	for a, writes := range perArray {
		a.commitValues(writes, version)
	}
}

// Abort rolls the whole subtree back: merged descendants' records flip to
// the aborted sentinel and their structures are released
func (tx *Tx) Abort() {
	merged := tx.mergedChildren()
	for _, m := range merged {
		m.orec.mergeVersion.Store(orecAborted)
	}
	tx.orec.mergeVersion.Store(orecAborted)
	tx.bc.log.Debug("transaction aborted", zap.Stringer("tx", tx.id))
	tx.finishTop(merged)
}

// finishTop releases the subtree's structures once the top-level outcome
// is decided; merged descendants' read blocks return to their pools here,
// not at nested commit, because ancestor commits revalidate them
func (tx *Tx) finishTop(merged []*ParallelTx) {
	for _, m := range merged {
		m.cleanUp()
	}
	tx.merged.Store(&noMerged)
	tx.boxesWritten = nil
	tx.ownedWrites = nil
	tx.perTxValues = nil
	tx.arrayWrites = nil
	tx.arrayWriteCount = nil
	tx.arraysRead = nil
	tx.reads = nil
}
