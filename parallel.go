package boxcar

import (
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type (
	// ParallelTx is a nested transaction that may run concurrently with
	// its siblings under a common parent. Reads and writes are conflict-
	// checked eagerly against the ancestor-version snapshot taken at fork
	// time; Commit merges the transaction into its parent under the
	// parent's merge lock. All operations must run on the goroutine that
	// owns the transaction's Worker
	ParallelTx struct {
		Tx

		worker      *Worker
		nestedReads map[*Box]*inplaceWrite
		globalReads []*readBlock

		// cursor indexes the next free slot of the newest read block;
		// blocks fill toward slot zero and a negative cursor requests a
		// fresh block
		cursor int

		// readAncestorCache marks that correctness now depends on no
		// sibling having committed into an ancestor whose per-tx cache
		// was consulted
		readAncestorCache bool
	}
)

// Ancestor resolution sentinels: values >= 0 are the fork-time version of
// an actual ancestor
const (
	ancestorSelf int64 = -2
	notAncestor  int64 = -1
)

// Parallel forks a child that may run concurrently with its siblings,
// inheriting an ancestor-version array extended with the parent's current
// nested version
func (tx *Tx) Parallel(w *Worker) *ParallelTx {
	p := &ParallelTx{
		worker:      w,
		nestedReads: map[*Box]*inplaceWrite{},
		cursor:      -1,
	}
	p.bc = tx.bc
	p.id = uuid.New()
	p.parent = tx
	p.nested = p
	p.number = tx.number

	anc := make([]int64, len(tx.ancVersions)+1)
	anc[0] = tx.nestedVersion.Load()
	copy(anc[1:], tx.ancVersions)
	p.ancVersions = anc

	p.orec = newOwnership(&p.Tx)
	p.merged.Store(&noMerged)
	p.boxesWritten = tx.boxesWritten

	tx.bc.log.Debug("parallel child forked",
		zap.Stringer("tx", p.id),
		zap.Stringer("parent", tx.id),
	)
	return p
}

// SpawnUnsafeParallel is rejected: unsafely-parallel children may only be
// spawned by a top-level transaction
func (p *ParallelTx) SpawnUnsafeParallel() (*Tx, error) {
	return nil, ErrUnsafeParallelNesting
}

// SpawnLinearNested is rejected: restructure to use a single parallel
// region instead
func (p *ParallelTx) SpawnLinearNested() (*Tx, error) {
	return nil, ErrLinearNesting
}

// ancestorVersionOf resolves another transaction against this one's
// lineage: ancestorSelf, notAncestor, or the version of that ancestor
// recorded at fork time. Every conflict check reduces to this primitive
func (p *ParallelTx) ancestorVersionOf(tx *Tx) int64 {
	if tx == &p.Tx {
		return ancestorSelf
	}
	i := 0
	for next := p.parent; next != nil; next = next.parent {
		if next == tx {
			return p.ancVersions[i]
		}
		i++
	}
	return notAncestor
}

// lowestCommonAncestor walks up from tx to the first node that is an
// ancestor of this transaction; nil means the two lineages are unrelated
func (p *ParallelTx) lowestCommonAncestor(tx *Tx) *Tx {
	for cur := tx; cur != nil; cur = cur.parent {
		if p.ancestorVersionOf(cur) >= 0 {
			return cur
		}
	}
	return nil
}

// Read returns the box's value as visible to this transaction. The
// in-place chain is walked newest to oldest: the transaction's own pending
// write, a visible ancestor write, the inherited pre-fork write set, or
// the newest committed body, in that order. An ancestor write that
// postdates this transaction's snapshot of that ancestor aborts eagerly
func (p *ParallelTx) Read(b *Box) (any, error) {
	iw := b.inplace.Load()
	value := iw.getValue()
	orec := iw.orec.Load()

	if mv := orec.mergeVersion.Load(); mv > 0 && mv <= p.number {
		return p.readCommitted(b)
	}

	for {
		entryVersion := orec.nestedVersion.Load()
		owner := orec.owner.Load()
		switch v := p.ancestorVersionOf(owner); {
		case v >= 0:
			if entryVersion > v {
				// eager write-read conflict
				p.release()
				return nil, &ConflictError{Ancestor: owner}
			}
			p.nestedReads[b] = iw
			return value, nil
		case v == ancestorSelf:
			return value, nil
		}
		if iw = iw.next; iw == nil {
			break
		}
		value = iw.getValue()
		orec = iw.orec.Load()
	}

	if v, ok := p.boxesWritten[b]; ok {
		return v, nil
	}
	return p.readCommitted(b)
}

// readCommitted reads the newest committed body and batches the box into
// the current read block for commit-time validation
func (p *ParallelTx) readCommitted(b *Box) (any, error) {
	body := b.body.Load()
	if body.version > p.number {
		p.release()
		return nil, ErrEarlyAbort
	}

	var blk *readBlock
	if p.cursor < 0 {
		blk = p.worker.getBlock()
		p.cursor = len(blk.entries) - 1
		p.globalReads = append(p.globalReads, blk)
	} else {
		blk = p.globalReads[len(p.globalReads)-1]
	}
	blk.entries[p.cursor] = b
	p.cursor--
	return body.value, nil
}

// Write claims ownership of the box's in-place slot. An already-owned slot
// is mutated without synchronization; a committed slot within the snapshot
// is reclaimed by CAS; a slot owned by a running ancestor gains a new node
// prepended by CAS on the head. Contention against anything else aborts:
// toward the lowest common ancestor after a backoff delay, or demanding
// sequential execution when the owner's lineage is unrelated
func (p *ParallelTx) Write(b *Box, value any) error {
	iw := b.inplace.Load()
	owner := iw.orec.Load()
	if owner.owner.Load() == &p.Tx {
		iw.setValue(value)
		return nil
	}

	for {
		if mv := owner.mergeVersion.Load(); mv != orecRunning {
			if mv <= p.number {
				if iw.orec.CompareAndSwap(owner, p.orec) {
					iw.setValue(value)
					p.ownedWrites = append(p.ownedWrites, b)
					return nil
				}
				owner = iw.orec.Load()
				continue
			}
			// committed past our snapshot
			break
		}

		ownerTx := owner.owner.Load()
		if p.ancestorVersionOf(ownerTx) >= 0 {
			if b.inplace.CompareAndSwap(
				iw, newInplaceWrite(p.orec, value, iw),
			) {
				p.ownedWrites = append(p.ownedWrites, b)
				return nil
			}
			iw = b.inplace.Load()
			owner = iw.orec.Load()
			continue
		}

		if lca := p.lowestCommonAncestor(ownerTx); lca != nil {
			p.release()
			delay := p.worker.nextBackoff()
			p.bc.log.Debug("write contention, backing off",
				zap.Stringer("tx", p.id),
				zap.Duration("delay", delay),
			)
			p.bc.config.Sleep(delay)
			return &ConflictError{Ancestor: lca}
		}
		// owner is not from this nesting tree
		break
	}

	p.release()
	p.bc.log.Warn("falling back to sequential execution",
		zap.Stringer("tx", p.id),
	)
	return ErrExecuteSequentially
}

// ReadPerTx resolves a per-transaction value against this transaction and
// its ancestors. An ancestor's cache may be consulted only under that
// ancestor's merge lock, and only while no sibling has committed into it
// since this lineage diverged; a hit leaves the transaction dependent on
// that staying true through commit time
func (p *ParallelTx) ReadPerTx(box *PerTxBox) (any, error) {
	if v, ok := p.perTxValues[box]; ok {
		return v, nil
	}

	for iter := p.parent; iter != nil; iter = iter.parent {
		iter.mu.Lock()
		v, ok := iter.perTxValues[box]
		iter.mu.Unlock()
		if !ok {
			continue
		}
		if iter.nestedVersion.Load() != p.ancestorVersionOf(iter) {
			// a sibling merged into this ancestor since we forked; a
			// consistent parallel re-read cannot be guaranteed
			p.release()
			return nil, ErrExecuteSequentially
		}
		p.readAncestorCache = true
		return v, nil
	}

	return box.initial, nil
}

// ReadArray resolves one array slot against this transaction's write set,
// its ancestors' write sets, and finally the committed snapshot. Ancestor
// hits are version-checked like box reads and logged for commit-time
// propagation
func (p *ParallelTx) ReadArray(a *Array, index int) (any, error) {
	key := arrayKey{a, index}
	if e, ok := p.arrayWrites[key]; ok {
		return e.writeValue, nil
	}

	for iter := p.parent; iter != nil; iter = iter.parent {
		iter.mu.Lock()
		e, ok := iter.arrayWrites[key]
		var value any
		var entryVersion int64
		if ok {
			value = e.writeValue
			entryVersion = e.nestedVersion
		}
		iter.mu.Unlock()
		if !ok {
			continue
		}
		if entryVersion > p.ancestorVersionOf(iter) {
			p.release()
			return nil, &ConflictError{Ancestor: iter}
		}
		p.arraysRead = append(p.arraysRead, &arrayEntry{
			array:     a,
			index:     index,
			readOwner: iter,
		})
		return value, nil
	}

	return p.readCommittedArray(a, index)
}
