package boxcar

import (
	"maps"
	"slices"

	"go.uber.org/zap"
)

// Commit merges this transaction into its parent under the parent's merge
// lock, serializing otherwise-parallel sibling commits into a total order.
// On success the parent's nested version advances by exactly one,
// regardless of how many transitively-merged children rode along. Every
// failure releases the transaction's structures; the caller finalizes with
// Abort and decides how to retry based on the signal
func (p *ParallelTx) Commit() error {
	parent := p.parent
	parent.mu.Lock()
	err := p.merge(parent)
	parent.mu.Unlock()
	if err != nil {
		return err
	}

	p.worker.resetBackoff()
	p.finish()
	p.bc.log.Debug("parallel child merged",
		zap.Stringer("tx", p.id),
		zap.Stringer("parent", parent.id),
		zap.Int64("nested_version", parent.nestedVersion.Load()),
	)
	return nil
}

// merge runs inside the parent's merge lock
func (p *ParallelTx) merge(parent *Tx) error {
	if err := p.validateSnapshot(parent); err != nil {
		return err
	}

	// Validate array reads and compute the subset propagated to the
	// parent for further validation up the tree
	propagated, err := p.validateArrayReads(parent)
	if err != nil {
		p.release()
		return err
	}

	if p.readAncestorCache {
		// A concurrent merge into the parent may have made our ancestor
		// per-tx reads stale; pessimistically demand sequential re-run
		if p.ancestorVersionOf(parent) != parent.nestedVersion.Load() {
			p.release()
			return ErrExecuteSequentially
		}
		// every ancestor above must make the same verification
		if parent.nested != nil {
			parent.nested.readAncestorCache = true
		}
	}

	commitVersion := parent.nestedVersion.Load() + 1
	p.orec.nestedVersion.Store(commitVersion)
	p.orec.owner.Store(parent)

	merged := append(slices.Clone(parent.mergedChildren()), p)
	for _, m := range p.mergedChildren() {
		m.orec.nestedVersion.Store(commitVersion)
		m.orec.owner.Store(parent)
		merged = append(merged, m)
	}
	parent.merged.Store(&merged)

	if len(p.perTxValues) > 0 {
		if parent.perTxValues == nil {
			parent.perTxValues = p.perTxValues
		} else {
			maps.Copy(parent.perTxValues, p.perTxValues)
		}
	}

	p.mergeArrayWrites(parent, commitVersion)
	parent.arraysRead = propagated

	// one increment per merge, no matter how many descendants rode along
	parent.nestedVersion.Add(1)
	return nil
}

func (p *ParallelTx) mergeArrayWrites(parent *Tx, commitVersion int64) {
	if len(p.arrayWrites) == 0 {
		return
	}
	if parent.arrayWrites == nil {
		parent.arrayWrites = p.arrayWrites
		parent.arrayWriteCount = p.arrayWriteCount
		for _, e := range p.arrayWrites {
			e.nestedVersion = commitVersion
		}
		return
	}
	for key, e := range p.arrayWrites {
		e.nestedVersion = commitVersion
		if _, ok := parent.arrayWrites[key]; ok {
			parent.arrayWrites[key] = e
			continue
		}
		parent.arrayWrites[key] = e
		parent.arrayWriteCount[e.array]++
	}
}

// validateSnapshot re-walks every recorded read against the current state
// of the in-place chains. Skipped entirely when no sibling has merged into
// the parent since this transaction forked
func (p *ParallelTx) validateSnapshot(parent *Tx) error {
	if p.ancestorVersionOf(parent) == parent.nestedVersion.Load() {
		return nil
	}

	for b, iw := range p.nestedReads {
		if err := p.validateNestedRead(b, iw); err != nil {
			return err
		}
	}
	for _, m := range p.mergedChildren() {
		for b, iw := range m.nestedReads {
			if err := p.validateNestedRead(b, iw); err != nil {
				return err
			}
		}
	}

	if len(p.globalReads) > 0 {
		if err := p.validateGlobalReads(p.globalReads, p.cursor); err != nil {
			return err
		}
	}
	for _, m := range p.mergedChildren() {
		if len(m.globalReads) > 0 {
			err := p.validateGlobalReads(m.globalReads, m.cursor)
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// validateNestedRead checks a read that observed an ancestor's in-place
// write: walking the chain from the head, the observed node must be
// reached before any other ancestor-owned node
func (p *ParallelTx) validateNestedRead(b *Box, observed *inplaceWrite) error {
	for iter := b.inplace.Load(); iter != nil; iter = iter.next {
		if iter == observed {
			return nil
		}
		owner := iter.orec.Load().owner.Load()
		if p.ancestorVersionOf(owner) >= 0 {
			p.release()
			return &ConflictError{Ancestor: owner}
		}
	}
	return nil
}

// validateGlobalReads checks reads that came from committed state: no node
// of the chain may belong to an ancestor. The newest block is partially
// filled above the cursor; earlier blocks are full
func (p *ParallelTx) validateGlobalReads(
	blocks []*readBlock, cursor int,
) error {
	newest := blocks[len(blocks)-1]
	for _, b := range newest.entries[cursor+1:] {
		if err := p.validateGlobalRead(b); err != nil {
			return err
		}
	}
	for _, blk := range blocks[:len(blocks)-1] {
		for _, b := range blk.entries {
			if err := p.validateGlobalRead(b); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *ParallelTx) validateGlobalRead(b *Box) error {
	for iter := b.inplace.Load(); iter != nil; iter = iter.next {
		owner := iter.orec.Load().owner.Load()
		if p.ancestorVersionOf(owner) >= 0 {
			p.release()
			return &ConflictError{Ancestor: owner}
		}
	}
	return nil
}

// validateCommittedReads re-checks this merged transaction's batched
// committed-state reads against the top-level snapshot. Merges validate
// them against sibling activity; only the top of the tree sees writes
// committed by other top-level transactions
func (p *ParallelTx) validateCommittedReads(number int64) error {
	if len(p.globalReads) == 0 {
		return nil
	}
	newest := p.globalReads[len(p.globalReads)-1]
	for _, b := range newest.entries[p.cursor+1:] {
		if b.body.Load().version > number {
			return ErrEarlyAbort
		}
	}
	for _, blk := range p.globalReads[:len(p.globalReads)-1] {
		for _, b := range blk.entries {
			if b.body.Load().version > number {
				return ErrEarlyAbort
			}
		}
	}
	return nil
}

// validateArrayReads verifies array reads against the parent's write set
// and returns the parent's read log extended with every entry that was
// observed above the parent and needs validation further up the tree
func (p *ParallelTx) validateArrayReads(
	parent *Tx,
) ([]*arrayEntry, error) {
	parentReads := parent.arraysRead
	maxVersion := p.ancestorVersionOf(parent)
	for _, e := range p.arraysRead {
		if e.readOwner != parent {
			parentReads = append(parentReads, e)
		}
		if parent.arrayWrites == nil {
			continue
		}
		w, ok := parent.arrayWrites[arrayKey{e.array, e.index}]
		if !ok {
			continue
		}
		if w.nestedVersion > maxVersion {
			return nil, &ConflictError{Ancestor: parent}
		}
	}
	return parentReads, nil
}

// Abort rolls the transaction back; safe to call after any failed
// operation, including ones that already released eagerly
func (p *ParallelTx) Abort() {
	if !p.orec.aborted() {
		p.release()
	}
}

// release drives the failure path: unlink every in-place head node this
// transaction owns, flip the ownership records of this transaction and its
// merged children to the aborted sentinel, and discard local state.
//
// The unlink runs as two passes with identical logic: first over the write
// sets of the parent's merged children, then over the parent's own
func (p *ParallelTx) release() {
	parent := p.parent
	for _, sib := range parent.mergedChildren() {
		p.unlinkOwned(sib.ownedWrites)
	}
	p.unlinkOwned(parent.ownedWrites)

	p.orec.mergeVersion.Store(orecAborted)
	for _, m := range p.mergedChildren() {
		m.orec.mergeVersion.Store(orecAborted)
	}

	p.boxesWritten = nil
	for _, blk := range p.globalReads {
		blk.release()
	}
	p.globalReads = nil
	p.cursor = -1
	p.nestedReads = nil
	p.merged.Store(&noMerged)
	p.bc.log.Debug("parallel child aborted", zap.Stringer("tx", p.id))
}

// unlinkOwned splices this transaction's nodes off the head of each box's
// chain, stopping at the next node still owned by someone else
func (p *ParallelTx) unlinkOwned(boxes []*Box) {
	for _, b := range boxes {
		iw := b.inplace.Load()
		if iw.orec.Load().owner.Load() != &p.Tx || iw.next == nil {
			continue
		}
		head := iw.next
		for head.next != nil &&
			head.next.orec.Load().owner.Load() == &p.Tx {
			head = head.next
		}
		b.inplace.Store(head)
	}
}

// finish releases the structures no longer needed once merged; the read
// logs stay alive for revalidation by ancestor commits and return to the
// pool when the top of the tree completes
func (p *ParallelTx) finish() {
	p.boxesWritten = nil
	p.perTxValues = nil
	p.merged.Store(&noMerged)
}

// cleanUp releases the remaining structures at end of subtree lifetime
func (p *ParallelTx) cleanUp() {
	p.ownedWrites = nil
	p.nestedReads = nil
	for _, blk := range p.globalReads {
		blk.release()
	}
	p.globalReads = nil
	p.cursor = -1
}
