package boxcar_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sync/errgroup"

	"github.com/kode4food/boxcar"
)

func TestParallelReadYourWrites(t *testing.T) {
	bc := boxcar.New(testConfig(t))
	box := bc.NewBox("committed")

	tx := bc.Begin()
	child := tx.Parallel(bc.NewWorker())

	v, err := child.Read(box)
	assert.NoError(t, err)
	assert.Equal(t, "committed", v)

	assert.NoError(t, child.Write(box, "pending"))
	v, err = child.Read(box)
	assert.NoError(t, err)
	assert.Equal(t, "pending", v)

	// the pending value is invisible outside the subtree
	outside := bc.Begin()
	v, err = outside.Read(box)
	assert.NoError(t, err)
	assert.Equal(t, "committed", v)
}

func TestChildSeesParentWrite(t *testing.T) {
	bc := boxcar.New(testConfig(t))
	box := bc.NewBox(0)

	tx := bc.Begin()
	assert.NoError(t, tx.Write(box, 7))

	child := tx.Parallel(bc.NewWorker())
	v, err := child.Read(box)
	assert.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestDisjointSiblingsMerge(t *testing.T) {
	bc := boxcar.New(testConfig(t))
	x := bc.NewBox(1)
	y := bc.NewBox(2)

	tx := bc.Begin()
	w1, w2 := bc.NewWorker(), bc.NewWorker()

	s1 := tx.Parallel(w1)
	s2 := tx.Parallel(w2)

	assert.NoError(t, s1.Write(x, 10))
	assert.NoError(t, s2.Write(y, 20))

	assert.NoError(t, s1.Commit())
	assert.Equal(t, int64(1), tx.NestedVersion())
	assert.NoError(t, s2.Commit())
	assert.Equal(t, int64(2), tx.NestedVersion())

	// both merges are visible to the parent
	v, err := tx.Read(x)
	assert.NoError(t, err)
	assert.Equal(t, 10, v)
	v, err = tx.Read(y)
	assert.NoError(t, err)
	assert.Equal(t, 20, v)

	assert.NoError(t, tx.Commit())
	assert.Equal(t, int64(2), bc.Version())

	after := bc.Begin()
	v, err = after.Read(x)
	assert.NoError(t, err)
	assert.Equal(t, 10, v)
	v, err = after.Read(y)
	assert.NoError(t, err)
	assert.Equal(t, 20, v)
}

func TestSiblingWriteConflict(t *testing.T) {
	var delays int
	cfg := testConfig(t)
	cfg.Sleep = func(d time.Duration) { delays++ }
	bc := boxcar.New(cfg)
	box := bc.NewBox(0)

	tx := bc.Begin()
	s1 := tx.Parallel(bc.NewWorker())
	s2 := tx.Parallel(bc.NewWorker())

	assert.NoError(t, s1.Write(box, 1))

	err := s2.Write(box, 2)
	var conflict *boxcar.ConflictError
	assert.ErrorAs(t, err, &conflict)
	assert.Same(t, tx, conflict.Ancestor)
	assert.Equal(t, 1, delays)
	s2.Abort()

	// the winner still merges and publishes
	assert.NoError(t, s1.Commit())
	assert.NoError(t, tx.Commit())

	v, err := bc.Begin().Read(box)
	assert.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestEagerReadAfterSiblingMerge(t *testing.T) {
	bc := boxcar.New(testConfig(t))
	box := bc.NewBox("before")

	tx := bc.Begin()
	stale := tx.Parallel(bc.NewWorker())

	s1 := tx.Parallel(bc.NewWorker())
	assert.NoError(t, s1.Write(box, "after"))
	assert.NoError(t, s1.Commit())

	// stale forked before the merge; the ancestor write postdates its
	// snapshot and the read aborts eagerly
	_, err := stale.Read(box)
	var conflict *boxcar.ConflictError
	assert.ErrorAs(t, err, &conflict)
	assert.Same(t, tx, conflict.Ancestor)
	stale.Abort()

	// a child forked after the merge reads the merged value
	fresh := tx.Parallel(bc.NewWorker())
	v, err := fresh.Read(box)
	assert.NoError(t, err)
	assert.Equal(t, "after", v)
	assert.NoError(t, fresh.Commit())
	assert.Equal(t, int64(2), tx.NestedVersion())
}

func TestChildEarlyAbort(t *testing.T) {
	bc := boxcar.New(testConfig(t))
	box := bc.NewBox("old")

	tx := bc.Begin()

	interloper := bc.Begin()
	assert.NoError(t, interloper.Write(box, "new"))
	assert.NoError(t, interloper.Commit())

	child := tx.Parallel(bc.NewWorker())
	_, err := child.Read(box)
	assert.ErrorIs(t, err, boxcar.ErrEarlyAbort)
	child.Abort()
}

func TestTransitiveMerge(t *testing.T) {
	bc := boxcar.New(testConfig(t))
	box := bc.NewBox(0)

	tx := bc.Begin()
	child := tx.Parallel(bc.NewWorker())
	grandchild := child.Parallel(bc.NewWorker())

	assert.NoError(t, grandchild.Write(box, 99))
	assert.NoError(t, grandchild.Commit())
	assert.Equal(t, int64(1), child.NestedVersion())

	v, err := child.Read(box)
	assert.NoError(t, err)
	assert.Equal(t, 99, v)

	// the grandchild rides along; the parent's version moves once
	assert.NoError(t, child.Commit())
	assert.Equal(t, int64(1), tx.NestedVersion())

	v, err = tx.Read(box)
	assert.NoError(t, err)
	assert.Equal(t, 99, v)

	assert.NoError(t, tx.Commit())
	v, err = bc.Begin().Read(box)
	assert.NoError(t, err)
	assert.Equal(t, 99, v)
}

func TestAbortUnlinksPendingWrite(t *testing.T) {
	bc := boxcar.New(testConfig(t))
	box := bc.NewBox("committed")

	tx := bc.Begin()

	s1 := tx.Parallel(bc.NewWorker())
	assert.NoError(t, s1.Write(box, "merged"))
	assert.NoError(t, s1.Commit())

	// s2's write stacks on top of the merged one, then rolls back
	s2 := tx.Parallel(bc.NewWorker())
	assert.NoError(t, s2.Write(box, "doomed"))
	s2.Abort()

	v, err := tx.Read(box)
	assert.NoError(t, err)
	assert.Equal(t, "merged", v)

	// the slot is claimable again by a later sibling
	s3 := tx.Parallel(bc.NewWorker())
	assert.NoError(t, s3.Write(box, "final"))
	assert.NoError(t, s3.Commit())
	assert.NoError(t, tx.Commit())

	v, err = bc.Begin().Read(box)
	assert.NoError(t, err)
	assert.Equal(t, "final", v)
}

func TestAbortedSlotReclaim(t *testing.T) {
	bc := boxcar.New(testConfig(t))
	box := bc.NewBox("committed")

	tx := bc.Begin()

	s1 := tx.Parallel(bc.NewWorker())
	assert.NoError(t, s1.Write(box, "doomed"))
	s1.Abort()

	// the aborted value never surfaces
	v, err := tx.Read(box)
	assert.NoError(t, err)
	assert.Equal(t, "committed", v)

	s2 := tx.Parallel(bc.NewWorker())
	v, err = s2.Read(box)
	assert.NoError(t, err)
	assert.Equal(t, "committed", v)

	assert.NoError(t, s2.Write(box, "reclaimed"))
	assert.NoError(t, s2.Commit())

	v, err = tx.Read(box)
	assert.NoError(t, err)
	assert.Equal(t, "reclaimed", v)
	assert.NoError(t, tx.Commit())
}

func TestSpawnRejections(t *testing.T) {
	bc := boxcar.New(testConfig(t))
	child := bc.Begin().Parallel(bc.NewWorker())

	_, err := child.SpawnUnsafeParallel()
	assert.ErrorIs(t, err, boxcar.ErrUnsafeParallelNesting)

	_, err = child.SpawnLinearNested()
	assert.ErrorIs(t, err, boxcar.ErrLinearNesting)
}

func TestForeignOwnerForcesSequential(t *testing.T) {
	bc := boxcar.New(testConfig(t))
	box := bc.NewBox(0)

	tx1 := bc.Begin()
	tx2 := bc.Begin()

	c1 := tx1.Parallel(bc.NewWorker())
	assert.NoError(t, c1.Write(box, 1))

	// the owner belongs to an unrelated transaction tree
	c2 := tx2.Parallel(bc.NewWorker())
	err := c2.Write(box, 2)
	assert.ErrorIs(t, err, boxcar.ErrExecuteSequentially)
	c2.Abort()
}

func TestCommitValidatesCommittedReads(t *testing.T) {
	bc := boxcar.New(testConfig(t))
	box := bc.NewBox("v0")

	tx := bc.Begin()

	reader := tx.Parallel(bc.NewWorker())
	v, err := reader.Read(box)
	assert.NoError(t, err)
	assert.Equal(t, "v0", v)

	writer := tx.Parallel(bc.NewWorker())
	assert.NoError(t, writer.Write(box, "v1"))
	assert.NoError(t, writer.Commit())

	// the sibling merge invalidated the committed-state read
	err = reader.Commit()
	var conflict *boxcar.ConflictError
	assert.ErrorAs(t, err, &conflict)
	assert.Same(t, tx, conflict.Ancestor)
	reader.Abort()
}

func TestCommitValidatesNestedReads(t *testing.T) {
	bc := boxcar.New(testConfig(t))
	box := bc.NewBox(0)

	tx := bc.Begin()

	s0 := tx.Parallel(bc.NewWorker())
	assert.NoError(t, s0.Write(box, 1))
	assert.NoError(t, s0.Commit())

	// reader observes the merged write, then a sibling overwrites it
	reader := tx.Parallel(bc.NewWorker())
	v, err := reader.Read(box)
	assert.NoError(t, err)
	assert.Equal(t, 1, v)

	writer := tx.Parallel(bc.NewWorker())
	assert.NoError(t, writer.Write(box, 2))
	assert.NoError(t, writer.Commit())

	err = reader.Commit()
	var conflict *boxcar.ConflictError
	assert.ErrorAs(t, err, &conflict)
	assert.Same(t, tx, conflict.Ancestor)
	reader.Abort()
}

func TestWriteOwnershipRace(t *testing.T) {
	bc := boxcar.New(testConfig(t))
	box := bc.NewBox(0)
	tx := bc.Begin()

	const contenders = 8
	children := make([]*boxcar.ParallelTx, contenders)
	errs := make([]error, contenders)
	var g errgroup.Group
	for i := 0; i < contenders; i++ {
		i := i
		g.Go(func() error {
			children[i] = tx.Parallel(bc.NewWorker())
			errs[i] = children[i].Write(box, i)
			return nil
		})
	}
	assert.NoError(t, g.Wait())

	// exactly one contender claims the slot; the rest are told where to
	// retry from
	winners := 0
	for i, err := range errs {
		if err == nil {
			winners++
			assert.NoError(t, children[i].Commit())
			continue
		}
		var conflict *boxcar.ConflictError
		assert.ErrorAs(t, err, &conflict)
		assert.Same(t, tx, conflict.Ancestor)
		children[i].Abort()
	}
	assert.Equal(t, 1, winners)
}

func TestCommitSkipsValidationWhenParentUnchanged(t *testing.T) {
	bc := boxcar.New(testConfig(t))
	box := bc.NewBox("stable")

	tx := bc.Begin()
	child := tx.Parallel(bc.NewWorker())

	v, err := child.Read(box)
	assert.NoError(t, err)
	assert.Equal(t, "stable", v)
	assert.NoError(t, child.Commit())
	assert.Equal(t, int64(1), tx.NestedVersion())
	assert.NoError(t, tx.Commit())
}
