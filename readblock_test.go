package boxcar_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/kode4food/boxcar"
)

func TestReadBlockPooling(t *testing.T) {
	cfg := testConfig(t)
	cfg.ReadBlockSize = 4
	bc := boxcar.New(cfg)

	boxes := make([]*boxcar.Box, 5)
	for i := range boxes {
		boxes[i] = bc.NewBox(i)
	}

	tx := bc.Begin()
	w := bc.NewWorker()
	assert.Equal(t, 0, w.PoolSize())

	child := tx.Parallel(w)
	for _, b := range boxes {
		_, err := child.Read(b)
		assert.NoError(t, err)
	}

	// five reads spilled into a second block; both return on abort
	child.Abort()
	assert.Equal(t, 2, w.PoolSize())

	next := tx.Parallel(w)
	_, err := next.Read(boxes[0])
	assert.NoError(t, err)
	assert.Equal(t, 1, w.PoolSize())
	next.Abort()
	assert.Equal(t, 2, w.PoolSize())
}

func TestReadBlocksHeldUntilTopLevelCompletes(t *testing.T) {
	bc := boxcar.New(testConfig(t))
	box := bc.NewBox("value")

	tx := bc.Begin()
	w := bc.NewWorker()

	child := tx.Parallel(w)
	_, err := child.Read(box)
	assert.NoError(t, err)
	assert.NoError(t, child.Commit())

	// the merged read log stays alive for ancestor revalidation
	assert.Equal(t, 0, w.PoolSize())

	assert.NoError(t, tx.Commit())
	assert.Equal(t, 1, w.PoolSize())
}

func TestBackoffDoublingAndReset(t *testing.T) {
	var delays []time.Duration
	cfg := testConfig(t)
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = 4 * time.Millisecond
	cfg.Sleep = func(d time.Duration) { delays = append(delays, d) }
	bc := boxcar.New(cfg)

	x := bc.NewBox(0)
	y := bc.NewBox(0)

	tx := bc.Begin()
	wOwner := bc.NewWorker()
	wLoser := bc.NewWorker()

	holder := tx.Parallel(wOwner)
	assert.NoError(t, holder.Write(x, 1))

	// each failed attempt doubles the worker's delay up to the ceiling
	for i := 0; i < 3; i++ {
		loser := tx.Parallel(wLoser)
		assert.Error(t, loser.Write(x, 2))
		loser.Abort()
	}
	assert.NoError(t, holder.Commit())

	// a successful merge resets the delay
	winner := tx.Parallel(wLoser)
	assert.NoError(t, winner.Write(x, 3))
	assert.NoError(t, winner.Commit())

	other := tx.Parallel(wOwner)
	assert.NoError(t, other.Write(y, 1))
	loser := tx.Parallel(wLoser)
	assert.Error(t, loser.Write(y, 2))
	loser.Abort()

	expected := []time.Duration{
		time.Millisecond,
		2 * time.Millisecond,
		4 * time.Millisecond,
		time.Millisecond,
	}
	assert.Equal(t, expected, delays)
}
