package boxcar

import (
	"slices"
	"sync/atomic"
)

type (
	// Array is the versioned-array analogue of Box: a committed snapshot
	// of all slots plus per-entry speculative writes tracked in the
	// transaction hierarchy rather than on the array itself
	Array struct {
		body atomic.Pointer[arrayBody]
	}

	arrayBody struct {
		values  []any
		version int64
		next    *arrayBody
	}

	// arrayKey identifies one slot of one array in a write or read set
	arrayKey struct {
		array *Array
		index int
	}

	// arrayEntry records either a tentative write to a slot or, when used
	// as a read token, which ancestor the value was observed in (a nil
	// readOwner marks a committed-state read)
	arrayEntry struct {
		array         *Array
		index         int
		writeValue    any
		nestedVersion int64
		readOwner     *Tx
	}
)

// NewArray allocates an Array of length slots, committed at the runtime's
// current version with nil values
func (bc *Boxcar) NewArray(length int) *Array {
	a := &Array{}
	a.body.Store(&arrayBody{
		values:  make([]any, length),
		version: bc.clock.Load(),
	})
	return a
}

// Len returns the number of slots
func (a *Array) Len() int {
	return len(a.body.Load().values)
}

// commitValues links a new committed snapshot with the given slot writes
// applied. Caller holds the runtime's commit lock
func (a *Array) commitValues(writes map[int]any, version int64) {
	cur := a.body.Load()
	values := slices.Clone(cur.values)
	for i, v := range writes {
		values[i] = v
	}
	a.body.Store(&arrayBody{values: values, version: version, next: cur})
}
