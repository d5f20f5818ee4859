package boxcar

import "sync/atomic"

type (
	// Box is a versioned memory cell: a chain of committed bodies ordered
	// by global version, plus a chain of speculative in-place writes
	// anchored by an atomically-swappable head pointer
	Box struct {
		body    atomic.Pointer[boxBody]
		inplace atomic.Pointer[inplaceWrite]
	}

	// boxBody is one committed value. Bodies are read-only once linked
	boxBody struct {
		value   any
		version int64
		next    *boxBody
	}

	// inplaceWrite is one link in a Box's speculative write chain. The
	// tentative value is mutated only by the current owner; the ownership
	// pointer is the CAS target for slot reclaim; next is immutable and
	// nil means fall back to the committed bodies
	inplaceWrite struct {
		value atomic.Pointer[any]
		orec  atomic.Pointer[ownership]
		next  *inplaceWrite
	}
)

// NewBox allocates a Box committed at the runtime's current version
func (bc *Boxcar) NewBox(initial any) *Box {
	version := bc.clock.Load()
	b := &Box{}
	b.body.Store(&boxBody{value: initial, version: version})
	b.inplace.Store(newInplaceWrite(committedOwnership(version), initial, nil))
	return b
}

// commitValue links a new committed body. Caller holds the runtime's
// commit lock
func (b *Box) commitValue(value any, version int64) {
	b.body.Store(&boxBody{value: value, version: version, next: b.body.Load()})
}

func newInplaceWrite(o *ownership, value any, next *inplaceWrite) *inplaceWrite {
	iw := &inplaceWrite{next: next}
	iw.orec.Store(o)
	iw.setValue(value)
	return iw
}

func (iw *inplaceWrite) setValue(value any) {
	iw.value.Store(&value)
}

func (iw *inplaceWrite) getValue() any {
	return *iw.value.Load()
}
