package boxcar

import (
	"errors"
	"fmt"
)

type (
	// ConflictError aborts a transaction whose snapshot was invalidated by
	// a write belonging to the named ancestor. The driver should retry the
	// failed region rooted at that ancestor
	ConflictError struct {
		Ancestor *Tx
	}
)

var (
	// ErrEarlyAbort reports that committed state moved past the
	// transaction's snapshot; the transaction may retry immediately
	ErrEarlyAbort = errors.New("snapshot out of date")

	// ErrExecuteSequentially reports that parallel execution cannot
	// guarantee a consistent outcome for the observed access pattern; the
	// surrounding transaction must re-run the region without parallelism
	ErrExecuteSequentially = errors.New("parallel execution unsafe")

	// ErrUnsafeParallelNesting rejects spawning an unsafely-parallel child
	// from a parallel nested transaction
	ErrUnsafeParallelNesting = errors.New(
		"unsafe parallelism may only be spawned by a top-level transaction")

	// ErrLinearNesting rejects spawning a sequentially-nested child from a
	// parallel nested transaction; use a single parallel region instead
	ErrLinearNesting = errors.New(
		"a parallel nested transaction cannot spawn a linear nested child")

	// ErrMaxRetriesExceeded is returned by the drivers once a transaction
	// has been retried its configured number of times
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")
)

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflicting write owned by ancestor %s", e.Ancestor.ID())
}
