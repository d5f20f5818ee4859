// Package boxcar implements the optimistic concurrency-control core of an
// in-process software transactional memory. It couples multi-versioned
// shared cells, lock-free ownership transfer, ancestor-relative conflict
// detection, and a merge protocol that folds the effects of parallel nested
// transactions into their parent while preserving opacity: every committed
// or aborted transaction observes a state consistent with some sequential
// order of execution.
//
// Typical usage looks like:
//   - Create a Boxcar with configuration
//   - Allocate Boxes (and Arrays, PerTxBoxes) holding shared state
//   - Begin a top-level Tx and fork ParallelTx siblings onto goroutines
//   - Each sibling reads and writes Boxes, then merges with Commit
//   - React to the typed abort signals (retry, retry from an ancestor, or
//     fall back to sequential execution), or let Exec and ForkJoin do it
//
// The examples/ directory contains a runnable parallel transfer workflow
// that exercises the API in a small domain.
package boxcar
