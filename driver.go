package boxcar

import (
	"errors"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type (
	// Command runs the body of a top-level transaction
	Command func(*Tx) error

	// Sibling runs one parallel nested sub-computation of a transaction
	Sibling func(*ParallelTx) error
)

// Exec runs cmd inside a bounded optimistic retry loop: the transaction is
// re-run on retryable abort signals, and a sequential-fallback signal
// re-runs it with its parallel regions forced to execute one sibling at a
// time
func Exec(bc *Boxcar, cmd Command) error {
	sequential := false
	for i := 0; i < bc.config.MaxRetries; i++ {
		tx := bc.Begin()
		tx.sequential = sequential

		err := cmd(tx)
		if err == nil {
			err = tx.Commit()
		}
		if err == nil {
			return nil
		}
		tx.Abort()

		var conflict *ConflictError
		switch {
		case errors.Is(err, ErrExecuteSequentially):
			bc.log.Warn("re-running transaction sequentially",
				zap.Stringer("tx", tx.id),
			)
			sequential = true
		case errors.Is(err, ErrEarlyAbort):
		case errors.As(err, &conflict):
		default:
			return err
		}
	}
	return ErrMaxRetriesExceeded
}

// ForkJoin runs each sibling as a parallel nested transaction on its own
// goroutine with its own worker context, merging each into tx as it
// finishes. A sibling aborted toward tx is retried locally; conflicts
// rooted higher, and the sequential-fallback signal, propagate to the
// caller. When tx is in sequential mode the siblings run one at a time,
// each still merged before the next starts
func ForkJoin(tx *Tx, siblings ...Sibling) error {
	if tx.sequential {
		for _, fn := range siblings {
			if err := runSibling(tx, tx.bc.NewWorker(), fn); err != nil {
				return err
			}
		}
		return nil
	}

	var g errgroup.Group
	for _, fn := range siblings {
		fn := fn
		g.Go(func() error {
			return runSibling(tx, tx.bc.NewWorker(), fn)
		})
	}
	return g.Wait()
}

func runSibling(tx *Tx, w *Worker, fn Sibling) error {
	for i := 0; i < tx.bc.config.MaxRetries; i++ {
		p := tx.Parallel(w)

		err := fn(p)
		if err == nil {
			err = p.Commit()
		}
		if err == nil {
			return nil
		}
		p.Abort()

		var conflict *ConflictError
		switch {
		case errors.As(err, &conflict):
			if conflict.Ancestor != tx {
				return err
			}
		case errors.Is(err, ErrEarlyAbort):
		default:
			return err
		}
	}
	return ErrMaxRetriesExceeded
}
