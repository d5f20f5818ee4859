package boxcar

type (
	// Reader is satisfied by Tx and ParallelTx
	Reader interface {
		Read(*Box) (any, error)
	}

	// Writer is satisfied by Tx and ParallelTx
	Writer interface {
		Write(*Box, any) error
	}

	// Cell is a typed view over a Box for callers that hold homogeneous
	// values
	Cell[T any] struct {
		box *Box
	}
)

func NewCell[T any](bc *Boxcar, initial T) Cell[T] {
	return Cell[T]{box: bc.NewBox(initial)}
}

// Box returns the underlying untyped Box
func (c Cell[T]) Box() *Box {
	return c.box
}

// Get reads the cell's value within the given transaction
func (c Cell[T]) Get(r Reader) (T, error) {
	v, err := r.Read(c.box)
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}

// Set writes the cell's value within the given transaction
func (c Cell[T]) Set(w Writer, value T) error {
	return w.Write(c.box, value)
}
