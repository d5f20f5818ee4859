package boxcar

type (
	// PerTxBox keys a value that is private to each transaction until it
	// commits. Unlike a Box it carries no version chain; reads resolve
	// against the transaction hierarchy and fall back to the initial value
	PerTxBox struct {
		initial any
	}
)

func NewPerTxBox(initial any) *PerTxBox {
	return &PerTxBox{initial: initial}
}
