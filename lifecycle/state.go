package lifecycle

type State int

const (
	Uninitialized State = iota
	Initializing
	Active
	Releasing
	Released
	Faulted
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initializing:
		return "initializing"
	case Active:
		return "active"
	case Releasing:
		return "releasing"
	case Released:
		return "released"
	case Faulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// canAcquire reports whether Acquire may start from s. A released or faulted
// pipeline can be mounted again.
func (s State) canAcquire() bool {
	return s == Uninitialized || s == Released || s == Faulted
}
