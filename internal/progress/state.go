package progress

// State of the push channel connection
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Active reports whether the channel is connected or trying to be
func (s State) Active() bool {
	return s != Disconnected
}

// validTransition lists the only edges the channel may take.
// Any state may go to Disconnected through Stop.
func validTransition(from, to State) bool {
	if to == Disconnected {
		return true
	}
	switch from {
	case Disconnected:
		return to == Connecting
	case Connecting:
		return to == Connected
	case Connected:
		return to == Reconnecting
	case Reconnecting:
		return to == Connected
	}
	return false
}
