package connector

// State is the connection lifecycle state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateSyncing
	StateLive
	StateReconnecting
	StateClosed
)

var stateNames = [...]string{
	StateIdle:         "idle",
	StateConnecting:   "connecting",
	StateSyncing:      "syncing",
	StateLive:         "live",
	StateReconnecting: "reconnecting",
	StateClosed:       "closed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// StateNames lists every state in graph order.
func StateNames() []string {
	out := make([]string, len(stateNames))
	copy(out, stateNames[:])
	return out
}

// CanTransition reports whether from -> to is an edge of the lifecycle graph.
func CanTransition(from, to State) bool {
	if from == StateClosed {
		return false
	}
	switch to {
	case StateClosed:
		return true
	case StateReconnecting:
		return from != StateReconnecting
	case StateConnecting:
		return from == StateIdle || from == StateReconnecting
	case StateSyncing:
		return from == StateConnecting
	case StateLive:
		return from == StateSyncing
	default:
		return false
	}
}
