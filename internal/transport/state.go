package transport

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateSyncing
	StateOpen
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateSyncing:
		return "syncing"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// connected reports whether frames can be written in s.
func (s State) connected() bool {
	return s == StateSyncing || s == StateOpen
}
