package process

// State is the lifecycle state of a process.
type State string

const (
	StateCreated  State = "created"
	StateRunning  State = "running"
	StateWaiting  State = "waiting"
	StateFinished State = "finished"
	StateFailed   State = "failed"
	StateStopped  State = "stopped"
)

// ActiveStates are the states of a process that has not reached a terminal
// state. A record in one of these states without a live heartbeat is
// pending and can be resumed by the daemon.
var ActiveStates = []State{StateCreated, StateRunning, StateWaiting}

var transitions = map[State][]State{
	StateCreated: {StateRunning, StateStopped, StateFailed},
	StateRunning: {StateWaiting, StateFinished, StateFailed, StateStopped},
	StateWaiting: {StateRunning, StateFailed, StateStopped},
}

// IsTerminal reports whether no further transition is possible from s.
func (s State) IsTerminal() bool {
	switch s {
	case StateFinished, StateFailed, StateStopped:
		return true
	}
	return false
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateCreated, StateRunning, StateWaiting, StateFinished, StateFailed, StateStopped:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is an allowed transition.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
