package orchestrator

// State is the orchestrator state of a session.
type State int

const (
	StateIdle State = iota
	StateListening
	StateThinking
	StateSpeaking
	StateInterrupted

	// StateClosed and StateErrored are terminal.
	StateClosed
	StateErrored
)

var stateNames = [...]string{
	StateIdle:        "idle",
	StateListening:   "listening",
	StateThinking:    "thinking",
	StateSpeaking:    "speaking",
	StateInterrupted: "interrupted",
	StateClosed:      "closed",
	StateErrored:     "errored",
}

// String returns the lower-case state name used on the wire.
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool { return s == StateClosed || s == StateErrored }

// transitions lists the legal successors of each non-terminal state. Every
// non-terminal state may also move to StateClosed or StateErrored.
var transitions = map[State][]State{
	StateIdle:      {StateListening},
	StateListening: {StateThinking},
	// Thinking returns to listening when a turn fails or has nothing to say.
	StateThinking:    {StateSpeaking, StateInterrupted, StateListening},
	StateSpeaking:    {StateListening, StateInterrupted},
	StateInterrupted: {StateListening},
}

// canTransition reports whether from -> to is a legal transition.
func canTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to.Terminal() {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
