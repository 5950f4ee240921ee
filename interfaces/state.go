package interfaces

import "fmt"

// ChannelState is the lifecycle state of one end of a channel.
type ChannelState int

const (
	StateInit ChannelState = iota
	StateEstablished
	StateClosed
)

func (s ChannelState) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateEstablished:
		return "established"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ValidTransition reports whether a channel may move from one state to another.
// Any state may be reset to Init; Init may only become Established and
// Established may only become Closed.
func ValidTransition(from, to ChannelState) bool {
	switch to {
	case StateInit:
		return true
	case StateEstablished:
		return from == StateInit
	case StateClosed:
		return from == StateEstablished
	default:
		return false
	}
}

// StateMachine tracks a channel state and rejects illegal transitions.
// It is not safe for concurrent use; owners serialize access.
type StateMachine struct {
	state ChannelState
}

// State returns the current state.
func (m *StateMachine) State() ChannelState {
	return m.state
}

// TransitionTo moves to the given state, or returns an *InvalidTransitionError
// and leaves the state unchanged.
func (m *StateMachine) TransitionTo(to ChannelState) error {
	if !ValidTransition(m.state, to) {
		return &InvalidTransitionError{From: m.state, To: to}
	}
	m.state = to
	return nil
}

// EnsureReady returns ErrChannelNotReady unless the channel is established.
func (m *StateMachine) EnsureReady() error {
	if m.state != StateEstablished {
		return ErrChannelNotReady
	}
	return nil
}
