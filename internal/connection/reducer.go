package connection

import (
	"errors"
	"fmt"

	"github.com/rickgao/hasync/internal/auth"
)

// Phase is the coarse connection status.
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseConnecting   Phase = "connecting"
	PhaseConnected    Phase = "connected"
	PhaseDisconnected Phase = "disconnected"
	PhaseError        Phase = "error"
)

// State is the connection state. Transport is set only while connected and
// Err only in PhaseError. RetryCount survives disconnected, error and
// connecting and resets on success or manual reconnect.
type State struct {
	Phase       Phase
	RetryCount  int
	Transport   Transport
	Err         error
	NeedsReauth bool // Err means the credential is no longer usable
}

// Connected reports whether a transport is available.
func (s State) Connected() bool {
	return s.Phase == PhaseConnected
}

func (s State) String() string {
	switch s.Phase {
	case PhaseError:
		return fmt.Sprintf("%s(retry=%d, err=%v)", s.Phase, s.RetryCount, s.Err)
	case PhaseConnected, PhaseIdle:
		return string(s.Phase)
	default:
		return fmt.Sprintf("%s(retry=%d)", s.Phase, s.RetryCount)
	}
}

// Event drives a state transition.
type Event interface {
	event()
}

type (
	// StartConnecting begins a connection attempt.
	StartConnecting struct{}

	// ConnectionSuccess reports a dialed and authenticated transport.
	ConnectionSuccess struct{ Transport Transport }

	// ConnectionError reports a failed connection attempt.
	ConnectionError struct{ Err error }

	// Disconnected reports loss of the active transport.
	Disconnected struct{}

	// Ready reports that a transport is (again) usable.
	Ready struct{ Transport Transport }

	// RetryScheduled fires when the reconnect backoff timer expires.
	RetryScheduled struct{}

	// ManualReconnect resets the machine ahead of a user-triggered attempt.
	ManualReconnect struct{}
)

func (StartConnecting) event()   {}
func (ConnectionSuccess) event() {}
func (ConnectionError) event()   {}
func (Disconnected) event()      {}
func (Ready) event()             {}
func (RetryScheduled) event()    {}
func (ManualReconnect) event()   {}

// Reduce returns the state after ev. Pairs not listed in the transition table
// return s unchanged.
func Reduce(s State, ev Event) State {
	next, _ := transition(s, ev)
	return next
}

// transition is Reduce plus whether anything changed.
func transition(s State, ev Event) (State, bool) {
	switch ev := ev.(type) {
	case StartConnecting:
		if s.Phase == PhaseIdle {
			return State{Phase: PhaseConnecting, RetryCount: s.RetryCount}, true
		}

	case ConnectionSuccess:
		if s.Phase == PhaseConnecting && ev.Transport != nil {
			return State{Phase: PhaseConnected, Transport: ev.Transport}, true
		}

	case ConnectionError:
		if s.Phase == PhaseConnecting {
			return State{
				Phase:       PhaseError,
				RetryCount:  s.RetryCount + 1,
				Err:         ev.Err,
				NeedsReauth: needsReauth(ev.Err),
			}, true
		}

	case Disconnected:
		if s.Phase == PhaseConnected {
			return State{Phase: PhaseDisconnected, RetryCount: s.RetryCount + 1}, true
		}

	case Ready:
		if ev.Transport == nil {
			break
		}
		switch s.Phase {
		case PhaseConnected:
			if s.Transport == ev.Transport {
				break
			}
			return State{Phase: PhaseConnected, Transport: ev.Transport}, true
		case PhaseConnecting, PhaseDisconnected, PhaseError:
			// Last event wins: a ready transport supersedes a pending failure.
			return State{Phase: PhaseConnected, Transport: ev.Transport}, true
		}

	case RetryScheduled:
		if s.Phase == PhaseDisconnected || s.Phase == PhaseError {
			return State{Phase: PhaseConnecting, RetryCount: s.RetryCount}, true
		}

	case ManualReconnect:
		if s.Phase != PhaseIdle || s.RetryCount != 0 {
			return State{Phase: PhaseIdle}, true
		}
	}

	return s, false
}

// needsReauth reports whether err means the credential must be replaced
// rather than retried.
func needsReauth(err error) bool {
	return errors.Is(err, auth.ErrRefreshFailed) || errors.Is(err, auth.ErrAuthInvalid)
}
