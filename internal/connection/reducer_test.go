package connection

import (
	"errors"
	"fmt"
	"testing"

	"github.com/rickgao/hasync/internal/auth"
)

func TestReduce_Transitions(t *testing.T) {
	t1 := newFakeTransport("t1")
	t2 := newFakeTransport("t2")
	boom := errors.New("connection refused")

	tests := []struct {
		name  string
		from  State
		event Event
		want  State
	}{
		{"idle start", State{Phase: PhaseIdle}, StartConnecting{},
			State{Phase: PhaseConnecting}},
		{"start keeps retry count", State{Phase: PhaseIdle, RetryCount: 2}, StartConnecting{},
			State{Phase: PhaseConnecting, RetryCount: 2}},
		{"connecting success resets retries", State{Phase: PhaseConnecting, RetryCount: 3}, ConnectionSuccess{t1},
			State{Phase: PhaseConnected, Transport: t1}},
		{"connecting error increments", State{Phase: PhaseConnecting, RetryCount: 1}, ConnectionError{boom},
			State{Phase: PhaseError, RetryCount: 2, Err: boom}},
		{"connected disconnect increments", State{Phase: PhaseConnected, Transport: t1}, Disconnected{},
			State{Phase: PhaseDisconnected, RetryCount: 1}},
		{"connected ready new transport", State{Phase: PhaseConnected, Transport: t1}, Ready{t2},
			State{Phase: PhaseConnected, Transport: t2}},
		{"disconnected retry fires", State{Phase: PhaseDisconnected, RetryCount: 2}, RetryScheduled{},
			State{Phase: PhaseConnecting, RetryCount: 2}},
		{"error retry fires", State{Phase: PhaseError, RetryCount: 4, Err: boom}, RetryScheduled{},
			State{Phase: PhaseConnecting, RetryCount: 4}},
		{"disconnected ready recovers", State{Phase: PhaseDisconnected, RetryCount: 3}, Ready{t1},
			State{Phase: PhaseConnected, Transport: t1}},
		{"connecting ready recovers", State{Phase: PhaseConnecting, RetryCount: 3}, Ready{t1},
			State{Phase: PhaseConnected, Transport: t1}},
		{"error ready recovers", State{Phase: PhaseError, RetryCount: 1, Err: boom}, Ready{t1},
			State{Phase: PhaseConnected, Transport: t1}},
		{"manual reconnect from error", State{Phase: PhaseError, RetryCount: 5, Err: boom}, ManualReconnect{},
			State{Phase: PhaseIdle}},
		{"manual reconnect from connected", State{Phase: PhaseConnected, Transport: t1}, ManualReconnect{},
			State{Phase: PhaseIdle}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Reduce(tt.from, tt.event)
			if !sameState(got, tt.want) {
				t.Errorf("Reduce(%v, %T) = %v, want %v", tt.from, tt.event, got, tt.want)
			}
		})
	}
}

func TestReduce_UnlistedPairsUnchanged(t *testing.T) {
	t1 := newFakeTransport("t1")
	boom := errors.New("boom")

	tests := []struct {
		name  string
		from  State
		event Event
	}{
		{"start while connecting", State{Phase: PhaseConnecting, RetryCount: 2}, StartConnecting{}},
		{"start while connected", State{Phase: PhaseConnected, Transport: t1}, StartConnecting{}},
		{"success while idle", State{Phase: PhaseIdle}, ConnectionSuccess{t1}},
		{"error while connected", State{Phase: PhaseConnected, Transport: t1}, ConnectionError{boom}},
		{"disconnect while idle", State{Phase: PhaseIdle}, Disconnected{}},
		{"disconnect while disconnected", State{Phase: PhaseDisconnected, RetryCount: 1}, Disconnected{}},
		{"retry while connected", State{Phase: PhaseConnected, Transport: t1}, RetryScheduled{}},
		{"retry while idle", State{Phase: PhaseIdle}, RetryScheduled{}},
		{"ready while idle", State{Phase: PhaseIdle}, Ready{t1}},
		{"ready nil transport", State{Phase: PhaseDisconnected, RetryCount: 1}, Ready{nil}},
		{"manual reconnect while idle", State{Phase: PhaseIdle}, ManualReconnect{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, changed := transition(tt.from, tt.event)
			if changed {
				t.Errorf("transition reported a change to %v", got)
			}
			if !sameState(got, tt.from) {
				t.Errorf("Reduce = %v, want unchanged %v", got, tt.from)
			}
		})
	}
}

func TestReduce_SameTransportReadyIsNoop(t *testing.T) {
	t1 := newFakeTransport("t1")
	s := State{Phase: PhaseConnected, Transport: t1}

	got, changed := transition(s, Ready{t1})
	if changed {
		t.Error("ready with same transport reported a change")
	}
	if got.Transport != t1 || got.Phase != PhaseConnected {
		t.Errorf("state = %v, want connected on t1", got)
	}
}

func TestReduce_DisconnectThenReadySameTransport(t *testing.T) {
	t1 := newFakeTransport("t1")

	var phases []Phase
	s := State{Phase: PhaseConnected, Transport: t1}
	for _, ev := range []Event{Disconnected{}, Ready{t1}} {
		s = Reduce(s, ev)
		phases = append(phases, s.Phase)
	}

	want := []Phase{PhaseDisconnected, PhaseConnected}
	if fmt.Sprint(phases) != fmt.Sprint(want) {
		t.Errorf("phases = %v, want %v (no connecting in between)", phases, want)
	}
	if s.Transport != t1 || s.RetryCount != 0 {
		t.Errorf("final = %v, want connected on t1 with retry 0", s)
	}
}

func TestReduce_RetryCountAccumulates(t *testing.T) {
	boom := errors.New("boom")
	s := Reduce(State{Phase: PhaseIdle}, StartConnecting{})

	for i := 1; i <= 3; i++ {
		s = Reduce(s, ConnectionError{boom})
		if s.RetryCount != i {
			t.Fatalf("after %d failures RetryCount = %d", i, s.RetryCount)
		}
		s = Reduce(s, RetryScheduled{})
		if s.Phase != PhaseConnecting || s.RetryCount != i {
			t.Fatalf("after retry %d state = %v", i, s)
		}
	}

	s = Reduce(s, ConnectionSuccess{newFakeTransport("t")})
	if s.RetryCount != 0 {
		t.Errorf("RetryCount after success = %d, want 0", s.RetryCount)
	}
}

func TestReduce_ReauthErrors(t *testing.T) {
	connecting := State{Phase: PhaseConnecting}

	for _, err := range []error{
		fmt.Errorf("dial: %w", auth.ErrRefreshFailed),
		fmt.Errorf("authenticate: %w", auth.ErrAuthInvalid),
	} {
		if s := Reduce(connecting, ConnectionError{err}); !s.NeedsReauth {
			t.Errorf("NeedsReauth = false for %v", err)
		}
	}

	if s := Reduce(connecting, ConnectionError{errors.New("refused")}); s.NeedsReauth {
		t.Error("NeedsReauth = true for network error")
	}
}

// sameState compares states by value and transport identity.
func sameState(a, b State) bool {
	return a.Phase == b.Phase &&
		a.RetryCount == b.RetryCount &&
		a.Transport == b.Transport &&
		a.Err == b.Err &&
		a.NeedsReauth == b.NeedsReauth
}
