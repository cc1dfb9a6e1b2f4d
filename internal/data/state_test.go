package data

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

func TestMaxState(t *testing.T) {
	tests := []struct {
		name   string
		states []State
		want   State
	}{
		{"empty", nil, StatePrepared},
		{"success and error", []State{StateSuccess, StateError}, StateError},
		{"success and stopped", []State{StateSuccess, StateStopped}, StateStopped},
		{"in flight", []State{StatePrepared, StateDownloading, StateStarted}, StateDownloading},
		{"all success", []State{StateSuccess, StateSuccess}, StateSuccess},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MaxState(tt.states...); got != tt.want {
				t.Fatalf("MaxState = %s want %s", got, tt.want)
			}
		})
	}
}

func TestStatePredicates(t *testing.T) {
	for _, s := range []State{StateSuccess, StateStopped, StateError} {
		if !s.IsTerminal() || s.InFlight() {
			t.Fatalf("%s should be terminal", s)
		}
	}
	for _, s := range []State{StateStarted, StateDownloading} {
		if s.IsTerminal() || !s.InFlight() {
			t.Fatalf("%s should be in flight", s)
		}
	}
	if StatePrepared.IsTerminal() || StatePrepared.InFlight() {
		t.Fatalf("prepared is neither terminal nor in flight")
	}
}

func TestStateJSON(t *testing.T) {
	b, err := json.Marshal(&Task{ID: "1", State: StateDownloading})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out struct {
		State string `json:"state"`
	}
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.State != "Downloading" {
		t.Fatalf("state encoded as %q", out.State)
	}

	var st State
	if err := st.UnmarshalText([]byte("Stopped")); err != nil || st != StateStopped {
		t.Fatalf("UnmarshalText = %v, %v", st, err)
	}
	if err := st.UnmarshalText([]byte("Paused")); !errors.Is(err, ErrBadStatus) {
		t.Fatalf("expected ErrBadStatus, got %v", err)
	}
}

func TestErrorKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "none"},
		{fmt.Errorf("x: %w", ErrValidation), "validation"},
		{&StatusError{StatusCode: 416}, "transport"},
		{ErrPoolSaturated, "transport"},
		{fmt.Errorf("%w: mismatch", ErrIntegrity), "integrity"},
		{fmt.Errorf("%w: disk", ErrResource), "resource"},
		{errors.New("boom"), "unknown"},
	}
	for _, tt := range tests {
		if got := ErrorKind(tt.err); got != tt.want {
			t.Fatalf("ErrorKind(%v) = %s want %s", tt.err, got, tt.want)
		}
	}
}
