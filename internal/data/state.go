package data

import "fmt"

// State is the lifecycle state of a task or group. The numeric value is a
// severity: reducing many task states into one group state takes the max.
type State int

const (
	StatePrepared    State = 10
	StateStarted     State = 200
	StateDownloading State = 600
	StateSuccess     State = 2000
	StateStopped     State = 30000
	StateError       State = 600000
)

var stateNames = map[State]string{
	StatePrepared:    "Prepared",
	StateStarted:     "Started",
	StateDownloading: "Downloading",
	StateSuccess:     "Success",
	StateStopped:     "Stopped",
	StateError:       "Error",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// IsTerminal reports whether s ends a run (Success, Stopped or Error).
func (s State) IsTerminal() bool {
	return s == StateSuccess || s == StateStopped || s == StateError
}

// InFlight reports whether s belongs to a run that has not settled yet.
func (s State) InFlight() bool {
	return s == StateStarted || s == StateDownloading
}

func (s State) MarshalText() ([]byte, error) {
	if _, ok := stateNames[s]; !ok {
		return nil, fmt.Errorf("%w: unknown state %d", ErrBadStatus, int(s))
	}
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	st, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// ParseState converts a state name back into a State.
func ParseState(name string) (State, error) {
	for st, n := range stateNames {
		if n == name {
			return st, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrBadStatus, name)
}

// MaxState returns the most severe of states, or StatePrepared when empty.
func MaxState(states ...State) State {
	out := StatePrepared
	for _, s := range states {
		if s > out {
			out = s
		}
	}
	return out
}
