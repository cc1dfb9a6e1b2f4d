package downloader

import "github.com/tinoosan/dlgroup/internal/data"

// Event describes a task state transition.
//
// Events are emitted once per transition, never per progress chunk. Err is
// set only when State is Error.
type Event struct {
	TaskID   string
	Group    string
	URL      string
	State    data.State
	Progress float64
	Err      error
	// Elapsed is the run duration in seconds for terminal events that ended a
	// run, zero otherwise.
	Elapsed float64
}
