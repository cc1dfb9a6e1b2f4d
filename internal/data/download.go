package data

import (
	"encoding/json"
	"io"
)

// Task is a read-only view of one URL-to-file transfer.
type Task struct {
	ID             string  `json:"id"`
	URL            string  `json:"url"`
	LocalPath      string  `json:"localPath"`
	Weight         float64 `json:"weight"`
	Checksum       string  `json:"checksum,omitempty"`
	MatchLocalOnly bool    `json:"matchLocalOnly,omitempty"`
	State          State   `json:"state"`
	Progress       float64 `json:"progress"`
	Error          string  `json:"error,omitempty"`
}

// Group is a read-only view of a download group and its members.
type Group struct {
	Key      string  `json:"key"`
	Limit    int     `json:"limit"`
	Created  bool    `json:"created"`
	Started  bool    `json:"started"`
	State    State   `json:"state"`
	Progress float64 `json:"progress"`
	Active   int     `json:"active"`
	Waiting  int     `json:"waiting"`
	Tasks    Tasks   `json:"tasks"`
}

type Tasks []*Task
type Groups []*Group

func (t *Task) ToJSON(w io.Writer) error   { return json.NewEncoder(w).Encode(t) }
func (g *Group) ToJSON(w io.Writer) error  { return json.NewEncoder(w).Encode(g) }
func (g *Groups) ToJSON(w io.Writer) error { return json.NewEncoder(w).Encode(g) }
