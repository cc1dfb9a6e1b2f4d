package client

import (
	"context"
	"net/http"
	"net/url"

	"github.com/tinoosan/dlgroup/internal/data"
	"github.com/tinoosan/dlgroup/internal/reconciler"
	"github.com/tinoosan/dlgroup/internal/service"
)

func (c *Client) Groups(ctx context.Context) (data.Groups, error) {
	var out data.Groups
	if err := c.do(ctx, http.MethodGet, "/v1/groups", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Group(ctx context.Context, key string) (*data.Group, error) {
	var out data.Group
	if err := c.do(ctx, http.MethodGet, "/v1/groups/"+url.PathEscape(key), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CreateGroup(ctx context.Context, key string, limit int, autostart bool) (*data.Group, error) {
	in := map[string]any{"key": key, "limit": limit, "autostart": autostart}
	var out data.Group
	if err := c.do(ctx, http.MethodPost, "/v1/groups", nil, in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SetDesiredStatus starts or stops a group. status is "Started" or "Stopped".
func (c *Client) SetDesiredStatus(ctx context.Context, key, status string) (*data.Group, error) {
	in := map[string]string{"desiredStatus": status}
	var out data.Group
	if err := c.do(ctx, http.MethodPatch, "/v1/groups/"+url.PathEscape(key), nil, in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DestroyGroup(ctx context.Context, key string) error {
	return c.do(ctx, http.MethodDelete, "/v1/groups/"+url.PathEscape(key), nil, nil, nil)
}

func (c *Client) AddTask(ctx context.Context, key string, req service.TaskRequest) (*data.Task, error) {
	var out data.Task
	if err := c.do(ctx, http.MethodPost, "/v1/groups/"+url.PathEscape(key)+"/tasks", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Task(ctx context.Context, key, id string) (*data.Task, error) {
	var out data.Task
	path := "/v1/groups/" + url.PathEscape(key) + "/tasks/" + url.PathEscape(id)
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Events returns recent task events, optionally filtered by group.
func (c *Client) Events(ctx context.Context, group string) ([]reconciler.Record, error) {
	var q url.Values
	if group != "" {
		q = url.Values{"group": {group}}
	}
	var out []reconciler.Record
	if err := c.do(ctx, http.MethodGet, "/v1/events", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteTempFile removes the partial download for localPath and checksum.
func (c *Client) DeleteTempFile(ctx context.Context, localPath, checksum string) (bool, error) {
	q := url.Values{"localPath": {localPath}}
	if checksum != "" {
		q.Set("checksum", checksum)
	}
	var out struct {
		Deleted bool `json:"deleted"`
	}
	if err := c.do(ctx, http.MethodDelete, "/v1/tempfiles", q, nil, &out); err != nil {
		return false, err
	}
	return out.Deleted, nil
}
