package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/tinoosan/dlgroup/internal/data"
	"github.com/tinoosan/dlgroup/internal/downloader"
	"github.com/tinoosan/dlgroup/internal/group"
	"github.com/tinoosan/dlgroup/internal/reconciler"
	"github.com/tinoosan/dlgroup/internal/registry"
	"github.com/tinoosan/dlgroup/internal/reqid"
)

// Desired group statuses accepted by SetDesiredStatus.
const (
	StatusStarted = "Started"
	StatusStopped = "Stopped"
)

// ErrDraining is returned by Ping once Shutdown has begun.
var ErrDraining = errors.New("service is shutting down")

// TaskRequest describes a download submitted to a group.
type TaskRequest struct {
	URL            string            `json:"url"`
	LocalPath      string            `json:"localPath"`
	Weight         float64           `json:"weight"`
	Checksum       string            `json:"checksum,omitempty"`
	MatchLocalOnly bool              `json:"matchLocalOnly,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
}

// Update kinds.
const (
	UpdateState     = "state"
	UpdateProgress  = "progress"
	UpdateDestroyed = "destroyed"
)

// Update is one change pushed to a watcher. A destroyed update is the last
// one a watch delivers.
type Update struct {
	Kind     string     `json:"kind"`
	Group    string     `json:"group"`
	State    data.State `json:"state"`
	Progress float64    `json:"progress"`
}

var _ Groups = (*GroupService)(nil)

type Groups interface {
	List(ctx context.Context) (data.Groups, error)
	Get(ctx context.Context, key string) (*data.Group, error)
	Create(ctx context.Context, key string, limit int, autostart bool) (*data.Group, error)
	SetDesiredStatus(ctx context.Context, key, status string) (*data.Group, error)
	Destroy(ctx context.Context, key string) error
	AddTask(ctx context.Context, key string, req TaskRequest) (*data.Task, error)
	GetTask(ctx context.Context, key, id string) (*data.Task, error)
	DeleteTempFile(ctx context.Context, localPath, checksum string) (bool, error)
	Watch(ctx context.Context, key string, fn func(Update)) (cancel func(), err error)
	Events(ctx context.Context, key string) []reconciler.Record
}

// GroupService implements Groups over a registry.
type GroupService struct {
	reg      *registry.Registry
	rec      *reconciler.Reconciler
	log      *slog.Logger
	draining atomic.Bool
}

// NewGroups returns the group service. rec may be nil, in which case Events
// is always empty.
func NewGroups(log *slog.Logger, reg *registry.Registry, rec *reconciler.Reconciler) *GroupService {
	if log == nil {
		log = slog.Default()
	}
	return &GroupService{reg: reg, rec: rec, log: log}
}

func (s *GroupService) logger(ctx context.Context) *slog.Logger {
	if id, ok := reqid.From(ctx); ok {
		return s.log.With("request_id", id)
	}
	return s.log
}

func (s *GroupService) List(ctx context.Context) (data.Groups, error) {
	gs := s.reg.Groups()
	out := make(data.Groups, 0, len(gs))
	for _, g := range gs {
		out = append(out, g.Snapshot())
	}
	return out, nil
}

func (s *GroupService) Get(ctx context.Context, key string) (*data.Group, error) {
	g, err := s.reg.Find(key)
	if err != nil {
		return nil, err
	}
	return g.Snapshot(), nil
}

func (s *GroupService) Create(ctx context.Context, key string, limit int, autostart bool) (*data.Group, error) {
	if strings.TrimSpace(key) == "" {
		return nil, fmt.Errorf("%w: group key is required", data.ErrValidation)
	}
	if limit < 0 {
		return nil, fmt.Errorf("%w: limit must not be negative", data.ErrValidation)
	}
	g, err := s.reg.Create(key, limit)
	if err != nil {
		return nil, err
	}
	if autostart {
		g.Start()
	}
	s.logger(ctx).Info("group created", "group", g.Key(), "limit", g.Limit(), "autostart", autostart)
	return g.Snapshot(), nil
}

func (s *GroupService) SetDesiredStatus(ctx context.Context, key, status string) (*data.Group, error) {
	g, err := s.reg.Find(key)
	if err != nil {
		return nil, err
	}
	switch status {
	case StatusStarted:
		g.Start()
	case StatusStopped:
		g.Stop()
	default:
		return nil, data.ErrBadStatus
	}
	s.logger(ctx).Info("group status changed", "group", g.Key(), "desired", status)
	return g.Snapshot(), nil
}

func (s *GroupService) Destroy(ctx context.Context, key string) error {
	if err := s.reg.Destroy(key); err != nil {
		return err
	}
	s.logger(ctx).Info("group destroyed", "group", key)
	return nil
}

func (s *GroupService) AddTask(ctx context.Context, key string, req TaskRequest) (*data.Task, error) {
	g, err := s.reg.Find(key)
	if err != nil {
		return nil, err
	}
	var opts []downloader.Option
	if req.Checksum != "" {
		opts = append(opts, downloader.WithChecksum(req.Checksum))
	}
	if len(req.Headers) > 0 {
		opts = append(opts, downloader.WithHeaders(req.Headers))
	}
	t, err := g.AddTask(req.URL, req.LocalPath, req.Weight, req.MatchLocalOnly, opts...)
	if err != nil {
		return nil, err
	}
	s.logger(ctx).Info("task submitted", "group", g.Key(), "task", t.ID(), "url", t.URL())
	return t.Snapshot(), nil
}

func (s *GroupService) GetTask(ctx context.Context, key, id string) (*data.Task, error) {
	g, err := s.reg.Find(key)
	if err != nil {
		return nil, err
	}
	t := g.FindTaskByID(id)
	if t == nil {
		return nil, data.ErrNotFound
	}
	return t.Snapshot(), nil
}

func (s *GroupService) DeleteTempFile(ctx context.Context, localPath, checksum string) (bool, error) {
	if strings.TrimSpace(localPath) == "" {
		return false, fmt.Errorf("%w: localPath is required", data.ErrValidation)
	}
	deleted, err := s.reg.DeleteTempFile(localPath, checksum)
	if err != nil {
		return false, err
	}
	if deleted {
		s.logger(ctx).Info("temp file deleted", "path", localPath)
	}
	return deleted, nil
}

// Watch forwards state and progress changes of the group to fn until cancel
// is called. fn receives the current values first.
func (s *GroupService) Watch(ctx context.Context, key string, fn func(Update)) (func(), error) {
	g, err := s.reg.Find(key)
	if err != nil {
		return nil, err
	}
	return watch(g, fn), nil
}

func watch(g *group.Group, fn func(Update)) func() {
	key := g.Key()
	stopState := g.SubscribeState(func(st data.State) {
		fn(Update{Kind: UpdateState, Group: key, State: st, Progress: g.Progress()})
	})
	stopProgress := g.SubscribeProgress(func(p float64) {
		fn(Update{Kind: UpdateProgress, Group: key, State: g.State(), Progress: p})
	})
	stop := make(chan struct{})
	go func() {
		select {
		case <-g.Done():
			stopState()
			stopProgress()
			fn(Update{Kind: UpdateDestroyed, Group: key})
		case <-stop:
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			stopState()
			stopProgress()
		})
	}
}

func (s *GroupService) Events(ctx context.Context, key string) []reconciler.Record {
	if s.rec == nil {
		return []reconciler.Record{}
	}
	return s.rec.Recent(strings.TrimSpace(key))
}

// Ping reports readiness.
func (s *GroupService) Ping(ctx context.Context) error {
	if s.draining.Load() {
		return ErrDraining
	}
	return nil
}

// Shutdown marks the service as draining and destroys every group.
func (s *GroupService) Shutdown(ctx context.Context) {
	s.draining.Store(true)
	s.reg.DestroyAll()
	s.logger(ctx).Info("group service stopped")
}
