// Package registry maps group keys to download groups for one process.
package registry

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/tinoosan/dlgroup/internal/data"
	"github.com/tinoosan/dlgroup/internal/fsys"
	"github.com/tinoosan/dlgroup/internal/group"
	"github.com/tinoosan/dlgroup/internal/resume"
)

// DefaultLimit is used when a caller passes a non-positive limit.
const DefaultLimit = 5

type Option func(*Registry)

func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

// WithGroupOptions sets options applied to every group the registry creates.
func WithGroupOptions(opts ...group.Option) Option {
	return func(r *Registry) { r.groupOpts = append(r.groupOpts, opts...) }
}

func WithDefaultLimit(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.defaultLimit = n
		}
	}
}

func WithFS(fs fsys.FS) Option {
	return func(r *Registry) {
		if fs != nil {
			r.fs = fs
		}
	}
}

// Registry is safe for concurrent use.
type Registry struct {
	mu           sync.RWMutex
	groups       map[string]*group.Group
	groupOpts    []group.Option
	defaultLimit int
	fs           fsys.FS
	log          *slog.Logger
}

func New(opts ...Option) *Registry {
	r := &Registry{
		groups:       make(map[string]*group.Group),
		defaultLimit: DefaultLimit,
		fs:           fsys.OS{},
		log:          slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Create builds and creates a group. It fails with data.ErrDuplicateKey when
// key is taken.
func (r *Registry) Create(key string, limit int) (*group.Group, error) {
	key = strings.TrimSpace(key)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.groups[key]; ok {
		return nil, fmt.Errorf("%w: %q", data.ErrDuplicateKey, key)
	}
	return r.createLocked(key, limit)
}

func (r *Registry) createLocked(key string, limit int) (*group.Group, error) {
	if limit <= 0 {
		limit = r.defaultLimit
	}
	opts := append([]group.Option{group.WithLogger(r.log)}, r.groupOpts...)
	g, err := group.New(key, limit, opts...)
	if err != nil {
		return nil, err
	}
	g.Create()
	r.groups[g.Key()] = g
	r.log.Info("group registered", "group", g.Key(), "limit", limit)
	return g, nil
}

func (r *Registry) Find(key string) (*group.Group, error) {
	key = strings.TrimSpace(key)
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.groups[key]
	if !ok {
		return nil, data.ErrNotFound
	}
	return g, nil
}

// FindOrCreate returns the group for key, creating it if needed. Concurrent
// callers observe a single group.
func (r *Registry) FindOrCreate(key string, limit int) (*group.Group, error) {
	key = strings.TrimSpace(key)
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.groups[key]; ok {
		return g, nil
	}
	return r.createLocked(key, limit)
}

func (r *Registry) Exists(key string) bool {
	key = strings.TrimSpace(key)
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.groups[key]
	return ok
}

// Keys returns the registered keys in sorted order.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.groups))
	for k := range r.groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Groups returns the registered groups ordered by key.
func (r *Registry) Groups() []*group.Group {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*group.Group, 0, len(r.groups))
	for _, g := range r.groups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// Start finds or creates the group, then starts it.
func (r *Registry) Start(key string, limit int) (*group.Group, error) {
	g, err := r.FindOrCreate(key, limit)
	if err != nil {
		return nil, err
	}
	g.Start()
	return g, nil
}

func (r *Registry) Stop(key string) error {
	g, err := r.Find(key)
	if err != nil {
		return err
	}
	g.Stop()
	return nil
}

// Destroy destroys the group and removes it from the registry.
func (r *Registry) Destroy(key string) error {
	key = strings.TrimSpace(key)
	r.mu.Lock()
	g, ok := r.groups[key]
	delete(r.groups, key)
	r.mu.Unlock()
	if !ok {
		return data.ErrNotFound
	}
	g.Destroy()
	r.log.Info("group removed", "group", key)
	return nil
}

func (r *Registry) DestroyAll() {
	r.mu.Lock()
	groups := r.groups
	r.groups = make(map[string]*group.Group)
	r.mu.Unlock()
	for _, g := range groups {
		g.Destroy()
	}
	r.log.Info("all groups removed", "count", len(groups))
}

// DeleteTempFile removes the partial download for localPath and sum. It
// reports whether a file was deleted.
func (r *Registry) DeleteTempFile(localPath, sum string) (bool, error) {
	tmp := resume.TempPath(localPath, sum)
	if !fsys.Exists(r.fs, tmp) {
		return false, nil
	}
	if err := r.fs.Remove(tmp); err != nil {
		return false, fmt.Errorf("%w: remove %s: %v", data.ErrResource, tmp, err)
	}
	return true, nil
}
