// Package group schedules download tasks under a concurrency limit.
//
// Admission uses a credit window the size of the limit. A consumer goroutine
// takes a credit, pops the next task from the intake queue, waits for the
// start gate and dispatches the task. The credit comes back when the task
// reaches a terminal state.
package group

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/tinoosan/dlgroup/internal/data"
	"github.com/tinoosan/dlgroup/internal/downloader"
	"github.com/tinoosan/dlgroup/internal/feed"
	"github.com/tinoosan/dlgroup/internal/metrics"
	"github.com/tinoosan/dlgroup/internal/resume"
)

// DefaultPoolHeadroom multiplies the limit to size the execution pool.
const DefaultPoolHeadroom = 2

// Option configures a Group.
type Option func(*Group)

func WithLogger(l *slog.Logger) Option {
	return func(g *Group) {
		if l != nil {
			g.baseLog = l
		}
	}
}

// WithTaskOptions sets options applied to every task the group creates,
// before the per-call options of AddTask.
func WithTaskOptions(opts ...downloader.Option) Option {
	return func(g *Group) { g.taskOpts = append(g.taskOpts, opts...) }
}

func WithPoolHeadroom(n int) Option {
	return func(g *Group) {
		if n > 0 {
			g.headroom = n
		}
	}
}

func WithIntakeCapacity(n int) Option {
	return func(g *Group) { g.intakeCap = n }
}

// Group is a named scheduling domain for download tasks.
//
// Lock order is Group.mu before any task lock. Task feeds deliver
// asynchronously, so callbacks into the group never run under a task lock.
type Group struct {
	key       string
	limit     int
	headroom  int
	intakeCap int
	taskOpts  []downloader.Option
	baseLog   *slog.Logger
	log       *slog.Logger

	intake *intake
	gate   *gate
	pool   *semaphore.Weighted

	mu       sync.Mutex
	created  bool
	started  bool
	all      []*downloader.Task
	byURL    map[string]*downloader.Task
	byID     map[string]*downloader.Task
	active   map[*downloader.Task]struct{}
	deferred map[*downloader.Task]struct{}
	pending  *downloader.Task
	subs     map[*downloader.Task][]func()

	totalWeight float64
	weightDirty bool

	credits chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
	gone    chan struct{}

	progressFeed *feed.Feed[float64]
	stateFeed    *feed.Feed[data.State]
}

// New returns a group that is neither created nor started.
func New(key string, limit int, opts ...Option) (*Group, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, fmt.Errorf("%w: group key is blank", data.ErrValidation)
	}
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be > 0, got %d", data.ErrValidation, limit)
	}
	g := &Group{
		key:          key,
		limit:        limit,
		headroom:     DefaultPoolHeadroom,
		baseLog:      slog.Default(),
		gate:         newGate(),
		byURL:        make(map[string]*downloader.Task),
		byID:         make(map[string]*downloader.Task),
		active:       make(map[*downloader.Task]struct{}),
		deferred:     make(map[*downloader.Task]struct{}),
		subs:         make(map[*downloader.Task][]func()),
		gone:         make(chan struct{}),
		progressFeed: feed.New(0.0),
		stateFeed:    feed.New(data.StatePrepared),
	}
	for _, o := range opts {
		o(g)
	}
	g.log = g.baseLog.With("group", key)
	g.intake = newIntake(g.intakeCap)
	g.pool = semaphore.NewWeighted(int64(limit * g.headroom))
	return g, nil
}

func (g *Group) Key() string { return g.key }
func (g *Group) Limit() int  { return g.limit }

func (g *Group) Created() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.created
}

func (g *Group) Started() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.started
}

// Create wires the admission consumer. It is a no-op on a created group.
func (g *Group) Create() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.created {
		return
	}
	select {
	case <-g.gone:
		g.gone = make(chan struct{})
	default:
	}
	ctx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel
	g.credits = make(chan struct{}, g.limit)
	g.done = make(chan struct{})
	g.created = true
	go g.consume(ctx, g.credits, g.done)
	g.log.Info("group created", "limit", g.limit)
}

// Start applies the resume policy to every task, then opens the gate. It is
// a no-op on a started group.
func (g *Group) Start() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.started {
		return
	}
	if !g.created {
		g.log.Warn("start on a group that is not created, tasks will queue until Create")
	}
	for _, t := range g.all {
		g.applyPolicyLocked(t)
	}
	g.started = true
	g.gate.Open()
	g.log.Info("group started", "tasks", len(g.all))
}

// Stop closes the gate and cancels every active task. Queued tasks stay
// queued. A later Start resumes them.
func (g *Group) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.started {
		return
	}
	g.stopLocked()
	g.log.Info("group stopped", "active", len(g.active))
}

func (g *Group) stopLocked() {
	g.started = false
	g.gate.Close()
	for t := range g.active {
		t.Stop()
	}
}

// Destroy stops the group, ends the consumer, destroys every task and
// clears all collections. Create must be called again before reuse.
func (g *Group) Destroy() {
	g.mu.Lock()
	g.stopLocked()
	if g.cancel != nil {
		g.cancel()
		g.cancel = nil
	}
	done := g.done
	g.done = nil
	tasks := g.all
	subs := g.subs

	g.all = nil
	g.byURL = make(map[string]*downloader.Task)
	g.byID = make(map[string]*downloader.Task)
	g.active = make(map[*downloader.Task]struct{})
	g.deferred = make(map[*downloader.Task]struct{})
	g.subs = make(map[*downloader.Task][]func())
	g.pending = nil
	g.intake.clear()
	g.totalWeight = 0
	g.weightDirty = false
	g.created = false
	g.progressFeed.Publish(0)
	g.stateFeed.Publish(data.StatePrepared)
	select {
	case <-g.gone:
	default:
		close(g.gone)
	}
	g.mu.Unlock()

	for _, cancels := range subs {
		for _, c := range cancels {
			c()
		}
	}
	for _, t := range tasks {
		t.Destroy()
	}
	if done != nil {
		<-done
	}
	metrics.ActiveTasks.DeleteLabelValues(g.key)
	metrics.WaitingTasks.DeleteLabelValues(g.key)
	g.log.Info("group destroyed", "tasks", len(tasks))
}

// AddTask registers a download. A URL already known to the group is not
// duplicated: its matchLocalOnly flag is updated and the resume policy
// decides whether it runs again.
func (g *Group) AddTask(url, localPath string, weight float64, matchLocalOnly bool, opts ...downloader.Option) (*downloader.Task, error) {
	url = strings.TrimSpace(url)
	g.mu.Lock()
	defer g.mu.Unlock()

	if t, ok := g.byURL[url]; ok {
		t.SetMatchLocalOnly(matchLocalOnly)
		g.applyPolicyLocked(t)
		return t, nil
	}

	all := make([]downloader.Option, 0, len(g.taskOpts)+len(opts)+3)
	all = append(all, downloader.WithLogger(g.baseLog))
	all = append(all, g.taskOpts...)
	all = append(all, downloader.WithGroup(g.key), downloader.WithMatchLocalOnly(matchLocalOnly))
	all = append(all, opts...)
	t, err := downloader.New(url, localPath, weight, all...)
	if err != nil {
		return nil, err
	}

	g.all = append(g.all, t)
	g.byURL[t.URL()] = t
	g.byID[t.ID()] = t
	g.weightDirty = true
	g.subs[t] = []func(){
		t.SubscribeState(func(st data.State) { g.onTaskState(t, st) }),
		t.SubscribeProgress(func(float64) { g.onTaskProgress(t) }),
	}
	if !g.enqueueLocked(t) {
		g.removeLocked(t)
		t.Destroy()
		return nil, fmt.Errorf("%w: group %s, url %s", data.ErrQueueFull, g.key, t.URL())
	}
	g.progressFeed.Publish(g.progressLocked())
	g.log.Info("task added", "task", t.ID(), "url", t.URL(), "weight", weight)
	return t, nil
}

// removeLocked undoes the membership AddTask set up for t.
func (g *Group) removeLocked(t *downloader.Task) {
	for i, m := range g.all {
		if m == t {
			g.all = append(g.all[:i], g.all[i+1:]...)
			break
		}
	}
	delete(g.byURL, t.URL())
	delete(g.byID, t.ID())
	for _, c := range g.subs[t] {
		c()
	}
	delete(g.subs, t)
	g.weightDirty = true
}

func (g *Group) FindTask(url string) *downloader.Task {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.byURL[strings.TrimSpace(url)]
}

func (g *Group) FindTaskByID(id string) *downloader.Task {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.byID[id]
}

// Tasks returns the members in insertion order.
func (g *Group) Tasks() []*downloader.Task {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*downloader.Task, len(g.all))
	copy(out, g.all)
	return out
}

func (g *Group) ActiveCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.active)
}

// WaitingCount counts queued tasks, including one the consumer has popped
// but not yet admitted.
func (g *Group) WaitingCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.waitingLocked()
}

func (g *Group) waitingLocked() int {
	n := g.intake.len()
	if g.pending != nil {
		n++
	}
	return n
}

// Done returns a channel that is closed when the group is destroyed.
func (g *Group) Done() <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.gone
}

// Progress returns the last published weighted progress.
func (g *Group) Progress() float64 { return g.progressFeed.Latest() }

// State returns the last published group state.
func (g *Group) State() data.State { return g.stateFeed.Latest() }

func (g *Group) SubscribeProgress(fn func(float64)) (cancel func()) {
	return g.progressFeed.Subscribe(fn)
}

func (g *Group) SubscribeState(fn func(data.State)) (cancel func()) {
	return g.stateFeed.Subscribe(fn)
}

// Snapshot returns a read-only view of the group and its tasks.
func (g *Group) Snapshot() *data.Group {
	g.mu.Lock()
	defer g.mu.Unlock()
	tasks := make(data.Tasks, 0, len(g.all))
	for _, t := range g.all {
		tasks = append(tasks, t.Snapshot())
	}
	return &data.Group{
		Key:      g.key,
		Limit:    g.limit,
		Created:  g.created,
		Started:  g.started,
		State:    g.stateFeed.Latest(),
		Progress: g.progressFeed.Latest(),
		Active:   len(g.active),
		Waiting:  g.waitingLocked(),
		Tasks:    tasks,
	}
}

// applyPolicyLocked runs the resume decision for t. A task still holding a
// credit is re-evaluated once its terminal state has been processed, so it
// never runs twice at the same time.
func (g *Group) applyPolicyLocked(t *downloader.Task) {
	if _, ok := g.active[t]; ok {
		if t.State().IsTerminal() || t.StopRequested() {
			g.deferred[t] = struct{}{}
		}
		return
	}
	if g.pending == t || g.intake.contains(t) {
		return
	}
	st := t.State()
	if st == data.StatePrepared {
		// Not active, pending or queued: it lost its place to an intake
		// overflow after a reset.
		g.log.Info("resume policy: requeue unqueued task", "task", t.ID())
		g.enqueueLocked(t)
		return
	}
	d := resume.Decide(st, t.LocalExists(), t.TempExists())
	if !d.Requeue {
		g.log.Debug("resume policy: nothing to do", "task", t.ID(), "state", st)
		return
	}
	g.log.Info("resume policy: requeue", "task", t.ID(), "state", st, "clear_progress", d.ClearProgress)
	t.Reset(d.ClearProgress)
	g.enqueueLocked(t)
}

func (g *Group) enqueueLocked(t *downloader.Task) bool {
	if !g.intake.push(t) {
		metrics.IntakeDropped.WithLabelValues(g.key).Inc()
		g.log.Error("intake queue full, dropping newest task", "task", t.ID(), "url", t.URL())
		return false
	}
	g.gaugesLocked()
	return true
}

func (g *Group) gaugesLocked() {
	metrics.ActiveTasks.WithLabelValues(g.key).Set(float64(len(g.active)))
	metrics.WaitingTasks.WithLabelValues(g.key).Set(float64(g.waitingLocked()))
}

func (g *Group) onTaskState(t *downloader.Task, st data.State) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.byID[t.ID()] != t {
		return
	}
	switch {
	case st.InFlight():
		if cur := g.stateFeed.Latest(); !cur.InFlight() || st > cur {
			g.stateFeed.Publish(st)
		}
	case st.IsTerminal():
		if _, ok := g.active[t]; !ok {
			return
		}
		delete(g.active, t)
		select {
		case <-g.credits:
		default:
		}
		if _, ok := g.deferred[t]; ok {
			delete(g.deferred, t)
			g.applyPolicyLocked(t)
		}
		if len(g.active) == 0 {
			g.stateFeed.Publish(g.aggregateStateLocked())
		}
		g.gaugesLocked()
	}
}

func (g *Group) onTaskProgress(t *downloader.Task) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.byID[t.ID()] != t {
		return
	}
	g.progressFeed.Publish(g.progressLocked())
}

// progressLocked is Σ(progress×weight)/Σweight over all members.
func (g *Group) progressLocked() float64 {
	if g.weightDirty {
		var sum float64
		for _, t := range g.all {
			sum += t.Weight()
		}
		g.totalWeight = sum
		g.weightDirty = false
	}
	if g.totalWeight == 0 {
		return 0
	}
	var acc float64
	for _, t := range g.all {
		acc += t.Progress() * t.Weight()
	}
	return acc / g.totalWeight
}

func (g *Group) aggregateStateLocked() data.State {
	states := make([]data.State, 0, len(g.all))
	for _, t := range g.all {
		states = append(states, t.State())
	}
	return data.MaxState(states...)
}

// consume is the admission loop. It exits when ctx is cancelled.
func (g *Group) consume(ctx context.Context, credits chan struct{}, done chan struct{}) {
	defer close(done)
	log := g.log.With("operation_id", uuid.NewString())
	log.Debug("admission loop started")
	for {
		select {
		case credits <- struct{}{}:
		case <-ctx.Done():
			return
		}
		t, err := g.intake.pop(ctx)
		if err != nil {
			return
		}
		g.mu.Lock()
		g.pending = t
		g.intake.release()
		g.mu.Unlock()

		for {
			if err := g.gate.Wait(ctx); err != nil {
				return
			}
			g.mu.Lock()
			if g.started {
				break
			}
			g.mu.Unlock()
		}

		// g.mu is held here.
		g.pending = nil
		if g.byID[t.ID()] != t || t.Destroyed() {
			g.mu.Unlock()
			<-credits
			continue
		}
		g.active[t] = struct{}{}
		g.gaugesLocked()
		g.mu.Unlock()
		log.Debug("task admitted", "task", t.ID())
		g.dispatch(ctx, t)
	}
}

// dispatch hands t to the execution pool without queuing. A saturated pool
// fails that task only.
func (g *Group) dispatch(ctx context.Context, t *downloader.Task) {
	if !g.pool.TryAcquire(1) {
		metrics.PoolRejections.WithLabelValues(g.key).Inc()
		g.log.Error("execution pool saturated", "task", t.ID())
		t.Fail(fmt.Errorf("%w: group %s", data.ErrPoolSaturated, g.key))
		return
	}
	go func() {
		defer g.pool.Release(1)
		t.Run(ctx)
	}()
}
