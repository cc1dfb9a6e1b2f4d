package reconciler

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/tinoosan/dlgroup/internal/data"
	"github.com/tinoosan/dlgroup/internal/downloader"
	"github.com/tinoosan/dlgroup/internal/metrics"
)

// DefaultHistory is the number of recent events kept for inspection.
const DefaultHistory = 256

// Record is a retained task event.
type Record struct {
	TaskID   string     `json:"taskId"`
	Group    string     `json:"group"`
	URL      string     `json:"url"`
	State    data.State `json:"state"`
	Progress float64    `json:"progress"`
	Error    string     `json:"error,omitempty"`
}

// Reconciler consumes task events, records metrics and keeps a short history.
type Reconciler struct {
	events <-chan downloader.Event
	log    *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	history []Record
	max     int

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a Reconciler reading from events.
func New(log *slog.Logger, events <-chan downloader.Event, history int) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	if history <= 0 {
		history = DefaultHistory
	}
	return &Reconciler{events: events, log: log, ctx: context.Background(), max: history}
}

// Run starts the reconciliation loop.
func (r *Reconciler) Run() {
	r.stop = make(chan struct{})
	r.ctx, r.cancel = context.WithCancel(r.ctx)
	// Tag this run with a stable operation_id for easier correlation.
	opID := uuid.NewString()
	r.log = r.log.With("operation_id", opID)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-r.stop:
				return
			case e, ok := <-r.events:
				if !ok {
					return
				}
				r.handle(e)
			}
		}
	}()
}

// Stop terminates the reconciliation loop.
func (r *Reconciler) Stop() {
	if r.stop != nil {
		close(r.stop)
		if r.cancel != nil {
			r.cancel()
		}
		r.wg.Wait()
		r.stop = nil
	}
}

// Recent returns retained events, newest last. Only events for group are
// returned when group is non-empty.
func (r *Reconciler) Recent(group string) []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, 0, len(r.history))
	for _, rec := range r.history {
		if group == "" || rec.Group == group {
			out = append(out, rec)
		}
	}
	return out
}

func (r *Reconciler) handle(e downloader.Event) {
	// Record event state for observability
	state := strings.ToLower(e.State.String())
	metrics.TaskEvents.WithLabelValues(state).Inc()
	if e.State.IsTerminal() && e.Elapsed > 0 {
		metrics.TaskDuration.WithLabelValues(state).Observe(e.Elapsed)
	}

	rec := Record{TaskID: e.TaskID, Group: e.Group, URL: e.URL, State: e.State, Progress: e.Progress}
	switch e.State {
	case data.StateError:
		kind := data.ErrorKind(e.Err)
		metrics.TaskFailures.WithLabelValues(kind).Inc()
		if e.Err != nil {
			rec.Error = e.Err.Error()
		}
		r.log.Warn("task failed", "task", e.TaskID, "group", e.Group, "url", e.URL, "kind", kind, "err", e.Err)
	case data.StateSuccess, data.StateStopped:
		r.log.Info("task settled", "task", e.TaskID, "group", e.Group, "state", e.State, "elapsed", e.Elapsed)
	default:
		r.log.Debug("task event", "task", e.TaskID, "group", e.Group, "state", e.State)
	}

	r.mu.Lock()
	r.history = append(r.history, rec)
	if over := len(r.history) - r.max; over > 0 {
		r.history = append(r.history[:0:0], r.history[over:]...)
	}
	r.mu.Unlock()
}
