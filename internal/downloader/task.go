// Package downloader implements a single resumable URL-to-file transfer.
//
// A Task streams into a temp file next to its local path and renames it into
// place once the expected number of bytes has arrived. An interrupted run
// leaves the temp file behind; the next run asks the server for the remaining
// range only.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tinoosan/dlgroup/internal/checksum"
	"github.com/tinoosan/dlgroup/internal/data"
	"github.com/tinoosan/dlgroup/internal/feed"
	"github.com/tinoosan/dlgroup/internal/fsys"
	"github.com/tinoosan/dlgroup/internal/metrics"
	"github.com/tinoosan/dlgroup/internal/resume"
	"github.com/tinoosan/dlgroup/internal/transport"
)

// DefaultChunkSize is the read buffer size; one progress value is published
// per chunk.
const DefaultChunkSize = 1024

// errStopped marks a run that ended because Stop was called.
var errStopped = errors.New("stopped")

var (
	defaultClientOnce sync.Once
	defaultClient     *transport.HTTPClient
)

func sharedClient() *transport.HTTPClient {
	defaultClientOnce.Do(func() {
		defaultClient = transport.NewHTTPClient(transport.DefaultOptions())
	})
	return defaultClient
}

// Option configures a Task.
type Option func(*Task)

// WithChecksum sets the expected hex MD5 of the finished file.
func WithChecksum(sum string) Option {
	return func(t *Task) { t.checksum = checksum.Normalize(sum) }
}

// WithMatchLocalOnly treats any non-empty local file as already downloaded.
func WithMatchLocalOnly(v bool) Option {
	return func(t *Task) { t.matchLocalOnly.Store(v) }
}

// WithHeaders adds request headers sent with every GET. Later calls add to
// earlier ones.
func WithHeaders(h map[string]string) Option {
	return func(t *Task) {
		for k, v := range h {
			t.header.Set(k, v)
		}
	}
}

func WithClient(c transport.Client) Option {
	return func(t *Task) {
		if c != nil {
			t.client = c
		}
	}
}

func WithFS(fs fsys.FS) Option {
	return func(t *Task) {
		if fs != nil {
			t.fs = fs
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(t *Task) {
		if l != nil {
			t.log = l
		}
	}
}

func WithChunkSize(n int) Option {
	return func(t *Task) {
		if n > 0 {
			t.chunkSize = n
		}
	}
}

func WithReporter(r Reporter) Option {
	return func(t *Task) { t.reporter = r }
}

// WithGroup tags emitted events and log lines with the owning group key.
func WithGroup(key string) Option {
	return func(t *Task) { t.group = key }
}

// Task is one resumable transfer. All methods are safe for concurrent use.
type Task struct {
	id             string
	url            string
	localPath      string
	weight         float64
	checksum       string
	matchLocalOnly atomic.Bool
	header         http.Header
	group          string

	client    transport.Client
	fs        fsys.FS
	log       *slog.Logger
	chunkSize int
	reporter  Reporter

	// Stop must not take mu: a blocked Run may be holding I/O for a long
	// time and cancellation has to reach it.
	stopReq   atomic.Bool
	cancel    atomic.Pointer[context.CancelFunc]
	running   atomic.Bool
	destroyed atomic.Bool

	mu       sync.Mutex
	state    data.State
	progress float64
	err      error

	progressFeed *feed.Feed[float64]
	stateFeed    *feed.Feed[data.State]
}

// New configures a task in state Prepared with progress 0.
func New(url, localPath string, weight float64, opts ...Option) (*Task, error) {
	url = strings.TrimSpace(url)
	localPath = strings.TrimSpace(localPath)
	if url == "" {
		return nil, fmt.Errorf("%w: url is blank (localPath=%q)", data.ErrValidation, localPath)
	}
	if localPath == "" {
		return nil, fmt.Errorf("%w: localPath is blank (url=%q)", data.ErrValidation, url)
	}
	if weight <= 0 {
		return nil, fmt.Errorf("%w: weight must be > 0, got %v", data.ErrValidation, weight)
	}
	t := &Task{
		id:           uuid.NewString(),
		url:          url,
		localPath:    localPath,
		weight:       weight,
		header:       http.Header{},
		fs:           fsys.OS{},
		log:          slog.Default(),
		chunkSize:    DefaultChunkSize,
		state:        data.StatePrepared,
		progressFeed: feed.New(0.0),
		stateFeed:    feed.New(data.StatePrepared),
	}
	for _, o := range opts {
		o(t)
	}
	if t.client == nil {
		t.client = sharedClient()
	}
	t.log = t.log.With("task", t.id, "url", t.url)
	if t.group != "" {
		t.log = t.log.With("group", t.group)
	}
	return t, nil
}

func (t *Task) ID() string           { return t.id }
func (t *Task) URL() string          { return t.url }
func (t *Task) LocalPath() string    { return t.localPath }
func (t *Task) Weight() float64      { return t.weight }
func (t *Task) Checksum() string     { return t.checksum }
func (t *Task) MatchLocalOnly() bool { return t.matchLocalOnly.Load() }
func (t *Task) TempPath() string     { return resume.TempPath(t.localPath, t.checksum) }
func (t *Task) TempExists() bool     { return fsys.Exists(t.fs, t.TempPath()) }
func (t *Task) LocalExists() bool    { return resume.LocalPresent(t.fs, t.localPath) }
func (t *Task) StopRequested() bool  { return t.stopReq.Load() }
func (t *Task) Destroyed() bool      { return t.destroyed.Load() }

// SetMatchLocalOnly changes the flag for subsequent runs.
func (t *Task) SetMatchLocalOnly(v bool) { t.matchLocalOnly.Store(v) }

func (t *Task) State() data.State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Task) Progress() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.progress
}

// Err returns the fault carried by the last Error transition.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Snapshot returns a read-only view of the task.
func (t *Task) Snapshot() *data.Task {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := &data.Task{
		ID:             t.id,
		URL:            t.url,
		LocalPath:      t.localPath,
		Weight:         t.weight,
		Checksum:       t.checksum,
		MatchLocalOnly: t.matchLocalOnly.Load(),
		State:          t.state,
		Progress:       t.progress,
	}
	if t.err != nil {
		s.Error = t.err.Error()
	}
	return s
}

// SubscribeProgress delivers the current progress, then every later value.
func (t *Task) SubscribeProgress(fn func(float64)) (cancel func()) {
	return t.progressFeed.Subscribe(fn)
}

// SubscribeState delivers the current state, then every later transition.
func (t *Task) SubscribeState(fn func(data.State)) (cancel func()) {
	return t.stateFeed.Subscribe(fn)
}

// Start runs the task on a new goroutine.
func (t *Task) Start() {
	go t.Run(context.Background())
}

// Stop requests cancellation. It is idempotent and takes effect even while
// Run is blocked reading the response body.
func (t *Task) Stop() {
	t.stopReq.Store(true)
	if c := t.cancel.Load(); c != nil {
		(*c)()
	}
	t.log.Debug("stop requested")
}

// Reset re-arms the task for another run and publishes Prepared. Progress is
// zeroed when clearProgress is set. Reset is ignored while a run is active.
func (t *Task) Reset(clearProgress bool) {
	if t.destroyed.Load() {
		return
	}
	t.mu.Lock()
	if t.running.Load() {
		t.mu.Unlock()
		t.log.Warn("reset ignored while running")
		return
	}
	t.stopReq.Store(false)
	if clearProgress {
		t.progress = 0
	}
	t.progressFeed.Publish(t.progress)
	t.err = nil
	t.state = data.StatePrepared
	t.stateFeed.Publish(t.state)
	ev := t.eventLocked(0)
	t.mu.Unlock()
	t.report(ev)
}

// Fail resolves the task to Error without running it. It is a no-op while a
// run is active.
func (t *Task) Fail(err error) {
	t.mu.Lock()
	if t.running.Load() {
		t.mu.Unlock()
		t.log.Warn("fail ignored while running", "err", err)
		return
	}
	t.err = err
	t.state = data.StateError
	t.stateFeed.Publish(t.state)
	ev := t.eventLocked(0)
	t.mu.Unlock()
	t.log.Error("task failed", "err", err)
	t.report(ev)
}

// Destroy stops the task, forbids further runs and closes its feeds.
func (t *Task) Destroy() {
	if !t.destroyed.CompareAndSwap(false, true) {
		return
	}
	t.Stop()
	t.progressFeed.Close()
	t.stateFeed.Close()
}

// Run performs the transfer synchronously and returns the final state. A
// second Run while one is active returns the current state immediately.
func (t *Task) Run(ctx context.Context) data.State {
	if t.destroyed.Load() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if !t.running.Load() {
			t.err = fmt.Errorf("%w: task %s", data.ErrDestroyed, t.id)
		}
		t.log.Debug("run on a destroyed task")
		return t.state
	}
	t.mu.Lock()
	if !t.running.CompareAndSwap(false, true) {
		st := t.state
		t.mu.Unlock()
		t.log.Warn("run ignored, already running")
		return st
	}
	t.mu.Unlock()

	start := time.Now()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	t.cancel.Store(&cancel)
	defer t.cancel.Store(nil)

	t.setState(data.StateStarted)

	// A Stop that raced ahead of the cancel func being stored is seen here.
	if t.stopReq.Load() {
		return t.finish(data.StateStopped, nil, start)
	}
	t.log.Info("task started")

	err := t.transfer(runCtx)
	switch {
	case err == nil:
		return t.finish(data.StateSuccess, nil, start)
	case t.stopReq.Load() || errors.Is(err, errStopped):
		return t.finish(data.StateStopped, nil, start)
	default:
		return t.finish(data.StateError, err, start)
	}
}

func (t *Task) transfer(ctx context.Context) error {
	if err := resume.CheckName(t.localPath); err != nil {
		return err
	}
	if t.matchLocalOnly.Load() && t.LocalExists() {
		t.log.Info("local file present, skipping download")
		return nil
	}
	if t.checksum != "" {
		if resume.Matches(t.fs, t.localPath, t.checksum) {
			t.log.Info("local file matches checksum")
			return nil
		}
		tmp := t.TempPath()
		if resume.Matches(t.fs, tmp, t.checksum) {
			if err := t.fs.Rename(tmp, t.localPath); err != nil {
				return fmt.Errorf("%w: rename completed temp file: %v", data.ErrIntegrity, err)
			}
			t.log.Info("temp file complete, renamed into place")
			return nil
		}
	}
	return t.download(ctx)
}

func (t *Task) download(ctx context.Context) error {
	tmp := t.TempPath()
	offset, _ := fsys.Size(t.fs, tmp)

	h := t.header.Clone()
	h.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	resp, err := t.client.Get(ctx, t.url, h)
	if err != nil {
		return fmt.Errorf("%w: get %s: %w", data.ErrTransport, t.url, err)
	}
	if resp.Body != nil {
		defer resp.Body.Close()
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if resp.StatusCode == http.StatusRequestedRangeNotSatisfiable {
			if err := fsys.RemoveIfExists(t.fs, tmp); err != nil {
				t.log.Warn("remove temp file", "path", tmp, "err", err)
			}
		}
		var body []byte
		if resp.Body != nil {
			body, _ = io.ReadAll(io.LimitReader(resp.Body, 512))
		}
		return &data.StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if resp.Body == nil {
		return fmt.Errorf("%w: empty response body", data.ErrTransport)
	}

	length := resp.ContentLength
	if !resp.Partial() || length < 0 {
		if offset > 0 {
			t.log.Info("server did not resume, restarting from zero", "status", resp.StatusCode, "offset", offset)
		}
		if err := fsys.RemoveIfExists(t.fs, tmp); err != nil {
			return fmt.Errorf("%w: discard temp file: %v", data.ErrResource, err)
		}
		offset = 0
	}
	unknown := length < 0
	total := offset + length

	if !unknown {
		if n, ok := fsys.Size(t.fs, t.localPath); ok && n != total {
			t.log.Warn("local file length mismatch, removing", "have", n, "want", total)
			if err := fsys.RemoveIfExists(t.fs, t.localPath); err != nil {
				return fmt.Errorf("%w: remove stale local file: %v", data.ErrResource, err)
			}
		}
	}

	if err := t.fs.MkdirAll(filepath.Dir(tmp), 0o755); err != nil {
		return fmt.Errorf("%w: create directory: %v", data.ErrResource, err)
	}
	if !unknown {
		if err := fsys.EnsureSpace(t.fs, filepath.Dir(tmp), length); err != nil {
			return fmt.Errorf("%w: %w", data.ErrResource, err)
		}
	}
	f, err := t.fs.OpenFile(tmp, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("%w: open temp file: %v", data.ErrResource, err)
	}

	t.setState(data.StateDownloading)
	written, err := t.stream(resp.Body, f, offset, total, unknown)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("%w: close temp file: %v", data.ErrResource, cerr)
	}
	if err != nil {
		return err
	}
	resp.Body.Close()
	if t.stopReq.Load() {
		return errStopped
	}

	got := offset + written
	switch {
	case unknown:
		t.setProgress(100)
	case got > total:
		_ = fsys.RemoveIfExists(t.fs, t.localPath)
		_ = fsys.RemoveIfExists(t.fs, tmp)
		return fmt.Errorf("%w: received %d bytes, server announced %d", data.ErrIntegrity, got, total)
	case got < total:
		return fmt.Errorf("%w: body ended at %d of %d bytes", data.ErrTransport, got, total)
	default:
		t.setProgress(100)
	}

	if err := t.fs.Rename(tmp, t.localPath); err != nil {
		return fmt.Errorf("%w: rename temp file: %v", data.ErrIntegrity, err)
	}
	ok, err := resume.Verify(t.fs, t.localPath, t.checksum, resp.Header.Get(checksum.Header))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: checksum mismatch for %s", data.ErrIntegrity, t.localPath)
	}
	return nil
}

// stream copies body into f starting at offset, publishing progress after
// every chunk. It returns early, without error, once Stop is requested.
func (t *Task) stream(body io.Reader, f fsys.File, offset, total int64, unknown bool) (int64, error) {
	buf := make([]byte, t.chunkSize)
	var written int64
	for !t.stopReq.Load() {
		n, rerr := body.Read(buf)
		if n > 0 {
			if _, err := f.WriteAt(buf[:n], offset+written); err != nil {
				return written, fmt.Errorf("%w: write temp file: %v", data.ErrResource, err)
			}
			written += int64(n)
			metrics.BytesDownloaded.Add(float64(n))
			if unknown || total <= 0 {
				t.setProgress(100)
			} else if got := offset + written; got <= total {
				t.setProgress(float64(got) * 100 / float64(total))
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return written, fmt.Errorf("%w: read body: %w", data.ErrTransport, rerr)
		}
	}
	return written, nil
}

func (t *Task) setState(st data.State) {
	t.mu.Lock()
	t.state = st
	if st != data.StateError {
		t.err = nil
	}
	t.stateFeed.Publish(st)
	ev := t.eventLocked(0)
	t.mu.Unlock()
	t.report(ev)
}

// setProgress publishes p if it moves progress forward.
func (t *Task) setProgress(p float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p <= t.progress {
		return
	}
	t.progress = p
	t.progressFeed.Publish(p)
}

// finish records the terminal state. The running flag is cleared in the same
// critical section that publishes the state, so a subscriber reacting to the
// terminal state can immediately run the task again.
func (t *Task) finish(st data.State, err error, start time.Time) data.State {
	elapsed := time.Since(start).Seconds()
	t.mu.Lock()
	if st == data.StateSuccess && t.progress < 100 {
		t.progress = 100
		t.progressFeed.Publish(t.progress)
	}
	t.state = st
	t.err = err
	t.running.Store(false)
	t.stateFeed.Publish(st)
	ev := t.eventLocked(elapsed)
	t.mu.Unlock()

	switch st {
	case data.StateError:
		t.log.Error("task failed", "err", err, "elapsed", elapsed)
	case data.StateStopped:
		t.log.Info("task stopped", "elapsed", elapsed)
	default:
		t.log.Info("task finished", "elapsed", elapsed)
	}
	t.report(ev)
	return st
}

func (t *Task) eventLocked(elapsed float64) Event {
	return Event{
		TaskID:   t.id,
		Group:    t.group,
		URL:      t.url,
		State:    t.state,
		Progress: t.progress,
		Err:      t.err,
		Elapsed:  elapsed,
	}
}

func (t *Task) report(ev Event) {
	if t.reporter != nil {
		t.reporter.Report(ev)
	}
}
