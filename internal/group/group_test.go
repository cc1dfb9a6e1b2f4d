package group

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/tinoosan/dlgroup/internal/data"
	"github.com/tinoosan/dlgroup/internal/downloader"
	"github.com/tinoosan/dlgroup/internal/metrics"
)

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte('0' + i%10)
	}
	return b
}

func serveContent(content []byte) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "", time.Time{}, bytes.NewReader(content))
	}
}

func newStarted(t *testing.T, key string, limit int, opts ...Option) *Group {
	t.Helper()
	g, err := New(key, limit, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	g.Create()
	t.Cleanup(g.Destroy)
	return g
}

func TestNewValidation(t *testing.T) {
	if _, err := New(" ", 1); !errors.Is(err, data.ErrValidation) {
		t.Fatalf("expected ErrValidation for blank key, got %v", err)
	}
	if _, err := New("g", 0); !errors.Is(err, data.ErrValidation) {
		t.Fatalf("expected ErrValidation for zero limit, got %v", err)
	}
}

func TestFIFOAdmissionAndWeightedProgress(t *testing.T) {
	aContent := payload(1024)
	bContent := payload(2048)
	release := make(chan struct{})

	var mu sync.Mutex
	var order []string
	var aTask atomic.Pointer[downloader.Task]
	var aDoneBeforeB atomic.Bool

	mux := http.NewServeMux()
	mux.HandleFunc("/a", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		order = append(order, "a")
		mu.Unlock()
		serveContent(aContent)(w, r)
	})
	mux.HandleFunc("/b", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		order = append(order, "b")
		mu.Unlock()
		if a := aTask.Load(); a != nil && a.State() == data.StateSuccess {
			aDoneBeforeB.Store(true)
		}
		w.Header().Set("Content-Length", "2048")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(bContent[:1024])
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
			return
		}
		_, _ = w.Write(bContent[1024:])
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	dir := t.TempDir()
	g := newStarted(t, "scenario", 1)
	a, err := g.AddTask(srv.URL+"/a", filepath.Join(dir, "a.bin"), 1, false)
	if err != nil {
		t.Fatal(err)
	}
	aTask.Store(a)
	b, err := g.AddTask(srv.URL+"/b", filepath.Join(dir, "b.bin"), 3, false)
	if err != nil {
		t.Fatal(err)
	}
	if g.WaitingCount() != 2 || g.ActiveCount() != 0 {
		t.Fatalf("tasks must wait until Start, waiting=%d active=%d", g.WaitingCount(), g.ActiveCount())
	}

	g.Start()
	waitUntil(t, "group progress 62.5", func() bool { return g.Progress() == 62.5 })
	if a.State() != data.StateSuccess || b.Progress() != 50 {
		t.Fatalf("unexpected member state a=%s b=%v", a.State(), b.Progress())
	}
	if !aDoneBeforeB.Load() {
		t.Fatalf("b was admitted before a finished")
	}
	if g.ActiveCount() != 1 {
		t.Fatalf("expected exactly one active task, got %d", g.ActiveCount())
	}

	close(release)
	waitUntil(t, "group success", func() bool {
		return b.State() == data.StateSuccess && g.State() == data.StateSuccess
	})
	waitUntil(t, "group progress 100", func() bool { return g.Progress() == 100 })

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Fatalf("expected FIFO order [a b], got %v", order)
	}
}

func TestConcurrencyBound(t *testing.T) {
	const limit, total = 2, 6
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(20 * time.Millisecond)
		serveContent(payload(512))(w, r)
	}))
	defer srv.Close()

	dir := t.TempDir()
	g := newStarted(t, "bound", limit)
	var tasks []*downloader.Task
	for i := 0; i < total; i++ {
		task, err := g.AddTask(fmt.Sprintf("%s/f%d", srv.URL, i), filepath.Join(dir, fmt.Sprintf("f%d", i)), 1, false)
		if err != nil {
			t.Fatal(err)
		}
		tasks = append(tasks, task)
	}

	stop := make(chan struct{})
	var violation atomic.Value
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if n := g.ActiveCount(); n > limit {
				violation.Store(fmt.Sprintf("active=%d", n))
			}
			inFlight := 0
			for _, task := range tasks {
				if task.State().InFlight() {
					inFlight++
				}
			}
			if inFlight > limit {
				violation.Store(fmt.Sprintf("in flight=%d", inFlight))
			}
			time.Sleep(time.Millisecond)
		}
	}()

	g.Start()
	waitUntil(t, "all tasks done", func() bool {
		for _, task := range tasks {
			if task.State() != data.StateSuccess {
				return false
			}
		}
		return true
	})
	close(stop)
	wg.Wait()
	if v := violation.Load(); v != nil {
		t.Fatalf("concurrency limit exceeded: %v", v)
	}
	waitUntil(t, "group success", func() bool { return g.State() == data.StateSuccess })
}

func TestLifecycleIsIdempotent(t *testing.T) {
	g, _ := New("idem", 1)
	g.Stop()
	if g.Started() {
		t.Fatalf("stop on a fresh group must not start it")
	}
	g.Create()
	g.Create()
	if !g.Created() {
		t.Fatalf("expected created")
	}
	g.Start()
	g.Start()
	if !g.Started() {
		t.Fatalf("expected started")
	}
	g.Stop()
	g.Stop()
	if g.Started() {
		t.Fatalf("expected stopped")
	}
	g.Destroy()
	g.Destroy()
	if g.Created() {
		t.Fatalf("destroy must clear created")
	}
}

func TestStopThenStartResumes(t *testing.T) {
	content := payload(8192)
	var partial atomic.Bool
	partial.Store(true)
	var mu sync.Mutex
	var ranges []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		ranges = append(ranges, r.Header.Get("Range"))
		mu.Unlock()
		if partial.Load() {
			w.Header().Set("Content-Length", fmt.Sprint(len(content)))
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(content[:2048])
			w.(http.Flusher).Flush()
			<-r.Context().Done()
			return
		}
		serveContent(content)(w, r)
	}))
	defer srv.Close()

	local := filepath.Join(t.TempDir(), "f.bin")
	g := newStarted(t, "resume", 1)
	task, _ := g.AddTask(srv.URL, local, 1, false)
	g.Start()

	waitUntil(t, "partial progress", func() bool { return task.Progress() > 0 })
	g.Stop()
	waitUntil(t, "task stopped", func() bool { return task.State() == data.StateStopped })
	waitUntil(t, "group stopped", func() bool { return g.State() == data.StateStopped && g.ActiveCount() == 0 })

	fi, err := os.Stat(task.TempPath())
	if err != nil {
		t.Fatalf("partial temp file missing: %v", err)
	}
	kept := task.Progress()

	partial.Store(false)
	g.Start()
	waitUntil(t, "task success", func() bool { return task.State() == data.StateSuccess })
	if kept == 0 {
		t.Fatalf("progress should have been preserved across stop")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(ranges) != 2 || ranges[0] != "bytes=0-" || ranges[1] != fmt.Sprintf("bytes=%d-", fi.Size()) {
		t.Fatalf("unexpected ranges %v (temp size %d)", ranges, fi.Size())
	}
	got, _ := os.ReadFile(local)
	if !bytes.Equal(got, content) {
		t.Fatalf("resumed content mismatch")
	}
}

func TestAddTaskDeduplicatesAndRedownloadsMissingFile(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		serveContent(payload(256))(w, r)
	}))
	defer srv.Close()

	local := filepath.Join(t.TempDir(), "f.bin")
	g := newStarted(t, "dedup", 1)
	g.Start()
	first, _ := g.AddTask(srv.URL, local, 1, false)
	waitUntil(t, "first success", func() bool { return first.State() == data.StateSuccess })
	waitUntil(t, "credit returned", func() bool { return g.ActiveCount() == 0 })

	second, _ := g.AddTask(srv.URL, local, 1, true)
	if second != first || len(g.Tasks()) != 1 {
		t.Fatalf("AddTask must not duplicate an existing url")
	}
	if !first.MatchLocalOnly() {
		t.Fatalf("matchLocalOnly should be updated on the existing task")
	}
	time.Sleep(30 * time.Millisecond)
	if hits.Load() != 1 {
		t.Fatalf("a successful task with its file present must not rerun, hits=%d", hits.Load())
	}

	if err := os.Remove(local); err != nil {
		t.Fatal(err)
	}
	g.AddTask(srv.URL, local, 1, false)
	waitUntil(t, "redownload", func() bool { return hits.Load() == 2 && first.State() == data.StateSuccess })
	if _, err := os.Stat(local); err != nil {
		t.Fatalf("local file should be restored: %v", err)
	}
}

func TestGroupStateIsMaxSeverity(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ok", serveContent(payload(64)))
	mux.HandleFunc("/missing", http.NotFound)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	dir := t.TempDir()
	g := newStarted(t, "severity", 2)
	ok, _ := g.AddTask(srv.URL+"/ok", filepath.Join(dir, "ok"), 1, false)
	bad, _ := g.AddTask(srv.URL+"/missing", filepath.Join(dir, "missing"), 1, false)
	g.Start()

	waitUntil(t, "tasks settled", func() bool {
		return ok.State() == data.StateSuccess && bad.State() == data.StateError
	})
	waitUntil(t, "group error", func() bool { return g.State() == data.StateError })
	if !errors.Is(bad.Err(), data.ErrTransport) {
		t.Fatalf("expected transport error on the failing task, got %v", bad.Err())
	}
}

func TestPoolSaturationFailsOnlyThatTask(t *testing.T) {
	srv := httptest.NewServer(serveContent(payload(64)))
	defer srv.Close()

	dir := t.TempDir()
	g := newStarted(t, "pool", 1, WithPoolHeadroom(1))
	if !g.pool.TryAcquire(1) {
		t.Fatal("could not saturate pool")
	}
	rejected, _ := g.AddTask(srv.URL+"/x", filepath.Join(dir, "x"), 1, false)
	g.Start()
	waitUntil(t, "rejected task error", func() bool { return rejected.State() == data.StateError })
	if !errors.Is(rejected.Err(), data.ErrPoolSaturated) || !errors.Is(rejected.Err(), data.ErrTransport) {
		t.Fatalf("expected pool saturation error, got %v", rejected.Err())
	}
	waitUntil(t, "credit returned", func() bool { return g.ActiveCount() == 0 })
	if got := testutil.ToFloat64(metrics.PoolRejections.WithLabelValues("pool")); got < 1 {
		t.Fatalf("expected pool rejection metric, got %v", got)
	}

	g.pool.Release(1)
	next, _ := g.AddTask(srv.URL+"/y", filepath.Join(dir, "y"), 1, false)
	waitUntil(t, "next task success", func() bool { return next.State() == data.StateSuccess })
}

func TestDestroyClearsAndAllowsReuse(t *testing.T) {
	srv := httptest.NewServer(serveContent(payload(64)))
	defer srv.Close()
	dir := t.TempDir()

	g, _ := New("destroy", 1)
	g.Create()
	task, _ := g.AddTask(srv.URL+"/a", filepath.Join(dir, "a"), 1, false)
	done := g.Done()
	g.Destroy()
	select {
	case <-done:
	default:
		t.Fatalf("Done must be closed after destroy")
	}
	if len(g.Tasks()) != 0 || g.WaitingCount() != 0 || g.Created() || g.Started() {
		t.Fatalf("destroy must clear the group")
	}
	if !task.Destroyed() {
		t.Fatalf("member tasks must be destroyed")
	}
	if g.FindTask(srv.URL+"/a") != nil {
		t.Fatalf("destroyed task must not be found")
	}

	g.Create()
	select {
	case <-g.Done():
		t.Fatalf("Done must reopen after Create")
	default:
	}
	g.Start()
	again, _ := g.AddTask(srv.URL+"/a", filepath.Join(dir, "a"), 1, false)
	if again == task {
		t.Fatalf("expected a fresh task after destroy")
	}
	waitUntil(t, "reused group success", func() bool { return again.State() == data.StateSuccess })
	g.Destroy()
}

func TestIntakeOverflowDropsNewest(t *testing.T) {
	g, _ := New("overflow", 1, WithIntakeCapacity(1))
	before := testutil.ToFloat64(metrics.IntakeDropped.WithLabelValues("overflow"))
	first, _ := g.AddTask("http://example.invalid/a", "/tmp/a", 1, false)
	second, err := g.AddTask("http://example.invalid/b", "/tmp/b", 1, false)
	if !errors.Is(err, data.ErrQueueFull) || second != nil {
		t.Fatalf("expected ErrQueueFull, got %v, %v", second, err)
	}
	if g.WaitingCount() != 1 || !g.intake.contains(first) {
		t.Fatalf("expected only the first task queued, got %d", g.WaitingCount())
	}
	if g.FindTask("http://example.invalid/b") != nil || len(g.Tasks()) != 1 {
		t.Fatalf("the dropped task must not stay a member")
	}
	if got := testutil.ToFloat64(metrics.IntakeDropped.WithLabelValues("overflow")); got != before+1 {
		t.Fatalf("expected drop metric to increase, got %v", got)
	}

	// Once the consumer takes the first task off the queue there is room again.
	g.Create()
	waitUntil(t, "first task popped", func() bool { return g.intake.len() == 0 })
	again, err := g.AddTask("http://example.invalid/b", "/tmp/b", 1, false)
	if err != nil {
		t.Fatalf("re-add after overflow: %v", err)
	}
	if !g.intake.contains(again) || again.State() != data.StatePrepared {
		t.Fatalf("re-added task must be queued")
	}
	if g.Progress() != 0 {
		t.Fatalf("progress = %v", g.Progress())
	}
	g.Destroy()
}

func TestIntakeHoldsPoppedTaskUntilReleased(t *testing.T) {
	q := newIntake(0)
	task, _ := downloader.New("http://example.invalid/a", "/tmp/a", 1)
	q.push(task)
	got, err := q.pop(context.Background())
	if err != nil || got != task {
		t.Fatalf("pop = %v, %v", got, err)
	}
	if q.len() != 0 || !q.contains(task) {
		t.Fatalf("a popped task stays visible until released")
	}
	q.release()
	if q.contains(task) {
		t.Fatalf("released task must not be contained")
	}
}

func TestUnqueuedPreparedTaskIsRequeued(t *testing.T) {
	g, _ := New("requeue", 1)
	task, _ := g.AddTask("http://example.invalid/a", "/tmp/a", 1, false)
	// A reset task that lost its place in the queue.
	g.intake.clear()

	same, err := g.AddTask("http://example.invalid/a", "/tmp/a", 1, false)
	if err != nil || same != task {
		t.Fatalf("expected the existing task, got %v, %v", same, err)
	}
	if !g.intake.contains(task) || g.WaitingCount() != 1 {
		t.Fatalf("expected the task to be queued again")
	}
	g.Destroy()
}

func TestFindAndSnapshot(t *testing.T) {
	g, _ := New("snap", 3)
	task, err := g.AddTask(" http://example.invalid/a ", "/tmp/a", 2, false)
	if err != nil {
		t.Fatal(err)
	}
	if g.FindTask("http://example.invalid/a") != task || g.FindTaskByID(task.ID()) != task {
		t.Fatalf("lookup failed")
	}
	if _, err := g.AddTask("", "/tmp/b", 1, false); !errors.Is(err, data.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	s := g.Snapshot()
	if s.Key != "snap" || s.Limit != 3 || len(s.Tasks) != 1 || s.Waiting != 1 || s.State != data.StatePrepared {
		t.Fatalf("unexpected snapshot %+v", s)
	}
	g.Destroy()
}
