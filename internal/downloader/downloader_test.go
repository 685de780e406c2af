package downloader

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func TestFIFOConcurrencyLimit(t *testing.T) {
	srv := newGateServer(t)
	d := newTestDownloader(t, Config{MaxConcurrentDownloads: 2})

	results := make(chan string, 3)
	var ops []*Operation
	for _, path := range []string{"/a", "/b", "/c"} {
		ops = append(ops, d.Submit(Request{URL: srv.url(path), Completed: collect(results)}))
	}

	// 同时被接纳的两个请求到达顺序不确定
	first := map[string]bool{waitFor(t, srv.arrived): true, waitFor(t, srv.arrived): true}
	if !first["/a"] || !first["/b"] {
		t.Fatalf("expected /a and /b to run first, got %v", first)
	}
	if ops[2].State() != StatePending || d.PendingCount() != 1 || d.RunningCount() != 2 {
		t.Fatalf("third operation should stay pending, state=%s pending=%d running=%d",
			ops[2].State(), d.PendingCount(), d.RunningCount())
	}

	select {
	case path := <-srv.arrived:
		t.Fatalf("%s arrived before a slot was released", path)
	case <-time.After(50 * time.Millisecond):
	}

	srv.releaseOne()
	srv.expectArrival(t, "/c")
	srv.releaseOne()
	srv.releaseOne()

	for i := 0; i < 3; i++ {
		waitFor(t, results)
	}
}

func TestFIFOAdmitsOldestPendingFirst(t *testing.T) {
	srv := newGateServer(t)
	d := newTestDownloader(t, Config{MaxConcurrentDownloads: 1})

	results := make(chan string, 4)
	d.Submit(Request{URL: srv.url("/block"), Completed: collect(results)})
	srv.expectArrival(t, "/block")
	for _, path := range []string{"/a", "/b", "/c"} {
		d.Submit(Request{URL: srv.url(path), Completed: collect(results)})
	}

	for _, want := range []string{"/a", "/b", "/c"} {
		srv.releaseOne()
		srv.expectArrival(t, want)
	}
	srv.releaseOne()
	for i := 0; i < 4; i++ {
		waitFor(t, results)
	}
}

func TestLIFOAdmitsNewestPendingFirst(t *testing.T) {
	srv := newGateServer(t)
	d := newTestDownloader(t, Config{MaxConcurrentDownloads: 1, ExecutionOrder: LIFO})

	results := make(chan string, 4)
	d.Submit(Request{URL: srv.url("/block"), Completed: collect(results)})
	srv.expectArrival(t, "/block")
	for _, path := range []string{"/a", "/b", "/c"} {
		d.Submit(Request{URL: srv.url(path), Completed: collect(results)})
	}

	for _, want := range []string{"/c", "/b", "/a"} {
		srv.releaseOne()
		srv.expectArrival(t, want)
	}
	srv.releaseOne()
	for i := 0; i < 4; i++ {
		waitFor(t, results)
	}
}

func TestLowPriorityRunsAfterNormal(t *testing.T) {
	srv := newGateServer(t)
	d := newTestDownloader(t, Config{MaxConcurrentDownloads: 1})

	results := make(chan string, 3)
	d.Submit(Request{URL: srv.url("/block"), Completed: collect(results)})
	srv.expectArrival(t, "/block")
	d.Submit(Request{URL: srv.url("/low"), Options: Options{LowPriority: true}, Completed: collect(results)})
	d.Submit(Request{URL: srv.url("/normal"), Completed: collect(results)})

	srv.releaseOne()
	srv.expectArrival(t, "/normal")
	srv.releaseOne()
	srv.expectArrival(t, "/low")
	srv.releaseOne()
	for i := 0; i < 3; i++ {
		waitFor(t, results)
	}
}

func TestCancelPendingNeverIssuesRequest(t *testing.T) {
	srv := newGateServer(t)
	d := newTestDownloader(t, Config{MaxConcurrentDownloads: 1})

	results := make(chan string, 3)
	cancelled := make(chan struct{}, 1)
	d.Submit(Request{URL: srv.url("/block"), Completed: collect(results)})
	srv.expectArrival(t, "/block")

	op := d.Submit(Request{
		URL:       srv.url("/never"),
		Completed: func([]byte, error, bool) { t.Errorf("cancelled operation must not complete") },
		Cancelled: func() { cancelled <- struct{}{} },
	})
	op.Cancel()
	op.Cancel()
	waitFor(t, cancelled)
	if op.State() != StateCancelled {
		t.Fatalf("expected cancelled state, got %s", op.State())
	}

	srv.releaseOne()
	waitFor(t, results)

	d.Submit(Request{URL: srv.url("/after"), Completed: collect(results)})
	srv.expectArrival(t, "/after")
	srv.releaseOne()
	waitFor(t, results)
}

func TestCancelExecutingAbortsTransport(t *testing.T) {
	srv := newGateServer(t)
	d := newTestDownloader(t, Config{})

	cancelled := make(chan struct{}, 1)
	op := d.Submit(Request{
		URL:       srv.url("/slow"),
		Completed: func([]byte, error, bool) { t.Errorf("cancelled operation must not complete") },
		Cancelled: func() { cancelled <- struct{}{} },
	})
	srv.expectArrival(t, "/slow")
	op.Cancel()

	waitFor(t, cancelled)
	waitFor(t, srv.aborted)
	if op.State() != StateCancelled {
		t.Fatalf("expected cancelled state, got %s", op.State())
	}
}

func TestProgressiveDelivery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ab"))
		w.(http.Flusher).Flush()
		time.Sleep(20 * time.Millisecond)
		w.Write([]byte("cd"))
	}))
	t.Cleanup(srv.Close)
	d := newTestDownloader(t, Config{})

	type call struct {
		data     string
		finished bool
	}
	var (
		mu       sync.Mutex
		calls    []call
		received int64
	)
	done := make(chan struct{})
	d.Submit(Request{
		URL:     srv.URL,
		Options: Options{ProgressiveDownload: true},
		Progress: func(n, _ int64) {
			mu.Lock()
			received = n
			mu.Unlock()
		},
		Completed: func(data []byte, err error, finished bool) {
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			mu.Lock()
			calls = append(calls, call{string(data), finished})
			mu.Unlock()
			if finished {
				close(done)
			}
		},
	})
	waitFor(t, done)

	mu.Lock()
	defer mu.Unlock()
	if len(calls) < 2 {
		t.Fatalf("expected partial deliveries before final, got %+v", calls)
	}
	last := calls[len(calls)-1]
	if !last.finished || last.data != "abcd" {
		t.Fatalf("unexpected final delivery: %+v", last)
	}
	for _, c := range calls[:len(calls)-1] {
		if c.finished || c.data != "abcd"[:len(c.data)] {
			t.Fatalf("partial delivery should be an unfinished prefix: %+v", c)
		}
	}
	if received != 4 {
		t.Fatalf("expected progress to reach 4 bytes, got %d", received)
	}
}

func TestDefaultHeadersAreSnapshotAtSubmit(t *testing.T) {
	srv := newGateServer(t)
	d := newTestDownloader(t, Config{MaxConcurrentDownloads: 1})
	d.SetHeader("X-Test", "one")

	results := make(chan string, 2)
	d.Submit(Request{URL: srv.url("/block"), Completed: collect(results)})
	srv.expectArrival(t, "/block")
	d.Submit(Request{URL: srv.url("/second"), Completed: collect(results)})
	d.SetHeader("X-Test", "two")
	if d.HeaderValue("x-test") != "two" {
		t.Fatalf("header value not updated")
	}

	srv.releaseOne()
	srv.expectArrival(t, "/second")
	srv.releaseOne()
	waitFor(t, results)
	waitFor(t, results)

	if got := srv.header("/second").Get("X-Test"); got != "one" {
		t.Fatalf("submitted operation should keep old header, got %q", got)
	}
	if got := srv.header("/block").Get("Accept"); got == "" {
		t.Fatalf("default Accept header missing")
	}

	d.SetHeader("X-Test", "")
	if d.HeaderValue("X-Test") != "" {
		t.Fatalf("empty value should remove header")
	}
}

func TestConditionalRequests(t *testing.T) {
	var (
		mu          sync.Mutex
		conditional []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		conditional = append(conditional, r.Header.Get("If-None-Match"))
		mu.Unlock()
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		w.Write([]byte("body"))
	}))
	t.Cleanup(srv.Close)
	d := newTestDownloader(t, Config{})

	data, err := fetchOnce(t, d, Request{URL: srv.URL, Options: Options{UseExternalCache: true}})
	if err != nil || string(data) != "body" {
		t.Fatalf("first fetch: %q %v", data, err)
	}

	data, err = fetchOnce(t, d, Request{URL: srv.URL, Options: Options{UseExternalCache: true, IgnoreCachedResponse: true}})
	if err != nil || data != nil {
		t.Fatalf("not-modified should complete with nil data, got %q %v", data, err)
	}

	data, err = fetchOnce(t, d, Request{URL: srv.URL, Options: Options{UseExternalCache: true}})
	if err != nil || string(data) != "body" {
		t.Fatalf("not-modified without ignore should refetch body, got %q %v", data, err)
	}

	if _, err = fetchOnce(t, d, Request{URL: srv.URL}); err != nil {
		t.Fatalf("plain fetch: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"", `"v1"`, `"v1"`, "", ""}
	if len(conditional) != len(want) {
		t.Fatalf("unexpected request count: %v", conditional)
	}
	for i := range want {
		if conditional[i] != want[i] {
			t.Fatalf("request %d: want If-None-Match %q, got %q", i, want[i], conditional[i])
		}
	}
}

func TestNonSuccessStatusFails(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)
	d := newTestDownloader(t, Config{})

	_, err := fetchOnce(t, d, Request{URL: srv.URL})
	var transportErr *TransportError
	if !errors.As(err, &transportErr) || transportErr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 transport error, got %v", err)
	}
}

func TestShutdownRejectsSubmit(t *testing.T) {
	d := New(Config{})
	if err := d.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	_, err := fetchOnce(t, d, Request{URL: "http://127.0.0.1:1/"})
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestObserverNotifications(t *testing.T) {
	srv := newGateServer(t)
	obs := &recordingObserver{}
	d := newTestDownloader(t, Config{MaxConcurrentDownloads: 1, Observer: Observers{obs}})

	results := make(chan string, 1)
	d.Submit(Request{URL: srv.url("/a"), Completed: collect(results)})
	srv.expectArrival(t, "/a")
	pending := d.Submit(Request{URL: srv.url("/b")})
	pending.Cancel()
	srv.releaseOne()
	waitFor(t, results)

	// release 在 Completed 之前发出结束通知
	obs.mu.Lock()
	defer obs.mu.Unlock()
	if obs.started != 1 || len(obs.stopped) != 1 || obs.stopped[0] != StateCompleted {
		t.Fatalf("unexpected notifications: started=%d stopped=%v", obs.started, obs.stopped)
	}
}

func TestParseOrder(t *testing.T) {
	if o, ok := ParseOrder("lifo"); !ok || o != LIFO {
		t.Fatalf("lifo not parsed")
	}
	if o, ok := ParseOrder(""); !ok || o != FIFO {
		t.Fatalf("empty should default to fifo")
	}
	if _, ok := ParseOrder("random"); ok {
		t.Fatalf("unknown order should be rejected")
	}
}

func newTestDownloader(t *testing.T, cfg Config) *Downloader {
	t.Helper()
	d := New(cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = d.Shutdown(ctx)
	})
	return d
}

func fetchOnce(t *testing.T, d *Downloader, req Request) ([]byte, error) {
	t.Helper()
	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	req.Completed = func(data []byte, err error, finished bool) {
		if finished {
			done <- result{data, err}
		}
	}
	d.Submit(req)
	select {
	case r := <-done:
		return r.data, r.err
	case <-time.After(5 * time.Second):
		t.Fatalf("operation did not complete")
		return nil, nil
	}
}

func collect(ch chan<- string) CompletedFunc {
	return func(data []byte, err error, finished bool) {
		if finished {
			ch <- string(data)
		}
	}
}

func waitFor[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting")
		var zero T
		return zero
	}
}

// gateServer 阻塞每个请求直到 releaseOne 被调用。
type gateServer struct {
	*httptest.Server
	arrived chan string
	release chan struct{}
	aborted chan struct{}

	mu      sync.Mutex
	headers map[string]http.Header
}

func newGateServer(t *testing.T) *gateServer {
	t.Helper()
	g := &gateServer{
		arrived: make(chan string, 16),
		release: make(chan struct{}),
		aborted: make(chan struct{}, 16),
		headers: make(map[string]http.Header),
	}
	g.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		g.headers[r.URL.Path] = r.Header.Clone()
		g.mu.Unlock()
		g.arrived <- r.URL.Path
		select {
		case <-g.release:
			w.Write([]byte(r.URL.Path))
		case <-r.Context().Done():
			g.aborted <- struct{}{}
		}
	}))
	t.Cleanup(g.Close)
	return g
}

func (g *gateServer) url(path string) string {
	return g.URL + path
}

func (g *gateServer) expectArrival(t *testing.T, want string) {
	t.Helper()
	if got := waitFor(t, g.arrived); got != want {
		t.Fatalf("expected request %s, got %s", want, got)
	}
}

func (g *gateServer) releaseOne() {
	g.release <- struct{}{}
}

func (g *gateServer) header(path string) http.Header {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.headers[path]
}

type recordingObserver struct {
	mu      sync.Mutex
	started int
	stopped []State
}

func (r *recordingObserver) DownloadStarted(Info) {
	r.mu.Lock()
	r.started++
	r.mu.Unlock()
}

func (r *recordingObserver) DownloadStopped(_ Info, state State, _ time.Duration) {
	r.mu.Lock()
	r.stopped = append(r.stopped, state)
	r.mu.Unlock()
}
