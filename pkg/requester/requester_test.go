package requester

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Sternrassler/requester/internal/testutil"
	"github.com/Sternrassler/requester/pkg/aggregator"
	"github.com/Sternrassler/requester/pkg/client"
	"github.com/Sternrassler/requester/pkg/env"
	"github.com/Sternrassler/requester/pkg/history"
	"github.com/Sternrassler/requester/pkg/request"
)

// recorder collects handler events for inspection after the run.
type recorder struct {
	mu         sync.Mutex
	activity   map[string][]string
	responses  []request.Response
	batch      []request.Response
	reports    []*aggregator.BatchError
	statusErrs []error
	finished   []bool
	ticks      int
}

func newRecorder() *recorder {
	return &recorder{activity: make(map[string][]string)}
}

func (r *recorder) Activity(name, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activity[name] = append(r.activity[name], text)
}

func (r *recorder) Progress(pending []request.Request, tick int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ticks++
}

func (r *recorder) Response(resp request.Response, received, total int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses = append(r.responses, resp)
}

func (r *recorder) Batch(responses []request.Response) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batch = responses
}

func (r *recorder) Errors(err *aggregator.BatchError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, err)
}

func (r *recorder) StatusError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statusErrs = append(r.statusErrs, err)
}

func (r *recorder) Finished(cancelled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = append(r.finished, cancelled)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RefreshInterval = 10 * time.Millisecond
	return cfg
}

func startRequester(t *testing.T, cfg Config, exec request.Executor, opts ...Option) *Requester {
	t.Helper()
	r := New(cfg, exec, opts...)
	ctx, cancel := context.WithCancel(context.Background())
	r.Start(ctx)
	t.Cleanup(func() {
		cancel()
		r.Stop()
	})
	return r
}

func wait(t *testing.T, run *Run) ([]request.Response, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	responses, err := run.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("run did not finish")
	}
	return responses, err
}

func failingOn(suffix string) request.ExecutorFunc {
	return func(ctx context.Context, req request.Request, e request.Environment) (*request.Result, error) {
		if strings.HasSuffix(req.URL, suffix) {
			return nil, errors.New("connection refused")
		}
		return &request.Result{StatusCode: 200, Method: req.Method, URL: req.URL}, nil
	}
}

func TestRun_EndToEndOverHTTP(t *testing.T) {
	mock := testutil.NewMockServer()
	defer mock.Close()
	mock.SetResponse("/users", testutil.NewOKResponse(`[{"id": 1}]`))

	c, err := client.New(client.DefaultConfig("test/1"))
	if err != nil {
		t.Fatal(err)
	}

	text := "###env\nbase = '" + mock.URL() + "'\n###env\n\nGET {{base}}/users\nPOST {{base}}/items body={\"n\": 1}\n"
	r := startRequester(t, testConfig(), c)
	h := newRecorder()

	responses, err := wait(t, r.Run(context.Background(), Invocation{Text: text, Sources: env.Sources{Inline: env.ParseBlock(text)}}, h))
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	if len(responses) != 2 {
		t.Fatalf("got %d responses, want 2", len(responses))
	}
	if string(responses[0].Result.Body) != `[{"id": 1}]` {
		t.Errorf("first body = %s", responses[0].Result.Body)
	}
	if responses[1].Result.StatusCode != 200 || mock.GetLastBody() != `{"n": 1}` {
		t.Errorf("second response = %+v, server body %q", responses[1].Result, mock.GetLastBody())
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.batch) != 2 || len(h.responses) != 2 {
		t.Errorf("batch = %d, responses = %d", len(h.batch), len(h.responses))
	}
	if len(h.finished) != 1 || h.finished[0] {
		t.Errorf("finished = %v, want [false]", h.finished)
	}
	if h.ticks == 0 {
		t.Error("progress never reported")
	}
}

func TestRun_OneFailureIsReportedOnce(t *testing.T) {
	r := startRequester(t, testConfig(), failingOn("/b"))
	h := newRecorder()

	text := "GET http://x/a\nGET http://x/b\nGET http://x/c\n"
	responses, err := wait(t, r.Run(context.Background(), Invocation{Text: text, Concurrency: 2}, h))
	if err != nil {
		t.Fatal(err)
	}

	for i, want := range []string{"/a", "/b", "/c"} {
		if !strings.HasSuffix(responses[i].Request.URL, want) || responses[i].Ordering != i {
			t.Errorf("responses[%d] = %s (ordering %d)", i, responses[i].Request.URL, responses[i].Ordering)
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.reports) != 1 {
		t.Fatalf("got %d error reports, want 1", len(h.reports))
	}
	if got := h.reports[0].Error(); got != "GET http://x/b\nconnection refused" {
		t.Errorf("report = %q", got)
	}
}

func TestRun_EnvTimeout(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	slow := env.NewResolverWithReader(func(string) ([]byte, error) {
		<-block
		return nil, nil
	})

	cfg := testConfig()
	cfg.EnvTimeout = 30 * time.Millisecond

	var executed bool
	exec := request.ExecutorFunc(func(ctx context.Context, req request.Request, e request.Environment) (*request.Result, error) {
		executed = true
		return &request.Result{StatusCode: 200}, nil
	})

	r := startRequester(t, cfg, exec, WithResolver(slow))
	h := newRecorder()

	run := r.Run(context.Background(), Invocation{Text: "GET http://x/a", Sources: env.Sources{File: "/slow.txt"}}, h)
	_, err := wait(t, run)

	if !errors.Is(err, env.ErrResolutionTimeout) {
		t.Fatalf("Wait() error = %v, want ErrResolutionTimeout", err)
	}
	if executed {
		t.Error("requests must not run after an env timeout")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	timeouts := 0
	for _, e := range h.statusErrs {
		if errors.Is(e, env.ErrResolutionTimeout) {
			timeouts++
		}
	}
	if timeouts != 1 {
		t.Errorf("timeout reported %d times, want 1", timeouts)
	}
	envActivity := h.activity[ActivityEnv]
	if len(envActivity) == 0 || envActivity[len(envActivity)-1] != "" {
		t.Errorf("env activity = %q, want cleared last", envActivity)
	}
	if h.batch != nil {
		t.Error("no batch expected")
	}
	if len(h.finished) != 1 {
		t.Errorf("finished = %v", h.finished)
	}
}

func TestRun_FailingEnvSourceIsNonFatal(t *testing.T) {
	var seen request.Environment
	exec := request.ExecutorFunc(func(ctx context.Context, req request.Request, e request.Environment) (*request.Result, error) {
		seen = e
		return &request.Result{StatusCode: 200}, nil
	})

	r := startRequester(t, testConfig(), exec)
	h := newRecorder()

	src := env.Sources{Inline: "token = 'abc'", EnvFile: filepath.Join(t.TempDir(), "missing.env")}
	run := r.Run(context.Background(), Invocation{Text: "GET http://x/a", Sources: src}, h)
	if _, err := wait(t, run); err != nil {
		t.Fatal(err)
	}

	if seen["token"] != "abc" {
		t.Errorf("env = %v, want inline binding", seen)
	}

	var resErr *env.ResolutionError
	errs := run.StatusErrors()
	if len(errs) != 1 || !errors.As(errs[0], &resErr) || resErr.Source != env.SourceEnvFile {
		t.Errorf("StatusErrors() = %v, want one env_file ResolutionError", errs)
	}
}

func TestRun_ParseError(t *testing.T) {
	r := startRequester(t, testConfig(), failingOn("never"))
	h := newRecorder()

	_, err := wait(t, r.Run(context.Background(), Invocation{Text: "FETCH http://x/a"}, h))

	var parseErr *request.ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("Wait() error = %v, want ParseError", err)
	}
	if r.Registry().Len() != 0 {
		t.Error("no pool should be registered")
	}
}

func TestRun_RegistryEvictsOldestPool(t *testing.T) {
	release := make(chan struct{})
	exec := request.ExecutorFunc(func(ctx context.Context, req request.Request, e request.Environment) (*request.Result, error) {
		<-release
		return &request.Result{StatusCode: 200}, nil
	})

	cfg := testConfig()
	cfg.MaxPools = 1
	r := startRequester(t, cfg, exec)

	first, second := newRecorder(), newRecorder()
	run1 := r.Run(context.Background(), Invocation{Text: "GET http://x/1"}, first)

	// the second pool may only be registered once the first one is
	deadline := time.Now().Add(2 * time.Second)
	for run1.Pool() == nil && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	run2 := r.Run(context.Background(), Invocation{Text: "GET http://x/2"}, second)

	if _, err := wait(t, run1); err != nil {
		t.Fatal(err)
	}
	if !run1.Cancelled() {
		t.Error("oldest run should be cancelled by eviction")
	}

	close(release)
	responses, err := wait(t, run2)
	if err != nil || len(responses) != 1 {
		t.Errorf("second run = %v, %v", responses, err)
	}

	first.mu.Lock()
	defer first.mu.Unlock()
	if first.batch != nil || len(first.responses) != 0 {
		t.Error("evicted run must not deliver results")
	}
	if len(first.finished) != 1 || !first.finished[0] {
		t.Errorf("finished = %v, want [true]", first.finished)
	}
}

func TestCancelAll(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	exec := request.ExecutorFunc(func(ctx context.Context, req request.Request, e request.Environment) (*request.Result, error) {
		<-release
		return &request.Result{StatusCode: 200}, nil
	})

	r := startRequester(t, testConfig(), exec)
	runs := []*Run{
		r.Run(context.Background(), Invocation{Text: "GET http://x/1"}, nil),
		r.Run(context.Background(), Invocation{Text: "GET http://x/2"}, nil),
	}

	deadline := time.Now().Add(2 * time.Second)
	for r.Registry().Len() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	if n := r.CancelAll(); n != 2 {
		t.Errorf("CancelAll() = %d, want 2", n)
	}
	for i, run := range runs {
		if _, err := wait(t, run); err != nil {
			t.Fatal(err)
		}
		if !run.Cancelled() {
			t.Errorf("run %d not cancelled", i)
		}
	}
}

func TestRun_RecordsHistoryAndReplays(t *testing.T) {
	store := history.NewStore(history.NewFileBackend(filepath.Join(t.TempDir(), "history.json")), 10)
	r := startRequester(t, testConfig(), failingOn("/b"), WithHistory(store))

	src := env.Sources{Inline: "id = 7"}
	text := "GET http://x/a/{{id}}\nGET http://x/b\n"
	if _, err := wait(t, r.Run(context.Background(), Invocation{Text: text, Sources: src}, nil)); err != nil {
		t.Fatal(err)
	}

	entries, err := store.Entries(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %+v, want only the successful request", entries)
	}
	if entries[0].Key != "GET: http://x/a/{{id}}" || entries[0].Provenance().EnvString != "id = 7" || entries[0].File != nil {
		t.Errorf("entry = %+v", entries[0])
	}

	var replayedURL string
	r.executor = request.ExecutorFunc(func(ctx context.Context, req request.Request, e request.Environment) (*request.Result, error) {
		replayedURL = request.Interpolate(req.URL, e)
		return &request.Result{StatusCode: 200}, nil
	})

	run, err := r.Replay(context.Background(), entries[0].Key, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := wait(t, run); err != nil {
		t.Fatal(err)
	}
	if replayedURL != "http://x/a/7" {
		t.Errorf("replayed %q, want env re-applied", replayedURL)
	}

	if _, err := r.Replay(context.Background(), "GET: http://nope", nil); !errors.Is(err, history.ErrNotFound) {
		t.Errorf("Replay(missing) error = %v, want ErrNotFound", err)
	}
}

func TestRun_UnreadableHistoryIsStatusError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	store := history.NewStore(history.NewFileBackend(path), 10)
	r := startRequester(t, testConfig(), failingOn("never"), WithHistory(store))

	h := newRecorder()
	responses, err := wait(t, r.Run(context.Background(), Invocation{Text: "GET http://x/a"}, h))
	if err != nil {
		t.Fatalf("Wait() error = %v, want the batch to succeed", err)
	}
	if len(responses) != 1 || responses[0].Failed() {
		t.Fatalf("responses = %+v", responses)
	}

	h.mu.Lock()
	statusErrs, reports := h.statusErrs, h.reports
	h.mu.Unlock()

	if len(statusErrs) != 1 {
		t.Fatalf("status errors = %v, want one", statusErrs)
	}
	var ioErr *history.HistoryIOError
	if !errors.As(statusErrs[0], &ioErr) || ioErr.Op != history.OpParse {
		t.Errorf("status error = %v, want parse HistoryIOError", statusErrs[0])
	}
	if len(reports) != 0 {
		t.Errorf("error reports = %v, want none", reports)
	}

	entries, err := store.Entries(context.Background())
	if err != nil {
		t.Fatalf("Entries() error = %v", err)
	}
	if len(entries) != 1 || entries[0].Key != "GET: http://x/a" {
		t.Errorf("entries = %+v, want the fresh history", entries)
	}
}

func TestReplay_HistoryDisabled(t *testing.T) {
	r := New(testConfig(), failingOn("never"))
	if _, err := r.Replay(context.Background(), "GET: http://x", nil); err == nil {
		t.Error("Replay without history should fail")
	}
}

func TestRequestActivity(t *testing.T) {
	one := []request.Request{{Method: "GET", URL: "http://x/a/"}}
	if got := requestActivity(one, 0); got != "[=         ] GET http://x/a" {
		t.Errorf("requestActivity(one) = %q", got)
	}
	if got := requestActivity(append(one, one[0]), 1); got != "[ =        ] 2 requests" {
		t.Errorf("requestActivity(two) = %q", got)
	}
	if got := requestActivity(nil, 3); got != "" {
		t.Errorf("requestActivity(none) = %q", got)
	}
}
