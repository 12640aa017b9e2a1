package discovery

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/LucetTin5/chzzk-timeline/chzzkapi"
	"github.com/LucetTin5/chzzk-timeline/registry"
	"github.com/LucetTin5/chzzk-timeline/telemetry"
	"github.com/LucetTin5/chzzk-timeline/testutil"
)

type liveItem = map[string]interface{}

func newDiscoverer(srv *testutil.MockChzzkServer, reg Membership) *Discoverer {
	return &Discoverer{
		API:        chzzkapi.New(srv.URL, "Mozilla", 2*time.Second),
		Registry:   reg,
		MinViewers: 100,
		PageSize:   2,
	}
}

func mockReady(srv *testutil.MockChzzkServer, channelID string) {
	srv.MockChannel(channelID, testutil.Int64(10), testutil.Bool(true))
	srv.MockLiveDetail(channelID, testutil.String("chat-"+channelID))
}

func ids(ready []ReadyChannel) []string {
	out := make([]string, 0, len(ready))
	for _, rc := range ready {
		out = append(out, rc.ChannelID)
	}
	return out
}

func TestRun_StopsAtFirstPageBelowThreshold(t *testing.T) {
	srv := testutil.NewMockChzzkServer(t)
	srv.MockLivesPages(
		[]liveItem{testutil.LiveItem("a", 500, false), testutil.LiveItem("b", 300, false)},
		[]liveItem{testutil.LiveItem("c", 150, false), testutil.LiveItem("d", 90, false)},
		[]liveItem{testutil.LiveItem("e", 80, false)},
	)
	for _, id := range []string{"a", "b", "c"} {
		mockReady(srv, id)
	}

	pages := 0
	counting := &countingAPI{API: chzzkapi.New(srv.URL, "Mozilla", 2*time.Second), pages: &pages}
	d := &Discoverer{API: counting, MinViewers: 100, PageSize: 2}

	ready, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := ids(ready); len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("ready = %v, want [a b c]", got)
	}
	if pages != 2 {
		t.Fatalf("fetched %d pages, want 2 (no fetch past the threshold page)", pages)
	}
	if srv.Hits(testutil.ChannelPath("d")) != 0 {
		t.Fatal("below-threshold candidate must not be enriched")
	}
	rep, ok := d.LastReport()
	if !ok || rep.Pages != 2 || rep.Qualifying != 3 || rep.Ready != 3 {
		t.Fatalf("unexpected report %+v", rep)
	}
}

func TestRun_FiltersAdultAndMissingFields(t *testing.T) {
	srv := testutil.NewMockChzzkServer(t)
	srv.MockLivesPages([]liveItem{
		testutil.LiveItem("adult", 900, true),
		testutil.LiveItem("nofollow", 800, false),
		testutil.LiveItem("nodetail", 700, false),
		testutil.LiveItem("nochat", 600, false),
		testutil.LiveItem("ok", 500, false),
	})
	srv.MockChannel("nofollow", nil, testutil.Bool(true))
	srv.MockLiveDetail("nofollow", testutil.String("chat-nofollow"))
	srv.MockStatus(testutil.ChannelPath("nodetail"), http.StatusNotFound)
	srv.MockChannel("nochat", testutil.Int64(5), testutil.Bool(true))
	srv.MockLiveDetail("nochat", nil)
	mockReady(srv, "ok")

	d := newDiscoverer(srv, nil)
	ready, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(ready) != 1 || ready[0].ChannelID != "ok" {
		t.Fatalf("ready = %v, want [ok]", ids(ready))
	}
	rc := ready[0]
	if rc.ChatChannelID != "chat-ok" || rc.FollowerCount != 10 || rc.ChannelName != "name-ok" {
		t.Errorf("unexpected ready channel %+v", rc)
	}

	if srv.Hits(testutil.ChannelPath("adult")) != 0 {
		t.Error("adult broadcast must not be enriched")
	}
	if srv.Hits(testutil.LiveDetailPath("nofollow")) != 0 {
		t.Error("live detail must not be fetched when follower count is absent")
	}

	rep, _ := d.LastReport()
	want := map[string]int{SkipAdult: 1, SkipNoFollowerCount: 1, SkipNoChannel: 1, SkipNoChatChannel: 1}
	for reason, n := range want {
		if rep.Skipped[reason] != n {
			t.Errorf("skipped[%s] = %d, want %d", reason, rep.Skipped[reason], n)
		}
	}
}

func TestRun_ExcludesRegisteredChannels(t *testing.T) {
	srv := testutil.NewMockChzzkServer(t)
	srv.MockLivesPages([]liveItem{testutil.LiveItem("x", 500, false), testutil.LiveItem("y", 400, false)})
	mockReady(srv, "x")
	mockReady(srv, "y")

	reg := registry.New()
	reg.TryAcquire("x")

	ready, err := newDiscoverer(srv, reg).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(ready) != 1 || ready[0].ChannelID != "y" {
		t.Fatalf("ready = %v, want [y]", ids(ready))
	}
}

func TestRun_EmptyFirstPage(t *testing.T) {
	srv := testutil.NewMockChzzkServer(t)
	srv.MockLivesPages([]liveItem{})

	ready, err := newDiscoverer(srv, nil).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(ready) != 0 {
		t.Fatalf("expected no ready channels, got %v", ids(ready))
	}
}

// cursorLoopAPI returns empty pages that still carry a cursor.
type cursorLoopAPI struct {
	API
	pages int
}

func (c *cursorLoopAPI) ListPopularLives(context.Context, *chzzkapi.PageCursor, int) ([]chzzkapi.Live, *chzzkapi.PageCursor, error) {
	c.pages++
	return []chzzkapi.Live{}, &chzzkapi.PageCursor{ConcurrentUserCount: 1, LiveID: 1}, nil
}

func TestRun_EmptyPageWithCursorStops(t *testing.T) {
	api := &cursorLoopAPI{}
	d := &Discoverer{API: api, MinViewers: 100, PageSize: 50}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ready, err := d.Run(ctx)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(ready) != 0 {
		t.Fatalf("expected no ready channels, got %v", ids(ready))
	}
	if api.pages != 1 {
		t.Fatalf("pages fetched = %d, want 1", api.pages)
	}
}

func TestRun_RecordsDuration(t *testing.T) {
	srv := testutil.NewMockChzzkServer(t)
	srv.MockLivesPages([]liveItem{})
	telemetry.Init()
	before := histogramCount(t)

	d := newDiscoverer(srv, nil)
	if _, err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := histogramCount(t); got != before+1 {
		t.Fatalf("duration samples = %d, want %d", got, before+1)
	}
	rep, ok := d.LastReport()
	if !ok || rep.Duration <= 0 {
		t.Fatalf("report duration = %v (ok=%v), want > 0", rep.Duration, ok)
	}
}

func histogramCount(t *testing.T) uint64 {
	t.Helper()
	m := &dto.Metric{}
	if err := telemetry.DiscoveryDuration.(prometheus.Histogram).Write(m); err != nil {
		t.Fatalf("read histogram: %v", err)
	}
	return m.GetHistogram().GetSampleCount()
}

func TestRun_DeduplicatesAcrossPages(t *testing.T) {
	srv := testutil.NewMockChzzkServer(t)
	srv.MockLivesPages(
		[]liveItem{testutil.LiveItem("a", 500, false), testutil.LiveItem("b", 400, false)},
		[]liveItem{testutil.LiveItem("b", 400, false), testutil.LiveItem("low", 1, false)},
	)
	mockReady(srv, "a")
	mockReady(srv, "b")

	ready, err := newDiscoverer(srv, nil).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(ready) != 2 {
		t.Fatalf("ready = %v, want [a b]", ids(ready))
	}
	if srv.Hits(testutil.ChannelPath("b")) != 1 {
		t.Fatalf("duplicate candidate enriched %d times", srv.Hits(testutil.ChannelPath("b")))
	}
}

func TestRun_PaginationFailureAborts(t *testing.T) {
	srv := testutil.NewMockChzzkServer(t)
	srv.MockStatus(testutil.LivesPath, http.StatusServiceUnavailable)

	d := newDiscoverer(srv, nil)
	ready, err := d.Run(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if ready != nil {
		t.Fatalf("expected no partial result, got %v", ids(ready))
	}
	rep, ok := d.LastReport()
	if !ok || rep.Err == "" {
		t.Fatalf("report should record the failure: %+v", rep)
	}
}

func TestRun_MalformedDetailAborts(t *testing.T) {
	srv := testutil.NewMockChzzkServer(t)
	srv.MockLivesPages([]liveItem{testutil.LiveItem("a", 500, false), testutil.LiveItem("b", 400, false)})
	mockReady(srv, "a")
	srv.MockRaw(testutil.ChannelPath("b"), `{"content":[`)

	ready, err := newDiscoverer(srv, nil).Run(context.Background())
	if !errors.Is(err, chzzkapi.ErrMalformedResponse) {
		t.Fatalf("expected ErrMalformedResponse, got %v", err)
	}
	if ready != nil {
		t.Fatalf("expected no partial result, got %v", ids(ready))
	}
}

func TestRun_TransportErrorSkipsCandidate(t *testing.T) {
	srv := testutil.NewMockChzzkServer(t)
	srv.MockLivesPages([]liveItem{testutil.LiveItem("a", 500, false), testutil.LiveItem("b", 400, false)})
	mockReady(srv, "b")

	api := &flakyAPI{API: chzzkapi.New(srv.URL, "Mozilla", 2*time.Second), failChannel: "a"}
	d := &Discoverer{API: api, MinViewers: 100, PageSize: 2}

	ready, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(ready) != 1 || ready[0].ChannelID != "b" {
		t.Fatalf("ready = %v, want [b]", ids(ready))
	}
	rep, _ := d.LastReport()
	if rep.Skipped[SkipFetchFailed] != 1 {
		t.Fatalf("skipped[%s] = %d, want 1", SkipFetchFailed, rep.Skipped[SkipFetchFailed])
	}
}

type countingAPI struct {
	API
	pages *int
}

func (c *countingAPI) ListPopularLives(ctx context.Context, next *chzzkapi.PageCursor, size int) ([]chzzkapi.Live, *chzzkapi.PageCursor, error) {
	*c.pages++
	return c.API.ListPopularLives(ctx, next, size)
}

type flakyAPI struct {
	API
	failChannel string
}

func (f *flakyAPI) GetChannel(ctx context.Context, channelID string) (*chzzkapi.ChannelDetail, error) {
	if channelID == f.failChannel {
		return nil, errors.New("connection reset by peer")
	}
	return f.API.GetChannel(ctx, channelID)
}

type recordingStarter struct {
	mu      sync.Mutex
	started []string
	calls   chan struct{}
}

func (s *recordingStarter) Start(_ context.Context, rc ReadyChannel) bool {
	s.mu.Lock()
	s.started = append(s.started, rc.ChannelID)
	s.mu.Unlock()
	if s.calls != nil {
		select {
		case s.calls <- struct{}{}:
		default:
		}
	}
	return true
}

func TestRunner_RunOnceDispatches(t *testing.T) {
	srv := testutil.NewMockChzzkServer(t)
	srv.MockLivesPages([]liveItem{testutil.LiveItem("a", 500, false), testutil.LiveItem("b", 400, false)})
	mockReady(srv, "a")
	mockReady(srv, "b")

	st := &recordingStarter{}
	r := &Runner{Discoverer: newDiscoverer(srv, nil), Starter: st}
	n, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if n != 2 || len(st.started) != 2 {
		t.Fatalf("started %d (%v), want 2", n, st.started)
	}
}

func TestRunner_RejectsConcurrentPass(t *testing.T) {
	r := &Runner{Discoverer: &Discoverer{}, Starter: &recordingStarter{}}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.RunOnce(context.Background()); !errors.Is(err, ErrPassInProgress) {
		t.Fatalf("expected ErrPassInProgress, got %v", err)
	}
}

func TestRunner_RunAsync(t *testing.T) {
	srv := testutil.NewMockChzzkServer(t)
	srv.MockLivesPages([]liveItem{testutil.LiveItem("a", 500, false)})
	mockReady(srv, "a")

	st := &recordingStarter{}
	r := &Runner{Discoverer: newDiscoverer(srv, nil), Starter: st}

	type result struct {
		started int
		err     error
	}
	done := make(chan result, 1)
	if err := r.RunAsync(context.Background(), func(n int, err error) { done <- result{n, err} }); err != nil {
		t.Fatalf("RunAsync() error = %v", err)
	}
	select {
	case res := <-done:
		if res.err != nil || res.started != 1 {
			t.Fatalf("pass result = %+v, want 1 started", res)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("background pass did not finish")
	}

	// The slot is free again once the pass finished.
	if _, err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() after async pass error = %v", err)
	}
}

func TestRunner_RunAsyncRejectsConcurrentPass(t *testing.T) {
	r := &Runner{Discoverer: &Discoverer{}, Starter: &recordingStarter{}}
	r.mu.Lock()
	defer r.mu.Unlock()
	called := false
	if err := r.RunAsync(context.Background(), func(int, error) { called = true }); !errors.Is(err, ErrPassInProgress) {
		t.Fatalf("expected ErrPassInProgress, got %v", err)
	}
	if called {
		t.Fatal("a rejected pass must not run")
	}
}

func TestStartRescanner_RepeatsUntilCancelled(t *testing.T) {
	srv := testutil.NewMockChzzkServer(t)
	srv.MockLivesPages([]liveItem{testutil.LiveItem("a", 500, false)})
	mockReady(srv, "a")

	st := &recordingStarter{calls: make(chan struct{}, 1)}
	r := &Runner{Discoverer: newDiscoverer(srv, nil), Starter: st}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	StartRescanner(ctx, r, 20*time.Millisecond)

	for i := 0; i < 2; i++ {
		select {
		case <-st.calls:
		case <-time.After(2 * time.Second):
			t.Fatalf("re-scan %d did not happen", i+1)
		}
	}
}

func TestStartRescanner_DisabledForZeroInterval(t *testing.T) {
	srv := testutil.NewMockChzzkServer(t)
	srv.MockLivesPages([]liveItem{})
	r := &Runner{Discoverer: newDiscoverer(srv, nil), Starter: &recordingStarter{}}

	StartRescanner(context.Background(), r, 0)
	time.Sleep(50 * time.Millisecond)
	if srv.Hits(testutil.LivesPath) != 0 {
		t.Fatal("zero interval must not schedule passes")
	}
}

func TestNextDelayBounds(t *testing.T) {
	interval := time.Second
	for i := 0; i < 200; i++ {
		d := nextDelay(interval)
		if d < 800*time.Millisecond || d > 1200*time.Millisecond {
			t.Fatalf("nextDelay = %v, outside ±20%%", d)
		}
	}
}
