package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/eswenke/wikipulse/internal/metrics"
	"github.com/eswenke/wikipulse/internal/platform/counters"
	"github.com/eswenke/wikipulse/internal/platform/storage"
	"github.com/eswenke/wikipulse/internal/processor"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeEventStore records inserts and signals duplicates by event id.
type fakeEventStore struct {
	mu     sync.Mutex
	events []*processor.ChangeEvent
	seen   map[string]bool
	err    error
}

func newFakeEventStore() *fakeEventStore {
	return &fakeEventStore{seen: make(map[string]bool)}
}

func (s *fakeEventStore) Insert(_ context.Context, ev *processor.ChangeEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if s.seen[ev.ID] {
		return fmt.Errorf("%w: %s", storage.ErrDuplicateEvent, ev.ID)
	}
	s.seen[ev.ID] = true
	s.events = append(s.events, ev)
	return nil
}

func (s *fakeEventStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

// sseServer streams the given lines once, then holds the connection
// open until the client goes away.
func sseServer(t *testing.T, lines []string) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, line := range lines {
			fmt.Fprintf(w, "%s\n", line)
		}
		flusher.Flush()
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newCounterAggregator(t *testing.T) (*metrics.Aggregator, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	store := counters.NewWithClient(client, "", 2*time.Hour)
	return metrics.NewAggregator(store), mr
}

func TestRunEndToEnd(t *testing.T) {
	srv := sseServer(t, []string{
		`data: {"type":"edit","bot":true,"minor":false,"meta":{"id":"1","dt":"t1"},"user":"A"}`,
		`: keep-alive comment, must be ignored`,
		`data: {"type":"new","meta":{"id":"2","dt":"t2"},"user":"B"}`,
	})

	agg, mr := newCounterAggregator(t)
	store := newFakeEventStore()

	in := New(Config{
		StreamURL:   srv.URL,
		UserAgent:   "wikipulse-test/1.0",
		RunDuration: 400 * time.Millisecond,
	}, agg, store, discardLogger())

	if err := in.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if in.Processed() != 2 {
		t.Errorf("processed = %d, want 2", in.Processed())
	}
	if store.count() != 2 {
		t.Errorf("durable rows = %d, want 2", store.count())
	}

	wantCounters := map[string]string{
		"all:events:total": "2",
		"all:edits:bot":    "1",
		"all:edits:major":  "1",
		"all:type:edit":    "1",
		"all:type:new":     "1",
	}
	for key, want := range wantCounters {
		got, err := mr.Get(key)
		if err != nil {
			t.Errorf("missing counter %s: %v", key, err)
			continue
		}
		if got != want {
			t.Errorf("%s = %s, want %s", key, got, want)
		}
	}
	if mr.Exists("all:edits:human") {
		t.Error("edits:human incremented for a bot edit")
	}

	users, err := mr.SortedSet("all:top_users")
	if err != nil {
		t.Fatalf("read top-user set: %v", err)
	}
	if users["A"] != 1 || users["B"] != 1 {
		t.Errorf("top users = %v, want A:1 B:1", users)
	}
}

func TestRunSkipsBadLines(t *testing.T) {
	// First line is malformed JSON, second is valid but incomplete;
	// both must be skipped without ending the loop.
	srv := sseServer(t, []string{
		`data: {"type":"edit",`,
		`data: {"no_type":true,"meta":{"id":"x","dt":"t"}}`,
		`data: {"type":"edit","meta":{"id":"3","dt":"2026-03-14T09:26:00Z"}}`,
	})

	agg, _ := newCounterAggregator(t)
	store := newFakeEventStore()

	in := New(Config{
		StreamURL:   srv.URL,
		UserAgent:   "wikipulse-test/1.0",
		RunDuration: 300 * time.Millisecond,
	}, agg, store, discardLogger())

	if err := in.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if store.count() != 1 {
		t.Errorf("durable rows = %d, want 1", store.count())
	}
	if store.events[0].ID != "3" {
		t.Errorf("stored event id = %s, want 3", store.events[0].ID)
	}
}

func TestRunContinuesPastDuplicates(t *testing.T) {
	line := `data: {"type":"edit","meta":{"id":"dup","dt":"2026-03-14T09:26:00Z"}}`
	srv := sseServer(t, []string{
		line,
		line,
		`data: {"type":"edit","meta":{"id":"after","dt":"2026-03-14T09:26:01Z"}}`,
	})

	agg, mr := newCounterAggregator(t)
	store := newFakeEventStore()

	in := New(Config{
		StreamURL:   srv.URL,
		UserAgent:   "wikipulse-test/1.0",
		RunDuration: 300 * time.Millisecond,
	}, agg, store, discardLogger())

	if err := in.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// One row per unique id, but all three lines hit the counters.
	if store.count() != 2 {
		t.Errorf("durable rows = %d, want 2", store.count())
	}
	if got, _ := mr.Get("all:events:total"); got != "3" {
		t.Errorf("all:events:total = %s, want 3", got)
	}
}

func TestRunSinkFailureIsNonFatal(t *testing.T) {
	srv := sseServer(t, []string{
		`data: {"type":"edit","meta":{"id":"1","dt":"2026-03-14T09:26:00Z"}}`,
	})

	agg, _ := newCounterAggregator(t)
	store := newFakeEventStore()
	store.err = errors.New("connection refused")

	in := New(Config{
		StreamURL:   srv.URL,
		UserAgent:   "wikipulse-test/1.0",
		RunDuration: 300 * time.Millisecond,
	}, agg, store, discardLogger())

	if err := in.Run(context.Background()); err != nil {
		t.Fatalf("Run returned %v, want nil despite sink failure", err)
	}
	if in.Processed() != 1 {
		t.Errorf("processed = %d, want 1", in.Processed())
	}
}

func TestRunReconnectsAfterServerClose(t *testing.T) {
	var mu sync.Mutex
	requests := 0

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		requests++
		n := requests
		mu.Unlock()

		if n == 1 {
			// Close immediately: the unbounded stream ending is a
			// transport failure and must trigger a reconnect.
			fmt.Fprintln(w, `data: {"type":"edit","meta":{"id":"r1","dt":"2026-03-14T09:26:00Z"}}`)
			return
		}
		fmt.Fprintln(w, `data: {"type":"edit","meta":{"id":"r2","dt":"2026-03-14T09:26:01Z"}}`)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	agg, _ := newCounterAggregator(t)
	store := newFakeEventStore()

	in := New(Config{
		StreamURL:   srv.URL,
		UserAgent:   "wikipulse-test/1.0",
		RunDuration: 500 * time.Millisecond,
		BackoffMin:  time.Millisecond,
		BackoffMax:  2 * time.Millisecond,
	}, agg, store, discardLogger())

	if err := in.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if requests < 2 {
		t.Errorf("requests = %d, want at least 2", requests)
	}
	if store.count() != 2 {
		t.Errorf("durable rows = %d, want 2", store.count())
	}
}

func TestStreamNon2xxIsTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	in := New(Config{
		StreamURL:   srv.URL,
		UserAgent:   "wikipulse-test/1.0",
		RunDuration: time.Second,
	}, nil, nil, discardLogger())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := in.stream(ctx)
	var terr *transportError
	if !errors.As(err, &terr) {
		t.Fatalf("err = %v, want transportError", err)
	}
	if terr.status != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", terr.status)
	}
}

func TestStreamRateLimitCarriesRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "5")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	in := New(Config{
		StreamURL:   srv.URL,
		UserAgent:   "wikipulse-test/1.0",
		RunDuration: time.Second,
	}, nil, nil, discardLogger())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := in.stream(ctx)
	var terr *transportError
	if !errors.As(err, &terr) {
		t.Fatalf("err = %v, want transportError", err)
	}
	if terr.retryAfter != 5*time.Second {
		t.Errorf("retryAfter = %v, want 5s", terr.retryAfter)
	}

	// The explicit retry-after overrides the random jitter exactly.
	if delay := in.backoffDelay(terr); delay != 5*time.Second {
		t.Errorf("backoff delay = %v, want exactly 5s", delay)
	}
}

func TestBackoffDelayDefaultRange(t *testing.T) {
	in := New(Config{
		StreamURL:   "http://localhost",
		RunDuration: time.Second,
	}, nil, nil, discardLogger())

	terr := &transportError{op: "read", err: errors.New("reset")}
	for i := 0; i < 100; i++ {
		delay := in.backoffDelay(terr)
		if delay < 2*time.Second || delay > 10*time.Second {
			t.Fatalf("delay %v outside [2s, 10s]", delay)
		}
	}
}

func TestUserAgentHeaderSent(t *testing.T) {
	gotUA := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA <- r.Header.Get("User-Agent")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	in := New(Config{
		StreamURL:   srv.URL,
		UserAgent:   "WikipediaEditPipeline/1.0 (test)",
		RunDuration: time.Second,
	}, nil, nil, discardLogger())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = in.stream(ctx)

	if ua := <-gotUA; ua != "WikipediaEditPipeline/1.0 (test)" {
		t.Errorf("User-Agent = %q", ua)
	}
}
