// Package ingest drives the connection to the recentchange SSE stream
// and fans each normalized event out to the counter and durable sinks.
package ingest

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/eswenke/wikipulse/internal/platform/storage"
	"github.com/eswenke/wikipulse/internal/processor"
)

// CounterSink records one event's counter increments.
type CounterSink interface {
	Record(ctx context.Context, ev *processor.ChangeEvent) error
}

// EventStore persists one event row.
type EventStore interface {
	Insert(ctx context.Context, ev *processor.ChangeEvent) error
}

// Config holds ingestion run parameters.
type Config struct {
	// StreamURL is the SSE endpoint.
	StreamURL string

	// UserAgent identifies the pipeline per the Wikimedia robot policy;
	// required on every request.
	UserAgent string

	// RunDuration bounds the whole run. Once it elapses the current
	// response is drained and the loop exits without reconnecting.
	RunDuration time.Duration

	// Reconnect delay bounds for the default jittered backoff. A
	// rate-limit Retry-After overrides them.
	BackoffMin time.Duration
	BackoffMax time.Duration
}

const (
	defaultBackoffMin = 2 * time.Second
	defaultBackoffMax = 10 * time.Second

	// SSE payload lines can be large; default scanner limit is too small.
	maxLineBytes = 1 << 20
)

var dataPrefix = []byte("data: ")

// pipeline state, for transition logging.
type state string

const (
	stateConnecting state = "connecting"
	stateStreaming  state = "streaming"
	stateBackoff    state = "backoff"
	stateDraining   state = "draining"
	stateClosed     state = "closed"
)

// Ingestor reads the stream line by line and processes events
// sequentially: at most one event is in flight, so a slow sink write
// backpressures the stream read.
type Ingestor struct {
	cfg      Config
	client   *http.Client
	counters CounterSink
	store    EventStore
	logger   *slog.Logger

	processed int64
}

// New creates an Ingestor writing to the given sinks.
func New(cfg Config, counters CounterSink, store EventStore, logger *slog.Logger) *Ingestor {
	if cfg.BackoffMin == 0 {
		cfg.BackoffMin = defaultBackoffMin
	}
	if cfg.BackoffMax < cfg.BackoffMin {
		cfg.BackoffMax = defaultBackoffMax
	}

	return &Ingestor{
		cfg: cfg,
		client: &http.Client{
			Transport: &http.Transport{
				ResponseHeaderTimeout: 30 * time.Second,
			},
		},
		counters: counters,
		store:    store,
		logger:   logger.With("component", "ingestor"),
	}
}

// Processed returns how many events this run has accepted.
func (in *Ingestor) Processed() int64 {
	return in.processed
}

// Run streams events until the run deadline elapses. Transport
// failures reconnect after a backoff; only non-transport errors
// propagate, and they terminate the run.
func (in *Ingestor) Run(ctx context.Context) error {
	runCtx, cancel := context.WithTimeout(ctx, in.cfg.RunDuration)
	defer cancel()

	in.logger.Info("starting ingestion run",
		"stream_url", in.cfg.StreamURL,
		"run_duration", in.cfg.RunDuration,
	)

	for {
		if runCtx.Err() != nil {
			break
		}

		err := in.stream(runCtx)
		if err == nil {
			// Deadline reached mid-stream; already drained.
			break
		}

		var terr *transportError
		if !errors.As(err, &terr) {
			in.logger.Error("fatal ingestion error", "error", err)
			return err
		}
		if runCtx.Err() != nil {
			break
		}

		delay := in.backoffDelay(terr)
		in.logger.Warn("transport failure, reconnecting",
			"state", stateBackoff,
			"error", terr,
			"delay", delay,
		)

		select {
		case <-runCtx.Done():
		case <-time.After(delay):
		}
	}

	in.logger.Info("ingestion run finished", "state", stateClosed, "processed", in.processed)
	return nil
}

// stream opens one connection and consumes it until the deadline or a
// transport failure. Returns nil when the run deadline ended the
// stream, a *transportError on any retryable failure, and any other
// error for fatal conditions.
func (in *Ingestor) stream(ctx context.Context) error {
	in.logger.Info("connecting to stream", "state", stateConnecting)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, in.cfg.StreamURL, nil)
	if err != nil {
		return fmt.Errorf("build stream request: %w", err)
	}
	req.Header.Set("User-Agent", in.cfg.UserAgent)

	resp, err := in.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return &transportError{op: "connect", err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		terr := &transportError{op: "connect", status: resp.StatusCode}
		if resp.StatusCode == http.StatusTooManyRequests {
			terr.retryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
		}
		return terr
	}

	in.logger.Info("streaming", "state", stateStreaming)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	for scanner.Scan() {
		if ctx.Err() != nil {
			break
		}

		line := bytes.TrimSpace(scanner.Bytes())
		// Only data records carry payloads; comments, keep-alives and
		// event-name lines are ignored.
		if !bytes.HasPrefix(line, dataPrefix) {
			continue
		}
		in.handleEvent(ctx, line[len(dataPrefix):])
	}

	if ctx.Err() != nil {
		in.logger.Info("run window reached, stopping stream", "state", stateDraining)
		return nil
	}
	if err := scanner.Err(); err != nil {
		return &transportError{op: "read", err: err}
	}
	// The source stream is unbounded; a clean EOF means the server
	// closed on us and we should reconnect.
	return &transportError{op: "read", err: errServerClosedStream}
}

var errServerClosedStream = errors.New("server closed stream")

// handleEvent normalizes one payload and fans it out to both sinks.
// Every failure here is non-fatal: the event (or the failing sink) is
// skipped and the loop continues.
func (in *Ingestor) handleEvent(ctx context.Context, payload []byte) {
	ev, err := processor.Normalize(payload, time.Now())
	if err != nil {
		in.logger.Warn("skipping line", "error", err)
		return
	}

	in.processed++

	// A counter failure is reported but the durable insert still runs;
	// the sinks fail independently.
	if err := in.counters.Record(ctx, ev); err != nil {
		in.logger.Error("counter update failed", "event_id", ev.ID, "error", err)
	}

	if err := in.store.Insert(ctx, ev); err != nil {
		if errors.Is(err, storage.ErrDuplicateEvent) {
			in.logger.Debug("duplicate event", "event_id", ev.ID)
		} else {
			in.logger.Error("durable insert failed", "event_id", ev.ID, "error", err)
		}
	}

	if in.processed%1000 == 0 {
		in.logger.Info("processed events", "count", in.processed)
	}
}
