package ingest

import (
	"fmt"
	"math/rand"
	"strconv"
	"time"
)

// transportError marks a retryable failure of the inbound transport:
// connection errors, read errors, timeouts, and non-2xx responses.
// Anything else that escapes the stream loop is fatal.
type transportError struct {
	op         string
	status     int
	retryAfter time.Duration
	err        error
}

func (e *transportError) Error() string {
	if e.status != 0 {
		return fmt.Sprintf("%s: unexpected status %d", e.op, e.status)
	}
	return fmt.Sprintf("%s: %v", e.op, e.err)
}

func (e *transportError) Unwrap() error {
	return e.err
}

// backoffDelay picks the reconnect delay: an explicit rate-limit
// Retry-After wins, otherwise a random delay in the configured
// [min, max] range.
func (in *Ingestor) backoffDelay(terr *transportError) time.Duration {
	if terr.retryAfter > 0 {
		return terr.retryAfter
	}
	if in.cfg.BackoffMax <= in.cfg.BackoffMin {
		return in.cfg.BackoffMin
	}
	return in.cfg.BackoffMin + time.Duration(rand.Int63n(int64(in.cfg.BackoffMax-in.cfg.BackoffMin)))
}

// parseRetryAfter reads the delay-seconds form of a Retry-After
// header. The HTTP-date form is not used by the stream endpoint and
// falls back to the default jitter.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	secs, err := strconv.Atoi(value)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
