package metrics

import (
	"context"
	"strconv"
	"time"

	"github.com/eswenke/wikipulse/internal/platform/counters"
	"github.com/eswenke/wikipulse/internal/processor"
)

// Sink receives the assembled counter batch for one event.
type Sink interface {
	Apply(ctx context.Context, b counters.Batch) error
}

// Aggregator translates one ChangeEvent into its deterministic set of
// counter increments and hands them to the counter store as a single
// batch.
type Aggregator struct {
	sink Sink
	now  func() time.Time
}

// NewAggregator creates an Aggregator writing to sink.
func NewAggregator(sink Sink) *Aggregator {
	return &Aggregator{sink: sink, now: time.Now}
}

// NewAggregatorWithClock pins the wall clock. Used by tests.
func NewAggregatorWithClock(sink Sink, now func() time.Time) *Aggregator {
	return &Aggregator{sink: sink, now: now}
}

// Record issues the counter updates for ev. The batch fails or
// succeeds as a whole; a failure is reported to the caller, which is
// still expected to attempt the durable sink.
func (a *Aggregator) Record(ctx context.Context, ev *processor.ChangeEvent) error {
	now := a.now()
	b := counters.Batch{
		Day:    DayKey(now),
		Bucket: MinuteBucket(now),
	}

	b.Add("events", "total")
	b.Add("type", string(ev.Kind))

	if ev.Namespace != nil {
		b.Add("namespace", strconv.Itoa(*ev.Namespace))
	}
	if ev.Kind == processor.KindLog && ev.LogType != nil {
		b.Add("log_type", *ev.LogType)
	}
	if ev.User != nil {
		b.User = *ev.User
	}

	// Edit events carry the bot/human and minor/major slices. Absent
	// flags contribute to neither side.
	if ev.Kind == processor.KindEdit {
		if ev.Bot != nil {
			if *ev.Bot {
				b.Add("edits", "bot")
			} else {
				b.Add("edits", "human")
			}
		}
		if ev.Minor != nil {
			if *ev.Minor {
				b.Add("edits", "minor")
			} else {
				b.Add("edits", "major")
			}
		}
	}

	if ev.Bot != nil && *ev.Bot && ev.Patrolled != nil {
		if *ev.Patrolled {
			b.Add("patrolled", "patrolled_bot")
		} else {
			b.Add("patrolled", "unpatrolled_bot")
		}
	}

	return a.sink.Apply(ctx, b)
}
