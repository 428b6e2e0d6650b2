// Package processor validates raw recent-change payloads from the
// Wikimedia stream and normalizes them into the strict ChangeEvent
// type that the metric and storage sinks consume.
package processor

import "time"

// Kind classifies a recent-change event.
type Kind string

const (
	KindEdit       Kind = "edit"
	KindNew        Kind = "new"
	KindLog        Kind = "log"
	KindCategorize Kind = "categorize"
	KindOther      Kind = "other"
)

// classifyKind maps a source type string onto the Kind enum. Types the
// pipeline does not track individually collapse into KindOther.
func classifyKind(t string) Kind {
	switch t {
	case "edit":
		return KindEdit
	case "new":
		return KindNew
	case "log":
		return KindLog
	case "categorize":
		return KindCategorize
	default:
		return KindOther
	}
}

// ChangeEvent is one normalized recent-change event. It lives for a
// single pipeline iteration: constructed from a raw stream line,
// handed to the counter and durable sinks, then discarded.
//
// Optional fields are pointers so that "source omitted this" stays
// distinguishable from a zero value; LengthDelta in particular must
// never conflate "no length object" with "zero-byte change".
type ChangeEvent struct {
	ID        string
	Domain    string
	Timestamp time.Time
	Kind      Kind
	Namespace *int
	Title     string
	Comment   string
	User      *string
	Wiki      string
	Minor     *bool
	Bot       *bool
	Patrolled *bool

	// LogType is set only for kind=log events.
	LogType *string

	// LengthDelta is new length minus old length in bytes, nil when the
	// source carried no length object.
	LengthDelta *int
}
