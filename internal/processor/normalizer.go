package processor

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrMalformedPayload indicates a line that is not valid JSON. The
	// line is skipped; the ingestion loop continues.
	ErrMalformedPayload = errors.New("malformed payload")

	// ErrIncompleteEvent indicates valid JSON that is missing the
	// mandatory type or timestamp metadata. Also non-fatal.
	ErrIncompleteEvent = errors.New("incomplete event")
)

// rawEvent mirrors the loosely-typed wire payload of the recentchange
// stream. Only the fields the pipeline consumes are declared; the rest
// of the payload is ignored by the decoder.
type rawEvent struct {
	Meta      *rawMeta   `json:"meta"`
	Type      string     `json:"type"`
	Namespace *int       `json:"namespace"`
	Title     string     `json:"title"`
	Comment   string     `json:"comment"`
	Timestamp *int64     `json:"timestamp"`
	User      *string    `json:"user"`
	Wiki      string     `json:"wiki"`
	Minor     *bool      `json:"minor"`
	Bot       *bool      `json:"bot"`
	Patrolled *bool      `json:"patrolled"`
	LogType   *string    `json:"log_type"`
	Length    *rawLength `json:"length"`
}

type rawMeta struct {
	ID     string `json:"id"`
	DT     string `json:"dt"`
	Domain string `json:"domain"`
}

type rawLength struct {
	Old *int `json:"old"`
	New int  `json:"new"`
}

// Normalize validates one raw payload and extracts a ChangeEvent.
// receivedAt is the wall-clock receipt time, used as the event time of
// last resort when the source timestamp is present but unparseable.
// Pure transform; no side effects.
func Normalize(data []byte, receivedAt time.Time) (*ChangeEvent, error) {
	var raw rawEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	if raw.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrIncompleteEvent)
	}
	if raw.Meta == nil {
		return nil, fmt.Errorf("%w: missing meta", ErrIncompleteEvent)
	}

	ts, err := resolveTimestamp(&raw, receivedAt)
	if err != nil {
		return nil, err
	}

	ev := &ChangeEvent{
		ID:        raw.Meta.ID,
		Domain:    raw.Meta.Domain,
		Timestamp: ts,
		Kind:      classifyKind(raw.Type),
		Namespace: raw.Namespace,
		Title:     raw.Title,
		Comment:   raw.Comment,
		User:      raw.User,
		Wiki:      raw.Wiki,
		Minor:     raw.Minor,
		Bot:       raw.Bot,
		Patrolled: raw.Patrolled,
	}

	if ev.Kind == KindLog {
		ev.LogType = raw.LogType
	}

	if raw.Length != nil {
		old := 0
		if raw.Length.Old != nil {
			old = *raw.Length.Old
		}
		delta := raw.Length.New - old
		ev.LengthDelta = &delta
	}

	return ev, nil
}

// resolveTimestamp picks the source-reported event time: the top-level
// unix timestamp when present, otherwise the RFC3339 meta.dt field. A
// meta.dt that is present but unparseable degrades to receivedAt so
// that an otherwise well-formed event is not dropped.
func resolveTimestamp(raw *rawEvent, receivedAt time.Time) (time.Time, error) {
	if raw.Timestamp != nil {
		return time.Unix(*raw.Timestamp, 0).UTC(), nil
	}
	if raw.Meta.DT == "" {
		return time.Time{}, fmt.Errorf("%w: missing timestamp", ErrIncompleteEvent)
	}
	if t, err := time.Parse(time.RFC3339, raw.Meta.DT); err == nil {
		return t.UTC(), nil
	}
	return receivedAt.UTC(), nil
}
