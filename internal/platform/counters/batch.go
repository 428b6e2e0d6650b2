// Package counters owns all access to the Redis backend holding the
// pipeline's real-time rolling-window counters and top-user sets.
package counters

// Increment names one counter to bump by 1 within a batch, e.g.
// group "edits", name "bot".
type Increment struct {
	Group string
	Name  string
}

// Batch is the full set of counter updates for one event. Every
// increment is applied at three scopes: the day key, the all-time key,
// and the minute bucket (with its TTL refreshed). User, when non-empty,
// additionally bumps the top-user sorted set at each scope.
type Batch struct {
	Day        string
	Bucket     int64
	Increments []Increment
	User       string
}

// Add appends one increment to the batch.
func (b *Batch) Add(group, name string) {
	b.Increments = append(b.Increments, Increment{Group: group, Name: name})
}
