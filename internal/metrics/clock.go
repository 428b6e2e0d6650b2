// Package metrics maps normalized change events onto the counter
// taxonomy and the rolling-window clock.
package metrics

import "time"

// MinuteBucket maps wall-clock time onto the monotonically increasing
// minute bucket id used by all rolling-window keys.
func MinuteBucket(t time.Time) int64 {
	return t.Unix() / 60
}

// DayKey returns the UTC day scope for t, formatted YYYY-MM-DD. It is
// recomputed per event so day-scoped counters never land under a stale
// date after midnight rollover.
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
