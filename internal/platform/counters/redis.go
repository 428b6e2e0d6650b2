package counters

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config holds Redis connection settings for the counter store.
type Config struct {
	Addr     string
	Password string
	DB       int

	// KeyPrefix namespaces every key, used for test isolation.
	KeyPrefix string

	// MinuteTTL bounds minute-scoped key lifetime. Must be at least as
	// long as the longest rolling window queried.
	MinuteTTL time.Duration
}

const defaultMinuteTTL = 2 * time.Hour

// Store is the counter store adapter. It holds a single long-lived
// client; all multi-key updates go through one transactional pipeline
// so concurrent readers never observe a partially applied event.
type Store struct {
	client    *redis.Client
	keyPrefix string
	minuteTTL time.Duration
}

// New connects to Redis and verifies the connection.
func New(cfg Config) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	ttl := cfg.MinuteTTL
	if ttl == 0 {
		ttl = defaultMinuteTTL
	}

	return &Store{
		client:    client,
		keyPrefix: cfg.KeyPrefix,
		minuteTTL: ttl,
	}, nil
}

// NewWithClient wraps an existing client. Used by tests.
func NewWithClient(client *redis.Client, keyPrefix string, minuteTTL time.Duration) *Store {
	if minuteTTL == 0 {
		minuteTTL = defaultMinuteTTL
	}
	return &Store{
		client:    client,
		keyPrefix: keyPrefix,
		minuteTTL: minuteTTL,
	}
}

// Close releases the client connection.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) key(suffix string) string {
	return s.keyPrefix + suffix
}

// Apply issues the whole batch for one event as a single round trip:
// day and all-time counters are plain INCRs, minute-scoped keys get
// their TTL refreshed alongside the increment.
func (s *Store) Apply(ctx context.Context, b Batch) error {
	pipe := s.client.TxPipeline()

	for _, inc := range b.Increments {
		metric := inc.Group + ":" + inc.Name
		pipe.Incr(ctx, s.key(b.Day+":"+metric))
		pipe.Incr(ctx, s.key("all:"+metric))

		minuteKey := s.key(fmt.Sprintf("minute:%d:%s", b.Bucket, metric))
		pipe.Incr(ctx, minuteKey)
		pipe.Expire(ctx, minuteKey, s.minuteTTL)
	}

	if b.User != "" {
		pipe.ZIncrBy(ctx, s.key(b.Day+":top_users"), 1, b.User)
		pipe.ZIncrBy(ctx, s.key("all:top_users"), 1, b.User)

		userKey := s.key(fmt.Sprintf("top_users:minute:%d", b.Bucket))
		pipe.ZIncrBy(ctx, userKey, 1, b.User)
		pipe.Expire(ctx, userKey, s.minuteTTL)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("apply counter batch: %w", err)
	}
	return nil
}

// WindowTotals sums minute-bucket counters over the rolling window
// [currentBucket-windowMinutes+1, currentBucket], keyed by
// "group:name". Key enumeration is one SCAN pass and values are
// fetched with a single MGET; there is never a per-key round trip.
func (s *Store) WindowTotals(ctx context.Context, currentBucket int64, windowMinutes int) (map[string]int64, error) {
	lo := currentBucket - int64(windowMinutes) + 1

	var keys []string
	var metrics []string

	iter := s.client.Scan(ctx, 0, s.key("minute:*"), 512).Iterator()
	for iter.Next(ctx) {
		rest := strings.TrimPrefix(iter.Val(), s.keyPrefix)
		parts := strings.SplitN(rest, ":", 4)
		if len(parts) != 4 {
			continue
		}
		bucket, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil || bucket < lo || bucket > currentBucket {
			continue
		}
		keys = append(keys, iter.Val())
		metrics = append(metrics, parts[2]+":"+parts[3])
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan minute keys: %w", err)
	}

	totals := make(map[string]int64)
	if len(keys) == 0 {
		return totals, nil
	}

	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget minute keys: %w", err)
	}
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(str, 10, 64)
		if err != nil {
			continue
		}
		totals[metrics[i]] += n
	}

	return totals, nil
}

// UserCount is one entry of a top-user ranking.
type UserCount struct {
	User  string
	Count int64
}

// TopUsers merges per-minute top-user sets over the rolling window and
// returns the k highest totals. All bucket reads go out in one
// pipeline. Ties keep insertion order; the ordering among equal counts
// is not significant.
func (s *Store) TopUsers(ctx context.Context, currentBucket int64, windowMinutes, k int) ([]UserCount, error) {
	pipe := s.client.Pipeline()

	cmds := make([]*redis.ZSliceCmd, 0, windowMinutes)
	for bucket := currentBucket - int64(windowMinutes) + 1; bucket <= currentBucket; bucket++ {
		key := s.key(fmt.Sprintf("top_users:minute:%d", bucket))
		cmds = append(cmds, pipe.ZRangeWithScores(ctx, key, 0, -1))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("read top-user buckets: %w", err)
	}

	totals := make(map[string]int64)
	var order []string
	for _, cmd := range cmds {
		for _, z := range cmd.Val() {
			user, ok := z.Member.(string)
			if !ok {
				continue
			}
			if _, seen := totals[user]; !seen {
				order = append(order, user)
			}
			totals[user] += int64(z.Score)
		}
	}

	ranked := make([]UserCount, 0, len(order))
	for _, user := range order {
		ranked = append(ranked, UserCount{User: user, Count: totals[user]})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Count > ranked[j].Count
	})
	if len(ranked) > k {
		ranked = ranked[:k]
	}
	return ranked, nil
}

// DayTotals returns all counters for one day scope keyed by
// "group:name".
func (s *Store) DayTotals(ctx context.Context, day string) (map[string]int64, error) {
	return s.scopeTotals(ctx, day)
}

// AllTimeTotals returns the monotonically non-decreasing all-time
// counters keyed by "group:name".
func (s *Store) AllTimeTotals(ctx context.Context) (map[string]int64, error) {
	return s.scopeTotals(ctx, "all")
}

func (s *Store) scopeTotals(ctx context.Context, scope string) (map[string]int64, error) {
	var keys []string
	var metrics []string

	iter := s.client.Scan(ctx, 0, s.key(scope+":*:*"), 512).Iterator()
	for iter.Next(ctx) {
		rest := strings.TrimPrefix(iter.Val(), s.keyPrefix)
		parts := strings.SplitN(rest, ":", 2)
		if len(parts) != 2 {
			continue
		}
		keys = append(keys, iter.Val())
		metrics = append(metrics, parts[1])
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan %s keys: %w", scope, err)
	}

	totals := make(map[string]int64)
	if len(keys) == 0 {
		return totals, nil
	}

	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget %s keys: %w", scope, err)
	}
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(str, 10, 64)
		if err != nil {
			continue
		}
		totals[metrics[i]] = n
	}

	return totals, nil
}

// Flush deletes every key in the configured database. Destructive;
// local development only.
func (s *Store) Flush(ctx context.Context) error {
	if err := s.client.FlushDB(ctx).Err(); err != nil {
		return fmt.Errorf("flush redis: %w", err)
	}
	return nil
}

// SpikeScore compares 5-minute event volume against the one-hour
// per-5-minute baseline. Returns 0 when the baseline is empty rather
// than an undefined ratio.
func SpikeScore(fiveMinTotal, oneHourTotal int64) float64 {
	if oneHourTotal == 0 {
		return 0
	}
	return float64(fiveMinTotal) / (float64(oneHourTotal) / 12)
}
