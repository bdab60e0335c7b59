package cache

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"brewlab/internal/domain"
)

const (
	// RecentKey holds the most recent raw events, newest first.
	RecentKey     = "recent:experiments"
	appliedPrefix = "applied:"
	scanBatch     = 256
)

// applyScript marks the event as applied and adds every delta in one atomic
// step. A second run for the same marker is a no-op and returns 0. A marker
// TTL of 0 keeps the marker forever.
var applyScript = redis.NewScript(`
local set
if tonumber(ARGV[1]) > 0 then
  set = redis.call('SET', KEYS[1], '1', 'NX', 'PX', ARGV[1])
else
  set = redis.call('SET', KEYS[1], '1', 'NX')
end
if set == false then
  return 0
end
for i = 2, #KEYS do
  redis.call('INCRBY', KEYS[i], ARGV[i])
end
return 1
`)

// Options tunes the store.
type Options struct {
	RecentLimit int64
	RecentTTL   time.Duration
	AppliedTTL  time.Duration
}

// Store keeps aggregate counters and the recent activity list in Redis.
type Store struct {
	redis       *redis.Client
	recentLimit int64
	recentTTL   time.Duration
	appliedTTL  time.Duration
}

// CounterSet maps counter keys to their current value.
type CounterSet map[string]int64

// New creates a Store. Zero options fall back to 100 recent entries kept
// for 24 hours.
func New(client *redis.Client, opts Options) *Store {
	if opts.RecentLimit <= 0 {
		opts.RecentLimit = 100
	}
	if opts.RecentTTL <= 0 {
		opts.RecentTTL = 24 * time.Hour
	}
	if opts.AppliedTTL <= 0 {
		opts.AppliedTTL = 7 * 24 * time.Hour
	}
	return &Store{
		redis:       client,
		recentLimit: opts.RecentLimit,
		recentTTL:   opts.RecentTTL,
		appliedTTL:  opts.AppliedTTL,
	}
}

func appliedKey(key string) string {
	return appliedPrefix + key
}

// ApplyCounters adds deltas exactly once per idempotency key, usually the
// event id. It returns false when the key had already been applied. The
// marker expires after the configured applied TTL.
func (s *Store) ApplyCounters(ctx context.Context, key string, deltas []domain.Delta) (bool, error) {
	return s.applyCounters(ctx, key, deltas, s.appliedTTL)
}

// ApplyCountersOnce is ApplyCounters with a marker that never expires.
func (s *Store) ApplyCountersOnce(ctx context.Context, key string, deltas []domain.Delta) (bool, error) {
	return s.applyCounters(ctx, key, deltas, 0)
}

func (s *Store) applyCounters(ctx context.Context, key string, deltas []domain.Delta, ttl time.Duration) (bool, error) {
	if key == "" {
		return false, fmt.Errorf("apply counters: empty idempotency key")
	}
	keys := make([]string, 0, len(deltas)+1)
	args := make([]any, 0, len(deltas)+1)
	keys = append(keys, appliedKey(key))
	args = append(args, ttl.Milliseconds())
	for _, d := range deltas {
		keys = append(keys, d.Key)
		args = append(args, d.By)
	}
	n, err := applyScript.Run(ctx, s.redis, keys, args...).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Counters reads every statistics counter.
func (s *Store) Counters(ctx context.Context) (CounterSet, error) {
	var keys []string
	iter := s.redis.Scan(ctx, 0, domain.StatsPrefix+"*", scanBatch).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	set := CounterSet{}
	if len(keys) == 0 {
		return set, nil
	}
	vals, err := s.redis.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(str, 10, 64)
		if err != nil {
			log.WithField("key", keys[i]).WithError(err).Warn("skipping non-integer counter")
			continue
		}
		set[keys[i]] = n
	}
	return set, nil
}

// Get returns the counter value, zero when absent.
func (c CounterSet) Get(key string) int64 { return c[key] }

// WithPrefix returns the counters under prefix keyed by the remainder.
func (c CounterSet) WithPrefix(prefix string) map[string]int64 {
	out := map[string]int64{}
	for k, v := range c {
		if rest, ok := strings.CutPrefix(k, prefix); ok && rest != "" {
			out[rest] = v
		}
	}
	return out
}

// PushRecent prepends an event, trims the list and refreshes its TTL. A
// redelivered event replaces its earlier copy instead of adding a second one.
func (s *Store) PushRecent(ctx context.Context, ev domain.Event) error {
	payload, err := domain.EncodeEvent(ev)
	if err != nil {
		return err
	}
	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, RecentKey, 0, payload)
		pipe.LPush(ctx, RecentKey, payload)
		pipe.LTrim(ctx, RecentKey, 0, s.recentLimit-1)
		pipe.Expire(ctx, RecentKey, s.recentTTL)
		return nil
	})
	return err
}

// RemoveRecent drops every entry for entityID. Each matching payload is
// removed with LREM, so pushes racing with the removal are kept.
func (s *Store) RemoveRecent(ctx context.Context, entityID string) (int64, error) {
	entries, err := s.redis.LRange(ctx, RecentKey, 0, -1).Result()
	if err != nil {
		return 0, err
	}
	seen := map[string]struct{}{}
	var removed int64
	for _, raw := range entries {
		if _, dup := seen[raw]; dup {
			continue
		}
		ev, err := domain.DecodeEvent([]byte(raw))
		if err != nil || ev.EntityID != entityID {
			continue
		}
		seen[raw] = struct{}{}
		n, err := s.redis.LRem(ctx, RecentKey, 0, raw).Result()
		if err != nil {
			return removed, err
		}
		removed += n
	}
	return removed, nil
}

// Recent returns up to limit entries, newest first. Entries that no longer
// decode are skipped.
func (s *Store) Recent(ctx context.Context, limit int64) ([]domain.Event, error) {
	if limit <= 0 || limit > s.recentLimit {
		limit = s.recentLimit
	}
	entries, err := s.redis.LRange(ctx, RecentKey, 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	events := make([]domain.Event, 0, len(entries))
	for _, raw := range entries {
		ev, err := domain.DecodeEvent([]byte(raw))
		if err != nil {
			log.WithError(err).Warn("skipping undecodable recent entry")
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// RecentLen returns the current list length.
func (s *Store) RecentLen(ctx context.Context) (int64, error) {
	return s.redis.LLen(ctx, RecentKey).Result()
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.redis.Ping(ctx).Err()
}
