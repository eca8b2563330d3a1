package ratecontrol

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Entry is one limit taking part in an admission
type Entry struct {
	Key    string
	Window time.Duration
	Max    int
}

// Store keeps the admission log of each key
type Store interface {
	// Count returns admissions of key within (now-window, now]
	Count(ctx context.Context, key string, window time.Duration, now time.Time) (int, error)
	// Admit checks every entry and, only if each one is below its Max,
	// records one admission at now against all of them. It returns the
	// index of the first refusing entry, or -1 once the admission is
	// recorded.
	Admit(ctx context.Context, entries []Entry, now time.Time) (int, error)
}

// MemoryStore is a process-local sliding log
type MemoryStore struct {
	mu   sync.Mutex
	logs map[string][]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{logs: make(map[string][]time.Time)}
}

func (s *MemoryStore) Count(_ context.Context, key string, window time.Duration, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.prune(key, window, now)), nil
}

func (s *MemoryStore) Admit(_ context.Context, entries []Entry, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range entries {
		if len(s.prune(e.Key, e.Window, now)) >= e.Max {
			return i, nil
		}
	}
	for _, e := range entries {
		s.logs[e.Key] = append(s.logs[e.Key], now)
	}
	return -1, nil
}

func (s *MemoryStore) prune(key string, window time.Duration, now time.Time) []time.Time {
	log := s.logs[key]
	cutoff := now.Add(-window)
	i := 0
	for i < len(log) && !log[i].After(cutoff) {
		i++
	}
	if i > 0 {
		log = append(log[:0], log[i:]...)
		s.logs[key] = log
	}
	return log
}

// admitScript checks and records a whole admission in one step so
// replicas sharing the sets never admit past Max.
// ARGV: score, member, then cutoff, max and ttl (ms) per key.
var admitScript = redis.NewScript(`
for i, key in ipairs(KEYS) do
	local base = 3 * i
	redis.call('ZREMRANGEBYSCORE', key, '-inf', ARGV[base])
	if redis.call('ZCARD', key) >= tonumber(ARGV[base + 1]) then
		return i - 1
	end
end
for i, key in ipairs(KEYS) do
	redis.call('ZADD', key, ARGV[1], ARGV[2])
	redis.call('PEXPIRE', key, ARGV[3 * i + 2])
end
return -1
`)

// RedisStore keeps one sorted set per key scored by admission time in
// microseconds, so several orchestrator replicas share the same counters.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "autopilot:ratelimit"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(k string) string {
	return fmt.Sprintf("%s:%s", s.prefix, k)
}

func (s *RedisStore) Count(ctx context.Context, key string, window time.Duration, now time.Time) (int, error) {
	k := s.key(key)
	pipe := s.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, k, "-inf", strconv.FormatInt(now.Add(-window).UnixMicro(), 10))
	card := pipe.ZCard(ctx, k)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", key, err)
	}
	return int(card.Val()), nil
}

func (s *RedisStore) Admit(ctx context.Context, entries []Entry, now time.Time) (int, error) {
	if len(entries) == 0 {
		return -1, nil
	}
	keys := make([]string, len(entries))
	args := []interface{}{now.UnixMicro(), uuid.NewString()}
	for i, e := range entries {
		keys[i] = s.key(e.Key)
		args = append(args, now.Add(-e.Window).UnixMicro(), e.Max, (e.Window + time.Second).Milliseconds())
	}
	refused, err := admitScript.Run(ctx, s.client, keys, args...).Int()
	if err != nil {
		return -1, fmt.Errorf("failed to admit %s: %w", entries[0].Key, err)
	}
	return refused, nil
}
