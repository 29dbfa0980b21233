// Package ratelimit caps how often one platform account may attempt a link.
// Each attempt spends a guess of the member's credential at the authority, so
// attempts are counted in a sliding window per account.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Result is the outcome of one rate limit check.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Store counts attempts per key over a sliding window.
type Store interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (*Result, error)
}

// sweepInterval is how often Allow drops windows that have emptied.
const sweepInterval = time.Minute

// InMemoryStore keeps one sliding window per key. Counts are per process.
// Keys whose window has emptied are dropped so idle accounts do not
// accumulate.
type InMemoryStore struct {
	mu        sync.Mutex
	buckets   map[string]*slidingWindow
	now       func() time.Time
	nextSweep time.Time
}

type slidingWindow struct {
	timestamps []time.Time
	window     time.Duration
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		buckets: make(map[string]*slidingWindow),
		now:     time.Now,
	}
}

// Allow records an attempt when it fits within limit.
func (s *InMemoryStore) Allow(_ context.Context, key string, limit int, window time.Duration) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.sweepLocked(now)

	sw := s.buckets[key]
	if sw == nil {
		sw = &slidingWindow{window: window}
		s.buckets[key] = sw
	}
	sw.cleanup(now)

	if len(sw.timestamps) < limit {
		sw.timestamps = append(sw.timestamps, now)
		return &Result{
			Allowed:   true,
			Limit:     limit,
			Remaining: limit - len(sw.timestamps),
			ResetAt:   sw.timestamps[0].Add(window),
		}, nil
	}

	resetAt := sw.timestamps[0].Add(window)
	return &Result{
		Allowed:    false,
		Limit:      limit,
		ResetAt:    resetAt,
		RetryAfter: resetAt.Sub(now),
	}, nil
}

// sweepLocked removes every window with no attempts left in it. It runs at
// most once per sweepInterval.
func (s *InMemoryStore) sweepLocked(now time.Time) {
	if now.Before(s.nextSweep) {
		return
	}
	s.nextSweep = now.Add(sweepInterval)
	for key, sw := range s.buckets {
		sw.cleanup(now)
		if len(sw.timestamps) == 0 {
			delete(s.buckets, key)
		}
	}
}

// cleanup drops timestamps that have left the window.
func (sw *slidingWindow) cleanup(now time.Time) {
	cutoff := now.Add(-sw.window)
	i := 0
	for ; i < len(sw.timestamps); i++ {
		if sw.timestamps[i].After(cutoff) {
			break
		}
	}
	sw.timestamps = sw.timestamps[i:]
}

// RedisStore shares windows across replicas using one sorted set per key,
// scored by attempt time in milliseconds.
type RedisStore struct {
	client redis.Cmdable
	prefix string
	now    func() time.Time
}

func NewRedisStore(client redis.Cmdable, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "clublink:ratelimit:"
	}
	return &RedisStore{client: client, prefix: prefix, now: time.Now}
}

// Allow records the attempt and then counts the window. An attempt over the
// limit still occupies a slot, so hammering the endpoint extends the block.
func (s *RedisStore) Allow(ctx context.Context, key string, limit int, window time.Duration) (*Result, error) {
	now := s.now()
	fullKey := s.prefix + key
	cutoff := now.Add(-window).UnixMilli()

	var card *redis.IntCmd
	var oldest *redis.ZSliceCmd
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRemRangeByScore(ctx, fullKey, "-inf", strconv.FormatInt(cutoff, 10))
		p.ZAdd(ctx, fullKey, redis.Z{Score: float64(now.UnixMilli()), Member: uuid.NewString()})
		card = p.ZCard(ctx, fullKey)
		oldest = p.ZRangeWithScores(ctx, fullKey, 0, 0)
		p.PExpire(ctx, fullKey, window)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("rate limit %s: %w", key, err)
	}

	count := int(card.Val())
	resetAt := now.Add(window)
	if z := oldest.Val(); len(z) > 0 {
		resetAt = time.UnixMilli(int64(z[0].Score)).Add(window)
	}
	if count <= limit {
		return &Result{Allowed: true, Limit: limit, Remaining: limit - count, ResetAt: resetAt}, nil
	}
	return &Result{Allowed: false, Limit: limit, ResetAt: resetAt, RetryAfter: resetAt.Sub(now)}, nil
}
