package providers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/akagifreeez/aiverse/internal/models"
)

// RedisLimiter caps probes per provider across every instance sharing the
// Redis, using a one-minute fixed window.
type RedisLimiter struct {
	client  *redis.Client
	limit   int
	window  time.Duration
	baseKey string
	now     func() time.Time
}

// NewRedisLimiter connects to redisURL and verifies the connection.
func NewRedisLimiter(redisURL string, limit int, baseKey string) (*RedisLimiter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	if limit <= 0 {
		limit = 60
	}

	return &RedisLimiter{
		client:  client,
		limit:   limit,
		window:  time.Minute,
		baseKey: baseKey,
		now:     time.Now,
	}, nil
}

func (r *RedisLimiter) windowKey(p models.Provider, t time.Time) string {
	return fmt.Sprintf("%s:%s:%d", r.baseKey, p, t.Unix()/int64(r.window/time.Second))
}

// Wait blocks until a probe for p is allowed or ctx ends.
func (r *RedisLimiter) Wait(ctx context.Context, p models.Provider) error {
	now := r.now()
	key := r.windowKey(p, now)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		count, err := r.client.Incr(ctx, key).Result()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error().Err(err).Msg("RedisLimiter: Redis error")
			// Back off instead of hammering a Redis that is down
			if err := sleepCtx(ctx, time.Second); err != nil {
				return err
			}
			continue
		}

		if count == 1 {
			r.client.Expire(ctx, key, 2*r.window)
		}

		if count <= int64(r.limit) {
			return nil
		}

		log.Warn().
			Str("provider", string(p)).
			Int64("count", count).
			Int("limit", r.limit).
			Msg("Probe rate limit exceeded, waiting...")

		next := now.Truncate(r.window).Add(r.window).Add(100 * time.Millisecond)
		wait := time.Until(next)
		if wait <= 0 {
			wait = time.Second
		}
		if err := sleepCtx(ctx, wait); err != nil {
			return err
		}
		now = r.now()
		key = r.windowKey(p, now)
	}
}

func (r *RedisLimiter) Close() error {
	return r.client.Close()
}

// LocalLimiter is the single-process fallback used when Redis is not
// configured or unreachable.
type LocalLimiter struct {
	mu       sync.Mutex
	limiters map[models.Provider]*rate.Limiter
	every    rate.Limit
	burst    int
}

// NewLocalLimiter allows perMinute probes per provider, bursting up to the
// full minute's allowance.
func NewLocalLimiter(perMinute int) *LocalLimiter {
	if perMinute <= 0 {
		perMinute = 60
	}
	return &LocalLimiter{
		limiters: make(map[models.Provider]*rate.Limiter),
		every:    rate.Every(time.Minute / time.Duration(perMinute)),
		burst:    perMinute,
	}
}

func (l *LocalLimiter) Wait(ctx context.Context, p models.Provider) error {
	l.mu.Lock()
	lim, ok := l.limiters[p]
	if !ok {
		lim = rate.NewLimiter(l.every, l.burst)
		l.limiters[p] = lim
	}
	l.mu.Unlock()

	return lim.Wait(ctx)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
