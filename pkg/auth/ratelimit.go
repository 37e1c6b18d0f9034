package auth

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// LimiterPolicy is a token-bucket shape: sustained requests per minute with
// a burst ceiling.
type LimiterPolicy struct {
	RPM   int
	Burst int
}

// LimiterStore answers whether an actor may proceed. Implementations must be
// safe for concurrent use.
type LimiterStore interface {
	Allow(ctx context.Context, actorID string, policy LimiterPolicy, cost int) (bool, error)
}

// LocalLimiterStore keeps per-actor token buckets in process.
type LocalLimiterStore struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewLocalLimiterStore() *LocalLimiterStore {
	return &LocalLimiterStore{limiters: make(map[string]*rate.Limiter)}
}

func (s *LocalLimiterStore) Allow(_ context.Context, actorID string, policy LimiterPolicy, cost int) (bool, error) {
	s.mu.Lock()
	lim, ok := s.limiters[actorID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(policy.RPM)/60.0), policy.Burst)
		s.limiters[actorID] = lim
	}
	s.mu.Unlock()
	return lim.AllowN(time.Now(), cost), nil
}

// redisTokenBucketScript runs the token bucket atomically in Redis so
// multiple Clasper replicas share one budget per actor.
var redisTokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = tokens + elapsed * rate
    if tokens > capacity then
        tokens = capacity
    end
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 60)

return allowed
`)

// RedisLimiterStore implements LimiterStore on a shared Redis.
type RedisLimiterStore struct {
	client *redis.Client
}

func NewRedisLimiterStore(client *redis.Client) *RedisLimiterStore {
	return &RedisLimiterStore{client: client}
}

func (s *RedisLimiterStore) Allow(ctx context.Context, actorID string, policy LimiterPolicy, cost int) (bool, error) {
	key := "clasper:ratelimit:" + actorID
	now := float64(time.Now().UnixMicro()) / 1e6
	res, err := redisTokenBucketScript.Run(ctx, s.client, []string{key},
		float64(policy.RPM)/60.0, policy.Burst, cost, now).Int()
	if err != nil {
		return false, fmt.Errorf("auth: redis limiter: %w", err)
	}
	return res == 1, nil
}

// RateLimitMiddleware enforces the per-actor limit at the HTTP layer, keyed
// tenant/subject (remote address before authentication). Fail-open when no
// store is configured or the limiter itself errors; blocking all traffic on
// limiter outage is worse than briefly not limiting it.
func RateLimitMiddleware(store LimiterStore, policy LimiterPolicy, writeLimited func(w http.ResponseWriter, retryAfterSecs int)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if store == nil {
				next.ServeHTTP(w, r)
				return
			}

			actorID := r.RemoteAddr
			if id, err := IdentityFrom(r.Context()); err == nil {
				actorID = fmt.Sprintf("%s/%s", id.TenantID, id.Subject)
			}

			ok, err := store.Allow(r.Context(), actorID, policy, 1)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}
			if !ok {
				retryAfter := 60 / policy.RPM
				if retryAfter < 1 {
					retryAfter = 1
				}
				writeLimited(w, retryAfter)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
