package cache

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/warp/hoa-billing/billing"
	"github.com/warp/hoa-billing/metrics"
)

const (
	// keyPrefix namespaces every key this service writes.
	keyPrefix = "hoa:"
	// genPrefix holds the invalidation counter of a cached key.
	genPrefix = keyPrefix + "gen:"

	// genTTL keeps a counter far longer than any load between
	// Generation and SetIfGeneration.
	genTTL = 24 * time.Hour
)

// fillScript writes KEYS[1] only while the counter at KEYS[2] still reads
// ARGV[1]. A missing counter reads "0".
var fillScript = redis.NewScript(`
local gen = redis.call('GET', KEYS[2]) or '0'
if gen ~= ARGV[1] then
  return 0
end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
return 1
`)

// Redis is a PeriodCache shared by every process pointed at the same server.
// A failing server behaves like an empty cache.
type Redis struct {
	client     *redis.Client
	ownsClient bool
	ttl        time.Duration
	logger     *zap.Logger
}

// RedisOption configures a Redis cache.
type RedisOption func(*Redis)

// WithRedisTTL sets the expiry of written keys.
func WithRedisTTL(ttl time.Duration) RedisOption {
	return func(r *Redis) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithRedisLogger sets the logger.
func WithRedisLogger(logger *zap.Logger) RedisOption {
	return func(r *Redis) { r.logger = logger }
}

// RedisConfig is the connection part of the cache configuration.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewRedis creates a client for cfg. The connection is not checked here;
// an unreachable server only shows up as cache misses.
func NewRedis(cfg RedisConfig, opts ...RedisOption) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  time.Second,
		ReadTimeout:  500 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,
	})
	r := NewRedisWithClient(client, opts...)
	r.ownsClient = true
	return r
}

// NewRedisWithClient wraps an existing client. The caller keeps ownership.
func NewRedisWithClient(client *redis.Client, opts ...RedisOption) *Redis {
	r := &Redis{client: client, ttl: DefaultTTL, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Ping checks the server.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool) {
	data, err := r.client.Get(ctx, keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		metrics.IncCacheLookup(BackendRedis, false)
		return nil, false
	}
	if err != nil {
		metrics.IncCacheLookup(BackendRedis, false)
		r.logger.Warn("redis get failed", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	metrics.IncCacheLookup(BackendRedis, true)
	return data, true
}

func (r *Redis) Generation(ctx context.Context, key string) (uint64, bool) {
	gen, err := r.client.Get(ctx, genPrefix+key).Uint64()
	if errors.Is(err, redis.Nil) {
		return 0, true
	}
	if err != nil {
		r.logger.Warn("redis generation read failed", zap.String("key", key), zap.Error(err))
		return 0, false
	}
	return gen, true
}

// SetIfGeneration compares and writes in one server-side script, so an
// Invalidate from any process between Generation and the fill wins.
func (r *Redis) SetIfGeneration(ctx context.Context, key string, gen uint64, value []byte) {
	err := fillScript.Run(ctx, r.client,
		[]string{keyPrefix + key, genPrefix + key},
		strconv.FormatUint(gen, 10), value, r.ttl.Milliseconds()).Err()
	if err != nil {
		r.logger.Warn("redis set failed", zap.String("key", key), zap.Error(err))
	}
}

func (r *Redis) Invalidate(ctx context.Context, key string) {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, keyPrefix+key)
		pipe.Incr(ctx, genPrefix+key)
		pipe.Expire(ctx, genPrefix+key, genTTL)
		return nil
	})
	if err != nil {
		r.logger.Warn("redis invalidate failed", zap.String("key", key), zap.Error(err))
	}
}

// Close releases the client if this cache created it.
func (r *Redis) Close() error {
	if !r.ownsClient {
		return nil
	}
	return r.client.Close()
}

var _ billing.PeriodCache = (*Redis)(nil)
