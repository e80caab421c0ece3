package cache

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/warp/hoa-billing/billing"
	"github.com/warp/hoa-billing/config"
)

// New builds the cache selected by cfg. The returned close function is
// never nil. An unreachable Redis is logged and used anyway: it degrades to
// misses and recovers when the server does.
func New(cfg config.CacheConfig, logger *zap.Logger) (billing.PeriodCache, func() error, error) {
	noClose := func() error { return nil }
	switch cfg.Backend {
	case BackendMemory, "":
		return NewMemory(WithTTL(cfg.TTL), WithMemoryLogger(logger.Named("cache"))), noClose, nil
	case BackendNone:
		return billing.NopCache{}, noClose, nil
	case BackendRedis:
		r := NewRedis(RedisConfig{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB},
			WithRedisTTL(cfg.TTL), WithRedisLogger(logger.Named("cache")))
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := r.Ping(ctx); err != nil {
			logger.Warn("redis unreachable, bill cache will miss until it recovers",
				zap.String("addr", cfg.RedisAddr), zap.Error(err))
		}
		return r, r.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}
