package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/tokenledger/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const keyUsageRecordUser = "tokenledger:usage:user:%s"

// NewRedisClient returns nil when rate limiting is disabled; every consumer
// treats a nil client as "no shared coordination".
func NewRedisClient(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) (*redis.Client, error) {
	limitCfg := cfg.RateLimit
	if !limitCfg.Enabled {
		return nil, nil
	}

	addr := strings.TrimSpace(limitCfg.RedisAddr)
	if addr == "" {
		return nil, errors.New("rate limit redis addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(limitCfg.RedisPassword),
		DB:       limitCfg.RedisDB,
	})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := client.Ping(ctx).Err(); err != nil {
				log.Warn("rate limit redis unreachable at startup", zap.String("addr", addr), zap.Error(err))
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return client.Close()
		},
	})
	return client, nil
}

// UsageLimiter throttles usage recording per user. It only protects the
// ingest path; quota decisions stay with the ledger.
type UsageLimiter struct {
	bucket *TokenBucket
	limit  Bucket
}

func NewUsageLimiter(cfg config.Config, client *redis.Client) (*UsageLimiter, error) {
	if client == nil {
		return nil, nil
	}
	limit := Bucket{Rate: cfg.RateLimit.UsageRate, Burst: cfg.RateLimit.UsageBurst}
	if err := limit.validate(); err != nil {
		return nil, fmt.Errorf("usage rate limit: %w", err)
	}
	return &UsageLimiter{
		bucket: NewTokenBucket(client),
		limit:  limit,
	}, nil
}

func (l *UsageLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

func (l *UsageLimiter) AllowUser(ctx context.Context, userID string) (*RateLimitResult, error) {
	if !l.Enabled() {
		return &RateLimitResult{Allowed: true}, nil
	}
	return l.bucket.Take(ctx, fmt.Sprintf(keyUsageRecordUser, strings.TrimSpace(userID)), l.limit)
}
