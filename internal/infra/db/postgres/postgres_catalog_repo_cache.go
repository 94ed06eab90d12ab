package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"eduvault-payments/internal/domain/model"
	"eduvault-payments/internal/domain/ports/repository"
	"eduvault-payments/internal/infra/metrics"
	red "eduvault-payments/internal/infra/redis"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

var _ repository.CatalogRepository = (*catalogRepoCacheDecorator)(nil)

type catalogRepoCacheDecorator struct {
	inner  repository.CatalogRepository
	cache  red.RedisClient
	ttl    time.Duration
	logger *zerolog.Logger
}

func NewCatalogRepoCacheDecorator(inner repository.CatalogRepository, cache red.RedisClient, ttl time.Duration, logger *zerolog.Logger) repository.CatalogRepository {
	if ttl <= 0 {
		ttl = 1 * time.Hour
	}
	l := logger.With().Str("component", "catalog_cache").Logger()
	return &catalogRepoCacheDecorator{
		inner:  inner,
		cache:  cache,
		ttl:    ttl,
		logger: &l,
	}
}

func (d *catalogRepoCacheDecorator) Describe(ctx context.Context, tx repository.Tx, subscriberID, courseID string) (*model.DisplayMetadata, error) {
	key := fmt.Sprintf("catalog:%s:%s", subscriberID, courseID)
	val, err := d.cache.Get(ctx, key)
	if err == nil {
		var m model.DisplayMetadata
		if json.Unmarshal([]byte(val), &m) == nil {
			metrics.IncCacheRequest("catalog", "hit")
			return &m, nil
		}
	} else if err != redis.Nil {
		d.logger.Warn().Err(err).Str("key", key).Msg("catalog cache read failed")
	}

	metrics.IncCacheRequest("catalog", "miss")
	m, err := d.inner.Describe(ctx, tx, subscriberID, courseID)
	if err != nil {
		return nil, err
	}
	if m != nil {
		b, _ := json.Marshal(m)
		if err := d.cache.Set(ctx, key, b, d.ttl); err != nil {
			d.logger.Warn().Err(err).Str("key", key).Msg("catalog cache write failed")
		}
	}
	return m, nil
}
