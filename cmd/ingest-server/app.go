package main

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/ehr/study-ingest/internal/config"
	"github.com/ehr/study-ingest/internal/domain/ingest"
	"github.com/ehr/study-ingest/internal/domain/patient"
	"github.com/ehr/study-ingest/internal/domain/study"
	"github.com/ehr/study-ingest/internal/domain/tenant"
	"github.com/ehr/study-ingest/internal/platform/archive"
	"github.com/ehr/study-ingest/internal/platform/db"
	"github.com/ehr/study-ingest/internal/platform/orthanc"
	"github.com/ehr/study-ingest/internal/platform/resultcache"
)

// app holds the long-lived dependencies shared by serve and ingest run.
type app struct {
	pool     *pgxpool.Pool
	redis    *redis.Client
	cache    resultcache.Cache
	memCache *resultcache.MemoryCache
	pipeline *ingest.Pipeline
	studies  study.Repository
}

func buildApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns})
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	a := &app{pool: pool, studies: study.NewRepoPG(pool)}

	var enqueuer archive.Enqueuer
	if cfg.RedisURL != "" {
		client, err := resultcache.Dial(ctx, cfg.RedisURL)
		if err != nil {
			pool.Close()
			return nil, err
		}
		a.redis = client
		a.cache = resultcache.NewRedisCache(client)
		enqueuer = archive.NewRedisEnqueuer(client, cfg.ArchiveQueue)
		logger.Info().Str("archive_queue", cfg.ArchiveQueue).Msg("connected to redis")
	} else {
		a.memCache = resultcache.NewMemoryCache(0)
		a.cache = a.memCache
		enqueuer = archive.NewLogEnqueuer(logger)
		logger.Warn().Msg("REDIS_URL not set; using in-memory result cache and log-only archival handoff")
	}

	client := orthanc.NewClient(orthanc.Options{
		BaseURL:       cfg.OrthancURL,
		Username:      cfg.OrthancUsername,
		Password:      cfg.OrthancPassword,
		SeriesTimeout: cfg.OrthancSeriesTimeout,
		TagsTimeout:   cfg.OrthancTagsTimeout,
	}, logger)

	a.pipeline = ingest.NewPipeline(
		ingest.NewExtractor(client, logger),
		tenant.NewResolver(tenant.NewOrganizationRepoPG(pool), tenant.NewLabRepoPG(pool), cfg.TagPlaceholder, logger),
		patient.NewResolver(patient.NewRepoPG(pool), cfg.TagPlaceholder, logger),
		study.NewRecorder(a.studies, logger),
		archive.NewHandoff(enqueuer, logger),
		logger,
	)
	return a, nil
}

func (a *app) readiness() map[string]db.Pinger {
	return map[string]db.Pinger{
		"database": a.pool,
		"cache":    a.cache,
	}
}

func (a *app) poolStats() *db.PoolStats {
	return db.GetPoolStats(a.pool)
}

func (a *app) Close() {
	if a.memCache != nil {
		a.memCache.Close()
	}
	if a.redis != nil {
		a.redis.Close()
	}
	a.pool.Close()
}
