// Package infra probes the shared backing services (the central PostgreSQL
// and the Redis broker) and reports their health independently.
package infra

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/krystianslowik/n8n-k8s-version-manager/internal/domain"
)

const probeTimeout = 2 * time.Second

// Prober checks one backing service.
type Prober interface {
	Probe(ctx context.Context) error
}

// PostgresProber pings the shared PostgreSQL pool.
type PostgresProber struct{ Pool *pgxpool.Pool }

func (p *PostgresProber) Probe(ctx context.Context) error {
	return p.Pool.Ping(ctx)
}

// RedisProber pings the shared Redis broker.
type RedisProber struct{ Client *redis.Client }

func (p *RedisProber) Probe(ctx context.Context) error {
	return p.Client.Ping(ctx).Err()
}

// Service aggregates infrastructure health.
type Service struct {
	postgres Prober
	redis    Prober
	logger   *slog.Logger
}

// New builds the infrastructure service. Either prober may be nil when the
// service is not configured; it is then reported unavailable.
func New(postgres, redis Prober, log *slog.Logger) *Service {
	return &Service{postgres: postgres, redis: redis, logger: log}
}

// Status probes both services concurrently. One failing or slow probe never
// blocks or fails the other; each gets its own timeout.
func (s *Service) Status(ctx context.Context) domain.InfrastructureStatus {
	var status domain.InfrastructureStatus
	var wg sync.WaitGroup

	wg.Add(2)
	go func() {
		defer wg.Done()
		status.Postgres = s.probe(ctx, "postgres", s.postgres)
	}()
	go func() {
		defer wg.Done()
		status.Redis = s.probe(ctx, "redis", s.redis)
	}()
	wg.Wait()
	return status
}

func (s *Service) probe(ctx context.Context, name string, prober Prober) domain.HealthFact {
	if prober == nil {
		return domain.HealthFact{Healthy: false, Status: "unavailable"}
	}
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if err := prober.Probe(ctx); err != nil {
		s.logger.Warn("infrastructure probe failed", "service", name, "error", err)
		return domain.HealthFact{Healthy: false, Status: "unavailable"}
	}
	return domain.HealthFact{Healthy: true, Status: "healthy"}
}
