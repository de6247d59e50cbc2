package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/krystianslowik/n8n-k8s-version-manager/internal/cluster"
	"github.com/krystianslowik/n8n-k8s-version-manager/internal/domain"
	"github.com/krystianslowik/n8n-k8s-version-manager/internal/helm"
	httpx "github.com/krystianslowik/n8n-k8s-version-manager/internal/http"
	"github.com/krystianslowik/n8n-k8s-version-manager/internal/service/activity"
	"github.com/krystianslowik/n8n-k8s-version-manager/internal/service/infra"
	"github.com/krystianslowik/n8n-k8s-version-manager/internal/service/registry"
	"github.com/krystianslowik/n8n-k8s-version-manager/internal/service/release"
	"github.com/krystianslowik/n8n-k8s-version-manager/internal/service/snapshot"
	"github.com/krystianslowik/n8n-k8s-version-manager/internal/ws"
	"github.com/krystianslowik/n8n-k8s-version-manager/pkg/config"
	"github.com/krystianslowik/n8n-k8s-version-manager/pkg/logger"
)

func main() {
	cfg := config.LoadAPIConfig()
	log := logger.New("api", slog.LevelInfo)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clusterClient, err := cluster.New(log)
	if err != nil {
		log.Error("failed to create cluster client", "error", err)
		os.Exit(1)
	}

	// Shared infrastructure is optional at startup: the API degrades instead
	// of refusing to boot while postgres, redis or the backup store are down.
	var pgProber infra.Prober
	pool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		log.Warn("shared postgres unavailable", "error", err)
	} else {
		defer pool.Close()
		pgProber = &infra.PostgresProber{Pool: pool}
	}

	var redisProber infra.Prober
	var journalStore activity.Store = activity.NullStore{}
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Warn("redis unavailable, activity journal is in-memory only", "error", err)
	} else {
		redisProber = &infra.RedisProber{Client: redisClient}
		journalStore = activity.NewRedisStore(redisClient, cfg.ActivityKey, log)
	}
	defer redisClient.Close()

	var snapshotStore snapshot.Store
	store, err := snapshot.NewMinioStore(ctx, snapshot.MinioConfig{
		Endpoint:  cfg.MinioEndpoint,
		AccessKey: cfg.MinioAccessKey,
		SecretKey: cfg.MinioSecretKey,
		Bucket:    cfg.MinioBucket,
		UseSSL:    cfg.MinioUseSSL,
	})
	if err != nil {
		log.Warn("snapshot store unavailable", "error", err)
	} else {
		snapshotStore = store
	}

	journal := activity.NewJournal(ctx, journalStore, log)
	hub := ws.NewHub()
	unsubscribe := journal.Subscribe(func(items []domain.ActivityItem) {
		payload, err := json.Marshal(items)
		if err != nil {
			log.Error("encode activity broadcast", "error", err)
			return
		}
		hub.Broadcast(ws.TopicActivity, payload)
	})
	defer unsubscribe()

	releases := helm.NewRunner(cfg.ChartPath, cfg.HelmTimeout, log)
	snapshotSvc := snapshot.New(snapshotStore, clusterClient, journal, log)
	registrySvc := registry.New(clusterClient, releases, snapshotSvc, journal, log, cfg.StatusTimeout, cfg.TeardownTimeout)
	infraSvc := infra.New(pgProber, redisProber, log)
	releaseSvc := release.New(cfg.ReleaseRepo, cfg.ReleaseCacheDir, cfg.ReleaseCacheTTL, log)

	clusterHealth := func(ctx context.Context) error {
		_, err := clusterClient.ListNamespaces(ctx, domain.NamespacePrefix)
		return err
	}
	router := httpx.NewRouter(log, registrySvc, snapshotSvc, infraSvc, journal, releaseSvc, clusterClient, hub, clusterHealth)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("api server starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("api server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
