package activity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/krystianslowik/n8n-k8s-version-manager/internal/domain"
)

// Store persists the journal across restarts. Persistence is best-effort:
// the in-memory journal stays authoritative while the process runs.
type Store interface {
	Load(ctx context.Context) ([]domain.ActivityItem, error)
	Save(ctx context.Context, items []domain.ActivityItem) error
	Clear(ctx context.Context) error
}

type redisStore struct {
	client *redis.Client
	key    string
	logger *slog.Logger
}

// NewRedisStore persists the journal as a single JSON value under key.
func NewRedisStore(client *redis.Client, key string, log *slog.Logger) Store {
	return &redisStore{client: client, key: key, logger: log}
}

func (s *redisStore) Load(ctx context.Context) ([]domain.ActivityItem, error) {
	raw, err := s.client.Get(ctx, s.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("load activity journal: %w", err)
	}
	return decodeItems(raw, s.logger), nil
}

// decodeItems parses persisted journal JSON. Corrupt persisted state must not
// take the journal down; it decodes to an empty journal instead.
func decodeItems(raw []byte, log *slog.Logger) []domain.ActivityItem {
	var items []domain.ActivityItem
	if err := json.Unmarshal(raw, &items); err != nil {
		log.Warn("discarding corrupt activity journal", "error", err)
		return nil
	}
	return items
}

func (s *redisStore) Save(ctx context.Context, items []domain.ActivityItem) error {
	raw, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("encode activity journal: %w", err)
	}
	if err := s.client.Set(ctx, s.key, raw, 0).Err(); err != nil {
		return fmt.Errorf("save activity journal: %w", err)
	}
	return nil
}

func (s *redisStore) Clear(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("clear activity journal: %w", err)
	}
	return nil
}

// NullStore is used when no persistence backend is configured. The journal
// then lives in memory only.
type NullStore struct{}

func (NullStore) Load(context.Context) ([]domain.ActivityItem, error) { return nil, nil }
func (NullStore) Save(context.Context, []domain.ActivityItem) error   { return nil }
func (NullStore) Clear(context.Context) error                         { return nil }
