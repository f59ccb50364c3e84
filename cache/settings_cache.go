package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"reconciliation-service/models"
	"reconciliation-service/repository"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var ErrCacheMiss = errors.New("cache miss")

// SettingsStore is a read-through cache of store settings in front of the
// repository. Redis errors degrade to a direct read; a store without a
// settings row gets the defaults.
type SettingsStore struct {
	client  *redis.Client
	repo    repository.StoreRepository
	baseTTL time.Duration
	logger  *zap.Logger
}

func NewSettingsStore(client *redis.Client, repo repository.StoreRepository, ttl time.Duration, logger *zap.Logger) *SettingsStore {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &SettingsStore{client: client, repo: repo, baseTTL: ttl, logger: logger}
}

func (s *SettingsStore) GetSettings(ctx context.Context, storeID uuid.UUID) (*models.StoreSettings, error) {
	if s.client != nil {
		settings, err := s.get(ctx, storeID)
		if err == nil {
			return settings, nil
		}
		if !errors.Is(err, ErrCacheMiss) {
			s.logger.Warn("settings cache read failed", zap.String("store_id", storeID.String()), zap.Error(err))
		}
	}

	settings, err := s.repo.GetSettings(ctx, storeID)
	if errors.Is(err, repository.ErrNotFound) {
		settings = models.DefaultStoreSettings(storeID)
	} else if err != nil {
		return nil, fmt.Errorf("load settings for store %s: %w", storeID, err)
	}

	if s.client != nil {
		if err := s.set(ctx, settings); err != nil {
			s.logger.Warn("settings cache write failed", zap.String("store_id", storeID.String()), zap.Error(err))
		}
	}
	return settings, nil
}

// Invalidate drops the cached entry so the next read hits the database.
func (s *SettingsStore) Invalidate(ctx context.Context, storeID uuid.UUID) error {
	if s.client == nil {
		return nil
	}
	if err := s.client.Del(ctx, settingsKey(storeID)).Err(); err != nil {
		return fmt.Errorf("redis delete failed: %w", err)
	}
	return nil
}

func (s *SettingsStore) get(ctx context.Context, storeID uuid.UUID) (*models.StoreSettings, error) {
	data, err := s.client.Get(ctx, settingsKey(storeID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	var settings models.StoreSettings
	if err := json.Unmarshal(data, &settings); err != nil {
		return nil, fmt.Errorf("unmarshal settings failed: %w", err)
	}
	return &settings, nil
}

func (s *SettingsStore) set(ctx context.Context, settings *models.StoreSettings) error {
	data, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("marshal settings failed: %w", err)
	}
	jitter := time.Duration(rand.Int63n(int64(s.baseTTL/5) + 1))
	if err := s.client.Set(ctx, settingsKey(settings.StoreID), data, s.baseTTL+jitter).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

func settingsKey(storeID uuid.UUID) string {
	return fmt.Sprintf("store_settings:%s", storeID)
}
