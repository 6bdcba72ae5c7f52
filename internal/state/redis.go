package state

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"

	"hermes/internal/codec"
	"hermes/internal/config"
	"hermes/internal/logger"
	"hermes/internal/models"
)

// AlertCache keeps the most recent alerts for quick reads by the ops API.
type AlertCache interface {
	RecordAlert(ctx context.Context, env *models.Envelope) error
	RecentAlerts(ctx context.Context, limit int) ([]RecentAlert, error)
	DeviceCounts(ctx context.Context) (map[string]int64, error)
	Close() error
}

// RecentAlert is the cached form of an emitted alert.
type RecentAlert struct {
	AlertID    string           `json:"alert_id"`
	AlertType  models.AlertType `json:"alertType"`
	DeviceID   string           `json:"deviceId"`
	Value      int64            `json:"value"`
	ObservedAt time.Time        `json:"observed_at"`
}

// RedisStore is an AlertCache backed by a capped redis list plus a per-device
// counter hash stored under "<key>:counts".
type RedisStore struct {
	client *redis.Client
	api    jsoniter.API
	key    string
	limit  int
}

// NewRedisStore connects to redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg config.RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Addr, err)
	}

	log := logger.WithComponent("redis")
	log.Info().
		Str("addr", cfg.Addr).
		Str("key", cfg.Key).
		Int("limit", cfg.RecentLimit).
		Msg("connected to redis")

	return NewRedisStoreWithClient(client, cfg.Key, cfg.RecentLimit), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client, key string, limit int) *RedisStore {
	if key == "" {
		key = config.DefaultRecentAlertsKey
	}
	if limit <= 0 {
		limit = config.DefaultRecentAlertsLimit
	}
	return &RedisStore{
		client: client,
		api:    codec.New(),
		key:    key,
		limit:  limit,
	}
}

func (s *RedisStore) countsKey() string {
	return s.key + ":counts"
}

// RecordAlert pushes the alert onto the recent list, trims it to the
// configured length and bumps the device counter in one transaction.
func (s *RedisStore) RecordAlert(ctx context.Context, env *models.Envelope) error {
	data, err := s.encode(env)
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, s.key, data)
		pipe.LTrim(ctx, s.key, 0, int64(s.limit-1))
		pipe.HIncrBy(ctx, s.countsKey(), env.Alert.DeviceID, 1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("record alert %s: %w", env.AlertID, err)
	}
	return nil
}

// RecentAlerts returns up to limit alerts, newest first. A non-positive
// limit, or one above the list cap, is clamped to the cap.
func (s *RedisStore) RecentAlerts(ctx context.Context, limit int) ([]RecentAlert, error) {
	if limit <= 0 || limit > s.limit {
		limit = s.limit
	}

	items, err := s.client.LRange(ctx, s.key, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("read recent alerts: %w", err)
	}

	log := logger.WithComponent("redis")
	out := make([]RecentAlert, 0, len(items))
	for _, item := range items {
		alert, err := s.decode([]byte(item))
		if err != nil {
			log.Warn().Err(err).Msg("skipping unreadable cached alert")
			continue
		}
		out = append(out, alert)
	}
	return out, nil
}

// DeviceCounts returns the number of alerts recorded per device.
func (s *RedisStore) DeviceCounts(ctx context.Context) (map[string]int64, error) {
	raw, err := s.client.HGetAll(ctx, s.countsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("read device counts: %w", err)
	}

	counts := make(map[string]int64, len(raw))
	for device, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		counts[device] = n
	}
	return counts, nil
}

// Close closes the redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) encode(env *models.Envelope) ([]byte, error) {
	return s.api.Marshal(RecentAlert{
		AlertID:    env.AlertID,
		AlertType:  env.Alert.AlertType,
		DeviceID:   env.Alert.DeviceID,
		Value:      env.Alert.Value,
		ObservedAt: env.ObservedAt,
	})
}

func (s *RedisStore) decode(data []byte) (RecentAlert, error) {
	var alert RecentAlert
	if err := s.api.Unmarshal(data, &alert); err != nil {
		return RecentAlert{}, err
	}
	if !alert.AlertType.IsValid() {
		return RecentAlert{}, fmt.Errorf("unknown alert type %q", alert.AlertType)
	}
	return alert, nil
}
