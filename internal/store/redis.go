package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"fleet-monitor/analytics/internal/config"
	"fleet-monitor/analytics/internal/domain"
)

const zoneStateTTL = 24 * time.Hour

type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(ctx context.Context, cfg *config.Config) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		PoolSize:     20,
		MinIdleConns: 5,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) Client() *redis.Client {
	return r.client
}

func StatusChannel(vehicleID string) string {
	return fmt.Sprintf("vehicle:%s:task_status", vehicleID)
}

func ZoneChannel(vehicleID string) string {
	return fmt.Sprintf("vehicle:%s:zone_status", vehicleID)
}

func zoneStateKey(vehicleID string) string {
	return fmt.Sprintf("vehicle:%s:zone", vehicleID)
}

func (r *RedisStore) PublishStatusChanged(ctx context.Context, ev domain.StatusChangedEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal status event: %w", err)
	}
	if err := r.client.Publish(ctx, StatusChannel(ev.VehicleID), payload).Err(); err != nil {
		return fmt.Errorf("publish status event: %w", err)
	}
	return nil
}

// PublishZoneStatus stores the latest zone state of the vehicle and publishes
// the event in one pipeline.
func (r *RedisStore) PublishZoneStatus(ctx context.Context, ev domain.ZoneStatusEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal zone event: %w", err)
	}

	state := map[string]interface{}{
		"device_id":                 ev.DeviceID,
		"is_in_zone":                ev.IsInZone,
		"task_id":                   ev.TaskID,
		"task_name":                 ev.TaskName,
		"work_duration_in_zone_sec": ev.WorkDurationInZoneSec,
		"updated_at":                time.Now().Unix(),
	}

	key := zoneStateKey(ev.VehicleID)
	pipe := r.client.Pipeline()
	pipe.HSet(ctx, key, state)
	pipe.Expire(ctx, key, zoneStateTTL)
	pipe.Publish(ctx, ZoneChannel(ev.VehicleID), payload)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline failed: %w", err)
	}
	return nil
}

// ZoneState returns the last published zone state, or nil when none is
// stored.
func (r *RedisStore) ZoneState(ctx context.Context, vehicleID string) (map[string]string, error) {
	vals, err := r.client.HGetAll(ctx, zoneStateKey(vehicleID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall zone state: %w", err)
	}
	if len(vals) == 0 {
		return nil, nil
	}
	return vals, nil
}

// GetAPIKey resolves an operator API key. An unknown key yields "".
func (r *RedisStore) GetAPIKey(ctx context.Context, apiKey string) (string, error) {
	key := fmt.Sprintf("operator:auth:%s", apiKey)
	val, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("redis get api key failed: %w", err)
	}
	return val, nil
}
