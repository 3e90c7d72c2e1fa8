package geo

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisIndex implements Index on Redis GEO commands. All dispatcher
// replicas share one sorted set, so a provider's position is visible to
// every radius query the moment GEOADD returns.
type RedisIndex struct {
	client *redis.Client
	key    string
}

func NewRedisIndex(client *redis.Client, key string) *RedisIndex {
	return &RedisIndex{client: client, key: key}
}

func (r *RedisIndex) Upsert(ctx context.Context, providerID string, lat, lng float64) error {
	err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{
		Name:      providerID,
		Longitude: lng,
		Latitude:  lat,
	}).Err()
	if err != nil {
		return fmt.Errorf("geo upsert %s: %w", providerID, err)
	}
	return nil
}

// Remove deletes the member from the geo set. GEO keys are plain sorted
// sets underneath, so ZREM is the removal primitive.
func (r *RedisIndex) Remove(ctx context.Context, providerID string) error {
	if err := r.client.ZRem(ctx, r.key, providerID).Err(); err != nil {
		return fmt.Errorf("geo remove %s: %w", providerID, err)
	}
	return nil
}

func (r *RedisIndex) QueryRadius(ctx context.Context, lat, lng, radiusKm float64) ([]string, error) {
	res, err := r.client.GeoSearch(ctx, r.key, &redis.GeoSearchQuery{
		Longitude:  lng,
		Latitude:   lat,
		Radius:     radiusKm,
		RadiusUnit: "km",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("geo search: %w", err)
	}
	return res, nil
}
