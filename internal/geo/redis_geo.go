package geo

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/freight-negotiation/internal/models"
)

// RedisGeo implements Index using Redis GEO commands, so every service
// instance and the location consumer share one view of positions.
type RedisGeo struct {
	client *redis.Client
	key    string
}

func NewRedisGeo(client *redis.Client, key string) *RedisGeo {
	return &RedisGeo{client: client, key: key}
}

func (r *RedisGeo) Upsert(ctx context.Context, p models.Position) error {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now()
	}
	if err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: p.Loc.Lon, Latitude: p.Loc.Lat, Name: p.UserID}).Err(); err != nil {
		return fmt.Errorf("geoadd %s: %w", p.UserID, err)
	}
	return r.client.HSet(ctx, MetaKey(p.UserID), map[string]interface{}{"updated": p.UpdatedAt.UTC().Format(time.RFC3339Nano)}).Err()
}

func (r *RedisGeo) Get(ctx context.Context, userID string) (models.Position, bool, error) {
	res, err := r.client.GeoPos(ctx, r.key, userID).Result()
	if err != nil {
		return models.Position{}, false, fmt.Errorf("geopos %s: %w", userID, err)
	}
	if len(res) == 0 || res[0] == nil {
		return models.Position{}, false, nil
	}
	p := models.Position{UserID: userID, Loc: models.Coord{Lat: res[0].Latitude, Lon: res[0].Longitude}}
	p.UpdatedAt = r.updated(ctx, userID)
	return p, true, nil
}

func (r *RedisGeo) Nearby(ctx context.Context, c models.Coord, radiusM float64, limit int) ([]models.Position, error) {
	res, err := r.client.GeoRadius(ctx, r.key, c.Lon, c.Lat, &redis.GeoRadiusQuery{Radius: radiusM, Unit: "m", WithCoord: true, WithDist: true, Count: limit, Sort: "ASC"}).Result()
	if err != nil {
		return nil, fmt.Errorf("georadius: %w", err)
	}
	out := make([]models.Position, 0, len(res))
	for _, g := range res {
		out = append(out, models.Position{
			UserID:    g.Name,
			Loc:       models.Coord{Lat: g.Latitude, Lon: g.Longitude},
			UpdatedAt: r.updated(ctx, g.Name),
		})
	}
	return out, nil
}

func (r *RedisGeo) updated(ctx context.Context, userID string) time.Time {
	v, err := r.client.HGet(ctx, MetaKey(userID), "updated").Result()
	if err != nil {
		return time.Time{}
	}
	ts, _ := time.Parse(time.RFC3339Nano, v)
	return ts
}

func MetaKey(id string) string { return "position:meta:" + id }
