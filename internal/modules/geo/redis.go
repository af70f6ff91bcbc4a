// README: Redis-backed GeoIndex; GEO set plus a per-driver sample hash.
package geo

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"hail/internal/types"
)

const (
	driverGeoKey    = "geo:drivers"
	driverKeyPrefix = "geo:driver:%s"
	// Samples expire if a driver stops reporting entirely.
	sampleTTL = 24 * time.Hour
)

// RedisIndex keeps the fleet in a Redis GEO set so multiple API instances
// share one view. The stale-report check reads the stored timestamp before
// writing; the small race between read and write is acceptable for matching,
// trip-state correctness is guarded by the trip store's CAS.
type RedisIndex struct {
	rdb *redis.Client
}

func NewRedisIndex(rdb *redis.Client) *RedisIndex {
	return &RedisIndex{rdb: rdb}
}

func (r *RedisIndex) Upsert(ctx context.Context, loc DriverLocation) error {
	key := driverKey(loc.DriverID)

	stored, err := r.rdb.HGet(ctx, key, "recorded_at").Result()
	if err != nil && err != redis.Nil {
		return err
	}
	if err == nil {
		prev, perr := time.Parse(time.RFC3339Nano, stored)
		if perr == nil && loc.RecordedAt.Before(prev) {
			return ErrStaleReport
		}
	}

	pipe := r.rdb.Pipeline()
	pipe.GeoAdd(ctx, driverGeoKey, &redis.GeoLocation{
		Name:      string(loc.DriverID),
		Longitude: loc.Position.Lng,
		Latitude:  loc.Position.Lat,
	})
	pipe.HSet(ctx, key,
		"lat", loc.Position.Lat,
		"lng", loc.Position.Lng,
		"recorded_at", loc.RecordedAt.UTC().Format(time.RFC3339Nano),
		"accuracy_m", loc.AccuracyMeters,
	)
	pipe.Expire(ctx, key, sampleTTL)
	_, err = pipe.Exec(ctx)
	return err
}

func (r *RedisIndex) Nearby(ctx context.Context, p types.Point, radiusMeters float64, limit int) ([]NearbyDriver, error) {
	q := &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  p.Lng,
			Latitude:   p.Lat,
			Radius:     radiusMeters,
			RadiusUnit: "m",
			Sort:       "ASC",
		},
		WithDist: true,
	}
	if limit > 0 {
		q.Count = limit
	}
	results, err := r.rdb.GeoSearchLocation(ctx, driverGeoKey, q).Result()
	if err != nil {
		return nil, err
	}

	found := make([]NearbyDriver, 0, len(results))
	for _, res := range results {
		nd := NearbyDriver{
			DriverID:       types.ID(res.Name),
			DistanceMeters: res.Dist,
		}
		if ts, err := r.rdb.HGet(ctx, driverKey(nd.DriverID), "recorded_at").Result(); err == nil {
			if t, perr := time.Parse(time.RFC3339Nano, ts); perr == nil {
				nd.RecordedAt = t
			}
		}
		found = append(found, nd)
	}

	// GEOSEARCH orders ties arbitrarily; re-rank so equal distances put the
	// fresher sample first, same as the in-memory index.
	sort.SliceStable(found, func(i, j int) bool {
		if found[i].DistanceMeters != found[j].DistanceMeters {
			return found[i].DistanceMeters < found[j].DistanceMeters
		}
		return found[i].RecordedAt.After(found[j].RecordedAt)
	})
	return found, nil
}

func (r *RedisIndex) Remove(ctx context.Context, driverID types.ID) error {
	pipe := r.rdb.Pipeline()
	pipe.ZRem(ctx, driverGeoKey, string(driverID))
	pipe.Del(ctx, driverKey(driverID))
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisIndex) Get(ctx context.Context, driverID types.ID) (DriverLocation, bool, error) {
	vals, err := r.rdb.HGetAll(ctx, driverKey(driverID)).Result()
	if err != nil {
		return DriverLocation{}, false, err
	}
	if len(vals) == 0 {
		return DriverLocation{}, false, nil
	}

	loc := DriverLocation{DriverID: driverID}
	loc.Position.Lat, _ = strconv.ParseFloat(vals["lat"], 64)
	loc.Position.Lng, _ = strconv.ParseFloat(vals["lng"], 64)
	loc.AccuracyMeters, _ = strconv.ParseFloat(vals["accuracy_m"], 64)
	if t, perr := time.Parse(time.RFC3339Nano, vals["recorded_at"]); perr == nil {
		loc.RecordedAt = t
	}
	return loc, true, nil
}

func driverKey(id types.ID) string {
	return fmt.Sprintf(driverKeyPrefix, string(id))
}
