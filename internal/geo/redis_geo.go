package geo

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/roadside-dispatch/internal/models"
)

// RedisDirectory implements Directory on Redis GEO commands, with a metadata
// hash per provider for the non-spatial filters.
type RedisDirectory struct {
	client *redis.Client
	key    string
}

func NewRedisDirectory(addr, password, key string) *RedisDirectory {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisDirectory{client: c, key: key}
}

func (r *RedisDirectory) Upsert(ctx context.Context, p models.Provider) error {
	if p.ReportedAt.IsZero() {
		p.ReportedAt = time.Now()
	}
	if err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{
		Longitude: p.Loc.Lon,
		Latitude:  p.Loc.Lat,
		Name:      p.ID,
	}).Err(); err != nil {
		return err
	}
	return r.client.HSet(ctx, metaKey(p.ID), map[string]interface{}{
		"role":        string(p.ServiceType),
		"online":      strconv.FormatBool(p.Online),
		"caps":        strings.Join(p.Capabilities, ","),
		"reported_at": p.ReportedAt.Format(time.RFC3339),
		"lat":         strconv.FormatFloat(p.Loc.Lat, 'f', -1, 64),
		"lon":         strconv.FormatFloat(p.Loc.Lon, 'f', -1, 64),
	}).Err()
}

func (r *RedisDirectory) Locate(ctx context.Context, providerID string) (models.Coord, time.Time, bool, error) {
	m, err := r.client.HGetAll(ctx, metaKey(providerID)).Result()
	if err != nil {
		return models.Coord{}, time.Time{}, false, err
	}
	if len(m) == 0 {
		return models.Coord{}, time.Time{}, false, nil
	}
	var loc models.Coord
	loc.Lat, _ = strconv.ParseFloat(m["lat"], 64)
	loc.Lon, _ = strconv.ParseFloat(m["lon"], 64)
	reportedAt, _ := time.Parse(time.RFC3339, m["reported_at"])
	return loc, reportedAt, true, nil
}

// Find runs a GEOSEARCH sorted ascending, then applies the metadata filters.
// Redis does the distance cut; role/online/capability/exclusion come from
// each provider's hash.
func (r *RedisDirectory) Find(ctx context.Context, q Query) ([]Match, error) {
	radius := q.MaxDistanceMeters
	if radius <= 0 {
		radius = 50000
	}
	res, err := r.client.GeoSearchLocation(ctx, r.key, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  q.Origin.Lon,
			Latitude:   q.Origin.Lat,
			Radius:     radius,
			RadiusUnit: "m",
			Sort:       "ASC",
		},
		WithDist: true,
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Match, 0, len(res))
	for _, g := range res {
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
		m, err := r.client.HGetAll(ctx, metaKey(g.Name)).Result()
		if err != nil {
			return nil, err
		}
		p := models.Provider{
			ID:          g.Name,
			ServiceType: models.ServiceType(m["role"]),
			Online:      parseOnline(m["online"]),
		}
		if caps := m["caps"]; caps != "" {
			p.Capabilities = strings.Split(caps, ",")
		}
		if !Eligible(p, q) {
			continue
		}
		out = append(out, Match{ProviderID: g.Name, DistanceMeters: g.Dist})
	}
	return out, nil
}

func metaKey(id string) string { return "provider:meta:" + id }

// parseOnline accepts both "true" and the 1/0 forms older hash writers
// produced; anything unparseable means offline.
func parseOnline(s string) bool {
	b, err := strconv.ParseBool(s)
	return err == nil && b
}
