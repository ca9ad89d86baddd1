package geo

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/roadside-dispatch/internal/models"
)

// Query describes one eligibility search: which providers may be offered a
// request at a given point.
type Query struct {
	Origin            models.Coord
	ServiceType       models.ServiceType
	Capabilities      []string // empty = no capability filter
	Exclude           map[string]struct{}
	MaxDistanceMeters float64
	Limit             int
}

// Match is one eligible provider, distance ascending from the query origin.
type Match struct {
	ProviderID     string
	DistanceMeters float64
}

// Directory is the provider-index surface the engine and handlers need.
type Directory interface {
	Find(ctx context.Context, q Query) ([]Match, error)
	Upsert(ctx context.Context, p models.Provider) error
	// Locate returns the provider's last reported position and when it was
	// reported. The second return is false when the provider is unknown.
	Locate(ctx context.Context, providerID string) (models.Coord, time.Time, bool, error)
}

// Index is an in-memory Directory for single-process deployments and tests.
type Index struct {
	mu        sync.RWMutex
	providers map[string]models.Provider
}

func NewIndex() *Index {
	return &Index{providers: make(map[string]models.Provider)}
}

func (g *Index) Upsert(_ context.Context, p models.Provider) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if p.ReportedAt.IsZero() {
		p.ReportedAt = time.Now()
	}
	g.providers[p.ID] = p
	return nil
}

func (g *Index) Locate(_ context.Context, providerID string) (models.Coord, time.Time, bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	p, ok := g.providers[providerID]
	if !ok {
		return models.Coord{}, time.Time{}, false, nil
	}
	return p.Loc, p.ReportedAt, true, nil
}

// Find is pure with respect to the index: an empty result is a valid,
// expected outcome, not an error.
func (g *Index) Find(_ context.Context, q Query) ([]Match, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Match, 0, len(g.providers))
	for _, p := range g.providers {
		if !Eligible(p, q) {
			continue
		}
		dist := Haversine(q.Origin.Lat, q.Origin.Lon, p.Loc.Lat, p.Loc.Lon)
		if q.MaxDistanceMeters > 0 && dist > q.MaxDistanceMeters {
			continue
		}
		out = append(out, Match{ProviderID: p.ID, DistanceMeters: dist})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DistanceMeters < out[j].DistanceMeters })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// Eligible applies every non-distance filter: role, online flag, capability
// intersection and the exclusion set.
func Eligible(p models.Provider, q Query) bool {
	if p.ServiceType != q.ServiceType || !p.Online {
		return false
	}
	if _, excluded := q.Exclude[p.ID]; excluded {
		return false
	}
	return capabilityMatch(p.Capabilities, q.Capabilities)
}

func capabilityMatch(have, want []string) bool {
	if len(want) == 0 {
		return true
	}
	for _, w := range want {
		for _, h := range have {
			if h == w {
				return true
			}
		}
	}
	return false
}

// Haversine distance in meters on a mean Earth radius.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

// Kilometers converts meters to the route-scale reporting unit: kilometers
// rounded to 2 decimals.
func Kilometers(meters float64) float64 {
	return math.Round(meters/10) / 100
}

// WholeMeters is the short-range geofence reporting unit.
func WholeMeters(meters float64) int {
	return int(math.Round(meters))
}
