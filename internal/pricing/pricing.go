// Package pricing produces the immutable pricing snapshot taken at request
// creation.
package pricing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/roadside-dispatch/internal/geo"
	"github.com/example/roadside-dispatch/internal/models"
)

// RouteClient returns driven route distance between two points in meters.
type RouteClient interface {
	DistanceMeters(ctx context.Context, from, to models.Coord) (float64, error)
}

// Estimator is the default pricing oracle: base fee plus a per-kilometer
// rate over the routed distance, with a haversine fallback when no routing
// backend is configured or reachable.
type Estimator struct {
	Route    RouteClient // optional
	Cache    *Cache      // optional
	Currency string
	Base     map[models.ServiceType]int64
	PerKm    map[models.ServiceType]int64
	// BookingFee is the flat up-front fee held at creation.
	BookingFee  int64
	Multipliers map[string]float64
}

func NewEstimator(route RouteClient, cache *Cache) *Estimator {
	return &Estimator{
		Route:    route,
		Cache:    cache,
		Currency: "ZAR",
		Base: map[models.ServiceType]int64{
			models.ServiceTow:      35000,
			models.ServiceMechanic: 25000,
		},
		PerKm: map[models.ServiceType]int64{
			models.ServiceTow:      2500,
			models.ServiceMechanic: 1500,
		},
		BookingFee:  10000,
		Multipliers: map[string]float64{"demand": 1.0},
	}
}

func (e *Estimator) Quote(ctx context.Context, serviceType models.ServiceType, pickup models.Coord, dropoff *models.Coord) (models.PricingSnapshot, error) {
	var meters float64
	if dropoff != nil {
		meters = e.routeMeters(ctx, pickup, *dropoff)
	}
	km := geo.Kilometers(meters)

	total := e.Base[serviceType] + int64(float64(e.PerKm[serviceType])*km)
	for _, m := range e.Multipliers {
		total = int64(float64(total) * m)
	}
	return models.PricingSnapshot{
		EstimatedTotal: total,
		BookingFee:     e.BookingFee,
		Currency:       e.Currency,
		Multipliers:    e.Multipliers,
		DistanceKm:     km,
	}, nil
}

func (e *Estimator) routeMeters(ctx context.Context, from, to models.Coord) float64 {
	if e.Cache != nil {
		if v, ok := e.Cache.Get(from, to); ok {
			return v
		}
	}
	if e.Route != nil {
		if v, err := e.Route.DistanceMeters(ctx, from, to); err == nil {
			if e.Cache != nil {
				e.Cache.Set(from, to, v)
			}
			return v
		}
	}
	// fallback to great-circle distance
	return geo.Haversine(from.Lat, from.Lon, to.Lat, to.Lon)
}

// Cache is a tiny in-memory cache for route lookups keyed by coords.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	v  float64
	ts time.Time
}

func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl}
}

func keyFor(a, b models.Coord) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lon)
}

// Get returns the cached value and true if present and not expired.
func (c *Cache) Get(a, b models.Coord) (float64, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return 0, false
	}
	if time.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return 0, false
	}
	return e.v, true
}

func (c *Cache) Set(a, b models.Coord, v float64) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: time.Now()}
	c.mu.Unlock()
}
