package presence

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Cache holds the last-known position and availability of every driver.
// It is deliberately in-memory: positions change every few seconds per driver
// and the dispatch hot path cannot afford a round-trip to durable storage.
// Persistence of location is an advisory mirror handled elsewhere.
type Cache struct {
	mu      sync.RWMutex
	drivers map[string]models.DriverPresence
}

func NewCache() *Cache {
	return &Cache{drivers: make(map[string]models.DriverPresence)}
}

// Update overwrites the driver's presence record with fresh coordinates.
// Safe to call at high frequency from many drivers concurrently.
func (c *Cache) Update(driverID string, loc models.Coord, class models.VehicleClass, online bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drivers[driverID] = models.DriverPresence{
		DriverID:     driverID,
		Loc:          loc,
		VehicleClass: class,
		Online:       online,
		Updated:      time.Now(),
	}
}

// SetOffline marks a driver unreachable, keeping the last coordinates.
func (c *Cache) SetOffline(driverID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.drivers[driverID]
	if !ok {
		return
	}
	d.Online = false
	d.Updated = time.Now()
	c.drivers[driverID] = d
}

// Get returns the driver's presence record, if known.
func (c *Cache) Get(driverID string) (models.DriverPresence, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.drivers[driverID]
	return d, ok
}

// Online reports whether the driver is currently marked online.
func (c *Cache) Online(driverID string) bool {
	d, ok := c.Get(driverID)
	return ok && d.Online
}

// NearestOnline returns up to limit online drivers of the given class within
// maxDistance meters of point, nearest first. Equidistant drivers are ordered
// by most recent update; staleness is the bigger risk than exact ties.
func (c *Cache) NearestOnline(point models.Coord, class models.VehicleClass, limit int, maxDistance float64) []models.DriverPresence {
	c.mu.RLock()
	type scored struct {
		d    models.DriverPresence
		dist float64
	}
	arr := make([]scored, 0, len(c.drivers))
	for _, d := range c.drivers {
		if !d.Online || d.VehicleClass != class {
			continue
		}
		dist := Haversine(point.Lat, point.Lon, d.Loc.Lat, d.Loc.Lon)
		if maxDistance > 0 && dist > maxDistance {
			continue
		}
		arr = append(arr, scored{d, dist})
	}
	c.mu.RUnlock()

	sort.Slice(arr, func(i, j int) bool {
		if arr[i].dist != arr[j].dist {
			return arr[i].dist < arr[j].dist
		}
		return arr[i].d.Updated.After(arr[j].d.Updated)
	})

	if limit > 0 && limit < len(arr) {
		arr = arr[:limit]
	}
	out := make([]models.DriverPresence, 0, len(arr))
	for _, s := range arr {
		out = append(out, s.d)
	}
	return out
}

// OnlineCount returns the number of drivers currently online.
func (c *Cache) OnlineCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, d := range c.drivers {
		if d.Online {
			n++
		}
	}
	return n
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
