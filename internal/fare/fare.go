package fare

import (
	"math"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/presence"
)

// Per-class tariff in IDR: flat base plus per-km and per-minute components.
type tariff struct {
	base     int64
	perKm    int64
	perMin   int64
	currency string
}

var tariffs = map[models.VehicleClass]tariff{
	models.VehicleMotor: {base: 5000, perKm: 2000, perMin: 100, currency: "IDR"},
	models.VehicleCar:   {base: 10000, perKm: 3000, perMin: 150, currency: "IDR"},
}

// Calculator turns a route's distance and duration into a fare breakdown.
type Calculator struct {
	Route           RouteClient // optional; straight-line fallback when nil
	DefaultSpeedMps float64
}

// RouteClient estimates road distance and duration between two points.
type RouteClient interface {
	Route(from, to models.Coord) (distanceKm, durationMin float64, err error)
}

// Calculate prices a ride of the given class.
func Calculate(distanceKm, durationMin float64, class models.VehicleClass) models.Fare {
	t, ok := tariffs[class]
	if !ok {
		t = tariffs[models.VehicleCar]
	}
	dist := int64(math.Round(distanceKm * float64(t.perKm)))
	dur := int64(math.Round(durationMin * float64(t.perMin)))
	return models.Fare{
		Base:     t.base,
		Distance: dist,
		Time:     dur,
		Total:    t.base + dist + dur,
		Currency: t.currency,
	}
}

// Estimate prices the trip using the route client when available, falling
// back to great-circle distance at a default city speed.
func (c *Calculator) Estimate(from, to models.Coord, class models.VehicleClass) models.Fare {
	if c.Route != nil {
		if km, min, err := c.Route.Route(from, to); err == nil {
			return Calculate(km, min, class)
		}
	}
	speed := c.DefaultSpeedMps
	if speed <= 0 {
		speed = 8.0 // ~28.8 km/h default city speed
	}
	meters := presence.Haversine(from.Lat, from.Lon, to.Lat, to.Lon)
	return Calculate(meters/1000, meters/speed/60, class)
}
