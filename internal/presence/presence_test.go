package presence

import (
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

func TestNearestOnlineOrdersByDistance(t *testing.T) {
	c := NewCache()
	pickup := models.Coord{Lat: -6.2005, Lon: 106.8455}
	c.Update("far", models.Coord{Lat: -6.23, Lon: 106.85}, models.VehicleMotor, true)
	c.Update("near", models.Coord{Lat: -6.200, Lon: 106.845}, models.VehicleMotor, true)
	c.Update("mid", models.Coord{Lat: -6.21, Lon: 106.85}, models.VehicleMotor, true)

	got := c.NearestOnline(pickup, models.VehicleMotor, 3, 0)
	if len(got) != 3 {
		t.Fatalf("got %d drivers, want 3", len(got))
	}
	want := []string{"near", "mid", "far"}
	for i, d := range got {
		if d.DriverID != want[i] {
			t.Errorf("result[%d] = %s, want %s", i, d.DriverID, want[i])
		}
	}
}

func TestNearestOnlineExcludesOfflineClassAndRange(t *testing.T) {
	c := NewCache()
	pickup := models.Coord{Lat: -6.2005, Lon: 106.8455}

	c.Update("motor-ok", models.Coord{Lat: -6.200, Lon: 106.845}, models.VehicleMotor, true)
	c.Update("offline", models.Coord{Lat: -6.200, Lon: 106.845}, models.VehicleMotor, true)
	c.SetOffline("offline")
	c.Update("car", models.Coord{Lat: -6.200, Lon: 106.845}, models.VehicleCar, true)
	// ~11 km north, outside a 5 km radius
	c.Update("too-far", models.Coord{Lat: -6.10, Lon: 106.845}, models.VehicleMotor, true)

	got := c.NearestOnline(pickup, models.VehicleMotor, 10, 5000)
	if len(got) != 1 || got[0].DriverID != "motor-ok" {
		t.Fatalf("got %+v, want only motor-ok", got)
	}
}

func TestNearestOnlineTieBreaksOnFreshness(t *testing.T) {
	c := NewCache()
	loc := models.Coord{Lat: -6.200, Lon: 106.845}

	c.Update("stale", loc, models.VehicleMotor, true)
	time.Sleep(5 * time.Millisecond)
	c.Update("fresh", loc, models.VehicleMotor, true)

	got := c.NearestOnline(loc, models.VehicleMotor, 2, 0)
	if len(got) != 2 {
		t.Fatalf("got %d drivers, want 2", len(got))
	}
	if got[0].DriverID != "fresh" {
		t.Fatalf("first = %s, want fresh (fresher update wins the tie)", got[0].DriverID)
	}
}

func TestNearestOnlineHonorsLimit(t *testing.T) {
	c := NewCache()
	pickup := models.Coord{Lat: 0, Lon: 0}
	c.Update("a", models.Coord{Lat: 0.001, Lon: 0}, models.VehicleCar, true)
	c.Update("b", models.Coord{Lat: 0.002, Lon: 0}, models.VehicleCar, true)
	c.Update("c", models.Coord{Lat: 0.003, Lon: 0}, models.VehicleCar, true)

	got := c.NearestOnline(pickup, models.VehicleCar, 1, 0)
	if len(got) != 1 || got[0].DriverID != "a" {
		t.Fatalf("got %+v, want just a", got)
	}
}

func TestSetOfflineKeepsLastPosition(t *testing.T) {
	c := NewCache()
	loc := models.Coord{Lat: -6.2, Lon: 106.8}
	c.Update("d1", loc, models.VehicleMotor, true)
	c.SetOffline("d1")

	d, ok := c.Get("d1")
	if !ok {
		t.Fatal("presence record erased by SetOffline")
	}
	if d.Online {
		t.Fatal("driver still online")
	}
	if d.Loc != loc {
		t.Fatalf("position lost: %+v", d.Loc)
	}
	if c.Online("d1") {
		t.Fatal("Online() disagrees with record")
	}
}

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestHaversineKnownDistance(t *testing.T) {
	// roughly 111 km per degree of latitude at the equator
	d := Haversine(0, 0, 1, 0)
	if d < 110000 || d > 112000 {
		t.Fatalf("1 degree latitude = %f meters, expected ~111 km", d)
	}
}
