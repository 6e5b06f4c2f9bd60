package router

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/trip"
)

type fakeChannel struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeChannel) Send(event string, data any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func (f *fakeChannel) Close() error { return nil }

func (f *fakeChannel) got() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...)
}

func newTestRouter() (*Router, *registry.Registry, *trip.Index, *storage.MemoryStore) {
	reg := registry.New()
	idx := trip.NewIndex()
	pres := presence.NewCache()
	store := storage.NewMemoryStore()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(reg, idx, pres, store, store, log), reg, idx, store
}

func activeTrip(idx *trip.Index) models.Trip {
	t := trip.New("t1", models.TripRequest{
		CustomerID:   "c1",
		Pickup:       models.Coord{Lat: -6.2, Lon: 106.84},
		Destination:  models.Coord{Lat: -6.17, Lon: 106.86},
		VehicleClass: models.VehicleMotor,
	})
	idx.Add(t)
	accepted, _ := idx.Accept("t1", "d1")
	return accepted
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestChatReachesOtherParty(t *testing.T) {
	r, reg, idx, store := newTestRouter()
	activeTrip(idx)

	driver := &fakeChannel{}
	customer := &fakeChannel{}
	reg.Register("d1", models.RoleDriver, driver)
	reg.Register("c1", models.RoleCustomer, customer)

	if err := r.RouteChatMessage("t1", "c1", models.RoleCustomer, "hello"); err != nil {
		t.Fatalf("route chat: %v", err)
	}
	if got := driver.got(); len(got) != 1 || got[0] != EvNewMessage {
		t.Fatalf("driver got %v, want [new-message]", got)
	}
	if len(customer.got()) != 0 {
		t.Fatal("message echoed back to sender")
	}
	waitFor(t, func() bool { return len(store.Messages("t1")) == 1 }, "message not persisted")
}

func TestChatToAbsentPartyIsAMissButStillPersisted(t *testing.T) {
	r, reg, idx, store := newTestRouter()
	activeTrip(idx)

	// only the customer is connected; the driver channel is absent
	reg.Register("c1", models.RoleCustomer, &fakeChannel{})

	if err := r.RouteChatMessage("t1", "c1", models.RoleCustomer, "hello"); err != nil {
		t.Fatalf("route chat should not fail on a delivery miss: %v", err)
	}
	waitFor(t, func() bool { return len(store.Messages("t1")) == 1 }, "missed message not handed to persistence")
}

func TestChatFromStrangerRejected(t *testing.T) {
	r, _, idx, _ := newTestRouter()
	activeTrip(idx)

	if err := r.RouteChatMessage("t1", "intruder", models.RoleCustomer, "hi"); err == nil {
		t.Fatal("stranger chat should be rejected")
	}
}

func TestStatusChangeGoesToCustomer(t *testing.T) {
	r, reg, idx, _ := newTestRouter()
	tr := activeTrip(idx)

	customer := &fakeChannel{}
	reg.Register("c1", models.RoleCustomer, customer)

	r.TripStatusChanged(tr, nil)
	if got := customer.got(); len(got) != 1 || got[0] != EvBookingStatusUpdated {
		t.Fatalf("customer got %v", got)
	}
}

func TestCustomerCancelNotifiesDriverOnly(t *testing.T) {
	r, reg, idx, _ := newTestRouter()
	activeTrip(idx)
	cancelled, err := idx.Cancel("t1", models.RoleCustomer, "changed plans")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}

	driver := &fakeChannel{}
	customer := &fakeChannel{}
	reg.Register("d1", models.RoleDriver, driver)
	reg.Register("c1", models.RoleCustomer, customer)

	r.TripStatusChanged(cancelled, nil)
	if got := driver.got(); len(got) != 1 || got[0] != EvBookingCancelled {
		t.Fatalf("driver got %v, want [booking-cancelled]", got)
	}
	if len(customer.got()) != 0 {
		t.Fatal("initiating customer should not be notified of their own cancel")
	}
}

func TestDriverCancelNotifiesCustomerOnly(t *testing.T) {
	r, reg, idx, _ := newTestRouter()
	activeTrip(idx)
	cancelled, _ := idx.Cancel("t1", models.RoleDriver, "breakdown")

	driver := &fakeChannel{}
	customer := &fakeChannel{}
	reg.Register("d1", models.RoleDriver, driver)
	reg.Register("c1", models.RoleCustomer, customer)

	r.TripStatusChanged(cancelled, nil)
	if got := customer.got(); len(got) != 1 || got[0] != EvBookingStatusUpdated {
		t.Fatalf("customer got %v", got)
	}
	if len(driver.got()) != 0 {
		t.Fatal("initiating driver should not be notified of their own cancel")
	}
}

func TestLocationUpdateReachesEachCustomerOnce(t *testing.T) {
	r, reg, idx, _ := newTestRouter()
	activeTrip(idx)

	tripCustomer := &fakeChannel{}
	bystander := &fakeChannel{}
	reg.Register("c1", models.RoleCustomer, tripCustomer)
	reg.Register("c2", models.RoleCustomer, bystander)

	r.RouteLocationUpdate("d1", models.Coord{Lat: -6.19, Lon: 106.84}, true)

	if got := tripCustomer.got(); len(got) != 1 || got[0] != EvDriverLocation {
		t.Fatalf("trip customer got %v, want one targeted driver-location-updated", got)
	}
	if got := bystander.got(); len(got) != 1 || got[0] != EvDriverLocation {
		t.Fatalf("bystander got %v, want one broadcast driver-location-updated", got)
	}
}

func TestOfferFanout(t *testing.T) {
	r, reg, idx, _ := newTestRouter()
	tr := trip.New("t2", models.TripRequest{CustomerID: "c1", VehicleClass: models.VehicleMotor})
	idx.Add(tr)

	d1 := &fakeChannel{}
	d2 := &fakeChannel{}
	reg.Register("d1", models.RoleDriver, d1)
	reg.Register("d2", models.RoleDriver, d2)

	r.TripOffered(tr, []models.DriverPresence{{DriverID: "d1"}, {DriverID: "d2"}})
	if len(d1.got()) != 1 || len(d2.got()) != 1 {
		t.Fatal("offer did not reach all candidates")
	}
}
