package registry

import (
	"errors"
	"sync"
	"testing"

	"github.com/example/ride-dispatch/internal/models"
)

// fakeChannel records deliveries and close calls.
type fakeChannel struct {
	mu     sync.Mutex
	events []string
	closed bool
}

func (f *fakeChannel) Send(event string, data any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeChannel) got() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...)
}

func (f *fakeChannel) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func TestRegisterAndChannelFor(t *testing.T) {
	r := New()
	ch := &fakeChannel{}
	r.Register("p1", models.RoleDriver, ch)

	got, ok := r.ChannelFor("p1")
	if !ok || got != ch {
		t.Fatal("registered channel not returned")
	}
	if !r.Online("p1") {
		t.Fatal("party should be online")
	}
}

func TestReconnectSupersedesAndClosesOldChannel(t *testing.T) {
	r := New()
	old := &fakeChannel{}
	r.Register("p1", models.RoleDriver, old)

	replacement := &fakeChannel{}
	r.Register("p1", models.RoleDriver, replacement)

	if !old.isClosed() {
		t.Fatal("superseded channel was not force-closed")
	}
	got, _ := r.ChannelFor("p1")
	if got != replacement {
		t.Fatal("replacement channel not active")
	}
}

func TestUnregisterMakesPartyAbsentEverywhere(t *testing.T) {
	r := New()
	ch := &fakeChannel{}
	r.Register("p1", models.RoleDriver, ch)
	r.Unregister("p1", ch)

	if _, ok := r.ChannelFor("p1"); ok {
		t.Fatal("channelFor should be absent after unregister")
	}
	r.Broadcast(models.RoleDriver, "new-booking", nil)
	if len(ch.got()) != 0 {
		t.Fatal("unregistered party still received a broadcast")
	}
	if err := r.Send("p1", "ping", nil); !errors.Is(err, ErrNoSession) {
		t.Fatalf("send to absent = %v, want ErrNoSession", err)
	}
}

func TestStaleUnregisterDoesNotRemoveReplacement(t *testing.T) {
	r := New()
	old := &fakeChannel{}
	r.Register("p1", models.RoleDriver, old)
	replacement := &fakeChannel{}
	r.Register("p1", models.RoleDriver, replacement)

	// the superseded connection's cleanup fires late
	r.Unregister("p1", old)

	got, ok := r.ChannelFor("p1")
	if !ok || got != replacement {
		t.Fatal("stale unregister tore down the replacement channel")
	}
}

func TestBroadcastReachesOnlyTheGroup(t *testing.T) {
	r := New()
	d1 := &fakeChannel{}
	d2 := &fakeChannel{}
	c1 := &fakeChannel{}
	r.Register("d1", models.RoleDriver, d1)
	r.Register("d2", models.RoleDriver, d2)
	r.Register("c1", models.RoleCustomer, c1)

	r.Broadcast(models.RoleDriver, "new-booking", map[string]any{"id": "t1"})

	if len(d1.got()) != 1 || len(d2.got()) != 1 {
		t.Fatal("drivers missed the broadcast")
	}
	if len(c1.got()) != 0 {
		t.Fatal("customer received a driver broadcast")
	}
}

func TestBroadcastExceptSkipsNamedParty(t *testing.T) {
	r := New()
	c1 := &fakeChannel{}
	c2 := &fakeChannel{}
	r.Register("c1", models.RoleCustomer, c1)
	r.Register("c2", models.RoleCustomer, c2)

	r.BroadcastExcept(models.RoleCustomer, "c1", "driver-location-updated", nil)

	if len(c1.got()) != 0 {
		t.Fatal("excluded party received the broadcast")
	}
	if len(c2.got()) != 1 {
		t.Fatal("remaining party missed the broadcast")
	}
}
