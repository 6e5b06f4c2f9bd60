package trip

import (
	"sync"

	"github.com/example/ride-dispatch/internal/models"
)

// Index tracks every non-terminal trip and serializes mutations per trip.
// The per-trip mutex is the single-writer discipline behind first-accept-wins:
// two concurrent accepts (or an accept racing a cancel) are ordered by the
// lock, and the loser sees an explicit, distinguishable error.
type Index struct {
	mu    sync.RWMutex
	trips map[string]*tracked
}

type tracked struct {
	mu           sync.Mutex
	t            models.Trip
	redispatches int
}

func NewIndex() *Index {
	return &Index{trips: make(map[string]*tracked)}
}

// Add registers a trip with the index. Terminal trips are ignored.
func (x *Index) Add(t models.Trip) {
	if t.Status.Terminal() {
		return
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	x.trips[t.ID] = &tracked{t: t}
}

func (x *Index) lookup(id string) (*tracked, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	tr, ok := x.trips[id]
	return tr, ok
}

func (x *Index) remove(id string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.trips, id)
}

// Get returns a snapshot of an active trip. The history slice is copied so
// callers can never mutate the append-only log.
func (x *Index) Get(id string) (models.Trip, bool) {
	tr, ok := x.lookup(id)
	if !ok {
		return models.Trip{}, false
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return snapshot(&tr.t), true
}

// ActiveForDriver returns the trip currently assigned to the driver, if any.
// The candidate set is collected before any per-trip lock is taken so the
// index lock is never held while waiting on a trip mutex.
func (x *Index) ActiveForDriver(driverID string) (models.Trip, bool) {
	x.mu.RLock()
	candidates := make([]*tracked, 0, len(x.trips))
	for _, tr := range x.trips {
		candidates = append(candidates, tr)
	}
	x.mu.RUnlock()
	for _, tr := range candidates {
		tr.mu.Lock()
		if tr.t.DriverID == driverID && !tr.t.Status.Terminal() {
			out := snapshot(&tr.t)
			tr.mu.Unlock()
			return out, true
		}
		tr.mu.Unlock()
	}
	return models.Trip{}, false
}

// Accept transitions pending → accepted and assigns the driver. Exactly one
// of any set of concurrent accepts succeeds; the rest get ErrAlreadyTaken,
// or ErrNotAvailable if a cancel got there first.
func (x *Index) Accept(id, driverID string) (models.Trip, error) {
	tr, ok := x.lookup(id)
	if !ok {
		return models.Trip{}, ErrNotAvailable
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	switch {
	case tr.t.Status.Terminal():
		return models.Trip{}, ErrNotAvailable
	case tr.t.Status != models.StatusPending:
		return models.Trip{}, ErrAlreadyTaken
	}
	tr.t.DriverID = driverID
	appendHistory(&tr.t, models.StatusAccepted, "accepted by driver", nil)
	return snapshot(&tr.t), nil
}

// Advance moves an accepted trip along picked_up → in_progress. Only the
// assigned driver may call it; illegal jumps leave the trip untouched.
func (x *Index) Advance(id, driverID string, to models.TripStatus, loc *models.Coord) (models.Trip, error) {
	tr, ok := x.lookup(id)
	if !ok {
		return models.Trip{}, ErrNotAvailable
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.t.DriverID != driverID {
		return models.Trip{}, ErrNotAssigned
	}
	if to == models.StatusCompleted || to == models.StatusCancelled || !Legal(tr.t.Status, to) {
		return models.Trip{}, ErrInvalidTransition
	}
	appendHistory(&tr.t, to, "", loc)
	return snapshot(&tr.t), nil
}

// Complete finalizes an in_progress trip with its computed fare and removes
// it from the active set. Fare is a precondition for completion, so it is
// applied inside the same critical section as the transition.
func (x *Index) Complete(id, driverID string, fare *models.Fare, loc *models.Coord) (models.Trip, error) {
	tr, ok := x.lookup(id)
	if !ok {
		return models.Trip{}, ErrNotAvailable
	}
	tr.mu.Lock()
	if tr.t.DriverID != driverID {
		tr.mu.Unlock()
		return models.Trip{}, ErrNotAssigned
	}
	if !Legal(tr.t.Status, models.StatusCompleted) {
		tr.mu.Unlock()
		return models.Trip{}, ErrInvalidTransition
	}
	tr.t.Fare = fare
	appendHistory(&tr.t, models.StatusCompleted, "trip completed", loc)
	out := snapshot(&tr.t)
	tr.mu.Unlock()
	x.remove(id)
	return out, nil
}

// Cancel moves any non-terminal trip to cancelled, recording who cancelled
// and why, and removes it from the active set.
func (x *Index) Cancel(id string, by models.Role, reason string) (models.Trip, error) {
	return x.cancelMatching(id, func(s models.TripStatus) bool { return !s.Terminal() }, by, reason)
}

// CancelIf cancels the trip only when its current status is from. The check
// and the transition happen under the per-trip mutex, so a timer-driven
// cancel can never overturn an accept that already won.
func (x *Index) CancelIf(id string, from models.TripStatus, by models.Role, reason string) (models.Trip, error) {
	return x.cancelMatching(id, func(s models.TripStatus) bool { return s == from }, by, reason)
}

func (x *Index) cancelMatching(id string, match func(models.TripStatus) bool, by models.Role, reason string) (models.Trip, error) {
	tr, ok := x.lookup(id)
	if !ok {
		return models.Trip{}, ErrNotAvailable
	}
	tr.mu.Lock()
	if tr.t.Status.Terminal() || !match(tr.t.Status) {
		tr.mu.Unlock()
		return models.Trip{}, ErrNotAvailable
	}
	tr.t.CancelReason = reason
	tr.t.CancelledBy = by
	appendHistory(&tr.t, models.StatusCancelled, cancelNote(by, reason), nil)
	out := snapshot(&tr.t)
	tr.mu.Unlock()
	x.remove(id)
	return out, nil
}

// Revert returns an accepted trip to pending after its driver withdrew,
// clearing the assignment. The returned count is how many times the trip has
// been put back for re-dispatch, so the engine can cap retries.
func (x *Index) Revert(id string) (models.Trip, int, error) {
	tr, ok := x.lookup(id)
	if !ok {
		return models.Trip{}, 0, ErrNotAvailable
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.t.Status != models.StatusAccepted {
		return models.Trip{}, tr.redispatches, ErrInvalidTransition
	}
	tr.t.DriverID = ""
	tr.redispatches++
	appendHistory(&tr.t, models.StatusPending, "driver withdrew, re-dispatching", nil)
	return snapshot(&tr.t), tr.redispatches, nil
}

// Len returns the number of active trips.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.trips)
}

func snapshot(t *models.Trip) models.Trip {
	out := *t
	out.History = make([]models.StatusChange, len(t.History))
	copy(out.History, t.History)
	return out
}
