package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/trip"
)

var (
	// ErrNoDriverAvailable means dispatch found no candidate. The trip stays
	// pending so a retry or the timeout policy can deal with it.
	ErrNoDriverAvailable = errors.New("no driver available")

	// ErrDriverOffline rejects an accept from a driver not currently online.
	ErrDriverOffline = errors.New("driver is not online")
)

// Events receives trip lifecycle notifications for fan-out. Implemented by
// the event router; the engine never talks to channels for status changes
// directly.
type Events interface {
	TripOffered(t models.Trip, candidates []models.DriverPresence)
	TripAccepted(t models.Trip)
	TripStatusChanged(t models.Trip, loc *models.Coord)
}

// Payments is the external hold/capture collaborator. All calls are
// best-effort: a payment failure never rolls back an in-memory transition.
type Payments interface {
	Hold(ctx context.Context, amount int64, currency, customerID string) (string, error)
	Capture(ctx context.Context, paymentIntentID string) error
	Cancel(ctx context.Context, paymentIntentID string) error
}

// Engine matches ride requests to drivers and owns the trip lifecycle
// orchestration around the state machine.
type Engine struct {
	Presence *presence.Cache
	Trips    *trip.Index
	Store    storage.TripStore
	Fare     *fare.Calculator
	Events   Events
	Payments Payments // optional
	Log      *slog.Logger

	SearchRadiusM  float64       // 0 means unbounded
	CandidateLimit int
	PendingTimeout time.Duration // 0 disables auto-expiry
	MaxRedispatch  int

	mu     sync.Mutex
	timers map[string]*time.Timer
	holds  map[string]string // tripID -> payment intent ID
}

func NewEngine(p *presence.Cache, idx *trip.Index, store storage.TripStore, fc *fare.Calculator, ev Events, log *slog.Logger) *Engine {
	return &Engine{
		Presence:       p,
		Trips:          idx,
		Store:          store,
		Fare:           fc,
		Events:         ev,
		Log:            log,
		SearchRadiusM:  5000,
		CandidateLimit: 8,
		MaxRedispatch:  3,
		timers:         make(map[string]*time.Timer),
		holds:          make(map[string]string),
	}
}

// Dispatch creates a pending trip for the request and offers it to the
// nearest online drivers of the requested class. The trip is created even
// when no driver is available, so a later retry can reuse it.
func (e *Engine) Dispatch(req models.TripRequest) (models.Trip, error) {
	t := trip.New(uuid.NewString(), req)
	est := e.Fare.Estimate(req.Pickup, req.Destination, req.VehicleClass)
	t.Fare = &est

	e.Trips.Add(t)
	observability.TripsCreated.Inc()
	storage.BestEffort(e.Log, "save_trip", func() error { return e.Store.SaveTrip(&t) })
	e.startPendingTimer(t.ID)

	candidates := e.Presence.NearestOnline(req.Pickup, req.VehicleClass, e.CandidateLimit, e.SearchRadiusM)
	if len(candidates) == 0 {
		e.Log.Info("no driver available", "trip_id", t.ID, "class", req.VehicleClass)
		return t, ErrNoDriverAvailable
	}
	e.Events.TripOffered(t, candidates)
	e.Log.Info("trip dispatched", "trip_id", t.ID, "candidates", len(candidates))
	return t, nil
}

// Accept resolves the first-accept-wins race. The winner gets the trip
// snapshot; losers get trip.ErrAlreadyTaken (or trip.ErrNotAvailable when a
// cancel won instead).
func (e *Engine) Accept(driverID, tripID string) (models.Trip, error) {
	if !e.Presence.Online(driverID) {
		return models.Trip{}, ErrDriverOffline
	}
	t, err := e.Trips.Accept(tripID, driverID)
	if err != nil {
		if errors.Is(err, trip.ErrAlreadyTaken) {
			observability.AcceptConflicts.Inc()
		}
		return models.Trip{}, err
	}
	e.stopPendingTimer(tripID)
	observability.TripsAccepted.Inc()
	e.holdPayment(&t)
	storage.BestEffort(e.Log, "update_trip", func() error { return e.Store.UpdateTrip(&t) })
	e.Events.TripAccepted(t)
	return t, nil
}

// Advance moves the trip to picked_up or in_progress on behalf of the
// assigned driver.
func (e *Engine) Advance(driverID, tripID string, to models.TripStatus, loc *models.Coord) (models.Trip, error) {
	t, err := e.Trips.Advance(tripID, driverID, to, loc)
	if err != nil {
		return models.Trip{}, err
	}
	storage.BestEffort(e.Log, "update_trip", func() error { return e.Store.UpdateTrip(&t) })
	e.Events.TripStatusChanged(t, loc)
	return t, nil
}

// Complete finalizes the trip. The fare is recomputed by the external
// calculator before the transition is considered final, and the payment hold
// is captured best-effort afterwards.
func (e *Engine) Complete(driverID, tripID string, loc *models.Coord) (models.Trip, error) {
	cur, ok := e.Trips.Get(tripID)
	if !ok {
		return models.Trip{}, trip.ErrNotAvailable
	}
	final := e.Fare.Estimate(cur.Pickup, cur.Destination, cur.VehicleClass)
	t, err := e.Trips.Complete(tripID, driverID, &final, loc)
	if err != nil {
		return models.Trip{}, err
	}
	observability.TripsCompleted.Inc()
	e.capturePayment(&t)
	storage.BestEffort(e.Log, "update_trip", func() error { return e.Store.UpdateTrip(&t) })
	e.Events.TripStatusChanged(t, loc)
	return t, nil
}

// Cancel moves a non-terminal trip to cancelled on behalf of either party or
// the server itself (timeout, driver withdrawal cap).
func (e *Engine) Cancel(tripID string, by models.Role, reason string) (models.Trip, error) {
	t, err := e.Trips.Cancel(tripID, by, reason)
	if err != nil {
		return models.Trip{}, err
	}
	e.finishCancel(t)
	return t, nil
}

func (e *Engine) finishCancel(t models.Trip) {
	e.stopPendingTimer(t.ID)
	observability.TripsCancelled.WithLabelValues(string(t.CancelledBy)).Inc()
	e.releasePayment(&t)
	storage.BestEffort(e.Log, "update_trip", func() error { return e.Store.UpdateTrip(&t) })
	e.Events.TripStatusChanged(t, nil)
}

// DriverWithdrawn handles the accepted driver going offline before pickup:
// the trip reverts to pending and is re-dispatched, up to MaxRedispatch
// attempts, after which it is cancelled outright.
func (e *Engine) DriverWithdrawn(driverID string) {
	t, ok := e.Trips.ActiveForDriver(driverID)
	if !ok || t.Status != models.StatusAccepted {
		return
	}
	reverted, attempts, err := e.Trips.Revert(t.ID)
	if err != nil {
		return
	}
	e.releasePayment(&reverted)
	storage.BestEffort(e.Log, "update_trip", func() error { return e.Store.UpdateTrip(&reverted) })
	if attempts > e.MaxRedispatch {
		e.Log.Warn("re-dispatch cap reached", "trip_id", reverted.ID, "attempts", attempts)
		_, _ = e.Cancel(reverted.ID, models.RoleSystem, "driver unavailable")
		return
	}
	e.Events.TripStatusChanged(reverted, nil)
	e.startPendingTimer(reverted.ID)
	candidates := e.Presence.NearestOnline(reverted.Pickup, reverted.VehicleClass, e.CandidateLimit, e.SearchRadiusM)
	if len(candidates) == 0 {
		e.Log.Info("no driver available on re-dispatch", "trip_id", reverted.ID)
		return
	}
	e.Events.TripOffered(reverted, candidates)
	e.Log.Info("trip re-dispatched", "trip_id", reverted.ID, "attempt", attempts)
}

func (e *Engine) startPendingTimer(tripID string) {
	if e.PendingTimeout <= 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if prev, ok := e.timers[tripID]; ok {
		prev.Stop()
	}
	e.timers[tripID] = time.AfterFunc(e.PendingTimeout, func() { e.expirePending(tripID) })
}

func (e *Engine) stopPendingTimer(tripID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if tm, ok := e.timers[tripID]; ok {
		tm.Stop()
		delete(e.timers, tripID)
	}
}

// expirePending is the pending-timer callback. The cancel is guarded on the
// trip still being pending inside the index's critical section: an accept
// that lands as the timer fires keeps its win.
func (e *Engine) expirePending(tripID string) {
	t, err := e.Trips.CancelIf(tripID, models.StatusPending, models.RoleSystem, "no driver found")
	if err != nil {
		return
	}
	e.finishCancel(t)
	e.Log.Info("pending trip expired", "trip_id", tripID)
}

// Stop cancels all outstanding pending-trip timers. Used on shutdown and in
// tests to avoid leaked goroutines.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, tm := range e.timers {
		tm.Stop()
		delete(e.timers, id)
	}
}

func (e *Engine) holdPayment(t *models.Trip) {
	if e.Payments == nil || t.Fare == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	id, err := e.Payments.Hold(ctx, t.Fare.Total, t.Fare.Currency, t.CustomerID)
	if err != nil {
		e.Log.Warn("payment hold failed", "trip_id", t.ID, "error", err)
		return
	}
	e.mu.Lock()
	e.holds[t.ID] = id
	e.mu.Unlock()
	t.PaymentStatus = "held"
}

func (e *Engine) capturePayment(t *models.Trip) {
	id := e.takeHold(t.ID)
	if id == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := e.Payments.Capture(ctx, id); err != nil {
		e.Log.Warn("payment capture failed", "trip_id", t.ID, "error", err)
		return
	}
	t.PaymentStatus = "captured"
}

func (e *Engine) releasePayment(t *models.Trip) {
	id := e.takeHold(t.ID)
	if id == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := e.Payments.Cancel(ctx, id); err != nil {
		e.Log.Warn("payment release failed", "trip_id", t.ID, "error", err)
		return
	}
	t.PaymentStatus = "released"
}

func (e *Engine) takeHold(tripID string) string {
	if e.Payments == nil {
		return ""
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.holds[tripID]
	delete(e.holds, tripID)
	return id
}
