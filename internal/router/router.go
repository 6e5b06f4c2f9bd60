package router

import (
	"errors"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/trip"
)

// Wire event names. Inbound names are handled by the ws gateway; these are
// the server-to-client vocabulary.
const (
	EvNewBooking           = "new-booking"
	EvBookingCreated       = "booking-created"
	EvBookingDetails       = "booking-details"
	EvBookingAccepted      = "booking-accepted"
	EvBookingStatusUpdated = "booking-status-updated"
	EvBookingCancelled     = "booking-cancelled"
	EvDriverLocation       = "driver-location-updated"
	EvDriverStatusChanged  = "driver-status-changed"
	EvNewMessage           = "new-message"
	EvBookingError         = "booking-error"
)

// Router fans domain events out to exactly the parties that should see them.
// Delivery is best-effort at-most-once: an absent recipient is a counted
// miss, never an error surfaced to the sender.
type Router struct {
	Registry *registry.Registry
	Trips    *trip.Index
	Presence *presence.Cache
	Messages storage.MessageStore
	Store    storage.TripStore
	Log      *slog.Logger
}

func New(reg *registry.Registry, idx *trip.Index, pres *presence.Cache, msgs storage.MessageStore, store storage.TripStore, log *slog.Logger) *Router {
	return &Router{Registry: reg, Trips: idx, Presence: pres, Messages: msgs, Store: store, Log: log}
}

// send delivers to one party, recording a miss when the channel is absent.
func (r *Router) send(partyID, event string, data any) {
	if err := r.Registry.Send(partyID, event, data); err != nil {
		if errors.Is(err, registry.ErrNoSession) {
			observability.DeliveryMisses.Inc()
			r.Log.Debug("delivery miss", "party_id", partyID, "event", event)
			return
		}
		r.Log.Debug("delivery failed", "party_id", partyID, "event", event, "error", err)
	}
}

// TripOffered announces a new pending trip to every candidate driver.
func (r *Router) TripOffered(t models.Trip, candidates []models.DriverPresence) {
	payload := map[string]any{"booking": t, "timestamp": time.Now()}
	for _, d := range candidates {
		r.send(d.DriverID, EvNewBooking, payload)
	}
}

// TripAccepted tells the customer who their driver is and echoes the full
// trip back to the winning driver.
func (r *Router) TripAccepted(t models.Trip) {
	var driverLoc *models.Coord
	if d, ok := r.Presence.Get(t.DriverID); ok {
		loc := d.Loc
		driverLoc = &loc
	}
	r.send(t.CustomerID, EvBookingAccepted, map[string]any{
		"trip_id":         t.ID,
		"driver_id":       t.DriverID,
		"driver_location": driverLoc,
	})
	r.send(t.DriverID, EvBookingDetails, map[string]any{"booking": t})
}

// TripStatusChanged forwards a status transition to the trip's customer and,
// for cancellations, to whichever side did not initiate it.
func (r *Router) TripStatusChanged(t models.Trip, loc *models.Coord) {
	var driverLoc *models.Coord
	if t.DriverID != "" {
		if d, ok := r.Presence.Get(t.DriverID); ok {
			l := d.Loc
			driverLoc = &l
		}
	}
	if t.Status != models.StatusCancelled || t.CancelledBy != models.RoleCustomer {
		r.send(t.CustomerID, EvBookingStatusUpdated, map[string]any{
			"trip_id":         t.ID,
			"status":          t.Status,
			"location":        loc,
			"driver_location": driverLoc,
		})
	}
	if t.Status == models.StatusCancelled && t.DriverID != "" && t.CancelledBy != models.RoleDriver {
		r.send(t.DriverID, EvBookingCancelled, map[string]any{"trip_id": t.ID, "reason": t.CancelReason})
	}
}

// RouteLocationUpdate forwards a driver's fresh position to the customer of
// their active trip, and to the customer discovery broadcast. The trip's
// customer is excluded from the broadcast so they see each position once.
func (r *Router) RouteLocationUpdate(driverID string, loc models.Coord, online bool) {
	payload := map[string]any{
		"driver_id": driverID,
		"location":  map[string]any{"lat": loc.Lat, "lon": loc.Lon, "is_online": online},
	}
	except := ""
	if t, ok := r.Trips.ActiveForDriver(driverID); ok {
		r.send(t.CustomerID, EvDriverLocation, payload)
		except = t.CustomerID
	}
	r.Registry.BroadcastExcept(models.RoleCustomer, except, EvDriverLocation, payload)
}

// RouteStatusToggle announces an online/offline flip to customers.
func (r *Router) RouteStatusToggle(driverID string, online bool) {
	r.Registry.Broadcast(models.RoleCustomer, EvDriverStatusChanged, map[string]any{
		"driver_id": driverID,
		"is_online": online,
	})
}

// RouteChatMessage delivers a chat message to the trip's other party.
// Persistence is handed off asynchronously and is not a precondition for
// delivery; durable history is fetched separately on reconnect.
func (r *Router) RouteChatMessage(tripID, senderID string, senderRole models.Role, message string) error {
	t, ok := r.Trips.Get(tripID)
	if !ok {
		// Trip may have just completed; fall back to the store so late
		// messages still reach a connected counterpart.
		stored, err := r.Store.GetTrip(tripID)
		if err != nil || stored == nil {
			return trip.ErrNotAvailable
		}
		t = *stored
	}

	recipient, _ := t.OtherParty(senderID)
	if recipient == "" {
		return trip.ErrNotAvailable
	}

	msg := models.ChatMessage{
		TripID:     tripID,
		SenderID:   senderID,
		SenderRole: senderRole,
		Message:    message,
		Timestamp:  time.Now(),
	}
	storage.BestEffort(r.Log, "save_message", func() error { return r.Messages.SaveMessage(msg) })
	r.send(recipient, EvNewMessage, map[string]any{
		"trip_id":     msg.TripID,
		"message":     msg.Message,
		"sender_id":   msg.SenderID,
		"sender_role": msg.SenderRole,
		"timestamp":   msg.Timestamp,
	})
	return nil
}
