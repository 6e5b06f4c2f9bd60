package trip

import (
	"errors"
	"fmt"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	// ErrNotAvailable covers both unknown trips and trips that reached a
	// terminal state before the caller's mutation arrived. Losers of an
	// accept-versus-cancel race see this, not a generic failure.
	ErrNotAvailable = errors.New("trip no longer available")

	// ErrAlreadyTaken means another driver won the accept race. Client UIs
	// distinguish "you were too slow" from "request malformed".
	ErrAlreadyTaken = errors.New("trip already taken by another driver")

	ErrInvalidTransition = errors.New("invalid trip status transition")

	// ErrNotAssigned means the caller is not the driver assigned to the trip.
	ErrNotAssigned = errors.New("caller is not the assigned driver")
)

// chain is the forward path of the trip lifecycle. cancelled is reachable
// from any non-terminal status and is handled separately.
var chain = map[models.TripStatus]models.TripStatus{
	models.StatusPending:    models.StatusAccepted,
	models.StatusAccepted:   models.StatusPickedUp,
	models.StatusPickedUp:   models.StatusInProgress,
	models.StatusInProgress: models.StatusCompleted,
}

// Legal reports whether from → to is a permitted transition.
func Legal(from, to models.TripStatus) bool {
	if to == models.StatusCancelled {
		return !from.Terminal()
	}
	return chain[from] == to
}

// New builds a pending trip from a customer request with its first history
// entry already appended.
func New(id string, req models.TripRequest) models.Trip {
	now := time.Now()
	return models.Trip{
		ID:            id,
		CustomerID:    req.CustomerID,
		Pickup:        req.Pickup,
		Destination:   req.Destination,
		VehicleClass:  req.VehicleClass,
		EstimatedFare: req.EstimatedFare,
		Status:        models.StatusPending,
		History: []models.StatusChange{
			{Status: models.StatusPending, Timestamp: now, Note: "booking created"},
		},
		PaymentStatus: "pending",
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func appendHistory(t *models.Trip, status models.TripStatus, note string, loc *models.Coord) {
	now := time.Now()
	t.Status = status
	t.UpdatedAt = now
	t.History = append(t.History, models.StatusChange{
		Status:    status,
		Timestamp: now,
		Note:      note,
		Location:  loc,
	})
}

func cancelNote(by models.Role, reason string) string {
	if reason == "" {
		reason = "no reason given"
	}
	return fmt.Sprintf("cancelled by %s: %s", by, reason)
}
