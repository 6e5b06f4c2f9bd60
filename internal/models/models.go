package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Role identifies which side of a trip a connected party is on.
type Role string

const (
	RoleDriver   Role = "driver"
	RoleCustomer Role = "customer"
	// RoleSystem marks server-initiated actions such as dispatch timeouts.
	RoleSystem Role = "system"
)

type VehicleClass string

const (
	VehicleMotor VehicleClass = "motor"
	VehicleCar   VehicleClass = "car"
)

type TripStatus string

const (
	StatusPending    TripStatus = "pending"
	StatusAccepted   TripStatus = "accepted"
	StatusPickedUp   TripStatus = "picked_up"
	StatusInProgress TripStatus = "in_progress"
	StatusCompleted  TripStatus = "completed"
	StatusCancelled  TripStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s TripStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// StatusChange is one entry in a trip's append-only audit trail.
type StatusChange struct {
	Status    TripStatus `json:"status"`
	Timestamp time.Time  `json:"timestamp"`
	Note      string     `json:"note,omitempty"`
	Location  *Coord     `json:"location,omitempty"`
}

// Fare is the monetary breakdown computed by the fare collaborator.
// Amounts are in the smallest currency unit.
type Fare struct {
	Base     int64  `json:"base_fare"`
	Distance int64  `json:"distance_fare"`
	Time     int64  `json:"time_fare"`
	Total    int64  `json:"total_fare"`
	Currency string `json:"currency"`
}

type Trip struct {
	ID            string         `json:"id"`
	CustomerID    string         `json:"customer_id"`
	DriverID      string         `json:"driver_id,omitempty"`
	Pickup        Coord          `json:"pickup"`
	Destination   Coord          `json:"destination"`
	VehicleClass  VehicleClass   `json:"vehicle_class"`
	EstimatedFare int64          `json:"estimated_fare,omitempty"`
	Status        TripStatus     `json:"status"`
	History       []StatusChange `json:"status_history"`
	Fare          *Fare          `json:"fare,omitempty"`
	PaymentStatus string         `json:"payment_status,omitempty"`
	CancelReason  string         `json:"cancel_reason,omitempty"`
	CancelledBy   Role           `json:"cancelled_by,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// OtherParty returns the counterpart of sender on this trip, or "" when the
// sender is not a participant or no counterpart is assigned yet.
func (t *Trip) OtherParty(senderID string) (string, Role) {
	switch senderID {
	case t.CustomerID:
		return t.DriverID, RoleDriver
	case t.DriverID:
		return t.CustomerID, RoleCustomer
	}
	return "", ""
}

// TripRequest is a customer's ride request before a trip exists.
type TripRequest struct {
	CustomerID    string       `json:"customer_id"`
	Pickup        Coord        `json:"pickup"`
	Destination   Coord        `json:"destination"`
	VehicleClass  VehicleClass `json:"vehicle_type"`
	EstimatedFare int64        `json:"estimated_fare,omitempty"`
}

// DriverPresence is a driver's last-known position and availability.
type DriverPresence struct {
	DriverID     string       `json:"driver_id"`
	Loc          Coord        `json:"loc"`
	VehicleClass VehicleClass `json:"vehicle_class"`
	Online       bool         `json:"online"`
	Updated      time.Time    `json:"updated"`
}

// ChatMessage is one in-trip message between driver and customer.
type ChatMessage struct {
	TripID     string    `json:"trip_id"`
	SenderID   string    `json:"sender_id"`
	SenderRole Role      `json:"sender_role"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
}
