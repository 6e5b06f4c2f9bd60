package storage

import (
	"database/sql"
	"encoding/json"

	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) SaveTrip(t *models.Trip) error {
	history, _ := json.Marshal(t.History)
	fare, _ := json.Marshal(t.Fare)
	_, err := p.db.Exec(`INSERT INTO trips(id, customer_id, driver_id, pickup_lat, pickup_lon, dest_lat, dest_lon, vehicle_class, estimated_fare, status, status_history, fare, payment_status, created_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		t.ID, t.CustomerID, nullable(t.DriverID), t.Pickup.Lat, t.Pickup.Lon, t.Destination.Lat, t.Destination.Lon,
		t.VehicleClass, t.EstimatedFare, t.Status, history, fare, t.PaymentStatus, t.CreatedAt, t.UpdatedAt)
	return err
}

func (p *PostgresStore) UpdateTrip(t *models.Trip) error {
	history, _ := json.Marshal(t.History)
	fare, _ := json.Marshal(t.Fare)
	_, err := p.db.Exec(`UPDATE trips SET driver_id=$1, status=$2, status_history=$3, fare=$4, payment_status=$5, cancel_reason=$6, cancelled_by=$7, updated_at=$8 WHERE id=$9`,
		nullable(t.DriverID), t.Status, history, fare, t.PaymentStatus, nullable(t.CancelReason), nullable(string(t.CancelledBy)), t.UpdatedAt, t.ID)
	return err
}

func (p *PostgresStore) GetTrip(id string) (*models.Trip, error) {
	row := p.db.QueryRow(`SELECT id, customer_id, COALESCE(driver_id,''), pickup_lat, pickup_lon, dest_lat, dest_lon, vehicle_class, estimated_fare, status, status_history, fare, COALESCE(payment_status,''), COALESCE(cancel_reason,''), COALESCE(cancelled_by,''), created_at, updated_at FROM trips WHERE id=$1`, id)
	var t models.Trip
	var history, fare []byte
	err := row.Scan(&t.ID, &t.CustomerID, &t.DriverID, &t.Pickup.Lat, &t.Pickup.Lon, &t.Destination.Lat, &t.Destination.Lon,
		&t.VehicleClass, &t.EstimatedFare, &t.Status, &history, &fare, &t.PaymentStatus, &t.CancelReason, &t.CancelledBy, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal(history, &t.History)
	if len(fare) > 0 && string(fare) != "null" {
		var f models.Fare
		if json.Unmarshal(fare, &f) == nil {
			t.Fare = &f
		}
	}
	return &t, nil
}

func (p *PostgresStore) SaveMessage(m models.ChatMessage) error {
	_, err := p.db.Exec(`INSERT INTO messages(trip_id, sender_id, sender_role, message, created_at) VALUES($1,$2,$3,$4,$5)`,
		m.TripID, m.SenderID, m.SenderRole, m.Message, m.Timestamp)
	return err
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
