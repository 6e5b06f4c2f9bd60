package storage

import (
	"log/slog"
	"sync"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// TripStore defines persistence operations for trips. Writes on the dispatch
// path are best-effort mirrors of the in-memory state, never a prerequisite
// for the real-time flow.
type TripStore interface {
	SaveTrip(t *models.Trip) error
	UpdateTrip(t *models.Trip) error
	GetTrip(id string) (*models.Trip, error)
}

// MessageStore keeps the durable chat history fetched on reconnect.
type MessageStore interface {
	SaveMessage(m models.ChatMessage) error
}

// BestEffort runs a store write off the hot path. Failures are logged and
// counted, never surfaced to the parties on the trip.
func BestEffort(log *slog.Logger, op string, fn func() error) {
	go func() {
		if err := fn(); err != nil {
			observability.StoreErrors.Inc()
			log.Warn("store write failed", "op", op, "error", err)
		}
	}()
}

type MemoryStore struct {
	mu       sync.RWMutex
	trips    map[string]*models.Trip
	messages []models.ChatMessage
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{trips: make(map[string]*models.Trip)}
}

func (m *MemoryStore) SaveTrip(t *models.Trip) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.trips[t.ID] = &cp
	return nil
}

func (m *MemoryStore) UpdateTrip(t *models.Trip) error {
	return m.SaveTrip(t)
}

func (m *MemoryStore) GetTrip(id string) (*models.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trips[id]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) SaveMessage(msg models.ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
	return nil
}

// Messages returns a snapshot of stored messages for a trip.
func (m *MemoryStore) Messages(tripID string) []models.ChatMessage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.ChatMessage
	for _, msg := range m.messages {
		if msg.TripID == tripID {
			out = append(out, msg)
		}
	}
	return out
}
