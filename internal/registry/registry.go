package registry

import (
	"errors"
	"sync"

	"github.com/example/ride-dispatch/internal/models"
)

// ErrNoSession means the party has no live channel; delivery is a best-effort
// miss, never a system failure.
var ErrNoSession = errors.New("no live channel for party")

// Channel is one party's live, addressable connection. Send must be safe for
// concurrent use; a Send error means only that this delivery failed.
type Channel interface {
	Send(event string, data any) error
	Close() error
}

type entry struct {
	role models.Role
	ch   Channel
}

// Registry maps authenticated parties to their live channels and tracks
// role-based broadcast groups. It is the only owner of a channel for the
// lifetime of a connection.
type Registry struct {
	mu      sync.RWMutex
	parties map[string]entry
}

func New() *Registry {
	return &Registry{parties: make(map[string]entry)}
}

// Register associates a party with its channel. A reconnect supersedes any
// prior channel: the old one is force-closed so at most one live channel per
// party exists at a time.
func (r *Registry) Register(partyID string, role models.Role, ch Channel) {
	r.mu.Lock()
	prev, had := r.parties[partyID]
	r.parties[partyID] = entry{role: role, ch: ch}
	r.mu.Unlock()
	if had && prev.ch != ch {
		_ = prev.ch.Close()
	}
}

// Unregister removes the association, but only if ch is still the current
// channel. A disconnect callback from a superseded connection must not tear
// down its replacement.
func (r *Registry) Unregister(partyID string, ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.parties[partyID]; ok && cur.ch == ch {
		delete(r.parties, partyID)
	}
}

// ChannelFor returns the party's live channel, if any.
func (r *Registry) ChannelFor(partyID string) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.parties[partyID]
	if !ok {
		return nil, false
	}
	return e.ch, true
}

// Send delivers one event to one party. Absent parties yield ErrNoSession.
func (r *Registry) Send(partyID, event string, data any) error {
	ch, ok := r.ChannelFor(partyID)
	if !ok {
		return ErrNoSession
	}
	return ch.Send(event, data)
}

// Broadcast fans an event out to every connected party with the given role.
// Fire-and-forget: a failed delivery to one channel does not affect others.
func (r *Registry) Broadcast(role models.Role, event string, data any) {
	r.BroadcastExcept(role, "", event, data)
}

// BroadcastExcept is Broadcast minus one party, for events the excluded
// party already received through a targeted send.
func (r *Registry) BroadcastExcept(role models.Role, exceptID, event string, data any) {
	r.mu.RLock()
	targets := make([]Channel, 0, len(r.parties))
	for id, e := range r.parties {
		if e.role == role && id != exceptID {
			targets = append(targets, e.ch)
		}
	}
	r.mu.RUnlock()
	for _, ch := range targets {
		_ = ch.Send(event, data)
	}
}

// Online reports whether the party currently has a live channel.
func (r *Registry) Online(partyID string) bool {
	_, ok := r.ChannelFor(partyID)
	return ok
}
