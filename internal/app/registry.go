package app

import (
	"sort"
	"sync"

	"github.com/dkeye/Callroom/internal/core"
	"github.com/dkeye/Callroom/internal/domain"
	"github.com/rs/zerolog/log"
)

type memberEntry struct {
	Email domain.Email
	Room  domain.RoomID
}

// Registry is the connection registry: live connections, the email <-> id
// index and the id -> room index. Mutations come from the router loop only;
// the lock exists for readers outside it (REST handlers).
type Registry struct {
	mu      sync.RWMutex
	conns   map[domain.ConnectionID]core.SignalConnection
	members map[domain.ConnectionID]memberEntry
	byEmail map[domain.Email]domain.ConnectionID
}

func NewRegistry() *Registry {
	return &Registry{
		conns:   make(map[domain.ConnectionID]core.SignalConnection),
		members: make(map[domain.ConnectionID]memberEntry),
		byEmail: make(map[domain.Email]domain.ConnectionID),
	}
}

func (r *Registry) Bind(id domain.ConnectionID, conn core.SignalConnection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[id] = conn
	log.Debug().Str("module", "app.registry").Str("sid", string(id)).Msg("bound connection")
}

func (r *Registry) Unbind(id domain.ConnectionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, id)
	log.Debug().Str("module", "app.registry").Str("sid", string(id)).Msg("unbound connection")
}

// Conn returns the live connection for id.
func (r *Registry) Conn(id domain.ConnectionID) (core.SignalConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// Join inserts or overwrites the membership of id.
func (r *Registry) Join(id domain.ConnectionID, email domain.Email, room domain.RoomID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropLocked(id)
	r.members[id] = memberEntry{Email: email, Room: room}
	r.byEmail[email] = id
	log.Info().Str("module", "app.registry").Str("sid", string(id)).Str("email", string(email)).Str("room", string(room)).Msg("joined")
}

// Leave removes every membership entry of id. Unknown ids are a no-op.
func (r *Registry) Leave(id domain.ConnectionID) (domain.Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.members[id]
	if !ok {
		return domain.Participant{}, false
	}
	r.dropLocked(id)
	log.Info().Str("module", "app.registry").Str("sid", string(id)).Str("room", string(e.Room)).Msg("left")
	return domain.Participant{ID: id, Email: e.Email, Room: e.Room}, true
}

func (r *Registry) dropLocked(id domain.ConnectionID) {
	e, ok := r.members[id]
	if !ok {
		return
	}
	delete(r.members, id)
	// Another connection may have claimed the email since.
	if r.byEmail[e.Email] == id {
		delete(r.byEmail, e.Email)
	}
}

func (r *Registry) Resolve(id domain.ConnectionID) (domain.Email, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.members[id]
	return e.Email, ok
}

func (r *Registry) LookupByEmail(email domain.Email) (domain.ConnectionID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byEmail[email]
	return id, ok
}

func (r *Registry) RoomOf(id domain.ConnectionID) (domain.RoomID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.members[id]
	return e.Room, ok
}

// MembersOf returns the ids currently in room, sorted.
func (r *Registry) MembersOf(room domain.RoomID) []domain.ConnectionID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.ConnectionID, 0)
	for id, e := range r.members {
		if e.Room == room {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Participants is a read-only view of room for APIs.
func (r *Registry) Participants(room domain.RoomID) []domain.Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Participant, 0)
	for id, e := range r.members {
		if e.Room == room {
			out = append(out, domain.Participant{ID: id, Email: e.Email, Room: e.Room})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

type RoomInfo struct {
	Room        domain.RoomID `json:"room"`
	MemberCount int           `json:"member_count"`
}

// Rooms lists rooms with at least one member. A room ceases to exist with
// its last member.
func (r *Registry) Rooms() []RoomInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[domain.RoomID]int)
	for _, e := range r.members {
		counts[e.Room]++
	}
	out := make([]RoomInfo, 0, len(counts))
	for room, n := range counts {
		out = append(out, RoomInfo{Room: room, MemberCount: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Room < out[j].Room })
	return out
}

func (r *Registry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
