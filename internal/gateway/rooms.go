package gateway

import (
	"sync"

	"github.com/google/uuid"
)

// RoomIndex is the process-local mapping from guild id and user id to the set of connections subscribed there. It
// holds raw references only; connections remove themselves on close. Reads (every bus fan-out) strongly dominate
// writes (identify/resume/close), hence the RWMutex.
type RoomIndex struct {
	mu     sync.RWMutex
	guilds map[uuid.UUID]map[*Client]struct{}
	users  map[uuid.UUID]map[*Client]struct{}
}

// NewRoomIndex creates an empty room index.
func NewRoomIndex() *RoomIndex {
	return &RoomIndex{
		guilds: make(map[uuid.UUID]map[*Client]struct{}),
		users:  make(map[uuid.UUID]map[*Client]struct{}),
	}
}

// Insert adds the connection to its user room and each of its guild rooms.
func (r *RoomIndex) Insert(c *Client, userID uuid.UUID, guildIDs []uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.users[userID] == nil {
		r.users[userID] = make(map[*Client]struct{})
	}
	r.users[userID][c] = struct{}{}

	for _, g := range guildIDs {
		if r.guilds[g] == nil {
			r.guilds[g] = make(map[*Client]struct{})
		}
		r.guilds[g][c] = struct{}{}
	}
}

// Remove deletes the connection from its user room and guild rooms. Empty rooms are removed so the maps do not grow
// with guild churn.
func (r *RoomIndex) Remove(c *Client, userID uuid.UUID, guildIDs []uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if set, ok := r.users[userID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(r.users, userID)
		}
	}
	for _, g := range guildIDs {
		if set, ok := r.guilds[g]; ok {
			delete(set, c)
			if len(set) == 0 {
				delete(r.guilds, g)
			}
		}
	}
}

// AddGuilds subscribes an already-inserted connection to additional guild rooms.
func (r *RoomIndex) AddGuilds(c *Client, guildIDs []uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, g := range guildIDs {
		if r.guilds[g] == nil {
			r.guilds[g] = make(map[*Client]struct{})
		}
		r.guilds[g][c] = struct{}{}
	}
}

// RemoveGuilds unsubscribes the connection from the given guild rooms, leaving its user room intact.
func (r *RoomIndex) RemoveGuilds(c *Client, guildIDs []uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, g := range guildIDs {
		if set, ok := r.guilds[g]; ok {
			delete(set, c)
			if len(set) == 0 {
				delete(r.guilds, g)
			}
		}
	}
}

// GuildRoom returns a snapshot of the connections subscribed to the given guild. The snapshot is safe to iterate
// without holding the index lock.
func (r *RoomIndex) GuildRoom(guildID uuid.UUID) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return snapshot(r.guilds[guildID])
}

// UserRoom returns a snapshot of the connections belonging to the given user.
func (r *RoomIndex) UserRoom(userID uuid.UUID) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return snapshot(r.users[userID])
}

func snapshot(set map[*Client]struct{}) []*Client {
	if len(set) == 0 {
		return nil
	}
	out := make([]*Client, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}
