package gateway

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Session is the application-layer identity bound to a connection once Identify or Resume succeeds. Intents are
// immutable after creation; the guild set changes when membership events arrive over the bus. The sequence counter is
// atomic so the read goroutine and the hub's fan-out path may allocate dispatch ordinals without a lock.
type Session struct {
	ID      string
	UserID  uuid.UUID
	Intents uint32

	guildMu sync.RWMutex
	guilds  map[uuid.UUID]struct{}
	seq     atomic.Int64
}

// NewSession creates a session with the given identity and an initial sequence of zero.
func NewSession(id string, userID uuid.UUID, intents uint32, guildIDs []uuid.UUID) *Session {
	guilds := make(map[uuid.UUID]struct{}, len(guildIDs))
	for _, g := range guildIDs {
		guilds[g] = struct{}{}
	}
	return &Session{
		ID:      id,
		UserID:  userID,
		Intents: intents,
		guilds:  guilds,
	}
}

// InGuild reports whether the session's user is a member of the given guild.
func (s *Session) InGuild(guildID uuid.UUID) bool {
	s.guildMu.RLock()
	defer s.guildMu.RUnlock()
	_, ok := s.guilds[guildID]
	return ok
}

// GuildIDs returns the session's guild set as a slice.
func (s *Session) GuildIDs() []uuid.UUID {
	s.guildMu.RLock()
	defer s.guildMu.RUnlock()
	ids := make([]uuid.UUID, 0, len(s.guilds))
	for id := range s.guilds {
		ids = append(ids, id)
	}
	return ids
}

// AddGuild records a new guild membership.
func (s *Session) AddGuild(guildID uuid.UUID) {
	s.guildMu.Lock()
	s.guilds[guildID] = struct{}{}
	s.guildMu.Unlock()
}

// RemoveGuild drops a guild membership.
func (s *Session) RemoveGuild(guildID uuid.UUID) {
	s.guildMu.Lock()
	delete(s.guilds, guildID)
	s.guildMu.Unlock()
}

// NextSeq allocates the next dispatch sequence number. Successive calls return strictly increasing values for the
// lifetime of the session id, including across a resume.
func (s *Session) NextSeq() int64 {
	return s.seq.Add(1)
}

// CurrentSeq returns the last allocated sequence number without advancing.
func (s *Session) CurrentSeq() int64 {
	return s.seq.Load()
}

// RestoreSeq sets the sequence counter during resume rehydration.
func (s *Session) RestoreSeq(seq int64) {
	s.seq.Store(seq)
}

// NewSessionID generates a unique session identifier.
func NewSessionID() string {
	return strconv.FormatInt(time.Now().UnixNano(), 36) + "-" + uuid.New().String()[:8]
}
