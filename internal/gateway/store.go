package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// breaker is a failure-count circuit breaker guarding resume-buffer appends. When the store is saturated or down,
// appends short-circuit to no-ops for the cooldown period: resume degrades, live dispatch does not.
type breaker struct {
	mu        sync.Mutex
	failures  int
	openUntil time.Time

	threshold int
	cooldown  time.Duration
}

func newBreaker(threshold int, cooldown time.Duration) *breaker {
	return &breaker{threshold: threshold, cooldown: cooldown}
}

// allow reports whether a call may proceed.
func (b *breaker) allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return now.After(b.openUntil)
}

func (b *breaker) success() {
	b.mu.Lock()
	b.failures = 0
	b.mu.Unlock()
}

func (b *breaker) failure(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.failures >= b.threshold {
		b.openUntil = now.Add(b.cooldown)
		b.failures = 0
	}
}

// SessionDescriptor is the shared-store copy of a session's identity, written on identify and on disconnect so any
// process can rehydrate the session during the resume window.
type SessionDescriptor struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	Intents   uint32 `json:"intents"`
	LastSeq   int64  `json:"last_seq"`
	SavedAt   int64  `json:"saved_at"`
}

// SessionIndexEntry locates the prior owner of a session id during resume validation. The intent mask stored here is
// authoritative on resume; the client's claimed mask is never trusted.
type SessionIndexEntry struct {
	ConnID  string `json:"conn_id"`
	UserID  string `json:"user_id"`
	Intents uint32 `json:"intents"`
	LastSeq int64  `json:"last_seq"`
}

// ResumeEntry is one buffered dispatch frame with its sequence number.
type ResumeEntry struct {
	Seq     int64           `json:"s"`
	Payload json.RawMessage `json:"p"`
}

// SessionStore manages session descriptors, the session index, and per-session resume buffers in Valkey. Descriptors
// live for the session TTL; index entries and resume buffers live for the resume window. Each resume buffer is
// single-writer (only the session's owning connection appends), so no cross-process locking is needed.
type SessionStore struct {
	rdb          *redis.Client
	sessionTTL   time.Duration
	resumeWindow time.Duration
	maxBuffer    int
	breaker      *breaker
}

// NewSessionStore creates a session store backed by the given Valkey client.
func NewSessionStore(rdb *redis.Client, sessionTTL, resumeWindow time.Duration, maxBuffer int) *SessionStore {
	return &SessionStore{
		rdb:          rdb,
		sessionTTL:   sessionTTL,
		resumeWindow: resumeWindow,
		maxBuffer:    maxBuffer,
		breaker:      newBreaker(5, 10*time.Second),
	}
}

func sessionKey(connID string) string  { return "gw:session:" + connID }
func indexKey(sessionID string) string { return "gw:index:" + sessionID }
func bufferKey(sessionID string) string {
	return "gw:resume:" + sessionID
}

// SaveSession writes the session descriptor under the connection id with the session TTL.
func (s *SessionStore) SaveSession(ctx context.Context, connID uuid.UUID, d SessionDescriptor) error {
	d.SavedAt = time.Now().Unix()
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal session descriptor: %w", err)
	}
	if err := s.rdb.Set(ctx, sessionKey(connID.String()), data, s.sessionTTL).Err(); err != nil {
		return fmt.Errorf("save session descriptor: %w", err)
	}
	return nil
}

// SaveIndex writes the session index entry with the resume-window TTL.
func (s *SessionStore) SaveIndex(ctx context.Context, sessionID string, e SessionIndexEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal session index: %w", err)
	}
	if err := s.rdb.Set(ctx, indexKey(sessionID), data, s.resumeWindow).Err(); err != nil {
		return fmt.Errorf("save session index: %w", err)
	}
	return nil
}

// LookupIndex retrieves the index entry for a session id. Returns ErrSessionNotFound when the entry does not exist
// or the resume window has lapsed.
func (s *SessionStore) LookupIndex(ctx context.Context, sessionID string) (*SessionIndexEntry, error) {
	raw, err := s.rdb.Get(ctx, indexKey(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("lookup session index: %w", err)
	}

	var e SessionIndexEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("unmarshal session index: %w", err)
	}
	return &e, nil
}

// AppendResumeEvent pushes a serialised dispatch frame to the tail of the session's resume buffer, trims the buffer
// to the configured maximum, and refreshes the TTL. Under store backpressure the circuit breaker turns this into a
// no-op returning ErrStoreUnavailable.
func (s *SessionStore) AppendResumeEvent(ctx context.Context, sessionID string, seq int64, payload json.RawMessage) error {
	now := time.Now()
	if !s.breaker.allow(now) {
		return ErrStoreUnavailable
	}

	entry, err := json.Marshal(ResumeEntry{Seq: seq, Payload: payload})
	if err != nil {
		return fmt.Errorf("marshal resume entry: %w", err)
	}

	key := bufferKey(sessionID)
	pipe := s.rdb.Pipeline()
	pipe.RPush(ctx, key, entry)
	pipe.LTrim(ctx, key, int64(-s.maxBuffer), -1)
	pipe.Expire(ctx, key, s.resumeWindow)
	if _, err := pipe.Exec(ctx); err != nil {
		s.breaker.failure(now)
		return fmt.Errorf("append resume event: %w", err)
	}
	s.breaker.success()
	return nil
}

// ReadResumeBuffer returns every buffered entry in order. The caller performs the gap check against the client's
// sequence; entries that fail to decode are skipped.
func (s *SessionStore) ReadResumeBuffer(ctx context.Context, sessionID string) ([]ResumeEntry, error) {
	raw, err := s.rdb.LRange(ctx, bufferKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read resume buffer: %w", err)
	}

	entries := make([]ResumeEntry, 0, len(raw))
	for _, item := range raw {
		var e ResumeEntry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// ReadResumeAfter returns the buffered entries with sequence numbers strictly greater than afterSeq, in order.
func (s *SessionStore) ReadResumeAfter(ctx context.Context, sessionID string, afterSeq int64) ([]ResumeEntry, error) {
	entries, err := s.ReadResumeBuffer(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	missed := entries[:0:0]
	for _, e := range entries {
		if e.Seq > afterSeq {
			missed = append(missed, e)
		}
	}
	return missed, nil
}

// ClearResumeBuffer deletes the session's resume buffer. Called after a successful replay.
func (s *SessionStore) ClearResumeBuffer(ctx context.Context, sessionID string) error {
	if err := s.rdb.Del(ctx, bufferKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("clear resume buffer: %w", err)
	}
	return nil
}

// DeleteSession removes the descriptor, index entry, and resume buffer for a session. Called on invalidation.
func (s *SessionStore) DeleteSession(ctx context.Context, connID uuid.UUID, sessionID string) error {
	err := s.rdb.Del(ctx, sessionKey(connID.String()), indexKey(sessionID), bufferKey(sessionID)).Err()
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// RefreshTTL extends the descriptor TTL for a live session. Called on each heartbeat.
func (s *SessionStore) RefreshTTL(ctx context.Context, connID uuid.UUID) error {
	if err := s.rdb.Expire(ctx, sessionKey(connID.String()), s.sessionTTL).Err(); err != nil {
		return fmt.Errorf("refresh session ttl: %w", err)
	}
	return nil
}
