package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func newTestStore(rdb *redis.Client, maxBuffer int) *SessionStore {
	return NewSessionStore(rdb, 5*time.Minute, 3*time.Minute, maxBuffer)
}

func TestSessionIndexSaveAndLookup(t *testing.T) {
	t.Parallel()
	_, rdb := newTestRedis(t)
	store := newTestStore(rdb, 100)
	ctx := context.Background()

	connID := uuid.New()
	userID := uuid.New()
	sid := "test-session-1"

	entry := SessionIndexEntry{
		ConnID:  connID.String(),
		UserID:  userID.String(),
		Intents: IntentGuilds | IntentGuildMessages,
		LastSeq: 42,
	}
	if err := store.SaveIndex(ctx, sid, entry); err != nil {
		t.Fatalf("SaveIndex() error = %v", err)
	}

	loaded, err := store.LookupIndex(ctx, sid)
	if err != nil {
		t.Fatalf("LookupIndex() error = %v", err)
	}
	if loaded.UserID != userID.String() {
		t.Errorf("UserID = %q, want %q", loaded.UserID, userID)
	}
	if loaded.Intents != entry.Intents {
		t.Errorf("Intents = %d, want %d", loaded.Intents, entry.Intents)
	}
	if loaded.LastSeq != 42 {
		t.Errorf("LastSeq = %d, want 42", loaded.LastSeq)
	}
}

func TestSessionIndexNotFound(t *testing.T) {
	t.Parallel()
	_, rdb := newTestRedis(t)
	store := newTestStore(rdb, 100)

	_, err := store.LookupIndex(context.Background(), "nonexistent")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("LookupIndex() error = %v, want ErrSessionNotFound", err)
	}
}

func TestSessionIndexExpiresWithResumeWindow(t *testing.T) {
	t.Parallel()
	mr, rdb := newTestRedis(t)
	store := newTestStore(rdb, 100)
	ctx := context.Background()

	sid := "expiring-session"
	if err := store.SaveIndex(ctx, sid, SessionIndexEntry{UserID: uuid.New().String(), LastSeq: 1}); err != nil {
		t.Fatalf("SaveIndex() error = %v", err)
	}

	mr.FastForward(4 * time.Minute)

	_, err := store.LookupIndex(ctx, sid)
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("LookupIndex() after expiry error = %v, want ErrSessionNotFound", err)
	}
}

func TestResumeBufferAppendAndRead(t *testing.T) {
	t.Parallel()
	_, rdb := newTestRedis(t)
	store := newTestStore(rdb, 100)
	ctx := context.Background()

	sid := "replay-session"
	for i := int64(1); i <= 5; i++ {
		payload := json.RawMessage(fmt.Sprintf(`{"s":%d}`, i))
		if err := store.AppendResumeEvent(ctx, sid, i, payload); err != nil {
			t.Fatalf("AppendResumeEvent(seq=%d) error = %v", i, err)
		}
	}

	entries, err := store.ReadResumeBuffer(ctx, sid)
	if err != nil {
		t.Fatalf("ReadResumeBuffer() error = %v", err)
	}
	if len(entries) != 5 {
		t.Fatalf("ReadResumeBuffer() returned %d entries, want 5", len(entries))
	}
	for i, e := range entries {
		if e.Seq != int64(i+1) {
			t.Errorf("entries[%d].Seq = %d, want %d", i, e.Seq, i+1)
		}
	}

	// Reading after seq 3 should return entries 4 and 5.
	missed, err := store.ReadResumeAfter(ctx, sid, 3)
	if err != nil {
		t.Fatalf("ReadResumeAfter() error = %v", err)
	}
	if len(missed) != 2 {
		t.Fatalf("ReadResumeAfter() returned %d entries, want 2", len(missed))
	}
	if missed[0].Seq != 4 || missed[1].Seq != 5 {
		t.Errorf("missed seqs = %d, %d, want 4, 5", missed[0].Seq, missed[1].Seq)
	}
}

func TestResumeBufferCap(t *testing.T) {
	t.Parallel()
	_, rdb := newTestRedis(t)
	store := newTestStore(rdb, 3)
	ctx := context.Background()

	sid := "capped-replay"
	for i := int64(1); i <= 10; i++ {
		if err := store.AppendResumeEvent(ctx, sid, i, json.RawMessage(`{}`)); err != nil {
			t.Fatalf("AppendResumeEvent(seq=%d) error = %v", i, err)
		}
	}

	// Only the last 3 entries (8, 9, 10) should remain.
	entries, err := store.ReadResumeBuffer(ctx, sid)
	if err != nil {
		t.Fatalf("ReadResumeBuffer() error = %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("ReadResumeBuffer() returned %d entries, want 3", len(entries))
	}
	if entries[0].Seq != 8 {
		t.Errorf("oldest retained Seq = %d, want 8", entries[0].Seq)
	}
}

func TestResumeBufferEmpty(t *testing.T) {
	t.Parallel()
	_, rdb := newTestRedis(t)
	store := newTestStore(rdb, 100)

	entries, err := store.ReadResumeBuffer(context.Background(), "no-such-session")
	if err != nil {
		t.Fatalf("ReadResumeBuffer() error = %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("ReadResumeBuffer() returned %d entries, want 0", len(entries))
	}
}

func TestClearResumeBuffer(t *testing.T) {
	t.Parallel()
	_, rdb := newTestRedis(t)
	store := newTestStore(rdb, 100)
	ctx := context.Background()

	sid := "clear-me"
	for i := int64(1); i <= 3; i++ {
		if err := store.AppendResumeEvent(ctx, sid, i, json.RawMessage(`{}`)); err != nil {
			t.Fatalf("AppendResumeEvent() error = %v", err)
		}
	}

	if err := store.ClearResumeBuffer(ctx, sid); err != nil {
		t.Fatalf("ClearResumeBuffer() error = %v", err)
	}

	entries, err := store.ReadResumeBuffer(ctx, sid)
	if err != nil {
		t.Fatalf("ReadResumeBuffer() error = %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("ReadResumeBuffer() after clear returned %d entries, want 0", len(entries))
	}
}

func TestDeleteSessionRemovesEverything(t *testing.T) {
	t.Parallel()
	_, rdb := newTestRedis(t)
	store := newTestStore(rdb, 100)
	ctx := context.Background()

	connID := uuid.New()
	sid := "delete-me"

	if err := store.SaveSession(ctx, connID, SessionDescriptor{SessionID: sid, UserID: uuid.New().String(), LastSeq: 5}); err != nil {
		t.Fatalf("SaveSession() error = %v", err)
	}
	if err := store.SaveIndex(ctx, sid, SessionIndexEntry{ConnID: connID.String(), LastSeq: 5}); err != nil {
		t.Fatalf("SaveIndex() error = %v", err)
	}
	if err := store.AppendResumeEvent(ctx, sid, 5, json.RawMessage(`{}`)); err != nil {
		t.Fatalf("AppendResumeEvent() error = %v", err)
	}

	if err := store.DeleteSession(ctx, connID, sid); err != nil {
		t.Fatalf("DeleteSession() error = %v", err)
	}

	if _, err := store.LookupIndex(ctx, sid); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("LookupIndex() after delete error = %v, want ErrSessionNotFound", err)
	}
	entries, err := store.ReadResumeBuffer(ctx, sid)
	if err != nil {
		t.Fatalf("ReadResumeBuffer() error = %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("resume buffer survived DeleteSession: %d entries", len(entries))
	}
}

func TestAppendResumeEventBreakerOpens(t *testing.T) {
	t.Parallel()
	mr, rdb := newTestRedis(t)
	store := newTestStore(rdb, 100)
	ctx := context.Background()

	// Kill the backend so every append fails until the breaker opens.
	mr.Close()

	var lastErr error
	for i := 0; i < 10; i++ {
		lastErr = store.AppendResumeEvent(ctx, "broken", int64(i+1), json.RawMessage(`{}`))
	}
	if !errors.Is(lastErr, ErrStoreUnavailable) {
		t.Errorf("AppendResumeEvent() after repeated failures error = %v, want ErrStoreUnavailable", lastErr)
	}
}

func TestBreakerRecloses(t *testing.T) {
	t.Parallel()
	b := newBreaker(3, 10*time.Second)
	now := time.Now()

	for i := 0; i < 3; i++ {
		if !b.allow(now) {
			t.Fatalf("allow() = false before threshold at failure %d", i)
		}
		b.failure(now)
	}
	if b.allow(now) {
		t.Error("allow() = true immediately after breaker opened")
	}
	if !b.allow(now.Add(11 * time.Second)) {
		t.Error("allow() = false after cooldown elapsed")
	}

	b.success()
	b.failure(now.Add(12 * time.Second))
	if !b.allow(now.Add(12 * time.Second)) {
		t.Error("allow() = false after a single failure below threshold")
	}
}
