// Package presence provides ephemeral per-user presence records backed by Valkey. Records carry a TTL and are
// refreshed by each gateway heartbeat, so a user whose client stops heartbeating fades to offline without any
// explicit cleanup job.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// recordTTL is the lifetime of a presence key. Heartbeats refresh this TTL so keys expire only when the client
	// stops sending heartbeats.
	recordTTL = 120 * time.Second

	// StatusOnline indicates the user is actively connected.
	StatusOnline = "online"
	// StatusIdle indicates the user is connected but inactive.
	StatusIdle = "idle"
	// StatusDND indicates the user does not want to be disturbed.
	StatusDND = "dnd"
	// StatusInvisible makes the user appear offline to others while remaining connected.
	StatusInvisible = "invisible"
	// StatusOffline is the implicit status when no presence key exists. It is never stored in Valkey.
	StatusOffline = "offline"
)

// CustomStatus is a user-set status message. Clients may send it either as a plain string or as an object; the plain
// form is normalised to {text} on decode so only one shape ever reaches storage or the bus.
type CustomStatus struct {
	Text string `json:"text"`
}

// UnmarshalJSON accepts both "hello" and {"text":"hello"}.
func (c *CustomStatus) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &c.Text)
	}
	type alias CustomStatus
	return json.Unmarshal(data, (*alias)(c))
}

// Record is the stored presence snapshot for one user. Multiple gateway processes may write the same key;
// last-write-wins is acceptable because the value is a snapshot with a bounded TTL.
type Record struct {
	UserID       string            `json:"user_id"`
	Status       string            `json:"status"`
	CustomStatus *CustomStatus     `json:"custom_status,omitempty"`
	Activities   []json.RawMessage `json:"activities,omitempty"`
	LastSeen     int64             `json:"last_seen"`
}

// Store reads and writes presence records in Valkey.
type Store struct {
	rdb *redis.Client
}

// NewStore creates a new presence store backed by the given Valkey client.
func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// Set stores the user's presence record with the standard TTL. LastSeen is stamped here so callers never have to.
func (s *Store) Set(ctx context.Context, userID uuid.UUID, rec Record) error {
	rec.UserID = userID.String()
	rec.LastSeen = time.Now().Unix()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal presence for %s: %w", userID, err)
	}
	if err := s.rdb.Set(ctx, recordKey(userID), data, recordTTL).Err(); err != nil {
		return fmt.Errorf("set presence for %s: %w", userID, err)
	}
	return nil
}

// Get returns the user's current presence record. If the key does not exist the user is considered offline.
func (s *Store) Get(ctx context.Context, userID uuid.UUID) (*Record, error) {
	raw, err := s.rdb.Get(ctx, recordKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return &Record{UserID: userID.String(), Status: StatusOffline}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get presence for %s: %w", userID, err)
	}

	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal presence for %s: %w", userID, err)
	}
	return &rec, nil
}

// GetMany returns the visible presence records for each user. Invisible users are excluded so they appear offline to
// others; offline users are simply absent. The returned slice may be shorter than the input.
func (s *Store) GetMany(ctx context.Context, userIDs []uuid.UUID) ([]Record, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}

	keys := make([]string, len(userIDs))
	for i, id := range userIDs {
		keys[i] = recordKey(id)
	}

	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget presence: %w", err)
	}

	result := make([]Record, 0, len(userIDs))
	for _, v := range vals {
		if v == nil {
			continue
		}
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil || rec.Status == StatusInvisible {
			continue
		}
		result = append(result, rec)
	}
	return result, nil
}

// Refresh extends the TTL of an existing presence key without changing the stored record.
func (s *Store) Refresh(ctx context.Context, userID uuid.UUID) error {
	if err := s.rdb.Expire(ctx, recordKey(userID), recordTTL).Err(); err != nil {
		return fmt.Errorf("refresh presence for %s: %w", userID, err)
	}
	return nil
}

// Delete removes the user's presence key. After deletion the user is considered offline.
func (s *Store) Delete(ctx context.Context, userID uuid.UUID) error {
	if err := s.rdb.Del(ctx, recordKey(userID)).Err(); err != nil {
		return fmt.Errorf("delete presence for %s: %w", userID, err)
	}
	return nil
}

// ValidStatus returns true for statuses a client may set via opcode 3. StatusOffline is not valid because clients go
// offline by disconnecting (or set StatusInvisible to appear offline while staying connected).
func ValidStatus(status string) bool {
	switch status {
	case StatusOnline, StatusIdle, StatusDND, StatusInvisible:
		return true
	default:
		return false
	}
}

func recordKey(userID uuid.UUID) string {
	return "presence:" + userID.String()
}
