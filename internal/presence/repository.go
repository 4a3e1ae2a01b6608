package presence

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Persister writes the durable shadow of presence state. The Valkey record is authoritative while a session is live;
// these writes exist so the REST surface can show last-known status and activities after the TTL lapses.
type Persister interface {
	UpdatePresence(ctx context.Context, userID uuid.UUID, status string, customStatus *CustomStatus) error
	UpsertActivities(ctx context.Context, userID uuid.UUID, activities []json.RawMessage) error
	DeleteActivities(ctx context.Context, userID uuid.UUID) error
}

// PGPersister implements Persister using PostgreSQL.
type PGPersister struct {
	db *pgxpool.Pool
}

// NewPGPersister creates a new PostgreSQL-backed presence persister.
func NewPGPersister(db *pgxpool.Pool) *PGPersister {
	return &PGPersister{db: db}
}

// UpdatePresence upserts the user's status and custom status text.
func (p *PGPersister) UpdatePresence(ctx context.Context, userID uuid.UUID, status string, customStatus *CustomStatus) error {
	var text *string
	if customStatus != nil {
		text = &customStatus.Text
	}
	_, err := p.db.Exec(ctx, `
INSERT INTO user_presence (user_id, status, custom_status, updated_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (user_id) DO UPDATE SET status = $2, custom_status = $3, updated_at = now()`,
		userID, status, text)
	if err != nil {
		return fmt.Errorf("update presence for %s: %w", userID, err)
	}
	return nil
}

// UpsertActivities replaces the user's activity list with the given set.
func (p *PGPersister) UpsertActivities(ctx context.Context, userID uuid.UUID, activities []json.RawMessage) error {
	data, err := json.Marshal(activities)
	if err != nil {
		return fmt.Errorf("marshal activities for %s: %w", userID, err)
	}
	_, err = p.db.Exec(ctx, `
INSERT INTO user_activities (user_id, activities, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (user_id) DO UPDATE SET activities = $2, updated_at = now()`,
		userID, data)
	if err != nil {
		return fmt.Errorf("upsert activities for %s: %w", userID, err)
	}
	return nil
}

// DeleteActivities clears the user's activity list.
func (p *PGPersister) DeleteActivities(ctx context.Context, userID uuid.UUID) error {
	if _, err := p.db.Exec(ctx, "DELETE FROM user_activities WHERE user_id = $1", userID); err != nil {
		return fmt.Errorf("delete activities for %s: %w", userID, err)
	}
	return nil
}
