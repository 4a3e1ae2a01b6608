// Package user provides the read-side snapshot loaders the gateway needs to assemble a READY payload: the user
// record, guild memberships, read states, relationships, and DM channels. All writes happen in the REST service;
// this package only queries.
package user

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no user exists for the given id.
var ErrNotFound = errors.New("user not found")

// User is the public snapshot of an account.
type User struct {
	ID          uuid.UUID `json:"id"`
	Username    string    `json:"username"`
	DisplayName *string   `json:"display_name,omitempty"`
	AvatarID    *string   `json:"avatar_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Guild is the membership snapshot included in READY and used to join guild rooms.
type Guild struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	OwnerID     uuid.UUID `json:"owner_id"`
	IconID      *string   `json:"icon_id,omitempty"`
	MemberCount int       `json:"member_count"`
}

// ReadState tracks how far the user has read one channel.
type ReadState struct {
	ChannelID     uuid.UUID  `json:"channel_id"`
	LastMessageID *uuid.UUID `json:"last_message_id,omitempty"`
	MentionCount  int        `json:"mention_count"`
}

// Relationship is a friend/block edge from the user's perspective.
type Relationship struct {
	UserID uuid.UUID `json:"user_id"`
	Type   string    `json:"type"`
}

// DMChannel is a direct-message channel the user participates in.
type DMChannel struct {
	ID            uuid.UUID   `json:"id"`
	RecipientIDs  []uuid.UUID `json:"recipient_ids"`
	LastMessageID *uuid.UUID  `json:"last_message_id,omitempty"`
}

// SnapshotRepository loads the per-user state resolved at IDENTIFY and RESUME.
type SnapshotRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*User, error)
	GetUserGuilds(ctx context.Context, id uuid.UUID) ([]Guild, error)
	GetReadStates(ctx context.Context, id uuid.UUID) ([]ReadState, error)
	GetRelationships(ctx context.Context, id uuid.UUID) ([]Relationship, error)
	GetUserDMChannels(ctx context.Context, id uuid.UUID) ([]DMChannel, error)
}
