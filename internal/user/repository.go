package user

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGRepository implements SnapshotRepository using PostgreSQL.
type PGRepository struct {
	db *pgxpool.Pool
}

// NewPGRepository creates a new PostgreSQL-backed snapshot repository.
func NewPGRepository(db *pgxpool.Pool) *PGRepository {
	return &PGRepository{db: db}
}

// GetByID returns a single user by id.
func (r *PGRepository) GetByID(ctx context.Context, id uuid.UUID) (*User, error) {
	var u User
	err := r.db.QueryRow(ctx,
		"SELECT id, username, display_name, avatar_key, created_at FROM users WHERE id = $1", id).
		Scan(&u.ID, &u.Username, &u.DisplayName, &u.AvatarID, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query user by id: %w", err)
	}
	return &u, nil
}

// GetUserGuilds returns the guilds the user is an active member of.
func (r *PGRepository) GetUserGuilds(ctx context.Context, id uuid.UUID) ([]Guild, error) {
	rows, err := r.db.Query(ctx, `
SELECT g.id, g.name, g.owner_id, g.icon_key,
       (SELECT count(*) FROM guild_members gm2 WHERE gm2.guild_id = g.id) AS member_count
FROM guilds g
JOIN guild_members gm ON gm.guild_id = g.id
WHERE gm.user_id = $1
ORDER BY g.id`, id)
	if err != nil {
		return nil, fmt.Errorf("query user guilds: %w", err)
	}
	defer rows.Close()

	var guilds []Guild
	for rows.Next() {
		var g Guild
		if err := rows.Scan(&g.ID, &g.Name, &g.OwnerID, &g.IconID, &g.MemberCount); err != nil {
			return nil, fmt.Errorf("scan guild: %w", err)
		}
		guilds = append(guilds, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate guilds: %w", err)
	}
	return guilds, nil
}

// GetReadStates returns the user's per-channel read positions.
func (r *PGRepository) GetReadStates(ctx context.Context, id uuid.UUID) ([]ReadState, error) {
	rows, err := r.db.Query(ctx,
		"SELECT channel_id, last_message_id, mention_count FROM read_states WHERE user_id = $1", id)
	if err != nil {
		return nil, fmt.Errorf("query read states: %w", err)
	}
	defer rows.Close()

	var states []ReadState
	for rows.Next() {
		var rs ReadState
		if err := rows.Scan(&rs.ChannelID, &rs.LastMessageID, &rs.MentionCount); err != nil {
			return nil, fmt.Errorf("scan read state: %w", err)
		}
		states = append(states, rs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate read states: %w", err)
	}
	return states, nil
}

// GetRelationships returns the user's friend and block edges.
func (r *PGRepository) GetRelationships(ctx context.Context, id uuid.UUID) ([]Relationship, error) {
	rows, err := r.db.Query(ctx,
		"SELECT other_user_id, type FROM relationships WHERE user_id = $1", id)
	if err != nil {
		return nil, fmt.Errorf("query relationships: %w", err)
	}
	defer rows.Close()

	var rels []Relationship
	for rows.Next() {
		var rel Relationship
		if err := rows.Scan(&rel.UserID, &rel.Type); err != nil {
			return nil, fmt.Errorf("scan relationship: %w", err)
		}
		rels = append(rels, rel)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate relationships: %w", err)
	}
	return rels, nil
}

// GetUserDMChannels returns the DM channels the user participates in, with all recipient ids aggregated per channel.
func (r *PGRepository) GetUserDMChannels(ctx context.Context, id uuid.UUID) ([]DMChannel, error) {
	rows, err := r.db.Query(ctx, `
SELECT c.id, array_agg(dr.user_id), c.last_message_id
FROM dm_channels c
JOIN dm_recipients dr ON dr.channel_id = c.id
WHERE c.id IN (SELECT channel_id FROM dm_recipients WHERE user_id = $1)
GROUP BY c.id, c.last_message_id
ORDER BY c.id`, id)
	if err != nil {
		return nil, fmt.Errorf("query dm channels: %w", err)
	}
	defer rows.Close()

	var channels []DMChannel
	for rows.Next() {
		var ch DMChannel
		if err := rows.Scan(&ch.ID, &ch.RecipientIDs, &ch.LastMessageID); err != nil {
			return nil, fmt.Errorf("scan dm channel: %w", err)
		}
		channels = append(channels, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dm channels: %w", err)
	}
	return channels, nil
}
