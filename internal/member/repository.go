package member

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository fetches guild members for REQUEST_GUILD_MEMBERS.
type Repository interface {
	// ListByIDs returns the members of the guild whose user ids are in the given set. Missing ids are skipped.
	ListByIDs(ctx context.Context, guildID uuid.UUID, userIDs []uuid.UUID) ([]Member, error)
	// SearchByPrefix returns members whose username or nickname starts with the given prefix, up to limit.
	SearchByPrefix(ctx context.Context, guildID uuid.UUID, prefix string, limit int) ([]Member, error)
	// ListPage returns members ordered by (joined_at, user_id) using keyset pagination; after is the user id of the
	// last row on the previous page, or nil for the first page.
	ListPage(ctx context.Context, guildID uuid.UUID, after *uuid.UUID, limit int) ([]Member, error)
}

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db *pgxpool.Pool
}

// NewPGRepository creates a new PostgreSQL-backed member repository.
func NewPGRepository(db *pgxpool.Pool) *PGRepository {
	return &PGRepository{db: db}
}

// memberQuery is the shared SELECT used by all fetchers. It joins guild_members with users and aggregates role ids
// from member_roles.
const memberQuery = `SELECT gm.guild_id, gm.user_id, u.username, u.display_name, u.avatar_key,
       gm.nickname, gm.joined_at,
       COALESCE(array_agg(mr.role_id) FILTER (WHERE mr.role_id IS NOT NULL), '{}') AS role_ids
FROM guild_members gm
JOIN users u ON u.id = gm.user_id
LEFT JOIN member_roles mr ON mr.guild_id = gm.guild_id AND mr.user_id = gm.user_id
WHERE gm.guild_id = $1`

const memberGroupBy = `
GROUP BY gm.guild_id, gm.user_id, u.username, u.display_name, u.avatar_key, gm.nickname, gm.joined_at`

// ListByIDs returns the guild's members matching the given user ids.
func (r *PGRepository) ListByIDs(ctx context.Context, guildID uuid.UUID, userIDs []uuid.UUID) ([]Member, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	rows, err := r.db.Query(ctx,
		memberQuery+` AND gm.user_id = ANY($2)`+memberGroupBy+`
ORDER BY gm.joined_at, gm.user_id`, guildID, userIDs)
	if err != nil {
		return nil, fmt.Errorf("query members by ids: %w", err)
	}
	return collectMembers(rows)
}

// SearchByPrefix returns members whose username or nickname matches the prefix, case-insensitively.
func (r *PGRepository) SearchByPrefix(ctx context.Context, guildID uuid.UUID, prefix string, limit int) ([]Member, error) {
	rows, err := r.db.Query(ctx,
		memberQuery+` AND (u.username ILIKE $2 || '%' OR gm.nickname ILIKE $2 || '%')`+memberGroupBy+`
ORDER BY u.username
LIMIT $3`, guildID, prefix, limit)
	if err != nil {
		return nil, fmt.Errorf("query members by prefix: %w", err)
	}
	return collectMembers(rows)
}

// ListPage returns one page of the guild's full member list.
func (r *PGRepository) ListPage(ctx context.Context, guildID uuid.UUID, after *uuid.UUID, limit int) ([]Member, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if after == nil {
		rows, err = r.db.Query(ctx,
			memberQuery+memberGroupBy+`
ORDER BY gm.joined_at, gm.user_id
LIMIT $2`, guildID, limit)
	} else {
		rows, err = r.db.Query(ctx,
			memberQuery+` AND (gm.joined_at, gm.user_id) > (
      SELECT gm2.joined_at, gm2.user_id FROM guild_members gm2
      WHERE gm2.guild_id = $1 AND gm2.user_id = $2
  )`+memberGroupBy+`
ORDER BY gm.joined_at, gm.user_id
LIMIT $3`, guildID, *after, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("query member page: %w", err)
	}
	return collectMembers(rows)
}

func collectMembers(rows pgx.Rows) ([]Member, error) {
	defer rows.Close()

	var members []Member
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.GuildID, &m.UserID, &m.Username, &m.DisplayName, &m.AvatarID,
			&m.Nickname, &m.JoinedAt, &m.RoleIDs); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate members: %w", err)
	}
	return members, nil
}
