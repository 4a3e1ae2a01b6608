// Package member provides the guild-member fetchers behind REQUEST_GUILD_MEMBERS: lookup by explicit ids, by
// username-prefix query, and paginated listing of a whole guild.
package member

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no member matches the query.
var ErrNotFound = errors.New("member not found")

// Member is one guild membership row joined with the member's user profile and role ids.
type Member struct {
	GuildID     uuid.UUID
	UserID      uuid.UUID
	Username    string
	DisplayName *string
	AvatarID    *string
	Nickname    *string
	JoinedAt    time.Time
	RoleIDs     []uuid.UUID
}

// Model is the wire shape of a member inside a GUILD_MEMBERS_CHUNK dispatch. Timestamps are ISO-8601 strings.
type Model struct {
	User   UserModel   `json:"user"`
	Member MemberModel `json:"member"`
	Roles  []string    `json:"roles"`
}

// UserModel is the user portion of a member row on the wire.
type UserModel struct {
	ID          string  `json:"id"`
	Username    string  `json:"username"`
	DisplayName *string `json:"display_name,omitempty"`
	AvatarID    *string `json:"avatar_id,omitempty"`
}

// MemberModel is the guild-scoped portion of a member row on the wire.
type MemberModel struct {
	Nickname *string `json:"nickname,omitempty"`
	JoinedAt string  `json:"joined_at"`
}

// ToModel converts a member row to its wire shape.
func (m *Member) ToModel() Model {
	roles := make([]string, len(m.RoleIDs))
	for i, id := range m.RoleIDs {
		roles[i] = id.String()
	}
	return Model{
		User: UserModel{
			ID:          m.UserID.String(),
			Username:    m.Username,
			DisplayName: m.DisplayName,
			AvatarID:    m.AvatarID,
		},
		Member: MemberModel{
			Nickname: m.Nickname,
			JoinedAt: m.JoinedAt.UTC().Format(time.RFC3339),
		},
		Roles: roles,
	}
}
