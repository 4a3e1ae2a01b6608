package gateway

import (
	"encoding/json"

	"github.com/uncord-chat/uncord-gateway/internal/member"
	"github.com/uncord-chat/uncord-gateway/internal/presence"
	"github.com/uncord-chat/uncord-gateway/internal/user"
)

// HelloData is the payload of the Hello frame sent immediately after accept.
type HelloData struct {
	HeartbeatInterval int `json:"heartbeat_interval"`
}

// IdentifyData is the payload of an op 2 Identify.
type IdentifyData struct {
	Token      string            `json:"token"`
	Intents    uint32            `json:"intents"`
	Properties map[string]string `json:"properties,omitempty"`
}

// ResumeData is the payload of an op 6 Resume.
type ResumeData struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       int64  `json:"seq"`
}

// PresenceUpdateData is the payload of an op 3 presence update. CustomStatus accepts a plain string on the wire and
// normalises it to {text}.
type PresenceUpdateData struct {
	Status       string                 `json:"status"`
	CustomStatus *presence.CustomStatus `json:"custom_status,omitempty"`
	Activities   []json.RawMessage      `json:"activities,omitempty"`
}

// VoiceStateUpdateData is the payload of an op 4 voice state update. A nil ChannelID means the user is leaving voice.
type VoiceStateUpdateData struct {
	GuildID   string  `json:"guild_id"`
	ChannelID *string `json:"channel_id"`
	SelfMute  bool    `json:"self_mute"`
	SelfDeaf  bool    `json:"self_deaf"`
}

// RequestGuildMembersData is the payload of an op 8 member request. Exactly one of UserIDs or Query is normally set;
// when both are empty the whole guild is paginated.
type RequestGuildMembersData struct {
	GuildID   string   `json:"guild_id"`
	UserIDs   []string `json:"user_ids,omitempty"`
	Query     string   `json:"query,omitempty"`
	Limit     int      `json:"limit,omitempty"`
	Presences bool     `json:"presences,omitempty"`
	Nonce     string   `json:"nonce,omitempty"`
}

// ReadyData is the initial state snapshot dispatched after a successful Identify.
type ReadyData struct {
	SessionID       string              `json:"session_id"`
	User            user.User           `json:"user"`
	Guilds          []user.Guild        `json:"guilds"`
	ReadStates      []user.ReadState    `json:"read_states"`
	Relationships   []user.Relationship `json:"relationships"`
	PrivateChannels []user.DMChannel    `json:"private_channels"`
}

// GuildMembersChunkData is one chunk of a REQUEST_GUILD_MEMBERS response.
type GuildMembersChunkData struct {
	GuildID    string            `json:"guild_id"`
	Members    []member.Model    `json:"members"`
	Presences  []presence.Record `json:"presences,omitempty"`
	ChunkIndex int               `json:"chunk_index"`
	ChunkCount int               `json:"chunk_count"`
	Nonce      string            `json:"nonce,omitempty"`
}

// VoiceStateData is the guild-scoped VOICE_STATE_UPDATE dispatch body.
type VoiceStateData struct {
	GuildID   string  `json:"guild_id"`
	ChannelID *string `json:"channel_id"`
	UserID    string  `json:"user_id"`
	SessionID string  `json:"session_id"`
	SelfMute  bool    `json:"self_mute"`
	SelfDeaf  bool    `json:"self_deaf"`
}

// PresenceEventData is the guild-scoped PRESENCE_UPDATE dispatch body.
type PresenceEventData struct {
	UserID       string                 `json:"user_id"`
	GuildID      string                 `json:"guild_id"`
	Status       string                 `json:"status"`
	CustomStatus *presence.CustomStatus `json:"custom_status,omitempty"`
	Activities   []json.RawMessage      `json:"activities,omitempty"`
}

// SessionInvalidateData is the body of the reserved SESSION_INVALIDATE bus event. ExceptSessionID optionally spares
// one of the user's sessions, typically the one that triggered the invalidation.
type SessionInvalidateData struct {
	ExceptSessionID string `json:"except_session_id,omitempty"`
}
