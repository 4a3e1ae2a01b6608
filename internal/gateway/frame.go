package gateway

import (
	"encoding/json"
	"fmt"
)

// Gateway opcodes. The values are part of the wire protocol and must never be renumbered.
const (
	OpcodeDispatch            = 0  // S→C
	OpcodeHeartbeat           = 1  // C→S
	OpcodeIdentify            = 2  // C→S
	OpcodePresenceUpdate      = 3  // C→S
	OpcodeVoiceStateUpdate    = 4  // C→S
	OpcodeResume              = 6  // C→S
	OpcodeReconnect           = 7  // S→C
	OpcodeRequestGuildMembers = 8  // C→S
	OpcodeInvalidSession      = 9  // S→C
	OpcodeHello               = 10 // S→C
	OpcodeHeartbeatACK        = 11 // S→C
)

// DispatchEvent names the event type carried in the t field of a dispatch frame.
type DispatchEvent string

// Dispatch event types emitted by the gateway or received from the cross-process bus.
const (
	EventReady             DispatchEvent = "READY"
	EventResumed           DispatchEvent = "RESUMED"
	EventGuildCreate       DispatchEvent = "GUILD_CREATE"
	EventGuildUpdate       DispatchEvent = "GUILD_UPDATE"
	EventGuildDelete       DispatchEvent = "GUILD_DELETE"
	EventGuildRoleCreate   DispatchEvent = "GUILD_ROLE_CREATE"
	EventGuildRoleUpdate   DispatchEvent = "GUILD_ROLE_UPDATE"
	EventGuildRoleDelete   DispatchEvent = "GUILD_ROLE_DELETE"
	EventChannelCreate     DispatchEvent = "CHANNEL_CREATE"
	EventChannelUpdate     DispatchEvent = "CHANNEL_UPDATE"
	EventChannelDelete     DispatchEvent = "CHANNEL_DELETE"
	EventGuildMemberAdd    DispatchEvent = "GUILD_MEMBER_ADD"
	EventGuildMemberUpdate DispatchEvent = "GUILD_MEMBER_UPDATE"
	EventGuildMemberRemove DispatchEvent = "GUILD_MEMBER_REMOVE"
	EventGuildBanAdd       DispatchEvent = "GUILD_BAN_ADD"
	EventGuildBanRemove    DispatchEvent = "GUILD_BAN_REMOVE"
	EventGuildMembersChunk DispatchEvent = "GUILD_MEMBERS_CHUNK"
	EventMessageCreate     DispatchEvent = "MESSAGE_CREATE"
	EventMessageUpdate     DispatchEvent = "MESSAGE_UPDATE"
	EventMessageDelete     DispatchEvent = "MESSAGE_DELETE"
	EventMessageDeleteBulk DispatchEvent = "MESSAGE_DELETE_BULK"
	EventTypingStart       DispatchEvent = "TYPING_START"
	EventPresenceUpdate    DispatchEvent = "PRESENCE_UPDATE"
	EventVoiceStateUpdate  DispatchEvent = "VOICE_STATE_UPDATE"
	EventVoiceServerUpdate DispatchEvent = "VOICE_SERVER_UPDATE"

	// EventSessionInvalidate is reserved for the user-scoped bus channel. It is never dispatched to clients; the hub
	// intercepts it and disconnects the matching sessions with an InvalidSession frame instead.
	EventSessionInvalidate DispatchEvent = "SESSION_INVALIDATE"
)

// Frame is the envelope for every message exchanged over the gateway WebSocket. Seq and Type are present only on
// dispatch frames (op 0).
type Frame struct {
	Op   int             `json:"op"`
	Data json.RawMessage `json:"d,omitempty"`
	Seq  *int64          `json:"s,omitempty"`
	Type *DispatchEvent  `json:"t,omitempty"`
}

// NewHelloFrame returns a serialised Hello frame with the given heartbeat interval in milliseconds.
func NewHelloFrame(heartbeatIntervalMS int) ([]byte, error) {
	data, err := json.Marshal(HelloData{HeartbeatInterval: heartbeatIntervalMS})
	if err != nil {
		return nil, fmt.Errorf("marshal hello data: %w", err)
	}
	return json.Marshal(Frame{Op: OpcodeHello, Data: data})
}

// NewHeartbeatACKFrame returns a serialised HeartbeatACK frame.
func NewHeartbeatACKFrame() ([]byte, error) {
	return json.Marshal(Frame{Op: OpcodeHeartbeatACK})
}

// NewDispatchFrame returns a serialised Dispatch frame with the given sequence number, event type, and raw data
// payload.
func NewDispatchFrame(seq int64, eventType DispatchEvent, data json.RawMessage) ([]byte, error) {
	return json.Marshal(Frame{
		Op:   OpcodeDispatch,
		Seq:  &seq,
		Type: &eventType,
		Data: data,
	})
}

// NewReconnectFrame returns a serialised Reconnect frame advising the client to disconnect and resume against another
// process.
func NewReconnectFrame() ([]byte, error) {
	return json.Marshal(Frame{Op: OpcodeReconnect})
}

// NewInvalidSessionFrame returns a serialised InvalidSession frame. The resumable flag tells the client whether a
// RESUME against the same session id may still succeed or a fresh IDENTIFY is required.
func NewInvalidSessionFrame(resumable bool) ([]byte, error) {
	data, err := json.Marshal(resumable)
	if err != nil {
		return nil, fmt.Errorf("marshal invalid session data: %w", err)
	}
	return json.Marshal(Frame{Op: OpcodeInvalidSession, Data: data})
}
