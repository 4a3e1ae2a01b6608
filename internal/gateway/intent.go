package gateway

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Intent bits declared at Identify. The mask gates which event families reach a session. Bit positions are part of
// the wire protocol.
const (
	IntentGuilds             uint32 = 1 << 0
	IntentGuildMembers       uint32 = 1 << 1
	IntentGuildModeration    uint32 = 1 << 2
	IntentGuildVoiceStates   uint32 = 1 << 7
	IntentGuildPresences     uint32 = 1 << 8
	IntentGuildMessages      uint32 = 1 << 9
	IntentGuildMessageTyping uint32 = 1 << 11
	IntentDirectMessages     uint32 = 1 << 12
	IntentMessageContent     uint32 = 1 << 15
)

// PrivilegedIntents must be enabled for the identifying application before they take effect. Requested privileged
// bits outside the allowed mask are silently cleared at Identify.
const PrivilegedIntents = IntentGuildMembers | IntentGuildPresences | IntentMessageContent

// messageEventPrefix marks the message family for content redaction.
const messageEventPrefix = "MESSAGE_"

// requiredIntents maps each routed event type to the intent bit a subscriber must hold to receive it. Events absent
// from the table (READY, RESUMED, GUILD_MEMBERS_CHUNK, VOICE_SERVER_UPDATE) require no intent.
var requiredIntents = map[DispatchEvent]uint32{
	EventGuildCreate:       IntentGuilds,
	EventGuildUpdate:       IntentGuilds,
	EventGuildDelete:       IntentGuilds,
	EventGuildRoleCreate:   IntentGuilds,
	EventGuildRoleUpdate:   IntentGuilds,
	EventGuildRoleDelete:   IntentGuilds,
	EventChannelCreate:     IntentGuilds,
	EventChannelUpdate:     IntentGuilds,
	EventChannelDelete:     IntentGuilds,
	EventGuildMemberAdd:    IntentGuildMembers,
	EventGuildMemberUpdate: IntentGuildMembers,
	EventGuildMemberRemove: IntentGuildMembers,
	EventGuildBanAdd:       IntentGuildModeration,
	EventGuildBanRemove:    IntentGuildModeration,
	EventMessageCreate:     IntentGuildMessages,
	EventMessageUpdate:     IntentGuildMessages,
	EventMessageDelete:     IntentGuildMessages,
	EventMessageDeleteBulk: IntentGuildMessages,
	EventTypingStart:       IntentGuildMessageTyping,
	EventPresenceUpdate:    IntentGuildPresences,
	EventVoiceStateUpdate:  IntentGuildVoiceStates,
}

// RequiredIntent returns the intent bit required to receive the given event, or ok=false when the event is not
// intent-gated.
func RequiredIntent(eventType DispatchEvent) (uint32, bool) {
	bit, ok := requiredIntents[eventType]
	return bit, ok
}

// ApplyPrivilegedMask clears requested privileged bits that are not in the allowed mask. Reserved (unknown) bits pass
// through untouched; they are stored on the session but never enable routing.
func ApplyPrivilegedMask(requested, allowed uint32) uint32 {
	return requested &^ (PrivilegedIntents &^ allowed)
}

// messageScan is the subset of a message payload examined when deciding whether to redact.
type messageScan struct {
	AuthorID string   `json:"author_id"`
	Mentions []string `json:"mentions"`
}

// NeedsRedaction reports whether a message-family event must have its content-bearing fields blanked before delivery
// to a subscriber: the subscriber lacks MESSAGE_CONTENT and is neither the author nor mentioned.
func NeedsRedaction(eventType DispatchEvent, intents uint32, subscriberID string, data json.RawMessage) bool {
	if !strings.HasPrefix(string(eventType), messageEventPrefix) {
		return false
	}
	if intents&IntentMessageContent != 0 {
		return false
	}

	var scan messageScan
	if err := json.Unmarshal(data, &scan); err != nil {
		// Unparseable payloads are redacted rather than leaked.
		return true
	}
	if scan.AuthorID == subscriberID {
		return false
	}
	for _, m := range scan.Mentions {
		if m == subscriberID {
			return false
		}
	}
	return true
}

// emptied content-bearing fields, pre-marshalled once.
var (
	emptyString = json.RawMessage(`""`)
	emptyArray  = json.RawMessage(`[]`)
)

// RedactContent returns a copy of the payload with content, embeds, attachments, and components replaced by empty
// values. All other fields are preserved byte-for-byte; the input is never mutated.
func RedactContent(data json.RawMessage) (json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("decode payload for redaction: %w", err)
	}

	fields["content"] = emptyString
	for _, key := range []string{"embeds", "attachments", "components"} {
		fields[key] = emptyArray
	}

	redacted, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encode redacted payload: %w", err)
	}
	return redacted, nil
}
