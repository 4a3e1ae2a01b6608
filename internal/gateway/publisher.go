package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Bus channel naming. Every gateway process subscribes to both patterns; producers publish to the concrete channel
// for the guild or user the event concerns. Delivery is at-most-once; the resume buffer covers per-connection gaps
// but a process that misses a publish entirely relies on clients reconciling over the REST API.
const (
	guildChannelPrefix  = "gateway:guild:"
	userChannelPrefix   = "gateway:user:"
	guildChannelPattern = guildChannelPrefix + "*"
	userChannelPattern  = userChannelPrefix + "*"

	// permInvalidateChannel carries role and permission change notices so every process can drop cached grants.
	permInvalidateChannel = "perm:invalidate"
)

// GuildChannel returns the bus channel for events scoped to one guild.
func GuildChannel(guildID uuid.UUID) string {
	return guildChannelPrefix + guildID.String()
}

// UserChannel returns the bus channel for events scoped to one user's sessions.
func UserChannel(userID uuid.UUID) string {
	return userChannelPrefix + userID.String()
}

// envelope is the wire format of a bus message.
type envelope struct {
	Event DispatchEvent   `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Publisher publishes dispatch events to the cross-process bus.
type Publisher struct {
	rdb *redis.Client
}

// NewPublisher creates a bus publisher.
func NewPublisher(rdb *redis.Client) *Publisher {
	return &Publisher{rdb: rdb}
}

// PublishGuild publishes an event on the given guild's channel.
func (p *Publisher) PublishGuild(ctx context.Context, guildID uuid.UUID, eventType DispatchEvent, data any) error {
	return p.publish(ctx, GuildChannel(guildID), eventType, data)
}

// PublishUser publishes an event on the given user's channel, reaching all of that user's sessions on every process.
func (p *Publisher) PublishUser(ctx context.Context, userID uuid.UUID, eventType DispatchEvent, data any) error {
	return p.publish(ctx, UserChannel(userID), eventType, data)
}

func (p *Publisher) publish(ctx context.Context, channel string, eventType DispatchEvent, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}

	payload, err := json.Marshal(envelope{Event: eventType, Data: raw})
	if err != nil {
		return fmt.Errorf("marshal event envelope: %w", err)
	}

	if err := p.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s to %s: %w", eventType, channel, err)
	}
	return nil
}
