package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/uncord-chat/uncord-gateway/internal/auth"
	"github.com/uncord-chat/uncord-gateway/internal/config"
	"github.com/uncord-chat/uncord-gateway/internal/member"
	"github.com/uncord-chat/uncord-gateway/internal/metrics"
	"github.com/uncord-chat/uncord-gateway/internal/presence"
	"github.com/uncord-chat/uncord-gateway/internal/user"
	"github.com/uncord-chat/uncord-gateway/internal/voice"
)

// memberChunkSize is the maximum number of members in one GUILD_MEMBERS_CHUNK dispatch.
const memberChunkSize = 1000

// memberSearchLimit caps prefix searches without an explicit limit.
const memberSearchLimit = 100

// voiceLocation is the channel a connection currently occupies, tracked so a leave (channel_id null) and a disconnect
// can release the right channel.
type voiceLocation struct {
	guildID   uuid.UUID
	channelID uuid.UUID
}

// Hub is the central WebSocket connection registry and event distributor. It manages client connections, subscribes
// to the guild and user bus channels via Valkey pub/sub, and fans events out to connected clients with intent
// filtering and message-content redaction.
type Hub struct {
	mu       sync.RWMutex
	clients  map[uuid.UUID]*Client
	voiceLoc map[uuid.UUID]voiceLocation

	rooms *RoomIndex

	rdb       *redis.Client
	cfg       *config.Config
	sessions  *SessionStore
	verifier  auth.TokenVerifier
	users     user.SnapshotRepository
	members   member.Repository
	presence  *presence.Store
	persister presence.Persister
	voice     voice.Service
	publisher *Publisher
	metrics   metrics.Counters
	log       zerolog.Logger
}

// NewHub creates a new gateway hub. The persister, voice service, and counters are optional.
func NewHub(
	rdb *redis.Client,
	cfg *config.Config,
	sessions *SessionStore,
	verifier auth.TokenVerifier,
	users user.SnapshotRepository,
	members member.Repository,
	presenceStore *presence.Store,
	persister presence.Persister,
	voiceSvc voice.Service,
	publisher *Publisher,
	counters metrics.Counters,
	logger zerolog.Logger,
) *Hub {
	if counters == nil {
		counters = metrics.Nop{}
	}
	return &Hub{
		clients:   make(map[uuid.UUID]*Client),
		voiceLoc:  make(map[uuid.UUID]voiceLocation),
		rooms:     NewRoomIndex(),
		rdb:       rdb,
		cfg:       cfg,
		sessions:  sessions,
		verifier:  verifier,
		users:     users,
		members:   members,
		presence:  presenceStore,
		persister: persister,
		voice:     voiceSvc,
		publisher: publisher,
		metrics:   counters,
		log:       logger.With().Str("component", "gateway").Logger(),
	}
}

// Run subscribes to the guild and user bus patterns plus the permission invalidation channel and dispatches incoming
// messages to connected clients. It blocks until the context is cancelled or the subscription fails.
func (h *Hub) Run(ctx context.Context) error {
	sub := h.rdb.PSubscribe(ctx, guildChannelPattern, userChannelPattern)
	defer func() { _ = sub.Close() }()

	if err := sub.Subscribe(ctx, permInvalidateChannel); err != nil {
		return fmt.Errorf("subscribe %s: %w", permInvalidateChannel, err)
	}

	h.log.Info().Msg("Gateway hub subscribed to bus channels")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			h.handleBusMessage(ctx, msg.Channel, msg.Payload)
		}
	}
}

// ServeWebSocket initialises a new client for an upgraded WebSocket connection. It sends the Hello frame and starts
// the client's pumps. The capacity check here backstops the pre-upgrade check in the HTTP layer.
func (h *Hub) ServeWebSocket(conn *websocket.Conn) {
	client := newClient(h, conn, h.log)

	h.mu.Lock()
	if len(h.clients) >= h.cfg.MaxConnections {
		h.mu.Unlock()
		msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "server at capacity")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}
	h.clients[client.id] = client
	h.mu.Unlock()
	h.metrics.ConnectionOpened()

	hello, err := NewHelloFrame(h.cfg.HeartbeatIntervalMS)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to build Hello frame")
		h.unregister(client)
		_ = conn.Close()
		return
	}

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, hello); err != nil {
		h.log.Debug().Err(err).Msg("Failed to send Hello frame")
		h.unregister(client)
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.pingLoop(h.cfg.PingInterval)
	client.readPump()
}

// unregister removes a client from the Hub and persists its session state so the client can resume on any process
// within the resume window.
func (h *Hub) unregister(client *Client) {
	h.mu.Lock()
	current, ok := h.clients[client.id]
	if !ok || current != client {
		h.mu.Unlock()
		return
	}
	delete(h.clients, client.id)
	loc, hadVoice := h.voiceLoc[client.id]
	delete(h.voiceLoc, client.id)
	h.mu.Unlock()

	// Leave the rooms before closing the send channel: a fan-out holding an older room snapshot may still enqueue,
	// which is safe, but no new snapshot may include this client once its channel is gone.
	sess := client.Session()
	var guildIDs []uuid.UUID
	if sess != nil {
		guildIDs = sess.GuildIDs()
		h.rooms.Remove(client, sess.UserID, guildIDs)
	}

	client.closeSend()
	h.metrics.ConnectionClosed()

	if sess == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := h.persistSession(ctx, client.id, sess); err != nil {
		h.log.Warn().Err(err).Str("session_id", sess.ID).Msg("Failed to persist session on disconnect")
	}

	if hadVoice {
		h.releaseVoice(ctx, sess, loc)
	}

	if h.presence != nil {
		go h.delayedOffline(sess.UserID, guildIDs)
	}

	h.log.Debug().Stringer("user_id", sess.UserID).Str("session_id", sess.ID).Msg("Client unregistered")
}

// persistSession writes the session descriptor and index entry to the shared store.
func (h *Hub) persistSession(ctx context.Context, connID uuid.UUID, sess *Session) error {
	lastSeq := sess.CurrentSeq()
	err := h.sessions.SaveSession(ctx, connID, SessionDescriptor{
		SessionID: sess.ID,
		UserID:    sess.UserID.String(),
		Intents:   sess.Intents,
		LastSeq:   lastSeq,
	})
	if err != nil {
		return err
	}
	return h.sessions.SaveIndex(ctx, sess.ID, SessionIndexEntry{
		ConnID:  connID.String(),
		UserID:  sess.UserID.String(),
		Intents: sess.Intents,
		LastSeq: lastSeq,
	})
}

// delayedOffline waits for the offline grace period and publishes an offline presence if the user has not
// reconnected on any session.
func (h *Hub) delayedOffline(userID uuid.UUID, guildIDs []uuid.UUID) {
	time.Sleep(h.cfg.OfflineGrace)

	if len(h.rooms.UserRoom(userID)) > 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := h.presence.Delete(ctx, userID); err != nil {
		h.log.Warn().Err(err).Stringer("user_id", userID).Msg("Failed to delete presence on delayed offline")
	}
	if h.persister != nil {
		if err := h.persister.UpdatePresence(ctx, userID, presence.StatusOffline, nil); err != nil {
			h.log.Warn().Err(err).Stringer("user_id", userID).Msg("Failed to persist offline presence")
		}
	}
	h.publishPresence(ctx, userID, guildIDs, presence.StatusOffline, nil, nil)
}

// handleHeartbeat extends the session and presence TTLs for an identified client. Unauthenticated heartbeats are
// ACKed by the client layer and carry no server-side state.
func (h *Hub) handleHeartbeat(client *Client) {
	sess := client.Session()
	if sess == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := h.sessions.RefreshTTL(ctx, client.id); err != nil {
		h.log.Debug().Err(err).Str("session_id", sess.ID).Msg("Failed to refresh session TTL")
	}
	if h.presence != nil {
		if err := h.presence.Refresh(ctx, sess.UserID); err != nil {
			h.log.Debug().Err(err).Stringer("user_id", sess.UserID).Msg("Failed to refresh presence TTL")
		}
	}
}

// handleIdentify authenticates a client, assembles the READY snapshot, and binds a fresh session.
func (h *Hub) handleIdentify(client *Client, data IdentifyData) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	userID, err := h.verifier.VerifyToken(ctx, data.Token)
	if err != nil {
		h.log.Debug().Err(err).Msg("Identify token validation failed")
		client.terminate(CloseAuthFailed, "invalid token")
		return
	}

	intents := ApplyPrivilegedMask(data.Intents, h.cfg.PrivilegedIntents)

	ready, guildIDs, err := h.assembleReady(ctx, userID)
	if err != nil {
		h.log.Error().Err(err).Stringer("user_id", userID).Msg("Failed to assemble READY payload")
		client.terminate(CloseUnknownError, "internal error")
		return
	}

	sessionID := NewSessionID()
	ready.SessionID = sessionID
	sess := NewSession(sessionID, userID, intents, guildIDs)

	client.bindSession(sess)
	h.rooms.Insert(client, userID, guildIDs)

	if err := h.persistSession(ctx, client.id, sess); err != nil {
		h.log.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to persist new session")
	}

	readyPayload, err := json.Marshal(ready)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to marshal READY payload")
		client.terminate(CloseUnknownError, "internal error")
		return
	}
	h.dispatchTo(ctx, client, EventReady, readyPayload)

	h.setInitialPresence(ctx, sess)

	h.log.Info().Stringer("user_id", userID).Str("session_id", sessionID).Uint32("intents", intents).
		Msg("Client identified")
}

// handleResume validates a resume attempt against the session index, replays the missed buffer, and rebinds the
// session on this connection.
func (h *Hub) handleResume(client *Client, data ResumeData) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	userID, err := h.verifier.VerifyToken(ctx, data.Token)
	if err != nil {
		h.log.Debug().Err(err).Msg("Resume token validation failed")
		client.terminate(CloseAuthFailed, "invalid token")
		return
	}

	idx, err := h.sessions.LookupIndex(ctx, data.SessionID)
	if err != nil {
		if !errors.Is(err, ErrSessionNotFound) {
			h.log.Warn().Err(err).Str("session_id", data.SessionID).Msg("Session index lookup failed")
		}
		h.invalidResume(client, metrics.ResumeFail, "session not found", false)
		return
	}

	if idx.UserID != userID.String() {
		h.log.Debug().Str("session_id", data.SessionID).Msg("Resume user does not own session")
		client.terminate(CloseAuthFailed, "session does not belong to token")
		return
	}

	entries, err := h.sessions.ReadResumeBuffer(ctx, data.SessionID)
	if err != nil {
		h.log.Warn().Err(err).Str("session_id", data.SessionID).Msg("Failed to read resume buffer")
		h.invalidResume(client, metrics.ResumeFail, "resume buffer unavailable", false)
		return
	}

	// The index is written on disconnect; the buffer tail may be ahead of it after a crash.
	serverSeq := idx.LastSeq
	if n := len(entries); n > 0 && entries[n-1].Seq > serverSeq {
		serverSeq = entries[n-1].Seq
	}

	if data.Seq > serverSeq {
		h.metrics.Resume(metrics.ResumeFail)
		client.terminate(CloseInvalidSequence, "sequence ahead of session")
		h.deleteStoredSession(ctx, idx.ConnID, data.SessionID)
		return
	}

	missed := entries[:0:0]
	for _, e := range entries {
		if e.Seq > data.Seq {
			missed = append(missed, e)
		}
	}

	// A contiguous replay must start at the frame after the client's last acknowledged sequence. Anything else means
	// the buffer was trimmed or expired past the client's position.
	gap := (len(missed) > 0 && missed[0].Seq != data.Seq+1) ||
		(len(missed) == 0 && serverSeq > data.Seq)
	if gap {
		// The client keeps its replayed prefix; the resumable hint tells it a fresh Identify is needed but nothing it
		// already applied has to be discarded.
		h.metrics.Resume(metrics.ResumeGap)
		h.deleteStoredSession(ctx, idx.ConnID, data.SessionID)
		h.invalidResume(client, "", "resume buffer gap", true)
		return
	}

	guilds, err := h.users.GetUserGuilds(ctx, userID)
	if err != nil {
		h.log.Error().Err(err).Stringer("user_id", userID).Msg("Failed to load guilds for resume")
		client.terminate(CloseUnknownError, "internal error")
		return
	}
	guildIDs := make([]uuid.UUID, len(guilds))
	for i := range guilds {
		guildIDs[i] = guilds[i].ID
	}

	sess := NewSession(data.SessionID, userID, idx.Intents, guildIDs)
	sess.RestoreSeq(serverSeq)
	client.bindSession(sess)
	h.rooms.Insert(client, userID, guildIDs)

	for _, e := range missed {
		client.enqueue(e.Payload)
	}
	if err := h.sessions.ClearResumeBuffer(ctx, data.SessionID); err != nil {
		h.log.Warn().Err(err).Str("session_id", data.SessionID).Msg("Failed to clear resume buffer")
	}

	h.dispatchTo(ctx, client, EventResumed, json.RawMessage(`{}`))

	if err := h.persistSession(ctx, client.id, sess); err != nil {
		h.log.Warn().Err(err).Str("session_id", sess.ID).Msg("Failed to persist resumed session")
	}

	h.restorePresence(ctx, sess)
	h.metrics.Resume(metrics.ResumeOK)

	h.log.Info().Stringer("user_id", userID).Str("session_id", data.SessionID).
		Int("replayed", len(missed)).Msg("Client resumed")
}

// invalidResume tells the client its session cannot be resumed while leaving the connection open, so it can Identify
// without reconnecting. The resumable hint distinguishes a dead session from a trimmed buffer whose replayed prefix
// remains valid. The metric result may be empty when the caller already recorded one.
func (h *Hub) invalidResume(client *Client, result, reason string, resumable bool) {
	if result != "" {
		h.metrics.Resume(result)
	}
	h.log.Debug().Str("reason", reason).Msg("Resume rejected")
	if frame, err := NewInvalidSessionFrame(resumable); err == nil {
		client.enqueue(frame)
	}
}

func (h *Hub) deleteStoredSession(ctx context.Context, connID, sessionID string) {
	id, err := uuid.Parse(connID)
	if err != nil {
		id = uuid.Nil
	}
	if err := h.sessions.DeleteSession(ctx, id, sessionID); err != nil {
		h.log.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to delete stored session")
	}
}

// setInitialPresence marks the user online after Identify and announces it to their guilds.
func (h *Hub) setInitialPresence(ctx context.Context, sess *Session) {
	if h.presence == nil {
		return
	}
	rec := presence.Record{Status: presence.StatusOnline}
	if err := h.presence.Set(ctx, sess.UserID, rec); err != nil {
		h.log.Warn().Err(err).Stringer("user_id", sess.UserID).Msg("Failed to set initial presence")
		return
	}
	if h.persister != nil {
		if err := h.persister.UpdatePresence(ctx, sess.UserID, presence.StatusOnline, nil); err != nil {
			h.log.Warn().Err(err).Stringer("user_id", sess.UserID).Msg("Failed to persist initial presence")
		}
	}
	h.publishPresence(ctx, sess.UserID, sess.GuildIDs(), presence.StatusOnline, nil, nil)
}

// restorePresence brings a resumed user back online if their presence lapsed during the disconnect, otherwise just
// extends the TTL.
func (h *Hub) restorePresence(ctx context.Context, sess *Session) {
	if h.presence == nil {
		return
	}
	rec, err := h.presence.Get(ctx, sess.UserID)
	if err != nil {
		h.log.Warn().Err(err).Stringer("user_id", sess.UserID).Msg("Failed to get presence on resume")
		return
	}
	if rec.Status == presence.StatusOffline {
		h.setInitialPresence(ctx, sess)
		return
	}
	if err := h.presence.Refresh(ctx, sess.UserID); err != nil {
		h.log.Debug().Err(err).Stringer("user_id", sess.UserID).Msg("Failed to refresh presence on resume")
	}
}

// handlePresenceUpdate processes an op 3 presence update: store, persist, and announce. Invisible status is stored
// truthfully but broadcast as offline with no custom status or activities.
func (h *Hub) handlePresenceUpdate(client *Client, data PresenceUpdateData) {
	sess := client.Session()
	if sess == nil || h.presence == nil {
		return
	}

	if !presence.ValidStatus(data.Status) {
		h.log.Debug().Str("status", data.Status).Msg("Ignoring invalid presence status")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rec := presence.Record{
		Status:       data.Status,
		CustomStatus: data.CustomStatus,
		Activities:   data.Activities,
	}
	if err := h.presence.Set(ctx, sess.UserID, rec); err != nil {
		h.log.Warn().Err(err).Stringer("user_id", sess.UserID).Msg("Failed to set presence")
		return
	}

	if h.persister != nil {
		if err := h.persister.UpdatePresence(ctx, sess.UserID, data.Status, data.CustomStatus); err != nil {
			h.log.Warn().Err(err).Stringer("user_id", sess.UserID).Msg("Failed to persist presence")
		}
		var actErr error
		if len(data.Activities) > 0 {
			actErr = h.persister.UpsertActivities(ctx, sess.UserID, data.Activities)
		} else {
			actErr = h.persister.DeleteActivities(ctx, sess.UserID)
		}
		if actErr != nil {
			h.log.Warn().Err(actErr).Stringer("user_id", sess.UserID).Msg("Failed to persist activities")
		}
	}

	broadcastStatus := data.Status
	customStatus := data.CustomStatus
	activities := data.Activities
	if data.Status == presence.StatusInvisible {
		broadcastStatus = presence.StatusOffline
		customStatus = nil
		activities = nil
	}
	h.publishPresence(ctx, sess.UserID, sess.GuildIDs(), broadcastStatus, customStatus, activities)
}

// publishPresence publishes a PRESENCE_UPDATE on the bus channel of each guild the user belongs to.
func (h *Hub) publishPresence(ctx context.Context, userID uuid.UUID, guildIDs []uuid.UUID, status string,
	customStatus *presence.CustomStatus, activities []json.RawMessage) {
	if h.publisher == nil {
		return
	}
	for _, gid := range guildIDs {
		data := PresenceEventData{
			UserID:       userID.String(),
			GuildID:      gid.String(),
			Status:       status,
			CustomStatus: customStatus,
			Activities:   activities,
		}
		if err := h.publisher.PublishGuild(ctx, gid, EventPresenceUpdate, data); err != nil {
			h.log.Warn().Err(err).Stringer("guild_id", gid).Msg("Failed to publish presence update")
		}
	}
}

// handleVoiceStateUpdate processes an op 4 voice state change. A null channel_id leaves the current channel; a set
// channel_id joins it, relaying any media credentials back as a VOICE_SERVER_UPDATE.
func (h *Hub) handleVoiceStateUpdate(client *Client, data VoiceStateUpdateData) {
	sess := client.Session()
	if sess == nil {
		return
	}

	guildID, err := uuid.Parse(data.GuildID)
	if err != nil || !sess.InGuild(guildID) {
		h.log.Debug().Str("guild_id", data.GuildID).Msg("Ignoring voice update for foreign guild")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if data.ChannelID == nil {
		h.mu.Lock()
		loc, ok := h.voiceLoc[client.id]
		delete(h.voiceLoc, client.id)
		h.mu.Unlock()
		if !ok {
			return
		}
		h.releaseVoice(ctx, sess, loc)
		return
	}

	channelID, err := uuid.Parse(*data.ChannelID)
	if err != nil {
		h.log.Debug().Str("channel_id", *data.ChannelID).Msg("Ignoring voice update with bad channel id")
		return
	}

	var creds *voice.Credentials
	if h.voice != nil {
		creds, err = h.voice.Join(ctx, guildID, channelID, sess.UserID, sess.ID)
		if err != nil {
			h.log.Warn().Err(err).Stringer("channel_id", channelID).Msg("Voice join failed")
			return
		}
	}

	h.mu.Lock()
	h.voiceLoc[client.id] = voiceLocation{guildID: guildID, channelID: channelID}
	h.mu.Unlock()

	channelStr := channelID.String()
	state := VoiceStateData{
		GuildID:   guildID.String(),
		ChannelID: &channelStr,
		UserID:    sess.UserID.String(),
		SessionID: sess.ID,
		SelfMute:  data.SelfMute,
		SelfDeaf:  data.SelfDeaf,
	}
	if h.publisher != nil {
		if err := h.publisher.PublishGuild(ctx, guildID, EventVoiceStateUpdate, state); err != nil {
			h.log.Warn().Err(err).Stringer("guild_id", guildID).Msg("Failed to publish voice state")
		}
	}

	if creds != nil && h.publisher != nil {
		// Credentials go out on the user channel so every connection of this user learns the media endpoint, not
		// just the one that sent the voice state update.
		if err := h.publisher.PublishUser(ctx, sess.UserID, EventVoiceServerUpdate, creds); err != nil {
			h.log.Warn().Err(err).Stringer("user_id", sess.UserID).Msg("Failed to publish voice credentials")
		}
	}
}

// releaseVoice tells the voice service the user left and announces the empty voice state to the guild.
func (h *Hub) releaseVoice(ctx context.Context, sess *Session, loc voiceLocation) {
	if h.voice != nil {
		if err := h.voice.Leave(ctx, loc.guildID, loc.channelID, sess.UserID); err != nil {
			h.log.Warn().Err(err).Stringer("channel_id", loc.channelID).Msg("Voice leave failed")
		}
	}
	if h.publisher != nil {
		state := VoiceStateData{
			GuildID:   loc.guildID.String(),
			UserID:    sess.UserID.String(),
			SessionID: sess.ID,
		}
		if err := h.publisher.PublishGuild(ctx, loc.guildID, EventVoiceStateUpdate, state); err != nil {
			h.log.Warn().Err(err).Stringer("guild_id", loc.guildID).Msg("Failed to publish voice leave")
		}
	}
}

// handleRequestGuildMembers answers an op 8 member request with one or more GUILD_MEMBERS_CHUNK dispatches. Every
// request form requires the GUILD_MEMBERS intent; presence inclusion additionally requires GUILD_PRESENCES.
func (h *Hub) handleRequestGuildMembers(client *Client, req RequestGuildMembersData) {
	sess := client.Session()
	if sess == nil {
		return
	}

	guildID, err := uuid.Parse(req.GuildID)
	if err != nil || !sess.InGuild(guildID) {
		h.log.Debug().Str("guild_id", req.GuildID).Msg("Ignoring member request for foreign guild")
		return
	}
	if sess.Intents&IntentGuildMembers == 0 {
		h.log.Debug().Stringer("guild_id", guildID).Msg("Member request refused without members intent")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var members []member.Member
	switch {
	case len(req.UserIDs) > 0:
		ids := make([]uuid.UUID, 0, len(req.UserIDs))
		for _, raw := range req.UserIDs {
			if id, pErr := uuid.Parse(raw); pErr == nil {
				ids = append(ids, id)
			}
		}
		members, err = h.members.ListByIDs(ctx, guildID, ids)
	case req.Query != "":
		limit := req.Limit
		if limit <= 0 || limit > memberChunkSize {
			limit = memberSearchLimit
		}
		members, err = h.members.SearchByPrefix(ctx, guildID, req.Query, limit)
	default:
		members, err = h.listAllMembers(ctx, guildID)
	}
	if err != nil {
		h.log.Error().Err(err).Stringer("guild_id", guildID).Msg("Member request query failed")
		return
	}

	h.sendMemberChunks(ctx, client, sess, guildID, members, req)
}

// listAllMembers pages through the whole guild roster.
func (h *Hub) listAllMembers(ctx context.Context, guildID uuid.UUID) ([]member.Member, error) {
	var (
		all   []member.Member
		after *uuid.UUID
	)
	for {
		page, err := h.members.ListPage(ctx, guildID, after, memberChunkSize)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < memberChunkSize {
			return all, nil
		}
		last := page[len(page)-1].UserID
		after = &last
	}
}

// sendMemberChunks splits the member set into fixed-size chunks and dispatches them in order. An empty result still
// produces one chunk so the requester's nonce is always answered.
func (h *Hub) sendMemberChunks(ctx context.Context, client *Client, sess *Session, guildID uuid.UUID,
	members []member.Member, req RequestGuildMembersData) {
	chunkCount := (len(members) + memberChunkSize - 1) / memberChunkSize
	if chunkCount == 0 {
		chunkCount = 1
	}

	includePresences := req.Presences && sess.Intents&IntentGuildPresences != 0 && h.presence != nil

	for i := 0; i < chunkCount; i++ {
		start := i * memberChunkSize
		end := start + memberChunkSize
		if end > len(members) {
			end = len(members)
		}
		chunk := members[start:end]

		models := make([]member.Model, len(chunk))
		for j := range chunk {
			models[j] = chunk[j].ToModel()
		}

		var presences []presence.Record
		if includePresences && len(chunk) > 0 {
			ids := make([]uuid.UUID, len(chunk))
			for j := range chunk {
				ids[j] = chunk[j].UserID
			}
			recs, err := h.presence.GetMany(ctx, ids)
			if err != nil {
				h.log.Warn().Err(err).Stringer("guild_id", guildID).Msg("Failed to load presences for chunk")
			} else {
				presences = recs
			}
		}

		data := GuildMembersChunkData{
			GuildID:    guildID.String(),
			Members:    models,
			Presences:  presences,
			ChunkIndex: i,
			ChunkCount: chunkCount,
			Nonce:      req.Nonce,
		}
		payload, err := json.Marshal(data)
		if err != nil {
			h.log.Error().Err(err).Msg("Failed to marshal member chunk")
			return
		}
		h.dispatchTo(ctx, client, EventGuildMembersChunk, payload)
	}
}

// dispatchTo is the single path every sequenced dispatch takes: allocate the next sequence number, frame the event,
// enqueue it, and append it to the session's resume buffer. Keeping one path guarantees the buffer and the socket
// never disagree about ordering.
func (h *Hub) dispatchTo(ctx context.Context, client *Client, eventType DispatchEvent, data json.RawMessage) {
	sess := client.Session()
	if sess == nil {
		return
	}

	seq := sess.NextSeq()
	frame, err := NewDispatchFrame(seq, eventType, data)
	if err != nil {
		h.log.Error().Err(err).Str("event", string(eventType)).Msg("Failed to build dispatch frame")
		return
	}

	client.enqueue(frame)

	if err := h.sessions.AppendResumeEvent(ctx, sess.ID, seq, frame); err != nil &&
		!errors.Is(err, ErrStoreUnavailable) {
		h.log.Warn().Err(err).Str("session_id", sess.ID).Msg("Failed to append to resume buffer")
	}
}

// membershipChange is the payload of the permission invalidation channel, published by the REST service when a user
// joins or leaves a guild or their roles change.
type membershipChange struct {
	UserID  string `json:"user_id"`
	GuildID string `json:"guild_id"`
	Action  string `json:"action"`
}

// handleBusMessage routes one pub/sub message by channel.
func (h *Hub) handleBusMessage(ctx context.Context, channel, payload string) {
	if channel == permInvalidateChannel {
		h.handleMembershipChange(payload)
		return
	}

	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		h.metrics.BusDropped()
		h.log.Debug().Err(err).Str("channel", channel).Msg("Invalid bus envelope")
		return
	}

	switch {
	case strings.HasPrefix(channel, guildChannelPrefix):
		guildID, err := uuid.Parse(strings.TrimPrefix(channel, guildChannelPrefix))
		if err != nil {
			h.metrics.BusDropped()
			return
		}
		h.metrics.BusMessage("guild")
		h.fanOutGuild(ctx, guildID, env.Event, env.Data)
	case strings.HasPrefix(channel, userChannelPrefix):
		userID, err := uuid.Parse(strings.TrimPrefix(channel, userChannelPrefix))
		if err != nil {
			h.metrics.BusDropped()
			return
		}
		h.metrics.BusMessage("user")
		h.fanOutUser(ctx, userID, env.Event, env.Data)
	default:
		h.metrics.BusDropped()
	}
}

// fanOutGuild delivers a guild-scoped event to every subscribed session holding the required intent, redacting
// message content for sessions without MESSAGE_CONTENT.
func (h *Hub) fanOutGuild(ctx context.Context, guildID uuid.UUID, eventType DispatchEvent, data json.RawMessage) {
	targets := h.rooms.GuildRoom(guildID)
	if len(targets) == 0 {
		return
	}

	bit, gated := RequiredIntent(eventType)

	var redacted json.RawMessage
	for _, c := range targets {
		sess := c.Session()
		if sess == nil {
			continue
		}
		if gated && sess.Intents&bit == 0 {
			continue
		}

		payload := data
		if NeedsRedaction(eventType, sess.Intents, sess.UserID.String(), data) {
			if redacted == nil {
				var err error
				redacted, err = RedactContent(data)
				if err != nil {
					h.log.Warn().Err(err).Str("event", string(eventType)).Msg("Redaction failed, withholding event")
					continue
				}
			}
			payload = redacted
		}

		h.dispatchTo(ctx, c, eventType, payload)
	}
}

// fanOutUser delivers a user-scoped event to every session of one user. Message-family events on the user channel are
// direct messages: they are gated by DIRECT_MESSAGES and never redacted, since the recipient is a participant.
func (h *Hub) fanOutUser(ctx context.Context, userID uuid.UUID, eventType DispatchEvent, data json.RawMessage) {
	if eventType == EventSessionInvalidate {
		var inv SessionInvalidateData
		if err := json.Unmarshal(data, &inv); err != nil {
			h.metrics.BusDropped()
			return
		}
		h.invalidateSessions(userID, inv.ExceptSessionID)
		return
	}

	targets := h.rooms.UserRoom(userID)
	if len(targets) == 0 {
		return
	}

	bit, gated := RequiredIntent(eventType)
	if strings.HasPrefix(string(eventType), messageEventPrefix) {
		bit, gated = IntentDirectMessages, true
	}

	for _, c := range targets {
		sess := c.Session()
		if sess == nil {
			continue
		}
		if gated && sess.Intents&bit == 0 {
			continue
		}
		h.dispatchTo(ctx, c, eventType, data)
	}
}

// invalidateSessions force-closes all of a user's sessions on this process, except the named one. The stored session
// state is deleted so the closed sessions cannot resume.
func (h *Hub) invalidateSessions(userID uuid.UUID, exceptSessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, c := range h.rooms.UserRoom(userID) {
		sess := c.Session()
		if sess == nil || sess.ID == exceptSessionID {
			continue
		}

		h.rooms.Remove(c, userID, sess.GuildIDs())
		c.bindSession(nil)

		if err := h.sessions.DeleteSession(ctx, c.id, sess.ID); err != nil {
			h.log.Warn().Err(err).Str("session_id", sess.ID).Msg("Failed to delete invalidated session")
		}

		c.terminate(CloseSessionTimedOut, "session invalidated")

		h.log.Info().Stringer("user_id", userID).Str("session_id", sess.ID).Msg("Session invalidated")
	}
}

// assembleReady queries the snapshot repositories for everything a newly identified client needs.
func (h *Hub) assembleReady(ctx context.Context, userID uuid.UUID) (*ReadyData, []uuid.UUID, error) {
	u, err := h.users.GetByID(ctx, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("get user: %w", err)
	}

	guilds, err := h.users.GetUserGuilds(ctx, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("get guilds: %w", err)
	}

	readStates, err := h.users.GetReadStates(ctx, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("get read states: %w", err)
	}

	relationships, err := h.users.GetRelationships(ctx, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("get relationships: %w", err)
	}

	dms, err := h.users.GetUserDMChannels(ctx, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("get dm channels: %w", err)
	}

	guildIDs := make([]uuid.UUID, len(guilds))
	for i := range guilds {
		guildIDs[i] = guilds[i].ID
	}

	return &ReadyData{
		User:            *u,
		Guilds:          guilds,
		ReadStates:      readStates,
		Relationships:   relationships,
		PrivateChannels: dms,
	}, guildIDs, nil
}

// handleMembershipChange updates live sessions when the REST service reports a guild join or leave.
func (h *Hub) handleMembershipChange(payload string) {
	var change membershipChange
	if err := json.Unmarshal([]byte(payload), &change); err != nil {
		h.metrics.BusDropped()
		h.log.Debug().Err(err).Msg("Invalid membership change payload")
		return
	}

	userID, err := uuid.Parse(change.UserID)
	if err != nil {
		return
	}
	guildID, err := uuid.Parse(change.GuildID)
	if err != nil {
		return
	}

	for _, c := range h.rooms.UserRoom(userID) {
		sess := c.Session()
		if sess == nil {
			continue
		}
		switch change.Action {
		case "add":
			sess.AddGuild(guildID)
			h.rooms.AddGuilds(c, []uuid.UUID{guildID})
		case "remove":
			sess.RemoveGuild(guildID)
			h.rooms.RemoveGuilds(c, []uuid.UUID{guildID})
		}
	}
}

// Shutdown gracefully closes all active connections. Sessions are persisted so clients can resume against another
// process; presence is deliberately left in place for the same reason.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for id, c := range h.clients {
		clients = append(clients, c)
		delete(h.clients, id)
	}
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	reconnect, _ := NewReconnectFrame()
	for _, c := range clients {
		if sess := c.Session(); sess != nil {
			if err := h.persistSession(ctx, c.id, sess); err != nil {
				h.log.Warn().Err(err).Str("session_id", sess.ID).Msg("Failed to persist session on shutdown")
			}
			h.rooms.Remove(c, sess.UserID, sess.GuildIDs())
		}
		if reconnect != nil {
			c.enqueue(reconnect)
		}
		c.closeSend()
		// Wait for the write pump to drain the RECONNECT frame before tearing the connection down.
		c.flushSend()
		if c.conn != nil {
			_ = c.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(writeWait),
			)
			_ = c.conn.Close()
		}
		h.metrics.ConnectionClosed()
	}
	h.log.Info().Int("closed", len(clients)).Msg("Gateway hub shut down")
}

// ClientCount returns the number of currently open connections.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
