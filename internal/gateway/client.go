package gateway

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// maxMessageSize is the maximum size in bytes of a single inbound WebSocket message.
	maxMessageSize = 1 << 20

	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// identifyTimeout is how long a client has to send Identify or Resume after receiving Hello.
	identifyTimeout = 30 * time.Second

	// heartbeatGrace is added to the heartbeat interval to form the read deadline, so a heartbeat delayed by network
	// jitter does not immediately sever the connection.
	heartbeatGrace = 10 * time.Second

	// maxMissedPongs is the number of consecutive unanswered transport pings before the connection is considered dead.
	maxMissedPongs = 2
)

// Client represents a single WebSocket connection. Each client runs three goroutines (readPump, writePump, and
// pingLoop) and communicates with the Hub via its send channel and callback methods. A connection has its own id,
// distinct from the session id; the same user may hold many clients at once.
type Client struct {
	id   uuid.UUID
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	log  zerolog.Logger

	// Session is set exactly once, when Identify or Resume succeeds, and read by the Hub during fan-out.
	mu      sync.RWMutex
	session *Session

	// Transport liveness, shared between pingLoop and the pong handler.
	missedPongs atomic.Int32

	// Per-opcode rate limiting state (only accessed from readPump, no mutex needed).
	limiter *RateLimiter

	// sendMu guards send against a concurrent close: the bus fan-out goroutine may enqueue while readPump tears the
	// connection down.
	sendMu     sync.Mutex
	sendClosed bool
	closeOnce  sync.Once
	done       chan struct{}
	writeDone  chan struct{}
}

func newClient(hub *Hub, conn *websocket.Conn, logger zerolog.Logger) *Client {
	id := uuid.New()
	return &Client{
		id:        id,
		hub:       hub,
		conn:      conn,
		send:      make(chan []byte, 256),
		log:       logger.With().Stringer("conn_id", id).Logger(),
		limiter:   NewRateLimiter(DefaultRateLimits()),
		done:      make(chan struct{}),
		writeDone: make(chan struct{}),
	}
}

// ID returns the connection identifier.
func (c *Client) ID() uuid.UUID {
	return c.id
}

// Session returns the bound session, or nil before Identify/Resume completes.
func (c *Client) Session() *Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

// IsIdentified returns whether the client has completed authentication.
func (c *Client) IsIdentified() bool {
	return c.Session() != nil
}

// bindSession attaches the session after a successful Identify or Resume.
func (c *Client) bindSession(s *Session) {
	c.mu.Lock()
	c.session = s
	c.mu.Unlock()
}

// readPump reads messages from the WebSocket connection and routes them by opcode. It runs in its own goroutine and
// is responsible for tearing down the connection when the read loop exits.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()

	heartbeatInterval := time.Duration(c.hub.cfg.HeartbeatIntervalMS) * time.Millisecond
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(heartbeatInterval + heartbeatGrace))
	c.conn.SetPongHandler(func(string) error {
		c.missedPongs.Store(0)
		return nil
	})

	// Identify timeout: close the connection if the client does not authenticate within the deadline.
	identifyTimer := time.AfterFunc(identifyTimeout, func() {
		if !c.IsIdentified() {
			c.log.Debug().Msg("Client did not identify in time")
			c.closeWithCode(CloseNotAuthenticated, "identify timeout")
		}
	})
	defer identifyTimer.Stop()

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Msg("WebSocket read error")
			}
			return
		}

		var frame Frame
		if err := json.Unmarshal(message, &frame); err != nil {
			c.terminate(CloseDecodeError, "invalid JSON")
			return
		}

		if !c.handleFrame(frame, heartbeatInterval, identifyTimer) {
			return
		}
	}
}

// handleFrame enforces rate limits and routes one inbound frame by opcode and session state. It returns false when
// the connection must stop reading. Until authenticated, only Identify and Resume are accepted.
func (c *Client) handleFrame(frame Frame, heartbeatInterval time.Duration, identifyTimer *time.Timer) bool {
	now := time.Now()
	c.hub.metrics.FrameIn(frame.Op)
	if !c.limiter.Allow(frame.Op, now) {
		c.hub.metrics.RateLimited(frame.Op)
		c.log.Debug().Int("op", frame.Op).Msg("Opcode rate limit exceeded")
		c.terminate(CloseRateLimited, "rate limit exceeded")
		return false
	}
	c.limiter.Prune(now)

	if !c.IsIdentified() {
		switch frame.Op {
		case OpcodeIdentify:
			identifyTimer.Stop()
			c.handleIdentify(frame.Data)
		case OpcodeResume:
			identifyTimer.Stop()
			c.handleResume(frame.Data)
		default:
			c.terminate(CloseNotAuthenticated, "not authenticated")
			return false
		}
		return true
	}

	switch frame.Op {
	case OpcodeHeartbeat:
		c.handleHeartbeat(heartbeatInterval)
	case OpcodeIdentify, OpcodeResume:
		c.terminate(CloseAlreadyAuthenticated, "already authenticated")
		return false
	case OpcodePresenceUpdate:
		c.handlePresenceUpdate(frame.Data)
	case OpcodeVoiceStateUpdate:
		c.handleVoiceStateUpdate(frame.Data)
	case OpcodeRequestGuildMembers:
		c.handleRequestGuildMembers(frame.Data)
	default:
		c.terminate(CloseUnknownOpcode, "unknown opcode")
		return false
	}
	return true
}

// writePump writes messages from the send channel to the WebSocket connection. It runs in its own goroutine and exits
// when the send channel is closed, after draining every queued frame; the connection is only closed here on a write
// error, so a closer can flush and send its own close frame.
func (c *Client) writePump() {
	defer close(c.writeDone)

	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.log.Debug().Err(err).Msg("WebSocket write error")
			_ = c.conn.Close()
			return
		}
		c.hub.metrics.FrameOut(OpcodeDispatch)
	}
}

// pingLoop sends transport-level ping frames on a fixed cadence, independent of application heartbeats. A peer that
// fails to answer maxMissedPongs consecutive pings is terminated without a close frame; half-open TCP connections are
// only ever detected here.
func (c *Client) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if c.missedPongs.Add(1) > maxMissedPongs {
				c.log.Debug().Msg("Transport pings unanswered, terminating")
				_ = c.conn.Close()
				return
			}
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			if err != nil {
				_ = c.conn.Close()
				return
			}
		}
	}
}

// handleHeartbeat responds with a HeartbeatACK and resets the read deadline. The optional sequence echo in the
// payload is accepted and ignored; the server's own counter is authoritative.
func (c *Client) handleHeartbeat(heartbeatInterval time.Duration) {
	if c.conn != nil {
		_ = c.conn.SetReadDeadline(time.Now().Add(heartbeatInterval + heartbeatGrace))
	}

	ack, err := NewHeartbeatACKFrame()
	if err != nil {
		c.log.Error().Err(err).Msg("Failed to build heartbeat ACK")
		return
	}
	c.enqueue(ack)
	c.hub.handleHeartbeat(c)
}

// handleIdentify validates an op 2 Identify payload and hands it to the Hub.
func (c *Client) handleIdentify(data json.RawMessage) {
	var id IdentifyData
	if err := json.Unmarshal(data, &id); err != nil {
		c.terminate(CloseDecodeError, "invalid identify payload")
		return
	}

	if id.Token == "" {
		c.terminate(CloseAuthFailed, "token required")
		return
	}

	c.hub.handleIdentify(c, id)
}

// handleResume validates an op 6 Resume payload and hands it to the Hub.
func (c *Client) handleResume(data json.RawMessage) {
	var r ResumeData
	if err := json.Unmarshal(data, &r); err != nil {
		c.terminate(CloseDecodeError, "invalid resume payload")
		return
	}

	if r.Token == "" || r.SessionID == "" {
		c.terminate(CloseAuthFailed, "token and session_id required")
		return
	}

	c.hub.handleResume(c, r)
}

// handlePresenceUpdate validates an op 3 payload and hands it to the Hub.
func (c *Client) handlePresenceUpdate(data json.RawMessage) {
	var p PresenceUpdateData
	if err := json.Unmarshal(data, &p); err != nil {
		c.terminate(CloseDecodeError, "invalid presence payload")
		return
	}
	c.hub.handlePresenceUpdate(c, p)
}

// handleVoiceStateUpdate validates an op 4 payload and hands it to the Hub.
func (c *Client) handleVoiceStateUpdate(data json.RawMessage) {
	var v VoiceStateUpdateData
	if err := json.Unmarshal(data, &v); err != nil {
		c.terminate(CloseDecodeError, "invalid voice state payload")
		return
	}
	c.hub.handleVoiceStateUpdate(c, v)
}

// handleRequestGuildMembers validates an op 8 payload and hands it to the Hub.
func (c *Client) handleRequestGuildMembers(data json.RawMessage) {
	var req RequestGuildMembersData
	if err := json.Unmarshal(data, &req); err != nil {
		c.terminate(CloseDecodeError, "invalid member request payload")
		return
	}
	c.hub.handleRequestGuildMembers(c, req)
}

// enqueue sends a message to the client's write channel. Enqueuing after closeSend is a silent no-op, so a fan-out
// racing a disconnect cannot send on a closed channel. If the channel is full, the message is dropped and the
// connection is closed to prevent backpressure from stalling the Hub.
func (c *Client) enqueue(msg []byte) {
	c.sendMu.Lock()
	if c.sendClosed {
		c.sendMu.Unlock()
		return
	}
	select {
	case c.send <- msg:
		c.sendMu.Unlock()
	default:
		c.sendMu.Unlock()
		c.log.Warn().Msg("Client send buffer full, closing connection")
		c.hub.unregister(c)
		if c.conn != nil {
			_ = c.conn.Close()
		}
	}
}

// closeSend closes the send channel exactly once, unblocking writePump, and signals pingLoop to stop.
func (c *Client) closeSend() {
	c.closeOnce.Do(func() {
		c.sendMu.Lock()
		c.sendClosed = true
		close(c.send)
		c.sendMu.Unlock()
		close(c.done)
	})
}

// flushSend waits for writePump to drain the queued frames after closeSend, so a final frame reaches the peer before
// the connection is closed.
func (c *Client) flushSend() {
	if c.conn == nil || c.writeDone == nil {
		return
	}
	select {
	case <-c.writeDone:
	case <-time.After(writeWait):
	}
}

// terminate rejects the connection per the protocol error contract: an InvalidSession(resumable=false) frame is
// delivered first, then the connection closes with the given code.
func (c *Client) terminate(code int, reason string) {
	if frame, err := NewInvalidSessionFrame(false); err == nil {
		c.enqueue(frame)
	}
	c.closeSend()
	c.flushSend()
	c.closeWithCode(code, reason)
}

// closeWithCode sends a WebSocket close frame with the given code and reason, then closes the underlying connection.
func (c *Client) closeWithCode(code int, reason string) {
	if c.conn == nil {
		return
	}
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = c.conn.Close()
}
