// Package gateway is the real-time front of Pulse. It accepts long-lived
// websocket connections, authenticates them, manages conversation rooms, and
// routes inbound events to the services. Fan-out of new messages arrives
// through the bus consumer in consumer.go, so the send path looks the same
// whether the recipients share this instance or not.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/pulsechat/pulse/internal/auth"
	"github.com/pulsechat/pulse/internal/bus"
	apierrors "github.com/pulsechat/pulse/internal/errors"
	"github.com/pulsechat/pulse/internal/logger"
	"github.com/pulsechat/pulse/internal/message"
	"github.com/pulsechat/pulse/internal/metrics"
)

const (
	// authTimeout bounds how long an upgraded connection may stay
	// unauthenticated before it is closed.
	authTimeout = 10 * time.Second

	// handlerTimeout bounds the I/O of a single inbound event.
	handlerTimeout = 10 * time.Second
)

// CredentialVerifier resolves a bearer credential to a principal.
type CredentialVerifier interface {
	Verify(ctx context.Context, token string) (*auth.Principal, error)
}

// MembershipChecker gates rooms and conversation-scoped events.
type MembershipChecker interface {
	IsMember(ctx context.Context, conversationID, userID string) (bool, error)
}

// MessageService is the slice of the message service the gateway drives.
type MessageService interface {
	Send(ctx context.Context, actor string, input message.SendInput) (*message.View, error)
	LoadView(ctx context.Context, messageID string) (*message.View, error)
	MarkDelivered(ctx context.Context, actor, conversationID, messageID string) (bool, error)
	MarkRead(ctx context.Context, actor, conversationID string, messageIDs []string) ([]string, error)
}

// PresenceTracker keeps the ephemeral online keys current.
type PresenceTracker interface {
	MarkOnline(ctx context.Context, userID string) error
	Heartbeat(ctx context.Context, userID string) (bool, error)
	MarkOffline(ctx context.Context, userID string) error
}

// Publisher fans a persisted message's reference out to every instance,
// this one included.
type Publisher interface {
	PublishMessage(ref bus.MessageRef) error
}

// LastSeenRecorder stamps disconnect times without blocking the caller.
type LastSeenRecorder interface {
	Record(userID string)
}

type Config struct {
	// AllowedOrigin is the browser origin permitted to open connections.
	// Empty allows any origin; requests without an Origin header (native
	// clients, tests) always pass.
	AllowedOrigin string

	// EventRate and EventBurst bound inbound events per connection.
	EventRate  float64
	EventBurst int
}

type Gateway struct {
	cfg       Config
	verifier  CredentialVerifier
	members   MembershipChecker
	messages  MessageService
	presence  PresenceTracker
	publisher Publisher
	lastSeen  LastSeenRecorder
	rooms     *Rooms
	upgrader  websocket.Upgrader
	logger    *logger.Logger

	mu       sync.Mutex
	conns    map[*Conn]struct{}
	closed   bool
	handlers sync.WaitGroup

	fanout     chan bus.MessageRef
	fanoutDone chan struct{}
	fanoutWG   sync.WaitGroup
}

func New(
	cfg Config,
	verifier CredentialVerifier,
	members MembershipChecker,
	messages MessageService,
	presence PresenceTracker,
	publisher Publisher,
	lastSeen LastSeenRecorder,
	log *logger.Logger,
) *Gateway {
	if cfg.EventRate <= 0 {
		cfg.EventRate = 25
	}
	if cfg.EventBurst <= 0 {
		cfg.EventBurst = 50
	}

	g := &Gateway{
		cfg:        cfg,
		verifier:   verifier,
		members:    members,
		messages:   messages,
		presence:   presence,
		publisher:  publisher,
		lastSeen:   lastSeen,
		rooms:      NewRooms(log),
		logger:     log.WithComponent("gateway"),
		conns:      make(map[*Conn]struct{}),
		fanout:     make(chan bus.MessageRef, fanoutBuffer),
		fanoutDone: make(chan struct{}),
	}

	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     g.checkOrigin,
	}

	g.fanoutWG.Add(1)
	go g.fanoutLoop()

	return g
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return g.cfg.AllowedOrigin == "" || origin == g.cfg.AllowedOrigin
}

// Handle serves GET /ws. It upgrades the request, runs the handshake, and
// then blocks in the read loop until the connection ends.
func (g *Gateway) Handle(c *gin.Context) {
	if g.isClosed() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server is shutting down"})
		return
	}

	ws, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.logger.Warn("failed to upgrade connection", slog.String("error", err.Error()))
		return
	}

	g.handlers.Add(1)
	defer g.handlers.Done()

	conn := newConn(ws, g.cfg.EventRate, g.cfg.EventBurst)
	go conn.writeLoop(g.logger)

	principal, ack, ok := g.handshake(conn, c.Query("token"))
	if !ok {
		conn.shutdown(websocket.ClosePolicyViolation, "authentication failed")
		return
	}
	conn.principal = principal

	if !g.register(conn) {
		conn.shutdown(websocket.CloseGoingAway, "server is shutting down")
		return
	}
	metrics.ActiveConnections.Inc()

	onlineCtx, cancel := context.WithTimeout(conn.ctx, handlerTimeout)
	if err := g.presence.MarkOnline(onlineCtx, principal.Subject); err != nil {
		// Presence is advisory; a failed write costs at most 60s of
		// staleness once the heartbeat path recovers.
		g.logger.LogError(onlineCtx, err, "failed to mark user online", "user_id", principal.Subject)
	}
	cancel()

	g.send(conn, EventConnected, map[string]interface{}{"userId": principal.Subject}, ack)

	g.logger.Info("connection authenticated",
		slog.String("conn_id", conn.id),
		slog.String("user_id", principal.Subject))

	g.readLoop(conn)
	g.disconnect(conn)
}

// handshake authenticates the fresh connection: a ?token= query parameter is
// verified immediately, otherwise the client has authTimeout to present the
// credential in an authenticate envelope. Non-authenticate frames in that
// window get an unauthenticated reply and the connection stays open; a bad
// credential or a lapsed window does not. Returns the ack of the
// authenticate envelope, when there was one, for the connected reply.
func (g *Gateway) handshake(conn *Conn, queryToken string) (*auth.Principal, *int64, bool) {
	if queryToken != "" {
		ctx, cancel := context.WithTimeout(conn.ctx, authTimeout)
		defer cancel()

		principal, err := g.verifier.Verify(ctx, queryToken)
		if err != nil {
			g.logger.Debug("rejected connection credential", slog.String("error", err.Error()))
			return nil, nil, false
		}
		return principal, nil, true
	}

	conn.ws.SetReadLimit(maxFrameBytes)
	conn.ws.SetReadDeadline(time.Now().Add(authTimeout))

	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			return nil, nil, false
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			g.replyError(conn, &env, "invalid frame")
			continue
		}
		if env.Event != EventAuthenticate {
			g.replyError(conn, &env, "authentication required")
			continue
		}

		var payload authenticateData
		if len(env.Data) != 0 {
			if err := json.Unmarshal(env.Data, &payload); err != nil {
				g.replyError(conn, &env, "invalid authenticate payload")
				continue
			}
		}
		if payload.Token == "" {
			g.replyError(conn, &env, "token is required")
			continue
		}

		ctx, cancel := context.WithTimeout(conn.ctx, handlerTimeout)
		principal, err := g.verifier.Verify(ctx, payload.Token)
		cancel()
		if err != nil {
			g.logger.Debug("rejected connection credential", slog.String("error", err.Error()))
			return nil, nil, false
		}
		return principal, env.Ack, true
	}
}

// readLoop pulls frames off the wire and dispatches them until the
// connection errors out. Any frame, not only pongs, proves liveness and
// refreshes the read deadline.
func (g *Gateway) readLoop(conn *Conn) {
	conn.ws.SetReadLimit(maxFrameBytes)
	conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	conn.ws.SetPongHandler(func(string) error {
		conn.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure) {
				g.logger.Debug("websocket read error",
					slog.String("conn_id", conn.id),
					slog.String("error", err.Error()))
			}
			return
		}
		conn.ws.SetReadDeadline(time.Now().Add(pongWait))

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			g.replyError(conn, &Envelope{}, "invalid frame")
			continue
		}

		if !conn.limiter.Allow() {
			g.replyError(conn, &env, "rate limit exceeded")
			continue
		}

		g.dispatch(conn, &env)
	}
}

// dispatch routes one inbound event. Every handler sees an authenticated
// principal; conversation-scoped handlers check membership before any side
// effect, and the subject on the connection is authoritative over anything
// in the payload.
func (g *Gateway) dispatch(conn *Conn, env *Envelope) {
	label := env.Event
	if !knownEvents[label] {
		label = "unknown"
	}
	metrics.EventsTotal.WithLabelValues(label).Inc()

	if conn.principal == nil {
		g.replyError(conn, env, "authentication required")
		return
	}

	ctx, cancel := context.WithTimeout(conn.ctx, handlerTimeout)
	defer cancel()
	ctx = logger.WithUserID(ctx, conn.principal.Subject)

	switch env.Event {
	case EventPing:
		g.send(conn, EventPong, map[string]interface{}{"timestamp": time.Now().UnixMilli()}, env.Ack)
	case EventHeartbeat:
		g.handleHeartbeat(ctx, conn, env)
	case EventJoinConversation:
		g.handleJoin(ctx, conn, env)
	case EventLeaveConversation:
		g.handleLeave(ctx, conn, env)
	case EventSendMessage:
		g.handleSendMessage(ctx, conn, env)
	case EventTypingStart:
		g.handleTyping(ctx, conn, env, EventUserTyping)
	case EventTypingStop:
		g.handleTyping(ctx, conn, env, EventUserTypingStop)
	case EventMessageDelivered:
		g.handleDelivered(ctx, conn, env)
	case EventMessageRead:
		g.handleRead(ctx, conn, env)
	case EventAuthenticate:
		g.replyError(conn, env, "already authenticated")
	default:
		g.replyError(conn, env, fmt.Sprintf("unknown event %q", env.Event))
	}
}

func (g *Gateway) handleJoin(ctx context.Context, conn *Conn, env *Envelope) {
	payload, ok := decodeConversation(env)
	if !ok {
		g.replyError(conn, env, "conversationId is required")
		return
	}
	ctx = logger.WithConversationID(ctx, payload.ConversationID)

	member, err := g.members.IsMember(ctx, payload.ConversationID, conn.principal.Subject)
	if err != nil {
		g.replyServiceError(ctx, conn, env, err)
		return
	}
	if !member {
		g.replyError(conn, env, "you are not a member of this conversation")
		return
	}

	g.rooms.Join(RoomName(payload.ConversationID), conn)
	g.replySuccess(conn, env, map[string]interface{}{"conversationId": payload.ConversationID})
}

func (g *Gateway) handleLeave(ctx context.Context, conn *Conn, env *Envelope) {
	payload, ok := decodeConversation(env)
	if !ok {
		g.replyError(conn, env, "conversationId is required")
		return
	}
	ctx = logger.WithConversationID(ctx, payload.ConversationID)

	member, err := g.members.IsMember(ctx, payload.ConversationID, conn.principal.Subject)
	if err != nil {
		g.replyServiceError(ctx, conn, env, err)
		return
	}
	if !member {
		g.replyError(conn, env, "you are not a member of this conversation")
		return
	}

	g.rooms.Leave(RoomName(payload.ConversationID), conn)
	g.replySuccess(conn, env, map[string]interface{}{"conversationId": payload.ConversationID})
}

// handleSendMessage persists through the message service and publishes the
// reference. The reply acknowledges persistence; the message_received frame
// for everyone in the room, the sender included, arrives via the bus
// consumer.
func (g *Gateway) handleSendMessage(ctx context.Context, conn *Conn, env *Envelope) {
	var input message.SendInput
	if len(env.Data) == 0 {
		g.replyError(conn, env, "payload is required")
		return
	}
	if err := json.Unmarshal(env.Data, &input); err != nil {
		g.replyError(conn, env, "invalid send_message payload")
		return
	}
	if input.ConversationID == "" {
		g.replyError(conn, env, "conversationId is required")
		return
	}
	if input.Type == "" {
		g.replyError(conn, env, "type is required")
		return
	}
	ctx = logger.WithConversationID(ctx, input.ConversationID)

	view, err := g.messages.Send(ctx, conn.principal.Subject, input)
	if err != nil {
		g.replyServiceError(ctx, conn, env, err)
		return
	}

	if err := g.publisher.PublishMessage(bus.MessageRef{
		MessageID:      view.ID,
		ConversationID: view.ConversationID,
		SenderID:       view.SenderID,
	}); err != nil {
		// The message is durable; only the live fan-out is degraded, and
		// clients recover it from history on their next load.
		g.logger.LogError(ctx, err, "failed to publish message reference",
			"message_id", view.ID)
	}

	g.replySuccess(conn, env, map[string]interface{}{"messageId": view.ID})
}

// handleTyping relays the ephemeral indicator to the other local members of
// the room. Nothing is persisted and nothing crosses the bus; a typing
// signal is stale long before a cross-instance gap matters.
func (g *Gateway) handleTyping(ctx context.Context, conn *Conn, env *Envelope, outEvent string) {
	payload, ok := decodeConversation(env)
	if !ok {
		g.replyError(conn, env, "conversationId is required")
		return
	}
	ctx = logger.WithConversationID(ctx, payload.ConversationID)

	member, err := g.members.IsMember(ctx, payload.ConversationID, conn.principal.Subject)
	if err != nil {
		g.replyServiceError(ctx, conn, env, err)
		return
	}
	if !member {
		g.replyError(conn, env, "you are not a member of this conversation")
		return
	}

	g.broadcast(RoomName(payload.ConversationID), outEvent, map[string]interface{}{
		"conversationId": payload.ConversationID,
		"userId":         conn.principal.Subject,
	}, conn)

	g.replySuccess(conn, env, nil)
}

// handleDelivered stamps the actor's delivery receipt and broadcasts it to
// the room. A repeat is a successful no-op and still broadcasts, so a
// receipt lost in transit can be replayed by the client.
func (g *Gateway) handleDelivered(ctx context.Context, conn *Conn, env *Envelope) {
	var payload deliveredData
	if len(env.Data) == 0 || json.Unmarshal(env.Data, &payload) != nil ||
		payload.ConversationID == "" || payload.MessageID == "" {
		g.replyError(conn, env, "conversationId and messageId are required")
		return
	}
	ctx = logger.WithConversationID(ctx, payload.ConversationID)

	updated, err := g.messages.MarkDelivered(ctx, conn.principal.Subject, payload.ConversationID, payload.MessageID)
	if err != nil {
		g.replyServiceError(ctx, conn, env, err)
		return
	}

	g.broadcast(RoomName(payload.ConversationID), EventMessageDelivered, map[string]interface{}{
		"conversationId": payload.ConversationID,
		"messageId":      payload.MessageID,
		"userId":         conn.principal.Subject,
	}, nil)

	g.replySuccess(conn, env, map[string]interface{}{"updated": updated})
}

// handleRead stamps a batch of read receipts in one transaction and
// broadcasts the whole batch after commit.
func (g *Gateway) handleRead(ctx context.Context, conn *Conn, env *Envelope) {
	var payload readData
	if len(env.Data) == 0 || json.Unmarshal(env.Data, &payload) != nil ||
		payload.ConversationID == "" || len(payload.MessageIDs) == 0 {
		g.replyError(conn, env, "conversationId and messageIds are required")
		return
	}
	ctx = logger.WithConversationID(ctx, payload.ConversationID)

	updated, err := g.messages.MarkRead(ctx, conn.principal.Subject, payload.ConversationID, payload.MessageIDs)
	if err != nil {
		g.replyServiceError(ctx, conn, env, err)
		return
	}

	g.broadcast(RoomName(payload.ConversationID), EventMessageRead, map[string]interface{}{
		"conversationId": payload.ConversationID,
		"messageIds":     payload.MessageIDs,
		"userId":         conn.principal.Subject,
	}, nil)

	g.replySuccess(conn, env, map[string]interface{}{"updated": updated})
}

func (g *Gateway) handleHeartbeat(ctx context.Context, conn *Conn, env *Envelope) {
	if _, err := g.presence.Heartbeat(ctx, conn.principal.Subject); err != nil {
		g.replyServiceError(ctx, conn, env, err)
		return
	}
	g.replySuccess(conn, env, nil)
}

// disconnect runs once the read loop ends: room cleanup, presence delete,
// last-seen stamp. Unclean drops skip none of it because the read loop exits
// on any error.
func (g *Gateway) disconnect(conn *Conn) {
	g.rooms.LeaveAll(conn)
	g.unregister(conn)
	conn.close()
	metrics.ActiveConnections.Dec()

	principal := conn.principal
	if principal == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()
	if err := g.presence.MarkOffline(ctx, principal.Subject); err != nil {
		// The TTL catches what this delete missed.
		g.logger.LogError(ctx, err, "failed to mark user offline", "user_id", principal.Subject)
	}

	g.lastSeen.Record(principal.Subject)

	g.logger.Info("connection closed",
		slog.String("conn_id", conn.id),
		slog.String("user_id", principal.Subject))
}

// Shutdown stops accepting connections, asks every socket to close, and
// waits for the disconnect paths and the fan-out worker to finish or the
// context to lapse. Last-seen stamps are queued by the disconnect paths;
// the caller drains the writer afterwards.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	conns := make([]*Conn, 0, len(g.conns))
	for c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.Unlock()

	close(g.fanoutDone)

	for _, c := range conns {
		c.shutdown(websocket.CloseGoingAway, "server is shutting down")
	}

	done := make(chan struct{})
	go func() {
		g.handlers.Wait()
		g.fanoutWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		g.logger.Info("gateway shut down", slog.Int("connections_closed", len(conns)))
		return nil
	case <-ctx.Done():
		for _, c := range conns {
			c.close()
		}
		return ctx.Err()
	}
}

func (g *Gateway) register(conn *Conn) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.conns[conn] = struct{}{}
	return true
}

func (g *Gateway) unregister(conn *Conn) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.conns, conn)
}

func (g *Gateway) isClosed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

// send encodes one frame for one connection.
func (g *Gateway) send(conn *Conn, event string, data interface{}, ack *int64) {
	frame, err := encodeFrame(event, data, ack)
	if err != nil {
		g.logger.Error("failed to encode frame",
			slog.String("event", event),
			slog.String("error", err.Error()))
		return
	}
	conn.enqueue(frame)
}

// broadcast encodes one frame for a room.
func (g *Gateway) broadcast(room, event string, data interface{}, except *Conn) {
	frame, err := encodeFrame(event, data, nil)
	if err != nil {
		g.logger.Error("failed to encode frame",
			slog.String("event", event),
			slog.String("error", err.Error()))
		return
	}
	g.rooms.Broadcast(room, frame, except)
}

func (g *Gateway) replySuccess(conn *Conn, env *Envelope, extra map[string]interface{}) {
	data := map[string]interface{}{"success": true}
	for k, v := range extra {
		data[k] = v
	}
	g.send(conn, EventAck, data, env.Ack)
}

func (g *Gateway) replyError(conn *Conn, env *Envelope, msg string) {
	g.send(conn, EventAck, map[string]interface{}{"success": false, "error": msg}, env.Ack)
}

// replyServiceError maps a classified service error onto the wire. The
// client sees the safe message; unclassified causes are logged here and
// surface as a generic internal error the client may retry.
func (g *Gateway) replyServiceError(ctx context.Context, conn *Conn, env *Envelope, err error) {
	if apierrors.KindOf(err) == apierrors.KindInternal {
		g.logger.LogError(ctx, err, "gateway event failed",
			"event", env.Event,
			"conn_id", conn.id)
	}
	g.replyError(conn, env, apierrors.Message(err))
}
