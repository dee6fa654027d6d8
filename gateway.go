package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"playgrid/syncd/internal/audit"
	"playgrid/syncd/internal/auth"
	"playgrid/syncd/internal/bus"
	"playgrid/syncd/internal/chat"
	"playgrid/syncd/internal/config"
	"playgrid/syncd/internal/games"
	"playgrid/syncd/internal/gamestate"
	"playgrid/syncd/internal/logging"
	"playgrid/syncd/internal/metrics"
	"playgrid/syncd/internal/ratelimit"
	"playgrid/syncd/internal/reconnect"
	"playgrid/syncd/internal/registry"
	"playgrid/syncd/internal/rooms"
	"playgrid/syncd/internal/store"
)

// Gateway owns the WebSocket surface of one server process: it upgrades
// connections, routes client events through the domain services, and relays
// bus traffic back to the sockets it holds.
type Gateway struct {
	cfg       *config.Config
	log       *logging.Logger
	store     store.Store
	bus       bus.Bus
	registry  *registry.Registry
	rooms     *rooms.Manager
	states    *gamestate.Store
	engine    *games.Engine
	limiter   *ratelimit.Limiter
	chat      *chat.Service
	collector *metrics.Collector
	audit     *audit.Reporter
	retries   *reconnect.Coordinator
	verifier  *auth.Verifier
	processID string
	startedAt time.Time
	upgrader  websocket.Upgrader

	mu       sync.RWMutex
	clients  map[string]*client
	members  map[string]map[string]*client
	lastSeen map[string]uint64
}

// GatewayDeps bundles the collaborators the gateway routes between.
type GatewayDeps struct {
	Config    *config.Config
	Logger    *logging.Logger
	Store     store.Store
	Bus       bus.Bus
	Registry  *registry.Registry
	Rooms     *rooms.Manager
	States    *gamestate.Store
	Engine    *games.Engine
	Limiter   *ratelimit.Limiter
	Chat      *chat.Service
	Collector *metrics.Collector
	Audit     *audit.Reporter
	Retries   *reconnect.Coordinator
	Verifier  *auth.Verifier
	ProcessID string
}

// NewGateway wires the gateway.
func NewGateway(deps GatewayDeps) *Gateway {
	logger := deps.Logger
	if logger == nil {
		logger = logging.L()
	}
	g := &Gateway{
		cfg:       deps.Config,
		log:       logger,
		store:     deps.Store,
		bus:       deps.Bus,
		registry:  deps.Registry,
		rooms:     deps.Rooms,
		states:    deps.States,
		engine:    deps.Engine,
		limiter:   deps.Limiter,
		chat:      deps.Chat,
		collector: deps.Collector,
		audit:     deps.Audit,
		retries:   deps.Retries,
		verifier:  deps.Verifier,
		processID: deps.ProcessID,
		startedAt: time.Now(),
		clients:   make(map[string]*client),
		members:   make(map[string]map[string]*client),
		lastSeen:  make(map[string]uint64),
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     g.checkOrigin,
	}
	return g
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	if len(g.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	for _, allowed := range g.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// client is one live WebSocket connection.
type client struct {
	id       string
	identity *auth.Identity
	conn     *websocket.Conn
	send     chan []byte
	gateway  *Gateway
	closed   sync.Once
}

// enqueue frames and queues an event for delivery; a saturated outbound
// buffer drops the connection rather than blocking the caller.
func (c *client) enqueue(event string, data interface{}) {
	if c == nil {
		return
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return
	}
	frame, err := json.Marshal(Envelope{Event: event, Data: raw})
	if err != nil {
		return
	}
	g := c.gateway
	g.mu.Lock()
	g.pushLocked(c, frame)
	g.mu.Unlock()
}

func (c *client) sendError(code, message string) {
	c.enqueue(EventError, ErrorPayload{Code: code, Message: message})
}

func (c *client) sendRateLimited(code string, retryAfter time.Duration) {
	c.enqueue(EventError, ErrorPayload{
		Code:       code,
		Message:    "rate limit exceeded",
		RetryAfter: retryAfter.Milliseconds(),
	})
}

func (c *client) close() {
	c.closed.Do(func() {
		close(c.send)
	})
}

// pushLocked queues a frame on a connection still present in the client map.
// On a full buffer it evicts the connection instead of blocking. Every send
// to a client channel goes through here under g.mu, so the channel is never
// closed while another goroutine can still target it.
func (g *Gateway) pushLocked(c *client, frame []byte) {
	if _, ok := g.clients[c.id]; !ok {
		return
	}
	select {
	case c.send <- frame:
	default:
		g.evictLocked(c)
	}
}

// evictLocked removes the connection from every fan-out map and closes its
// queue. Callers hold g.mu.
func (g *Gateway) evictLocked(c *client) {
	delete(g.clients, c.id)
	for roomID, members := range g.members {
		delete(members, c.id)
		if len(members) == 0 {
			delete(g.members, roomID)
			delete(g.lastSeen, roomID)
		}
	}
	c.close()
}

// ServeWS upgrades the connection, authenticates it, and starts the pumps.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Auth-Token"))
	}
	identity, err := g.verifier.Authenticate(token, r.URL.Query().Get("name"))
	if err != nil {
		g.log.Warn("websocket auth failed", logging.Error(err), logging.String("remote_addr", r.RemoteAddr))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	if g.cfg.MaxClients > 0 && g.ClientCount() >= g.cfg.MaxClients {
		http.Error(w, "server full", http.StatusServiceUnavailable)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn("websocket upgrade failed", logging.Error(err))
		return
	}

	c := &client{
		id:       uuid.NewString(),
		identity: identity,
		conn:     conn,
		send:     make(chan []byte, 256),
		gateway:  g,
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.StoreTimeout)
	defer cancel()
	if _, err := g.registry.Register(ctx, c.id, identity.UserID, identity.DisplayName); err != nil {
		g.log.Error("session register failed", logging.Error(err), logging.String("user_id", identity.UserID))
		conn.Close()
		return
	}

	g.mu.Lock()
	g.clients[c.id] = c
	g.mu.Unlock()

	g.log.Info("client connected",
		logging.String("conn_id", c.id),
		logging.String("user_id", identity.UserID),
	)
	g.collector.Add("connections_total", 1)

	go c.writePump()
	go c.readPump()
}

// readPump consumes frames until the socket dies, then triggers cleanup.
func (c *client) readPump() {
	g := c.gateway
	defer c.conn.Close()

	c.conn.SetReadLimit(g.cfg.MaxPayloadBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(g.cfg.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		//1.- Transport pongs double as liveness heartbeats.
		_ = c.conn.SetReadDeadline(time.Now().Add(g.cfg.PongTimeout))
		_ = g.registry.Heartbeat(context.Background(), c.id)
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			abnormal := websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway)
			g.dropClient(c, abnormal)
			return
		}
		g.dispatch(c, raw)
	}
}

// writePump flushes the outbound queue and keeps transport pings flowing.
func (c *client) writePump() {
	g := c.gateway
	ticker := time.NewTicker(g.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteMessage(websocket.PingMessage, []byte{}); err != nil {
				return
			}
		}
	}
}

// dispatch decodes the envelope and routes to the event handler.
func (g *Gateway) dispatch(c *client, raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.sendError(CodeBadRequest, "malformed envelope")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.StoreTimeout)
	defer cancel()

	switch env.Event {
	case EventRoomCreate:
		g.handleRoomCreate(ctx, c, env.Data)
	case EventRoomJoin:
		g.handleRoomJoin(ctx, c, env.Data)
	case EventRoomLeave:
		g.handleRoomLeave(ctx, c, env.Data)
	case EventRoomReady:
		g.handleRoomReady(ctx, c, env.Data)
	case EventGameMove:
		g.handleGameMove(ctx, c, env.Data)
	case EventChatSend:
		g.handleChatSend(ctx, c, env.Data)
	case EventUserPing:
		g.handleUserPing(ctx, c, env.Data)
	default:
		c.sendError(CodeBadRequest, "unknown event "+env.Event)
	}
}

// dropClient tears local state down. Abnormal closes keep the session and
// room membership alive so the client can reconnect; the retry budget and
// session TTL bound how long that grace lasts.
func (g *Gateway) dropClient(c *client, abnormal bool) {
	g.mu.Lock()
	g.evictLocked(c)
	g.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.StoreTimeout)
	defer cancel()

	if abnormal {
		g.collector.Add("disconnects_abnormal", 1)
		if g.retries.ConnectionLost(c.id) {
			g.log.Info("reconnect window open",
				logging.String("conn_id", c.id),
				logging.Int("attempts", g.retries.Attempts(c.id)),
			)
			return
		}
	}
	g.cleanupSession(ctx, c.id)
}

// cleanupSession removes the session and its room memberships everywhere.
func (g *Gateway) cleanupSession(ctx context.Context, connID string) {
	session, err := g.registry.Unregister(ctx, connID)
	if err != nil {
		if err != registry.ErrSessionNotFound {
			g.log.Warn("session unregister failed", logging.Error(err), logging.String("conn_id", connID))
		}
		return
	}
	for _, roomID := range session.Rooms {
		g.leaveRoomEverywhere(ctx, roomID, session.UserID)
	}
	g.log.Info("client disconnected",
		logging.String("conn_id", connID),
		logging.String("user_id", session.UserID),
	)
}

// leaveRoomEverywhere removes the user from the shared room record and
// announces the departure.
func (g *Gateway) leaveRoomEverywhere(ctx context.Context, roomID, userID string) {
	room, err := g.rooms.LeaveRoom(ctx, roomID, userID)
	if err != nil {
		return
	}
	payload, err := json.Marshal(map[string]interface{}{
		"roomId": roomID,
		"userId": userID,
		"room":   room,
	})
	if err != nil {
		return
	}
	_, _ = g.bus.Publish(ctx, &bus.Event{Kind: bus.KindRoomLeft, RoomID: roomID, Payload: payload})
}

// joinLocal subscribes the connection to local fan-out for the room.
func (g *Gateway) joinLocal(roomID string, c *client) {
	g.mu.Lock()
	members, ok := g.members[roomID]
	if !ok {
		members = make(map[string]*client)
		g.members[roomID] = members
	}
	members[c.id] = c
	g.mu.Unlock()
}

func (g *Gateway) leaveLocal(roomID string, c *client) {
	g.mu.Lock()
	if members, ok := g.members[roomID]; ok {
		delete(members, c.id)
		if len(members) == 0 {
			delete(g.members, roomID)
			delete(g.lastSeen, roomID)
		}
	}
	g.mu.Unlock()
}

// ConsumeBus relays cluster events to the sockets this process owns until
// the context is cancelled.
func (g *Gateway) ConsumeBus(ctx context.Context) error {
	sub, err := g.bus.Subscribe(ctx, "gateway-"+g.processID, 256)
	if err != nil {
		return err
	}
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-sub.Events():
			if !ok {
				return nil
			}
			g.deliver(event)
			if err := sub.Ack(event.Sequence); err != nil {
				g.log.Warn("bus ack failed", logging.Error(err))
			}
		}
	}
}

// deliver maps a bus event onto the local clients that should see it.
func (g *Gateway) deliver(event *bus.Event) {
	if event == nil {
		return
	}
	var wireEvent string
	switch event.Kind {
	case bus.KindRoomJoined:
		wireEvent = EventRoomJoined
	case bus.KindRoomLeft:
		wireEvent = EventRoomLeft
	case bus.KindRoomStatus:
		wireEvent = EventRoomStatus
	case bus.KindGameMove:
		wireEvent = EventGameMoveApplied
	case bus.KindGameState:
		if !g.freshStateVersion(event) {
			//1.- At-least-once delivery: replayed versions are dropped here.
			return
		}
		wireEvent = EventGameState
	case bus.KindChatMessage:
		wireEvent = EventChatMessage
	default:
		return
	}

	frame, err := json.Marshal(Envelope{Event: wireEvent, Data: event.Payload})
	if err != nil {
		return
	}

	g.mu.Lock()
	var targets []*client
	if event.RoomID == "" {
		targets = make([]*client, 0, len(g.clients))
		for _, c := range g.clients {
			targets = append(targets, c)
		}
	} else {
		members := g.members[event.RoomID]
		targets = make([]*client, 0, len(members))
		for _, c := range members {
			targets = append(targets, c)
		}
	}
	for _, c := range targets {
		g.pushLocked(c, frame)
	}
	g.mu.Unlock()
	g.collector.Add("broadcasts_total", 1)
}

// freshStateVersion reports whether the state event advances the room's
// last-delivered version, updating the watermark when it does.
func (g *Gateway) freshStateVersion(event *bus.Event) bool {
	var state gamestate.StateEvent
	if err := json.Unmarshal(event.Payload, &state); err != nil {
		return true
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if last, ok := g.lastSeen[event.RoomID]; ok && state.Version <= last {
		return false
	}
	g.lastSeen[event.RoomID] = state.Version
	return true
}

// ClientCount reports the sockets this process currently holds.
func (g *Gateway) ClientCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.clients)
}

// RoomCount reports how many rooms have local members.
func (g *Gateway) RoomCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.members)
}

// StoreHealthy pings the shared store.
func (g *Gateway) StoreHealthy(ctx context.Context) error {
	return g.store.Ping(ctx)
}

// Uptime reports how long the gateway has been serving.
func (g *Gateway) Uptime() time.Duration {
	return time.Since(g.startedAt)
}

// HandleReapedSession releases room membership for sessions the sweeper
// expired, keeping the membership invariant intact across crashed clients.
func (g *Gateway) HandleReapedSession(session registry.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.StoreTimeout)
	defer cancel()
	for _, roomID := range session.Rooms {
		g.leaveRoomEverywhere(ctx, roomID, session.UserID)
	}
}

// HandleRetryProbe runs when a reconnect timer elapses. A returned user or an
// already-expired session clears the counter; continued absence burns another
// attempt until the coordinator gives up.
func (g *Gateway) HandleRetryProbe(connID string, attempt int) {
	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.StoreTimeout)
	defer cancel()

	session, err := g.registry.Lookup(ctx, connID)
	if err != nil {
		//1.- The TTL or an explicit disconnect already retired the session.
		g.retries.ConnectionSucceeded(connID)
		return
	}
	if g.userHasLiveClient(session.UserID) {
		//2.- The user came back on a fresh socket; retire the stale record
		// without touching room membership, which keys on the user.
		g.retries.ConnectionSucceeded(connID)
		if _, err := g.registry.Unregister(ctx, connID); err != nil && err != registry.ErrSessionNotFound {
			g.log.Warn("stale session cleanup failed", logging.Error(err), logging.String("conn_id", connID))
		}
		return
	}
	if g.retries.ConnectionLost(connID) {
		g.log.Info("reconnect window extended",
			logging.String("conn_id", connID),
			logging.Int("attempt", attempt+1),
		)
	}
}

func (g *Gateway) userHasLiveClient(userID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, c := range g.clients {
		if c.identity.UserID == userID {
			return true
		}
	}
	return false
}

// HandleGiveUp runs when a connection exhausts its reconnect budget.
func (g *Gateway) HandleGiveUp(connID string) {
	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.StoreTimeout)
	defer cancel()

	if session, err := g.registry.Lookup(ctx, connID); err == nil {
		//1.- Room mates get a visible notice that the player is gone for good.
		for _, roomID := range session.Rooms {
			_, _ = g.chat.Send(ctx, roomID, "system", "server",
				session.DisplayName+" lost connection", chat.TypeSystem)
		}
	}
	g.cleanupSession(ctx, connID)
	g.collector.Add("reconnect_giveups", 1)
}
