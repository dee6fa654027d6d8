package main

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"playgrid/syncd/internal/bus"
	"playgrid/syncd/internal/chat"
	"playgrid/syncd/internal/games"
	"playgrid/syncd/internal/gamestate"
	"playgrid/syncd/internal/logging"
	"playgrid/syncd/internal/ratelimit"
	"playgrid/syncd/internal/rooms"
)

// Per-user budgets for the high-traffic surfaces. Moves carry a tight burst
// tier on top of the sustained tier; the first denied tier wins.
var (
	moveRules = []ratelimit.Rule{
		{Scope: "move:burst", Limit: 5, Window: time.Second},
		{Scope: "move", Limit: 30, Window: 10 * time.Second},
	}
	roomOpsRule = ratelimit.Rule{Scope: "roomops", Limit: 10, Window: 10 * time.Second}
)

// ChatRules is the tiered budget handed to the chat service.
var ChatRules = []ratelimit.Rule{
	{Scope: "chat:burst", Limit: 3, Window: time.Second},
	{Scope: "chat", Limit: 20, Window: 30 * time.Second},
}

func (g *Gateway) handleRoomCreate(ctx context.Context, c *client, data json.RawMessage) {
	var req roomCreateRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.sendError(CodeBadRequest, "malformed room:create")
		return
	}
	if decision, _ := g.limiter.Allow(ctx, roomOpsRule, c.identity.UserID); !decision.Allowed {
		c.sendRateLimited(CodeRateLimited, decision.RetryAfter)
		return
	}

	room, err := g.rooms.CreateRoom(ctx, games.Type(req.GameType), req.MaxPlayers, c.identity.UserID)
	if err != nil {
		if errors.Is(err, rooms.ErrUnknownGameType) {
			c.sendError(CodeBadRequest, err.Error())
			return
		}
		g.log.Error("room create failed", logging.Error(err), logging.String("user_id", c.identity.UserID))
		c.sendError(CodeInternal, "could not create room")
		return
	}

	g.finishJoin(ctx, c, room)
	g.collector.Add("rooms_created", 1)
}

func (g *Gateway) handleRoomJoin(ctx context.Context, c *client, data json.RawMessage) {
	var req roomRequest
	if err := json.Unmarshal(data, &req); err != nil || req.RoomID == "" {
		c.sendError(CodeBadRequest, "malformed room:join")
		return
	}
	if decision, _ := g.limiter.Allow(ctx, roomOpsRule, c.identity.UserID); !decision.Allowed {
		c.sendRateLimited(CodeRateLimited, decision.RetryAfter)
		return
	}

	room, err := g.rooms.JoinRoom(ctx, req.RoomID, c.identity.UserID)
	switch {
	case errors.Is(err, rooms.ErrRoomNotFound):
		c.sendError(CodeRoomNotFound, "room "+req.RoomID+" does not exist")
		return
	case errors.Is(err, rooms.ErrRoomFull):
		c.sendError(CodeRoomFull, "room "+req.RoomID+" is full")
		return
	case errors.Is(err, rooms.ErrConflict):
		c.sendError(CodeJoinFailed, "room is busy, try again")
		return
	case err != nil:
		g.log.Error("room join failed", logging.Error(err), logging.String("room_id", req.RoomID))
		c.sendError(CodeInternal, "could not join room")
		return
	}

	g.finishJoin(ctx, c, room)
}

// finishJoin records the membership everywhere and announces it.
func (g *Gateway) finishJoin(ctx context.Context, c *client, room *rooms.Room) {
	if err := g.registry.AddRoom(ctx, c.id, room.RoomID); err != nil {
		g.log.Warn("room tracking failed", logging.Error(err), logging.String("conn_id", c.id))
	}
	g.joinLocal(room.RoomID, c)
	g.publishRoomEvent(ctx, bus.KindRoomJoined, room.RoomID, map[string]interface{}{
		"roomId": room.RoomID,
		"userId": c.identity.UserID,
		"name":   c.identity.DisplayName,
		"room":   room,
	})
}

func (g *Gateway) handleRoomLeave(ctx context.Context, c *client, data json.RawMessage) {
	var req roomRequest
	if err := json.Unmarshal(data, &req); err != nil || req.RoomID == "" {
		c.sendError(CodeBadRequest, "malformed room:leave")
		return
	}

	room, err := g.rooms.LeaveRoom(ctx, req.RoomID, c.identity.UserID)
	switch {
	case errors.Is(err, rooms.ErrRoomNotFound):
		c.sendError(CodeRoomNotFound, "room "+req.RoomID+" does not exist")
		return
	case errors.Is(err, rooms.ErrNotInRoom):
		c.sendError(CodeNotInRoom, "you are not in that room")
		return
	case err != nil:
		g.log.Error("room leave failed", logging.Error(err), logging.String("room_id", req.RoomID))
		c.sendError(CodeInternal, "could not leave room")
		return
	}

	g.leaveLocal(req.RoomID, c)
	if err := g.registry.RemoveRoom(ctx, c.id, req.RoomID); err != nil {
		g.log.Warn("room tracking failed", logging.Error(err), logging.String("conn_id", c.id))
	}
	g.publishRoomEvent(ctx, bus.KindRoomLeft, req.RoomID, map[string]interface{}{
		"roomId": req.RoomID,
		"userId": c.identity.UserID,
		"room":   room,
	})
	//1.- The leaver is no longer subscribed; confirm directly.
	c.enqueue(EventRoomLeft, map[string]interface{}{"roomId": req.RoomID, "userId": c.identity.UserID})
}

func (g *Gateway) handleRoomReady(ctx context.Context, c *client, data json.RawMessage) {
	var req roomReadyRequest
	if err := json.Unmarshal(data, &req); err != nil || req.RoomID == "" {
		c.sendError(CodeBadRequest, "malformed room:ready")
		return
	}

	room, err := g.rooms.SetReady(ctx, req.RoomID, c.identity.UserID, req.Ready)
	switch {
	case errors.Is(err, rooms.ErrRoomNotFound):
		c.sendError(CodeRoomNotFound, "room "+req.RoomID+" does not exist")
		return
	case errors.Is(err, rooms.ErrNotInRoom):
		c.sendError(CodeNotInRoom, "you are not in that room")
		return
	case err != nil:
		g.log.Error("ready toggle failed", logging.Error(err), logging.String("room_id", req.RoomID))
		c.sendError(CodeInternal, "could not update readiness")
		return
	}

	if room.Status == rooms.StatusPlaying {
		g.ensureGameState(ctx, room)
	}
	g.publishRoomEvent(ctx, bus.KindRoomStatus, room.RoomID, map[string]interface{}{
		"roomId": room.RoomID,
		"room":   room,
	})
}

// ensureGameState seeds version 0 when the room enters play. Create-only
// semantics make the seed race-safe across processes.
func (g *Gateway) ensureGameState(ctx context.Context, room *rooms.Room) {
	if _, err := g.states.Read(ctx, room.RoomID); err == nil {
		return
	} else if !errors.Is(err, gamestate.ErrStateNotFound) {
		g.log.Warn("game state read failed", logging.Error(err), logging.String("room_id", room.RoomID))
		return
	}

	payload, err := games.NewPayload(room.GameType, room.PlayerIDs())
	if err != nil {
		g.log.Error("initial payload failed", logging.Error(err), logging.String("room_id", room.RoomID))
		return
	}
	if _, err := g.states.Init(ctx, room.RoomID, payload); err != nil && !errors.Is(err, gamestate.ErrConflict) {
		g.log.Error("game state init failed", logging.Error(err), logging.String("room_id", room.RoomID))
	}
}

func (g *Gateway) handleGameMove(ctx context.Context, c *client, data json.RawMessage) {
	var req gameMoveRequest
	if err := json.Unmarshal(data, &req); err != nil || req.RoomID == "" || len(req.Move) == 0 {
		c.sendError(CodeBadRequest, "malformed game:move")
		return
	}
	if decision, _ := g.limiter.Tiers(ctx, moveRules, c.identity.UserID); !decision.Allowed {
		g.collector.Add("moves_rate_limited", 1)
		c.sendRateLimited(CodeRateLimited, decision.RetryAfter)
		return
	}

	room, err := g.rooms.GetRoom(ctx, req.RoomID)
	switch {
	case errors.Is(err, rooms.ErrRoomNotFound):
		c.sendError(CodeRoomNotFound, "room "+req.RoomID+" does not exist")
		return
	case err != nil:
		c.sendError(CodeInternal, "could not load room")
		return
	}
	if !room.HasPlayer(c.identity.UserID) {
		c.sendError(CodeNotInRoom, "you are not in that room")
		return
	}
	if room.Status != rooms.StatusPlaying {
		c.sendError(games.MoveFailedCode(room.GameType), "room is not playing")
		return
	}

	stop := g.collector.StartTiming("move_apply")
	defer stop()

	//1.- Validate against fresh state each attempt; a lost CAS race re-reads.
	for attempt := 0; attempt < g.cfg.ApplyRetryLimit; attempt++ {
		state, err := g.states.Read(ctx, req.RoomID)
		if err != nil {
			c.sendError(CodeInternal, "game state unavailable")
			return
		}

		result, rejection := g.engine.ValidateAndApply(state.Payload, req.Move, c.identity.UserID)
		if rejection != nil {
			g.collector.Add("moves_rejected", 1)
			g.audit.MoveRejected(ctx, req.RoomID, c.identity.UserID, rejection.Code)
			c.sendError(rejection.Code, rejection.Message)
			return
		}

		next, err := g.states.Apply(ctx, req.RoomID, state.Version, result.Payload, c.identity.UserID)
		if errors.Is(err, gamestate.ErrConflict) {
			continue
		}
		if err != nil {
			g.log.Error("move apply failed", logging.Error(err), logging.String("room_id", req.RoomID))
			c.sendError(CodeInternal, "could not apply move")
			return
		}

		g.collector.Add("moves_applied", 1)
		g.publishMove(ctx, req.RoomID, req.Move, c.identity.UserID, next.Version)
		if result.Terminal {
			g.finishGame(ctx, req.RoomID, result)
		}
		return
	}

	g.collector.Add("moves_conflicted", 1)
	c.sendError(games.MoveFailedCode(room.GameType), "room is busy, retry the move")
}

func (g *Gateway) publishMove(ctx context.Context, roomID string, move json.RawMessage, playerID string, version uint64) {
	payload, err := json.Marshal(movePayload{
		RoomID:   roomID,
		Move:     move,
		PlayerID: playerID,
		Sequence: version,
	})
	if err != nil {
		return
	}
	_, _ = g.bus.Publish(ctx, &bus.Event{Kind: bus.KindGameMove, RoomID: roomID, Payload: payload})
}

// finishGame transitions the room and announces the outcome.
func (g *Gateway) finishGame(ctx context.Context, roomID string, result *games.Result) {
	room, err := g.rooms.MarkFinished(ctx, roomID)
	if err != nil {
		g.log.Warn("finish transition failed", logging.Error(err), logging.String("room_id", roomID))
		return
	}
	g.publishRoomEvent(ctx, bus.KindRoomStatus, roomID, map[string]interface{}{
		"roomId":   roomID,
		"room":     room,
		"winnerId": result.WinnerID,
		"draw":     result.Draw,
	})
	g.collector.Add("games_finished", 1)
}

func (g *Gateway) handleChatSend(ctx context.Context, c *client, data json.RawMessage) {
	var req chatSendRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.sendError(CodeBadRequest, "malformed chat:send")
		return
	}

	msgType := chat.TypeGlobal
	if req.RoomID != "" {
		msgType = chat.TypeRoom
	}
	//1.- The channel follows the roomId; a declared type must agree with it,
	// and clients can never author system messages.
	if req.Type != "" && req.Type != string(msgType) {
		c.sendError(CodeBadRequest, "message type "+req.Type+" does not match the channel")
		return
	}
	if req.RoomID != "" {
		room, err := g.rooms.GetRoom(ctx, req.RoomID)
		if errors.Is(err, rooms.ErrRoomNotFound) {
			c.sendError(CodeRoomNotFound, "room "+req.RoomID+" does not exist")
			return
		}
		if err != nil {
			c.sendError(CodeInternal, "could not load room")
			return
		}
		if !room.HasPlayer(c.identity.UserID) {
			c.sendError(CodeNotInRoom, "you are not in that room")
			return
		}
	}

	_, err := g.chat.Send(ctx, req.RoomID, c.identity.UserID, c.identity.DisplayName, req.Message, msgType)
	var limited *chat.RateLimitedError
	switch {
	case errors.As(err, &limited):
		c.sendRateLimited(CodeChatRateLimit, limited.RetryAfter)
		return
	case errors.Is(err, chat.ErrEmptyMessage), errors.Is(err, chat.ErrTooLong):
		c.sendError(CodeBadRequest, err.Error())
		return
	case err != nil:
		g.log.Error("chat send failed", logging.Error(err), logging.String("user_id", c.identity.UserID))
		c.sendError(CodeInternal, "could not send message")
		return
	}
	g.collector.Add("chat_messages", 1)
}

func (g *Gateway) handleUserPing(ctx context.Context, c *client, data json.RawMessage) {
	var req pingRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.sendError(CodeBadRequest, "malformed user:ping")
		return
	}
	if err := g.registry.Heartbeat(ctx, c.id); err != nil {
		g.log.Warn("heartbeat failed", logging.Error(err), logging.String("conn_id", c.id))
	}
	c.enqueue(EventUserPong, pongResponse{
		Timestamp: req.Timestamp,
		ServerMs:  time.Now().UnixMilli(),
	})
}

func (g *Gateway) publishRoomEvent(ctx context.Context, kind bus.Kind, roomID string, payload map[string]interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	_, _ = g.bus.Publish(ctx, &bus.Event{Kind: kind, RoomID: roomID, Payload: data})
}
