package main

import "encoding/json"

// Envelope frames every WebSocket message in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Client-to-server events.
const (
	EventRoomCreate = "room:create"
	EventRoomJoin   = "room:join"
	EventRoomLeave  = "room:leave"
	EventRoomReady  = "room:ready"
	EventGameMove   = "game:move"
	EventChatSend   = "chat:send"
	EventUserPing   = "user:ping"
)

// Server-to-client events.
const (
	EventRoomJoined      = "room:joined"
	EventRoomLeft        = "room:left"
	EventRoomStatus      = "room:status"
	EventGameMoveApplied = "game:move"
	EventGameState       = "game:state"
	EventChatMessage     = "chat:message"
	EventUserPong        = "user:pong"
	EventError           = "error"
)

// Error codes surfaced to clients.
const (
	CodeRoomNotFound  = "ROOM_NOT_FOUND"
	CodeRoomFull      = "ROOM_FULL"
	CodeNotInRoom     = "NOT_IN_ROOM"
	CodeJoinFailed    = "JOIN_FAILED"
	CodeChatRateLimit = "CHAT_RATE_LIMIT"
	CodeRateLimited   = "RATE_LIMITED"
	CodeBadRequest    = "BAD_REQUEST"
	CodeInternal      = "INTERNAL_ERROR"
)

// ErrorPayload is the data of an error event.
type ErrorPayload struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	RetryAfter int64  `json:"retry_after_ms,omitempty"`
}

type roomCreateRequest struct {
	GameType   string `json:"gameType"`
	MaxPlayers int    `json:"maxPlayers"`
}

type roomRequest struct {
	RoomID string `json:"roomId"`
}

type roomReadyRequest struct {
	RoomID string `json:"roomId"`
	Ready  bool   `json:"ready"`
}

type gameMoveRequest struct {
	RoomID string          `json:"roomId"`
	Move   json.RawMessage `json:"move"`
}

type chatSendRequest struct {
	RoomID  string `json:"roomId,omitempty"`
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
}

type pingRequest struct {
	Timestamp int64 `json:"timestamp"`
}

type pongResponse struct {
	Timestamp int64 `json:"timestamp"`
	ServerMs  int64 `json:"serverMs"`
}

type movePayload struct {
	RoomID   string          `json:"roomId"`
	Move     json.RawMessage `json:"move"`
	PlayerID string          `json:"playerId"`
	Sequence uint64          `json:"sequence"`
}
