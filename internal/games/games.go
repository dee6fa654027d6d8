// Package games hosts the per-game-type move validation state machines. Each
// machine is a pure function of (current payload, move, player) producing the
// next payload, so the callers own all storage and broadcast concerns.
package games

import (
	"encoding/json"
	"fmt"
)

// Type identifies one of the supported game types.
type Type string

const (
	// TypeConnect is the four-in-a-row line connection game.
	TypeConnect Type = "connect"
	// TypeGrid is the 3x3 grid mark game.
	TypeGrid Type = "grid"
	// TypeChess is the turn-based board game with time control.
	TypeChess Type = "chess"
	// TypeCards is the card shedding game.
	TypeCards Type = "cards"
	// TypeBlocks is the falling block battle game.
	TypeBlocks Type = "blocks"
)

// Known reports whether t names a supported game type.
func Known(t Type) bool {
	switch t {
	case TypeConnect, TypeGrid, TypeChess, TypeCards, TypeBlocks:
		return true
	}
	return false
}

// MinPlayers is the smallest player count a room of this type can start with.
// Every supported game needs two.
func MinPlayers(t Type) int {
	return 2
}

// MaxPlayers bounds the room capacity per type.
func MaxPlayers(t Type) int {
	switch t {
	case TypeCards:
		return 8
	case TypeBlocks:
		return 6
	default:
		return 2
	}
}

// Rejection is a typed validation failure. It carries a wire error code so
// the caller can notify the acting client without mutating any state.
type Rejection struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func reject(code, format string, args ...interface{}) *Rejection {
	return &Rejection{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Rejection codes shared across game types.
const (
	CodeNotYourTurn  = "NOT_YOUR_TURN"
	CodeCellOccupied = "CELL_OCCUPIED"
	CodeColumnFull   = "COLUMN_FULL"
)

// MoveFailedCode is the per-type fallback rejection code.
func MoveFailedCode(t Type) string {
	switch t {
	case TypeConnect:
		return "CONNECT_MOVE_FAILED"
	case TypeGrid:
		return "GRID_MOVE_FAILED"
	case TypeChess:
		return "CHESS_MOVE_FAILED"
	case TypeCards:
		return "CARDS_MOVE_FAILED"
	case TypeBlocks:
		return "BLOCKS_MOVE_FAILED"
	}
	return "MOVE_FAILED"
}

// Result is the outcome of an accepted move.
type Result struct {
	Payload *Payload `json:"payload"`
	// Terminal marks the game as finished by this move.
	Terminal bool `json:"terminal"`
	// WinnerID is set when Terminal and the game has a winner.
	WinnerID string `json:"winner_id,omitempty"`
	// Draw is set when Terminal without a winner.
	Draw bool `json:"draw,omitempty"`
	// Check flags an alert state for board games with check semantics.
	Check bool `json:"check,omitempty"`
	// AttackLines reports the garbage sent to opponents by a block clear.
	AttackLines int `json:"attack_lines,omitempty"`
}

// Engine dispatches moves to the per-type state machines.
type Engine struct{}

// NewEngine constructs the dispatch surface.
func NewEngine() *Engine { return &Engine{} }

// ValidateAndApply validates the move against the payload and returns either
// the resulting state or a typed rejection. The input payload is never
// mutated; accepted moves return a fresh payload.
func (e *Engine) ValidateAndApply(payload *Payload, rawMove json.RawMessage, playerID string) (*Result, *Rejection) {
	if payload == nil {
		return nil, reject("MOVE_FAILED", "no game state")
	}
	switch payload.Type {
	case TypeConnect:
		move := &ConnectMove{}
		if err := json.Unmarshal(rawMove, move); err != nil {
			return nil, reject(MoveFailedCode(TypeConnect), "malformed move: %v", err)
		}
		return applyConnect(payload, move, playerID)
	case TypeGrid:
		move := &GridMove{}
		if err := json.Unmarshal(rawMove, move); err != nil {
			return nil, reject(MoveFailedCode(TypeGrid), "malformed move: %v", err)
		}
		return applyGrid(payload, move, playerID)
	case TypeChess:
		move := &ChessMove{}
		if err := json.Unmarshal(rawMove, move); err != nil {
			return nil, reject(MoveFailedCode(TypeChess), "malformed move: %v", err)
		}
		return applyChess(payload, move, playerID)
	case TypeCards:
		move := &CardsMove{}
		if err := json.Unmarshal(rawMove, move); err != nil {
			return nil, reject(MoveFailedCode(TypeCards), "malformed move: %v", err)
		}
		return applyCards(payload, move, playerID)
	case TypeBlocks:
		move := &BlocksMove{}
		if err := json.Unmarshal(rawMove, move); err != nil {
			return nil, reject(MoveFailedCode(TypeBlocks), "malformed move: %v", err)
		}
		return applyBlocks(payload, move, playerID)
	}
	return nil, reject("MOVE_FAILED", "unknown game type %q", payload.Type)
}
