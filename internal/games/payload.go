package games

import (
	"encoding/json"
	"fmt"
)

// Payload is the tagged union stored as GameState.payload. Exactly one of the
// per-type branches is populated, selected by Type.
type Payload struct {
	Type    Type          `json:"type"`
	Connect *ConnectState `json:"connect,omitempty"`
	Grid    *GridState    `json:"grid,omitempty"`
	Chess   *ChessState   `json:"chess,omitempty"`
	Cards   *CardsState   `json:"cards,omitempty"`
	Blocks  *BlocksState  `json:"blocks,omitempty"`
}

// Connect board dimensions.
const (
	ConnectRows    = 6
	ConnectColumns = 7
)

// ConnectState is the four-in-a-row board. Row 0 is the bottom, so a dropped
// piece settles at the lowest empty row of its column.
type ConnectState struct {
	Board   [ConnectRows][ConnectColumns]string `json:"board"`
	Players []string                            `json:"players"`
	Turn    int                                 `json:"turn"`
}

// ConnectMove drops a piece into a column.
type ConnectMove struct {
	Column int `json:"column"`
}

// GridState is the 3x3 mark board; cells index row-major.
type GridState struct {
	Cells   [9]string `json:"cells"`
	Players []string  `json:"players"`
	Turn    int       `json:"turn"`
}

// GridMove marks a cell.
type GridMove struct {
	Cell int `json:"cell"`
}

// ChessState carries the client-supplied board plus the authoritative clocks.
// Players[0] moves first.
type ChessState struct {
	Board    json.RawMessage `json:"board,omitempty"`
	Players  []string        `json:"players"`
	Turn     int             `json:"turn"`
	ClocksMs map[string]int64 `json:"clocks_ms"`
	InCheck  bool            `json:"in_check"`
}

// ChessMove submits the board after the move along with thinking time and the
// client's check/checkmate evaluation.
type ChessMove struct {
	Board     json.RawMessage `json:"board,omitempty"`
	Notation  string          `json:"notation,omitempty"`
	ElapsedMs int64           `json:"elapsed_ms"`
	Check     bool            `json:"check"`
	Checkmate bool            `json:"checkmate"`
}

// Card kinds recognised by the card shedding game.
const (
	CardNumber  = "number"
	CardReverse = "reverse"
	CardSkip    = "skip"
	CardDraw2   = "draw2"
	CardDraw4   = "draw4"
	CardWild    = "wild"
)

// CardsState tracks hand counts and shared turn state. Hands hold counts
// only; the actual cards live on the clients.
type CardsState struct {
	Players       []string       `json:"players"`
	Hands         map[string]int `json:"hands"`
	Turn          int            `json:"turn"`
	Direction     int            `json:"direction"`
	PendingDraw   int            `json:"pending_draw"`
	DeclaredColor string         `json:"declared_color,omitempty"`
}

// CardsMove either plays one card or draws.
type CardsMove struct {
	Action        string `json:"action"`
	Card          string `json:"card,omitempty"`
	Color         string `json:"color,omitempty"`
	DeclaredColor string `json:"declared_color,omitempty"`
}

// BlocksState tracks the battle royale bookkeeping for the falling block
// game: who is alive, pending garbage, and per-player combo streaks.
type BlocksState struct {
	Players        []string       `json:"players"`
	Alive          map[string]bool `json:"alive"`
	PendingGarbage map[string]int  `json:"pending_garbage"`
	Combos         map[string]int  `json:"combos"`
}

// BlocksMove reports a board event: lines cleared by a placement, garbage
// consumed, or the player topping out.
type BlocksMove struct {
	LinesCleared   int  `json:"lines_cleared"`
	GarbageApplied int  `json:"garbage_applied"`
	GameOver       bool `json:"game_over"`
}

// NewPayload builds the initial payload for a game of type t between the
// ordered players.
func NewPayload(t Type, players []string) (*Payload, error) {
	if len(players) < MinPlayers(t) {
		return nil, fmt.Errorf("game %s needs at least %d players, got %d", t, MinPlayers(t), len(players))
	}
	ordered := append([]string(nil), players...)
	switch t {
	case TypeConnect:
		return &Payload{Type: t, Connect: &ConnectState{Players: ordered}}, nil
	case TypeGrid:
		return &Payload{Type: t, Grid: &GridState{Players: ordered}}, nil
	case TypeChess:
		clocks := make(map[string]int64, len(ordered))
		for _, p := range ordered {
			//1.- Default time control is 10 minutes per side.
			clocks[p] = 10 * 60 * 1000
		}
		return &Payload{Type: t, Chess: &ChessState{Players: ordered, ClocksMs: clocks}}, nil
	case TypeCards:
		hands := make(map[string]int, len(ordered))
		for _, p := range ordered {
			//2.- Everyone starts with the standard seven card hand.
			hands[p] = 7
		}
		return &Payload{Type: t, Cards: &CardsState{Players: ordered, Hands: hands, Direction: 1}}, nil
	case TypeBlocks:
		alive := make(map[string]bool, len(ordered))
		garbage := make(map[string]int, len(ordered))
		combos := make(map[string]int, len(ordered))
		for _, p := range ordered {
			alive[p] = true
			garbage[p] = 0
			combos[p] = 0
		}
		return &Payload{Type: t, Blocks: &BlocksState{Players: ordered, Alive: alive, PendingGarbage: garbage, Combos: combos}}, nil
	}
	return nil, fmt.Errorf("unknown game type %q", t)
}

// Clone deep-copies the payload so state machines never mutate their input.
func (p *Payload) Clone() *Payload {
	if p == nil {
		return nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil
	}
	clone := &Payload{}
	if err := json.Unmarshal(data, clone); err != nil {
		return nil
	}
	return clone
}
