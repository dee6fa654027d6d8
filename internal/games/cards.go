package games

func applyCards(payload *Payload, move *CardsMove, playerID string) (*Result, *Rejection) {
	state := payload.Cards
	if state == nil {
		return nil, reject(MoveFailedCode(TypeCards), "cards state missing")
	}
	if !isTurn(state.Players, state.Turn, playerID) {
		return nil, reject(CodeNotYourTurn, "it is not your turn")
	}

	switch move.Action {
	case "play":
		return playCard(payload, move, playerID)
	case "draw":
		return drawCards(payload, playerID)
	}
	return nil, reject(MoveFailedCode(TypeCards), "unknown action %q", move.Action)
}

func playCard(payload *Payload, move *CardsMove, playerID string) (*Result, *Rejection) {
	state := payload.Cards
	if state.Hands[playerID] <= 0 {
		return nil, reject(MoveFailedCode(TypeCards), "hand is empty")
	}
	declared := move.DeclaredColor
	if declared == "" {
		declared = move.Color
	}
	if (move.Card == CardWild || move.Card == CardDraw4) && declared == "" {
		//1.- Wild cards must carry the colour the player declares.
		return nil, reject(MoveFailedCode(TypeCards), "wild card needs a declared color")
	}

	next := payload.Clone()
	ns := next.Cards
	ns.Hands[playerID]--
	ns.DeclaredColor = ""

	steps := 1
	switch move.Card {
	case CardReverse:
		ns.Direction = -ns.Direction
	case CardSkip:
		//2.- Skip advances past the next player.
		steps = 2
	case CardDraw2:
		ns.PendingDraw += 2
	case CardDraw4:
		ns.PendingDraw += 4
		ns.DeclaredColor = declared
	case CardWild:
		ns.DeclaredColor = declared
	}

	result := &Result{Payload: next}
	if ns.Hands[playerID] == 0 {
		result.Terminal = true
		result.WinnerID = playerID
		return result, nil
	}

	ns.Turn = advanceTurn(ns.Turn, ns.Direction, len(ns.Players), steps)
	return result, nil
}

func drawCards(payload *Payload, playerID string) (*Result, *Rejection) {
	next := payload.Clone()
	ns := next.Cards

	count := 1
	if ns.PendingDraw > 0 {
		//1.- A stacked draw penalty replaces the single courtesy draw.
		count = ns.PendingDraw
	}
	ns.Hands[playerID] += count
	ns.PendingDraw = 0
	ns.Turn = advanceTurn(ns.Turn, ns.Direction, len(ns.Players), 1)
	return &Result{Payload: next}, nil
}

func advanceTurn(turn, direction, players, steps int) int {
	if players == 0 {
		return 0
	}
	next := (turn + direction*steps) % players
	if next < 0 {
		next += players
	}
	return next
}
