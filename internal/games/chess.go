package games

func applyChess(payload *Payload, move *ChessMove, playerID string) (*Result, *Rejection) {
	state := payload.Chess
	if state == nil {
		return nil, reject(MoveFailedCode(TypeChess), "chess state missing")
	}
	if !isTurn(state.Players, state.Turn, playerID) {
		return nil, reject(CodeNotYourTurn, "it is not your turn")
	}
	if move.ElapsedMs < 0 {
		return nil, reject(MoveFailedCode(TypeChess), "elapsed time must not be negative")
	}

	next := payload.Clone()
	ns := next.Chess

	//1.- Thinking time comes off the mover's clock, clamped at zero.
	remaining := ns.ClocksMs[playerID] - move.ElapsedMs
	if remaining < 0 {
		remaining = 0
	}
	ns.ClocksMs[playerID] = remaining

	result := &Result{Payload: next}
	if remaining == 0 {
		//2.- Flag fall: the game ends in the opponent's favour immediately.
		result.Terminal = true
		result.WinnerID = chessOpponent(state.Players, playerID)
		return result, nil
	}

	// The client-supplied board after the move is accepted as-is.
	if len(move.Board) > 0 {
		ns.Board = move.Board
	}
	ns.InCheck = move.Check
	result.Check = move.Check

	if move.Checkmate {
		result.Terminal = true
		result.WinnerID = playerID
		return result, nil
	}

	ns.Turn = (state.Turn + 1) % len(state.Players)
	return result, nil
}

func chessOpponent(players []string, playerID string) string {
	for _, p := range players {
		if p != playerID {
			return p
		}
	}
	return ""
}
