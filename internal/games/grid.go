package games

// gridTriples enumerates the eight winning lines of the 3x3 board.
var gridTriples = [8][3]int{
	{0, 1, 2}, {3, 4, 5}, {6, 7, 8},
	{0, 3, 6}, {1, 4, 7}, {2, 5, 8},
	{0, 4, 8}, {2, 4, 6},
}

func applyGrid(payload *Payload, move *GridMove, playerID string) (*Result, *Rejection) {
	state := payload.Grid
	if state == nil {
		return nil, reject(MoveFailedCode(TypeGrid), "grid state missing")
	}
	if !isTurn(state.Players, state.Turn, playerID) {
		return nil, reject(CodeNotYourTurn, "it is not your turn")
	}
	if move.Cell < 0 || move.Cell >= len(state.Cells) {
		return nil, reject(MoveFailedCode(TypeGrid), "cell %d out of range", move.Cell)
	}
	if state.Cells[move.Cell] != "" {
		return nil, reject(CodeCellOccupied, "cell %d is occupied", move.Cell)
	}

	next := payload.Clone()
	next.Grid.Cells[move.Cell] = playerID

	result := &Result{Payload: next}
	switch {
	case gridWins(&next.Grid.Cells, playerID):
		result.Terminal = true
		result.WinnerID = playerID
	case gridFull(&next.Grid.Cells):
		//1.- A full board with no winning triple is a draw.
		result.Terminal = true
		result.Draw = true
	default:
		next.Grid.Turn = (state.Turn + 1) % len(state.Players)
	}
	return result, nil
}

func gridWins(cells *[9]string, owner string) bool {
	for _, triple := range gridTriples {
		if cells[triple[0]] == owner && cells[triple[1]] == owner && cells[triple[2]] == owner {
			return true
		}
	}
	return false
}

func gridFull(cells *[9]string) bool {
	for _, cell := range cells {
		if cell == "" {
			return false
		}
	}
	return true
}
