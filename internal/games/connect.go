package games

// connectAxes are the four scan directions for the win check: horizontal,
// vertical, and the two diagonals.
var connectAxes = [4][2]int{{0, 1}, {1, 0}, {1, 1}, {1, -1}}

func applyConnect(payload *Payload, move *ConnectMove, playerID string) (*Result, *Rejection) {
	state := payload.Connect
	if state == nil {
		return nil, reject(MoveFailedCode(TypeConnect), "connect state missing")
	}
	if !isTurn(state.Players, state.Turn, playerID) {
		return nil, reject(CodeNotYourTurn, "it is not your turn")
	}
	if move.Column < 0 || move.Column >= ConnectColumns {
		return nil, reject(MoveFailedCode(TypeConnect), "column %d out of range", move.Column)
	}

	next := payload.Clone()
	board := &next.Connect.Board

	//1.- Gravity: the piece settles at the lowest empty row of the column.
	row := -1
	for r := 0; r < ConnectRows; r++ {
		if board[r][move.Column] == "" {
			row = r
			break
		}
	}
	if row < 0 {
		return nil, reject(CodeColumnFull, "column %d is full", move.Column)
	}
	board[row][move.Column] = playerID

	result := &Result{Payload: next}
	switch {
	case connectWins(board, row, move.Column, playerID):
		result.Terminal = true
		result.WinnerID = playerID
	case connectFull(board):
		result.Terminal = true
		result.Draw = true
	default:
		next.Connect.Turn = (state.Turn + 1) % len(state.Players)
	}
	return result, nil
}

// connectWins scans the four axes from the placed cell, counting contiguous
// same-owner cells in both directions along each axis.
func connectWins(board *[ConnectRows][ConnectColumns]string, row, col int, owner string) bool {
	for _, axis := range connectAxes {
		count := 1
		for _, sign := range [2]int{1, -1} {
			r, c := row+axis[0]*sign, col+axis[1]*sign
			for r >= 0 && r < ConnectRows && c >= 0 && c < ConnectColumns && board[r][c] == owner {
				count++
				r += axis[0] * sign
				c += axis[1] * sign
			}
		}
		if count >= 4 {
			return true
		}
	}
	return false
}

func connectFull(board *[ConnectRows][ConnectColumns]string) bool {
	for c := 0; c < ConnectColumns; c++ {
		if board[ConnectRows-1][c] == "" {
			return false
		}
	}
	return true
}

func isTurn(players []string, turn int, playerID string) bool {
	if len(players) == 0 || turn < 0 || turn >= len(players) {
		return false
	}
	return players[turn] == playerID
}
