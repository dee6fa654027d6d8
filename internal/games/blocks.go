package games

// attackTable maps simultaneously cleared lines to base attack lines.
var attackTable = map[int]int{1: 0, 2: 1, 3: 2, 4: 4}

func applyBlocks(payload *Payload, move *BlocksMove, playerID string) (*Result, *Rejection) {
	state := payload.Blocks
	if state == nil {
		return nil, reject(MoveFailedCode(TypeBlocks), "blocks state missing")
	}
	if !state.Alive[playerID] {
		return nil, reject(MoveFailedCode(TypeBlocks), "player is already out")
	}
	if move.LinesCleared < 0 || move.LinesCleared > 4 {
		return nil, reject(MoveFailedCode(TypeBlocks), "cleared %d lines out of range", move.LinesCleared)
	}

	next := payload.Clone()
	ns := next.Blocks
	result := &Result{Payload: next}

	if move.GameOver {
		//1.- A topped-out player leaves the battle; the last one standing wins.
		ns.Alive[playerID] = false
		ns.Combos[playerID] = 0
		if winner, done := lastAlive(ns); done {
			result.Terminal = true
			result.WinnerID = winner
		}
		return result, nil
	}

	if move.GarbageApplied > 0 {
		remaining := ns.PendingGarbage[playerID] - move.GarbageApplied
		if remaining < 0 {
			remaining = 0
		}
		ns.PendingGarbage[playerID] = remaining
	}

	if move.LinesCleared == 0 {
		//2.- A non-clearing placement breaks the combo streak.
		ns.Combos[playerID] = 0
		return result, nil
	}

	attack := attackTable[move.LinesCleared] + ns.Combos[playerID]/2
	ns.Combos[playerID]++
	result.AttackLines = attack
	if attack > 0 {
		for _, opponent := range ns.Players {
			if opponent == playerID || !ns.Alive[opponent] {
				continue
			}
			ns.PendingGarbage[opponent] += attack
		}
	}
	return result, nil
}

func lastAlive(state *BlocksState) (string, bool) {
	winner := ""
	count := 0
	for _, p := range state.Players {
		if state.Alive[p] {
			winner = p
			count++
		}
	}
	if count == 1 {
		return winner, true
	}
	return "", false
}
