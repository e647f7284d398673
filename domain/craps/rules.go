package craps

import "fmt"

// Rules holds the table configuration.
type Rules struct {
	MinBet uint64
	MaxBet uint64
	Dice   int
	Faces  int
}

// DefaultRules is the standard two-die table.
var DefaultRules = Rules{MinBet: 1, MaxBet: 1000, Dice: 2, Faces: 6}

// betOutcome is a resolved wager.
type betOutcome int

const (
	betUnresolved betOutcome = iota
	betLost
	betPush
	betWon
)

// fieldMultiplier pays 1:1 on 3, 4, 9, 10, 11, double on 2 and triple on 12.
func fieldMultiplier(sum int) uint64 {
	switch sum {
	case 2:
		return 2
	case 12:
		return 3
	case 3, 4, 9, 10, 11:
		return 1
	default:
		return 0
	}
}

// resolveBet applies one roll to one wager. point is the established point
// before this roll, or zero on a come-out roll. It returns the outcome and
// the winnings multiplier (stake is always returned on a win or push).
func resolveBet(bet Bet, sum, point int) (betOutcome, uint64) {
	switch bet.Type {
	case BetField:
		// single-roll wager, resolves every roll
		if m := fieldMultiplier(sum); m > 0 {
			return betWon, m
		}
		return betLost, 0
	case BetPass:
		if point == 0 {
			switch {
			case sum == 7 || sum == 11:
				return betWon, 1
			case sum == 2 || sum == 3 || sum == 12:
				return betLost, 0
			default:
				return betUnresolved, 0
			}
		}
		switch sum {
		case point:
			return betWon, 1
		case 7:
			return betLost, 0
		default:
			return betUnresolved, 0
		}
	case BetDontPass:
		if point == 0 {
			switch {
			case sum == 2 || sum == 3:
				return betWon, 1
			case sum == 12:
				// bar twelve: push, the stake is returned
				return betPush, 0
			case sum == 7 || sum == 11:
				return betLost, 0
			default:
				return betUnresolved, 0
			}
		}
		switch sum {
		case 7:
			return betWon, 1
		case point:
			return betLost, 0
		default:
			return betUnresolved, 0
		}
	}
	return betLost, 0
}

// nextPoint returns the point after a roll: established on a come-out roll
// that neither wins nor loses, cleared when the round resolves, otherwise
// unchanged. roundOver reports whether the pass line resolved.
func nextPoint(sum, point int) (next int, roundOver bool) {
	if point == 0 {
		switch sum {
		case 7, 11, 2, 3, 12:
			return 0, true
		default:
			return sum, false
		}
	}
	if sum == point || sum == 7 {
		return 0, true
	}
	return point, false
}

// validateBet checks the wager against the table rules and the bettor's
// balance. Violations yield a ValidationError, never a crash.
func (r Rules) validateBet(bet *BetPayload, state *GameState) error {
	if bet == nil {
		return &ValidationError{Reason: "missing bet payload"}
	}
	if bet.Player == "" || bet.Player == TreasuryAccount {
		return &ValidationError{Reason: "invalid bettor"}
	}
	switch bet.Type {
	case BetPass, BetDontPass:
		if state.Point != 0 {
			return &ValidationError{Reason: fmt.Sprintf("%s not allowed with a point established", bet.Type)}
		}
	case BetField:
	default:
		return &ValidationError{Reason: "unknown bet type " + string(bet.Type)}
	}
	if bet.Amount < r.MinBet || bet.Amount > r.MaxBet {
		return &ValidationError{Reason: fmt.Sprintf("amount %d outside table bounds [%d, %d]", bet.Amount, r.MinBet, r.MaxBet)}
	}
	if state.Balances[bet.Player] < bet.Amount {
		return &ValidationError{Reason: "insufficient balance"}
	}
	return nil
}
