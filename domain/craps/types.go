package craps

import (
	"encoding/json"

	"github.com/happybigmtn/dicenet/consensus"
	"github.com/happybigmtn/dicenet/identity"
)

// TreasuryAccount backs payouts that exceed the pot and collects losing
// stakes at the end of a round.
const TreasuryAccount = "treasury"

// RoundPhase is the betting round's lifecycle stage.
type RoundPhase string

const (
	// PhaseBetting accepts bets; it ends when the first roll commitment is
	// recorded.
	PhaseBetting RoundPhase = "betting"
	// PhaseRolling covers the commit-reveal cycle(s) of the round, including
	// point rolls.
	PhaseRolling RoundPhase = "rolling"
	// PhaseResolving is transient inside EndRound application.
	PhaseResolving RoundPhase = "resolving"
	// PhasePayout waits for the emitted balance updates to commit.
	PhasePayout RoundPhase = "payout"
)

// BetType enumerates the supported wagers.
type BetType string

const (
	BetPass     BetType = "pass"
	BetDontPass BetType = "dont_pass"
	BetField    BetType = "field"
)

// Bet is one player's open wager.
type Bet struct {
	Player string  `json:"player"`
	Type   BetType `json:"type"`
	Amount uint64  `json:"amount"`
	Round  uint64  `json:"round"`
}

// CommitRevealEntry is the on-chain record of one validator's participation
// in the current roll.
type CommitRevealEntry struct {
	Validator identity.NodeID `json:"validator"`
	Hash      []byte          `json:"hash"`
	Secret    []byte          `json:"secret,omitempty"`
	Revealed  bool            `json:"revealed"`
}

// PendingPayout is one credit scheduled by round resolution, waiting for its
// consensus-ordered UpdateBalances operation to commit.
type PendingPayout struct {
	Player       string `json:"player"`
	Credit       uint64 `json:"credit"`
	FromPot      uint64 `json:"from_pot"`
	FromTreasury uint64 `json:"from_treasury"`
}

// GameState is the versioned game ledger every honest validator keeps in
// lockstep. It is mutated only by applying committed operation batches.
type GameState struct {
	Round       uint64                                    `json:"round"`
	Roll        uint64                                    `json:"roll"`
	Phase       RoundPhase                                `json:"phase"`
	Point       int                                       `json:"point"`
	Balances    map[string]uint64                         `json:"balances"`
	Pot         uint64                                    `json:"pot"`
	OpenBets    []Bet                                     `json:"open_bets"`
	Entries     map[identity.NodeID]*CommitRevealEntry    `json:"entries"`
	Pending     map[string]*PendingPayout                 `json:"pending_payouts"`
	LastApplied consensus.Sequence                        `json:"last_applied"`
	LastDice    []int                                     `json:"last_dice,omitempty"`
	Applied     map[string]bool                           `json:"applied_ops"`
}

// NewGameState builds the genesis state with the given starting balances.
func NewGameState(balances map[string]uint64) *GameState {
	b := make(map[string]uint64, len(balances))
	for k, v := range balances {
		b[k] = v
	}
	return &GameState{
		Round:    1,
		Roll:     1,
		Phase:    PhaseBetting,
		Balances: b,
		Entries:  make(map[identity.NodeID]*CommitRevealEntry),
		Pending:  make(map[string]*PendingPayout),
		Applied:  make(map[string]bool),
	}
}

// clone deep-copies the state for snapshots and read views.
func (s *GameState) clone() *GameState {
	c := *s
	c.Balances = make(map[string]uint64, len(s.Balances))
	for k, v := range s.Balances {
		c.Balances[k] = v
	}
	c.OpenBets = append([]Bet(nil), s.OpenBets...)
	c.Entries = make(map[identity.NodeID]*CommitRevealEntry, len(s.Entries))
	for k, v := range s.Entries {
		e := *v
		c.Entries[k] = &e
	}
	c.Pending = make(map[string]*PendingPayout, len(s.Pending))
	for k, v := range s.Pending {
		p := *v
		c.Pending[k] = &p
	}
	c.Applied = make(map[string]bool, len(s.Applied))
	for k, v := range s.Applied {
		c.Applied[k] = v
	}
	c.LastDice = append([]int(nil), s.LastDice...)
	return &c
}

// hashable strips fields that are bookkeeping rather than agreed state, so
// the state hash only covers what every honest validator must agree on.
func (s *GameState) hashable() ([]byte, error) {
	c := s.clone()
	c.Applied = nil
	return json.Marshal(c)
}

// RevealedEntries returns the revealed commit-reveal entries of the current
// roll.
func (s *GameState) RevealedEntries() []*CommitRevealEntry {
	out := make([]*CommitRevealEntry, 0, len(s.Entries))
	for _, e := range s.Entries {
		if e.Revealed {
			out = append(out, e)
		}
	}
	return out
}
