package craps

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/happybigmtn/dicenet/consensus"
	"github.com/happybigmtn/dicenet/identity"
	"github.com/happybigmtn/dicenet/randomness"
)

// Membership is the read-only view of the validator set the game needs to
// decide when enough on-chain reveals have accumulated.
type Membership interface {
	ActiveCount() int
	MaxFaulty() int
	IsActive(id identity.NodeID) bool
}

// StateMachine implements consensus.StateMachine over the craps GameState.
// All mutation happens through ApplyBatch, called from the consensus
// engine's event loop; the mutex only guards the read accessors against
// concurrent View calls.
type StateMachine struct {
	mu         sync.RWMutex
	state      *GameState
	rules      Rules
	membership Membership
	log        *slog.Logger
}

// NewStateMachine builds the game state machine from a genesis state.
func NewStateMachine(genesis *GameState, rules Rules, membership Membership, log *slog.Logger) *StateMachine {
	if log == nil {
		log = slog.Default()
	}
	return &StateMachine{state: genesis, rules: rules, membership: membership, log: log.With("component", "craps")}
}

// View returns a deep copy of the current game state for reads.
func (m *StateMachine) View() *GameState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.clone()
}

// ValidateOperation rejects structurally invalid or currently ineligible
// operations before they enter ordering. Eligibility can change between
// validation and application, so ApplyBatch re-checks everything.
func (m *StateMachine) ValidateOperation(op consensus.Operation) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	gop, err := DecodeGameOp(op.Payload)
	if err != nil {
		return err
	}
	switch gop.Type {
	case OpPlaceBet:
		if m.state.Phase != PhaseBetting {
			return &ValidationError{Reason: "betting window closed"}
		}
		return m.rules.validateBet(gop.Bet, m.state)
	case OpCommitRoll:
		if gop.Commit == nil || len(gop.Commit.Hash) == 0 {
			return &ValidationError{Reason: "missing commitment"}
		}
		if gop.Commit.Validator != op.Proposer {
			return &ValidationError{Reason: "commitment proposer mismatch"}
		}
	case OpRevealRoll:
		if gop.Reveal == nil || len(gop.Reveal.Secret) == 0 {
			return &ValidationError{Reason: "missing reveal secret"}
		}
		if gop.Reveal.Validator != op.Proposer {
			return &ValidationError{Reason: "reveal proposer mismatch"}
		}
	case OpEndRound:
		if gop.Roll == 0 {
			return &ValidationError{Reason: "missing roll id"}
		}
	case OpUpdateBalances:
		if gop.Payout == nil || gop.Payout.Player == "" {
			return &ValidationError{Reason: "missing payout"}
		}
	case OpReconfigure:
		if gop.Reconfig == nil || gop.Reconfig.Target == "" {
			return &ValidationError{Reason: "missing reconfiguration target"}
		}
	default:
		return &ValidationError{Reason: "unknown operation type " + string(gop.Type)}
	}
	return nil
}

// ApplyBatch applies a committed batch in order. Each operation succeeds or
// fails on its own; a rejected operation carries its error in the result and
// leaves the rest of the batch untouched.
func (m *StateMachine) ApplyBatch(batch consensus.Batch) ([]consensus.OperationResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if batch.Sequence <= m.state.LastApplied {
		return nil, &consensus.ConsensusError{Reason: "batch sequence already applied"}
	}
	results := make([]consensus.OperationResult, 0, len(batch.Operations))
	for _, op := range batch.Operations {
		res := consensus.OperationResult{OpID: op.ID}
		if m.state.Applied[op.ID] {
			res.Err = consensus.ErrDuplicateOperation
			results = append(results, res)
			continue
		}
		m.state.Applied[op.ID] = true
		m.applyOne(op, &res)
		if res.Err != nil {
			m.log.Debug("operation rejected", "op", op.ID, "err", res.Err)
		}
		results = append(results, res)
	}
	m.state.LastApplied = batch.Sequence
	return results, nil
}

func (m *StateMachine) applyOne(op consensus.Operation, res *consensus.OperationResult) {
	gop, err := DecodeGameOp(op.Payload)
	if err != nil {
		res.Err = err
		return
	}
	switch gop.Type {
	case OpPlaceBet:
		res.Err = m.applyBet(gop.Bet)
	case OpCommitRoll:
		res.Err = m.applyCommit(op.Proposer, gop)
	case OpRevealRoll:
		m.applyReveal(op.Proposer, gop, res)
	case OpEndRound:
		m.applyEndRound(gop, res)
	case OpUpdateBalances:
		res.Err = m.applyPayout(gop.Payout)
	case OpReconfigure:
		res.Reconfig = &consensus.ReconfigChange{
			Target: gop.Reconfig.Target,
			Status: consensus.ValidatorStatus(gop.Reconfig.Status),
			Reason: gop.Reconfig.Reason,
		}
	default:
		res.Err = &ValidationError{Reason: "unknown operation type " + string(gop.Type)}
	}
}

func (m *StateMachine) applyBet(bet *BetPayload) error {
	if m.state.Phase != PhaseBetting {
		return &ValidationError{Reason: "betting window closed"}
	}
	if err := m.rules.validateBet(bet, m.state); err != nil {
		return err
	}
	balance, err := checkedSub(m.state.Balances[bet.Player], bet.Amount)
	if err != nil {
		return err
	}
	pot, err := checkedAdd(m.state.Pot, bet.Amount)
	if err != nil {
		return err
	}
	m.state.Balances[bet.Player] = balance
	m.state.Pot = pot
	m.state.OpenBets = append(m.state.OpenBets, Bet{
		Player: bet.Player,
		Type:   bet.Type,
		Amount: bet.Amount,
		Round:  m.state.Round,
	})
	return nil
}

func (m *StateMachine) applyCommit(proposer identity.NodeID, gop *GameOp) error {
	c := gop.Commit
	if c == nil || len(c.Hash) == 0 {
		return &ValidationError{Reason: "missing commitment"}
	}
	if c.Validator != proposer {
		return &ValidationError{Reason: "commitment proposer mismatch"}
	}
	if m.membership != nil && !m.membership.IsActive(c.Validator) {
		return consensus.ErrUnknownValidator
	}
	switch m.state.Phase {
	case PhaseBetting:
		// first commitment of the round closes betting
		m.state.Phase = PhaseRolling
	case PhaseRolling:
	default:
		return &ValidationError{Reason: "no roll in progress"}
	}
	if gop.Roll != m.state.Roll {
		return &ValidationError{Reason: "commitment for a stale roll"}
	}
	if _, ok := m.state.Entries[c.Validator]; ok {
		return consensus.ErrDuplicateOperation
	}
	m.state.Entries[c.Validator] = &CommitRevealEntry{Validator: c.Validator, Hash: c.Hash}
	return nil
}

func (m *StateMachine) applyReveal(proposer identity.NodeID, gop *GameOp, res *consensus.OperationResult) {
	r := gop.Reveal
	if r == nil || len(r.Secret) == 0 {
		res.Err = &ValidationError{Reason: "missing reveal secret"}
		return
	}
	if r.Validator != proposer {
		res.Err = &ValidationError{Reason: "reveal proposer mismatch"}
		return
	}
	if m.state.Phase != PhaseRolling || gop.Roll != m.state.Roll {
		res.Err = &ValidationError{Reason: "reveal for a stale roll"}
		return
	}
	entry, ok := m.state.Entries[r.Validator]
	if !ok {
		res.Err = &ValidationError{Reason: "reveal without commitment"}
		return
	}
	if entry.Revealed {
		res.Err = consensus.ErrDuplicateOperation
		return
	}
	want := randomness.CommitmentHash(m.state.Roll, r.Validator, r.Secret)
	if !bytes.Equal(want, entry.Hash) {
		ev := consensus.NewEvidence(r.Validator, consensus.EvidenceInvalidSignature, entry.Hash, r.Secret)
		res.Evidence = &ev
		res.Err = &ValidationError{Reason: "reveal does not match commitment"}
		return
	}
	entry.Secret = append([]byte(nil), r.Secret...)
	entry.Revealed = true
}

// applyEndRound derives the dice from the on-chain reveals and resolves the
// round. With fewer than n-f reveals the roll is voided and retried instead.
func (m *StateMachine) applyEndRound(gop *GameOp, res *consensus.OperationResult) {
	if m.state.Phase != PhaseRolling {
		res.Err = &consensus.StateError{Reason: "no roll in progress"}
		return
	}
	if gop.Roll != m.state.Roll {
		res.Err = consensus.ErrDuplicateOperation
		return
	}
	revealed := m.state.RevealedEntries()
	if m.membership != nil {
		need := m.membership.ActiveCount() - m.membership.MaxFaulty()
		if len(revealed) < need {
			// not enough entropy to trust the outcome; void and retry
			m.log.Warn("roll aborted", "roll", m.state.Roll, "revealed", len(revealed), "need", need)
			m.state.Roll++
			m.state.Entries = make(map[identity.NodeID]*CommitRevealEntry)
			return
		}
	} else if len(revealed) == 0 {
		res.Err = &consensus.StateError{Reason: "no reveals on chain"}
		return
	}

	entries := make([]randomness.RevealEntry, 0, len(revealed))
	for _, e := range revealed {
		entries = append(entries, randomness.RevealEntry{Validator: e.Validator, Secret: e.Secret})
	}
	dice := randomness.Derive(m.state.Roll, entries, m.rules.Dice, m.rules.Faces)
	sum := 0
	for _, d := range dice {
		sum += d
	}
	m.state.LastDice = dice
	m.log.Info("dice derived", "roll", m.state.Roll, "dice", dice, "sum", sum)
	m.resolveRoll(sum, res)
}

// resolveRoll settles open bets against one roll result, schedules payout
// operations and advances the round phase.
func (m *StateMachine) resolveRoll(sum int, res *consensus.OperationResult) {
	m.state.Phase = PhaseResolving
	point := m.state.Point
	remaining := m.state.OpenBets[:0]
	credits := make(map[string]uint64)
	var order []string
	for _, bet := range m.state.OpenBets {
		outcome, mult := resolveBet(bet, sum, point)
		switch outcome {
		case betUnresolved:
			remaining = append(remaining, bet)
			continue
		case betLost:
			// stake stays in the pot and is swept to the treasury later
			continue
		}
		credit := bet.Amount // push returns the stake
		if outcome == betWon {
			winnings, err := checkedMul(bet.Amount, mult)
			if err != nil {
				m.log.Warn("winnings overflow, bet pushed", "player", bet.Player)
			} else if total, err := checkedAdd(bet.Amount, winnings); err == nil {
				credit = total
			}
		}
		if _, seen := credits[bet.Player]; !seen {
			order = append(order, bet.Player)
		}
		credits[bet.Player] += credit
	}
	m.state.OpenBets = remaining

	for _, player := range order {
		credit := credits[player]
		fromPot := credit
		var fromTreasury uint64
		if fromPot > m.state.Pot {
			fromTreasury = fromPot - m.state.Pot
			fromPot = m.state.Pot
		}
		m.state.Pot -= fromPot
		m.state.Pending[player] = &PendingPayout{
			Player:       player,
			Credit:       credit,
			FromPot:      fromPot,
			FromTreasury: fromTreasury,
		}
		payload, err := (&GameOp{
			Type:  OpUpdateBalances,
			Round: m.state.Round,
			Payout: &PayoutPayload{
				Player:       player,
				Credit:       credit,
				FromPot:      fromPot,
				FromTreasury: fromTreasury,
			},
		}).Encode()
		if err != nil {
			m.log.Error("payout encode failed", "player", player, "err", err)
			continue
		}
		res.Emitted = append(res.Emitted, payload)
	}

	next, roundOver := nextPoint(sum, point)
	m.state.Point = next
	if !roundOver {
		// the point stands, keep rolling in the same round
		m.state.Roll++
		m.state.Entries = make(map[identity.NodeID]*CommitRevealEntry)
		if len(m.state.Pending) > 0 {
			m.state.Phase = PhasePayout
		} else {
			m.state.Phase = PhaseRolling
		}
		return
	}
	// round resolved: leftover pot is house take
	if m.state.Pot > 0 {
		if swept, err := checkedAdd(m.state.Balances[TreasuryAccount], m.state.Pot); err == nil {
			m.state.Balances[TreasuryAccount] = swept
		}
		m.state.Pot = 0
	}
	m.state.OpenBets = nil
	if len(m.state.Pending) > 0 {
		m.state.Phase = PhasePayout
	} else {
		m.advanceRound()
	}
}

func (m *StateMachine) applyPayout(p *PayoutPayload) error {
	if p == nil || p.Player == "" {
		return &ValidationError{Reason: "missing payout"}
	}
	pending, ok := m.state.Pending[p.Player]
	if !ok {
		return &consensus.StateError{Reason: "no pending payout for " + p.Player}
	}
	// payout entries clear even when the credit fails: a payout that cannot
	// be represented is forfeited rather than wedging the round
	delete(m.state.Pending, p.Player)
	defer m.maybeFinishPayout()
	if *pending != (PendingPayout{Player: p.Player, Credit: p.Credit, FromPot: p.FromPot, FromTreasury: p.FromTreasury}) {
		return &ValidationError{Reason: "payout does not match resolution"}
	}
	balance, err := checkedAdd(m.state.Balances[p.Player], p.Credit)
	if err != nil {
		return err
	}
	treasury := m.state.Balances[TreasuryAccount]
	if p.FromTreasury > 0 {
		treasury, err = checkedSub(treasury, p.FromTreasury)
		if err != nil {
			return err
		}
	}
	m.state.Balances[TreasuryAccount] = treasury
	m.state.Balances[p.Player] = balance
	return nil
}

func (m *StateMachine) maybeFinishPayout() {
	if m.state.Phase != PhasePayout || len(m.state.Pending) != 0 {
		return
	}
	if m.state.Point != 0 {
		// mid-round payout (field bets), resume rolling toward the point
		m.state.Phase = PhaseRolling
		return
	}
	m.advanceRound()
}

func (m *StateMachine) advanceRound() {
	m.state.Round++
	m.state.Roll++
	m.state.Phase = PhaseBetting
	m.state.Point = 0
	m.state.Entries = make(map[identity.NodeID]*CommitRevealEntry)
	// LastDice stays: it is the record of the roll that ended the round and
	// is only replaced when the next roll derives
}

// StateHash digests the agreed portion of the game state.
func (m *StateMachine) StateHash() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, err := m.state.hashable()
	if err != nil {
		m.log.Error("state hash failed", "err", err)
		return nil
	}
	return identity.Digest("dicenet/state/v1", data)
}

// LastApplied returns the highest applied batch sequence.
func (m *StateMachine) LastApplied() consensus.Sequence {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.LastApplied
}

// Snapshot serializes the full state for checkpointing.
func (m *StateMachine) Snapshot() (consensus.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, err := json.Marshal(m.state)
	if err != nil {
		return consensus.Snapshot{}, err
	}
	hashable, err := m.state.hashable()
	if err != nil {
		return consensus.Snapshot{}, err
	}
	return consensus.Snapshot{
		Hash:        identity.Digest("dicenet/state/v1", hashable),
		LastApplied: m.state.LastApplied,
		State:       data,
	}, nil
}

// Restore replaces the state from a checkpoint snapshot.
func (m *StateMachine) Restore(snap consensus.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var state GameState
	if err := json.Unmarshal(snap.State, &state); err != nil {
		return err
	}
	if state.Balances == nil {
		state.Balances = make(map[string]uint64)
	}
	if state.Entries == nil {
		state.Entries = make(map[identity.NodeID]*CommitRevealEntry)
	}
	if state.Pending == nil {
		state.Pending = make(map[string]*PendingPayout)
	}
	if state.Applied == nil {
		state.Applied = make(map[string]bool)
	}
	m.state = &state
	return nil
}
