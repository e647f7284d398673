package randomness

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/happybigmtn/dicenet/consensus"
	"github.com/happybigmtn/dicenet/identity"
)

// ErrRollAborted is returned by Finalize when fewer than n-f reveals arrived
// by the deadline. The roll is retried with a fresh commitment phase.
var ErrRollAborted = errors.New("roll aborted: too few reveals, retrying with fresh commitments")

// ErrNotReady is returned by Finalize while neither finalization condition
// holds yet.
var ErrNotReady = errors.New("roll not ready to finalize")

// Outcome is a finalized dice roll.
type Outcome struct {
	Roll         uint64
	Dice         []int
	Participants []identity.NodeID
	Entries      []RevealEntry
}

type rollState struct {
	commitments map[identity.NodeID][]byte
	reveals     map[identity.NodeID][]byte
	ownSecret   []byte
	deadlined   bool
	finalized   bool
	aborted     bool
	accused     map[identity.NodeID]struct{}
}

func newRollState() *rollState {
	return &rollState{
		commitments: make(map[identity.NodeID][]byte),
		reveals:     make(map[identity.NodeID][]byte),
		accused:     make(map[identity.NodeID]struct{}),
	}
}

// Module tracks the commit-reveal state of every open roll for one
// validator. Protocol messages reach it from the consensus engine's event
// loop; the mutex only protects the read accessors used by other goroutines.
type Module struct {
	mu       sync.Mutex
	id       identity.NodeID
	dice     int
	faces    int
	log      *slog.Logger
	rolls    map[uint64]*rollState
	evidence func(consensus.Evidence)
}

// NewModule builds a module rolling the given number of dice with the given
// face count. The evidence sink receives MissedReveal and reveal-forgery
// findings; it may be nil.
func NewModule(id identity.NodeID, dice, faces int, evidence func(consensus.Evidence), log *slog.Logger) *Module {
	if log == nil {
		log = slog.Default()
	}
	if dice <= 0 {
		dice = 2
	}
	if faces <= 1 {
		faces = 6
	}
	return &Module{
		id:       id,
		dice:     dice,
		faces:    faces,
		log:      log.With("node", id.Short()),
		rolls:    make(map[uint64]*rollState),
		evidence: evidence,
	}
}

// Open starts (or joins) a roll and draws this validator's secret. It
// returns the commitment to broadcast. Opening an already-open roll returns
// the existing commitment, so duplicate triggers are harmless.
func (m *Module) Open(roll uint64) (consensus.Commitment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.roll(roll)
	if st.ownSecret == nil {
		secret, err := identity.RandomSecret()
		if err != nil {
			return consensus.Commitment{}, fmt.Errorf("drawing roll secret: %w", err)
		}
		st.ownSecret = secret
	}
	return consensus.Commitment{
		Roll:      roll,
		Validator: m.id,
		Hash:      CommitmentHash(roll, m.id, st.ownSecret),
	}, nil
}

// OwnReveal returns this validator's reveal for the roll.
func (m *Module) OwnReveal(roll uint64) (consensus.Reveal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.rolls[roll]
	if !ok || st.ownSecret == nil {
		return consensus.Reveal{}, fmt.Errorf("roll %d was never opened locally", roll)
	}
	return consensus.Reveal{Roll: roll, Validator: m.id, Secret: st.ownSecret}, nil
}

// Commit records another validator's commitment. A second commitment for the
// same validator and roll is rejected: commitments are immutable once made.
func (m *Module) Commit(roll uint64, validator identity.NodeID, hash []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.roll(roll)
	if prev, dup := st.commitments[validator]; dup {
		if bytes.Equal(prev, hash) {
			return nil // duplicate delivery, not a conflict
		}
		return fmt.Errorf("conflicting commitment from %s for roll %d", validator.Short(), roll)
	}
	st.commitments[validator] = hash
	return nil
}

// Reveal records a disclosed secret. The reveal is rejected unless its hash
// matches the commitment recorded earlier; a mismatch is reveal forgery and
// is reported as evidence.
func (m *Module) Reveal(roll uint64, validator identity.NodeID, secret []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.roll(roll)
	committed, ok := st.commitments[validator]
	if !ok {
		return fmt.Errorf("reveal without commitment from %s for roll %d", validator.Short(), roll)
	}
	if !bytes.Equal(CommitmentHash(roll, validator, secret), committed) {
		m.report(consensus.NewEvidence(validator, consensus.EvidenceInvalidSignature, committed, secret))
		return fmt.Errorf("reveal from %s does not match its commitment", validator.Short())
	}
	if _, dup := st.reveals[validator]; dup {
		return nil
	}
	st.reveals[validator] = secret
	return nil
}

// CommitmentCount returns how many validators have committed for the roll.
func (m *Module) CommitmentCount(roll uint64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.rolls[roll]; ok {
		return len(st.commitments)
	}
	return 0
}

// RevealCount returns how many valid reveals have arrived for the roll.
func (m *Module) RevealCount(roll uint64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.rolls[roll]; ok {
		return len(st.reveals)
	}
	return 0
}

// DeadlinePassed marks the reveal deadline as expired and accuses every
// committed validator that has not revealed. Validators are accused at most
// once per roll; they are excluded from the roll's randomness input but stay
// in the validator set unless the reputation monitor decides otherwise.
func (m *Module) DeadlinePassed(roll uint64, deadline time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.rolls[roll]
	if !ok || st.finalized || st.aborted {
		return
	}
	st.deadlined = true
	for validator := range st.commitments {
		if _, revealed := st.reveals[validator]; revealed {
			continue
		}
		if _, done := st.accused[validator]; done {
			continue
		}
		st.accused[validator] = struct{}{}
		m.log.Warn("validator missed reveal deadline",
			"roll", roll, "validator", validator.Short(),
			"err", fmt.Sprintf("no reveal within %s", deadline))
		m.report(consensus.NewEvidence(validator, consensus.EvidenceMissedReveal))
	}
}

// CanFinalize reports whether either finalization condition holds: all
// active validators revealed, or the deadline passed with at least n-f
// reveals present.
func (m *Module) CanFinalize(roll uint64, active, f int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.rolls[roll]
	if !ok || st.finalized || st.aborted {
		return false
	}
	if len(st.reveals) >= active {
		return true
	}
	return st.deadlined && len(st.reveals) >= active-f
}

// Finalize derives the dice from the reveals present. Before the deadline it
// requires the full active set; after it, n-f reveals suffice. With fewer
// the roll is aborted for retry.
func (m *Module) Finalize(roll uint64, active, f int) (Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.rolls[roll]
	if !ok {
		return Outcome{}, fmt.Errorf("unknown roll %d", roll)
	}
	if st.aborted {
		return Outcome{}, ErrRollAborted
	}
	if len(st.reveals) < active && !st.deadlined {
		return Outcome{}, ErrNotReady
	}
	if len(st.reveals) < active-f {
		st.aborted = true
		m.log.Warn("aborting roll", "roll", roll,
			"reveals", len(st.reveals), "needed", active-f)
		return Outcome{}, ErrRollAborted
	}
	st.finalized = true

	entries := make([]RevealEntry, 0, len(st.reveals))
	participants := make([]identity.NodeID, 0, len(st.reveals))
	for validator, secret := range st.reveals {
		entries = append(entries, RevealEntry{Validator: validator, Secret: secret})
		participants = append(participants, validator)
	}
	return Outcome{
		Roll:         roll,
		Dice:         Derive(roll, entries, m.dice, m.faces),
		Participants: identity.SortIDs(participants),
		Entries:      entries,
	}, nil
}

// Retire drops a roll's state once it is recorded on the ledger or
// superseded by a retry.
func (m *Module) Retire(roll uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rolls, roll)
}

func (m *Module) roll(roll uint64) *rollState {
	st, ok := m.rolls[roll]
	if !ok {
		st = newRollState()
		m.rolls[roll] = st
	}
	return st
}

func (m *Module) report(ev consensus.Evidence) {
	if m.evidence != nil {
		m.evidence(ev)
	}
}
