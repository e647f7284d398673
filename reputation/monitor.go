// Package reputation scores validator behavior from Byzantine evidence and
// proposes membership changes when a validator misbehaves past the
// exclusion threshold. Exclusion is never unilateral: the monitor only
// emits ReconfigureValidators proposals, which go through ordinary
// consensus like any other operation.
package reputation

import (
	"log/slog"
	"sync"

	"github.com/happybigmtn/dicenet/consensus"
	"github.com/happybigmtn/dicenet/identity"
)

// Config tunes the scoring schedule. Penalty magnitudes are ordered
// missed reveal < missed vote < invalid signature < equivocation.
type Config struct {
	StartScore         int
	ExclusionThreshold int
	MissedRevealCost   int
	MissedVoteCost     int
	InvalidSigCost     int
	EquivocationCost   int
	// CooldownBatches is how many committed batches an excluded validator
	// waits before the monitor proposes reinstatement.
	CooldownBatches consensus.Sequence
}

// DefaultConfig is the scoring schedule used by the demo cluster.
var DefaultConfig = Config{
	StartScore:         100,
	ExclusionThreshold: 40,
	MissedRevealCost:   5,
	MissedVoteCost:     10,
	InvalidSigCost:     25,
	EquivocationCost:   60,
	CooldownBatches:    32,
}

// Counters holds per-validator tallies of each misbehavior kind, alongside
// the aggregate score they feed.
type Counters struct {
	MissedReveals     int
	MissedVotes       int
	InvalidSignatures int
	Equivocations     int
}

// ProposeFunc submits a membership-change proposal into consensus. The
// orchestrator wires this to a deterministic ReconfigureValidators
// operation so identical proposals from different monitors collapse into
// one.
type ProposeFunc func(target identity.NodeID, status consensus.ValidatorStatus, reason string)

// Monitor consumes committed events and evidence read-only and keeps a
// local reputation score per validator. Scores are a local opinion; only
// the membership changes derived from them are consensus-agreed.
type Monitor struct {
	mu      sync.Mutex
	cfg     Config
	set     func() *consensus.ValidatorSet
	propose ProposeFunc
	log     *slog.Logger

	scores    map[identity.NodeID]int
	counts    map[identity.NodeID]Counters
	statuses  map[identity.NodeID]consensus.ValidatorStatus
	coolingAt map[identity.NodeID]consensus.Sequence
	proposed  map[identity.NodeID]consensus.ValidatorStatus
	lastSeq   consensus.Sequence
}

// NewMonitor builds a monitor over the given live validator-set accessor.
func NewMonitor(cfg Config, set func() *consensus.ValidatorSet, propose ProposeFunc, log *slog.Logger) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	m := &Monitor{
		cfg:       cfg,
		set:       set,
		propose:   propose,
		log:       log.With("component", "reputation"),
		scores:    make(map[identity.NodeID]int),
		counts:    make(map[identity.NodeID]Counters),
		statuses:  make(map[identity.NodeID]consensus.ValidatorStatus),
		coolingAt: make(map[identity.NodeID]consensus.Sequence),
		proposed:  make(map[identity.NodeID]consensus.ValidatorStatus),
	}
	for _, info := range set().Members() {
		m.scores[info.ID] = cfg.StartScore
		m.statuses[info.ID] = info.Status
	}
	return m
}

// Score returns the current local score for a validator.
func (m *Monitor) Score(id identity.NodeID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	score, ok := m.scores[id]
	if !ok {
		return m.cfg.StartScore
	}
	return score
}

// Counts returns the per-kind evidence tallies recorded against a validator.
func (m *Monitor) Counts(id identity.NodeID) Counters {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[id]
}

func (m *Monitor) penalty(kind consensus.EvidenceKind) int {
	switch kind {
	case consensus.EvidenceMissedReveal:
		return m.cfg.MissedRevealCost
	case consensus.EvidenceMissedVote:
		return m.cfg.MissedVoteCost
	case consensus.EvidenceInvalidSignature:
		return m.cfg.InvalidSigCost
	case consensus.EvidenceEquivocation:
		return m.cfg.EquivocationCost
	}
	return 0
}

// OnEvidence lowers the accused validator's score and proposes exclusion
// once it crosses the threshold. Equivocation is proposed for permanent
// exclusion immediately; lesser misbehavior accumulates into a cooldown
// exclusion that the validator can return from.
func (m *Monitor) OnEvidence(ev consensus.Evidence) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.set()
	if !set.Contains(ev.Accused) {
		return
	}
	score, ok := m.scores[ev.Accused]
	if !ok {
		score = m.cfg.StartScore
	}
	score -= m.penalty(ev.Kind)
	m.scores[ev.Accused] = score
	counts := m.counts[ev.Accused]
	switch ev.Kind {
	case consensus.EvidenceMissedReveal:
		counts.MissedReveals++
	case consensus.EvidenceMissedVote:
		counts.MissedVotes++
	case consensus.EvidenceInvalidSignature:
		counts.InvalidSignatures++
	case consensus.EvidenceEquivocation:
		counts.Equivocations++
	}
	m.counts[ev.Accused] = counts
	m.log.Info("evidence recorded", "accused", ev.Accused.Short(), "kind", ev.Kind, "score", score)

	if !set.IsActive(ev.Accused) {
		return
	}
	if ev.Kind == consensus.EvidenceEquivocation {
		m.proposeLocked(set, ev.Accused, consensus.StatusExcluded, "equivocation")
		return
	}
	if score < m.cfg.ExclusionThreshold {
		m.proposeLocked(set, ev.Accused, consensus.StatusCoolingDown, "reputation below exclusion threshold")
	}
}

// proposeLocked emits a membership proposal unless removing the validator
// would shrink the active set past the fault-tolerance floor.
func (m *Monitor) proposeLocked(set *consensus.ValidatorSet, target identity.NodeID, status consensus.ValidatorStatus, reason string) {
	if m.proposed[target] == status {
		return
	}
	if status != consensus.StatusActive && set.N()-1 < consensus.MinValidators {
		m.log.Warn("exclusion skipped, active set at safety floor",
			"target", target.Short(), "active", set.N())
		return
	}
	m.proposed[target] = status
	m.log.Info("proposing membership change", "target", target.Short(), "status", status, "reason", reason)
	if m.propose != nil {
		m.propose(target, status, reason)
	}
}

// OnCommit tracks committed membership changes via the validator-set
// version and proposes reinstatement once an excluded validator has
// served its cooldown.
func (m *Monitor) OnCommit(batch consensus.Batch, _ consensus.QuorumCertificate, _ []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastSeq = batch.Sequence
	set := m.set()
	for _, info := range set.Members() {
		prev := m.statuses[info.ID]
		if prev != info.Status {
			m.statuses[info.ID] = info.Status
			delete(m.proposed, info.ID)
			switch info.Status {
			case consensus.StatusCoolingDown:
				m.coolingAt[info.ID] = batch.Sequence
			case consensus.StatusActive:
				delete(m.coolingAt, info.ID)
				if prev == consensus.StatusCoolingDown {
					// partial restoration keeps a reinstated validator
					// closer to re-exclusion than a clean one
					m.scores[info.ID] = m.cfg.ExclusionThreshold +
						(m.cfg.StartScore-m.cfg.ExclusionThreshold)/2
					m.log.Info("validator reinstated",
						"validator", info.ID.Short(), "score", m.scores[info.ID])
				}
			}
		}
		if info.Status == consensus.StatusCoolingDown {
			since, ok := m.coolingAt[info.ID]
			if ok && batch.Sequence-since >= m.cfg.CooldownBatches && m.proposed[info.ID] != consensus.StatusActive {
				m.proposeLocked(set, info.ID, consensus.StatusActive, "cooldown served")
			}
		}
	}
}

// OnViewChange is part of the observer interface; view changes carry no
// reputation signal on their own, the failed leader is penalized through
// missed-vote evidence instead.
func (m *Monitor) OnViewChange(from, to consensus.View) {
	m.log.Debug("view change observed", "from", from, "to", to)
}
