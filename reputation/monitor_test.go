package reputation

import (
	"io"
	"log/slog"
	"testing"

	"github.com/happybigmtn/dicenet/consensus"
	"github.com/happybigmtn/dicenet/identity"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type proposal struct {
	target identity.NodeID
	status consensus.ValidatorStatus
	reason string
}

type monitorHarness struct {
	set       *consensus.ValidatorSet
	monitor   *Monitor
	proposals []proposal
}

func newHarness(t *testing.T, n int, cfg Config) *monitorHarness {
	t.Helper()
	ids := make([]identity.NodeID, n)
	for i := range ids {
		ids[i] = identity.NodeID(string(rune('a'+i)) + "0")
	}
	h := &monitorHarness{set: consensus.NewValidatorSet(ids)}
	h.monitor = NewMonitor(cfg, func() *consensus.ValidatorSet { return h.set },
		func(target identity.NodeID, status consensus.ValidatorStatus, reason string) {
			h.proposals = append(h.proposals, proposal{target, status, reason})
		}, testLogger())
	return h
}

// applyChange mimics consensus committing a membership change: the set is
// replaced and the monitor observes it at the next commit.
func (h *monitorHarness) applyChange(t *testing.T, target identity.NodeID, status consensus.ValidatorStatus, seq consensus.Sequence) {
	t.Helper()
	next, err := h.set.WithStatus(target, status)
	if err != nil {
		t.Fatal(err)
	}
	h.set = next
	h.monitor.OnCommit(consensus.Batch{Sequence: seq}, consensus.QuorumCertificate{}, nil)
}

func TestPenaltyOrdering(t *testing.T) {
	cfg := DefaultConfig
	if !(cfg.MissedRevealCost < cfg.MissedVoteCost &&
		cfg.MissedVoteCost < cfg.InvalidSigCost &&
		cfg.InvalidSigCost < cfg.EquivocationCost) {
		t.Fatal("penalty schedule out of order")
	}
}

func TestScoresDecrementPerKind(t *testing.T) {
	h := newHarness(t, 5, DefaultConfig)
	target := h.set.Active()[1]

	h.monitor.OnEvidence(consensus.NewEvidence(target, consensus.EvidenceMissedReveal))
	if got := h.monitor.Score(target); got != 95 {
		t.Fatalf("score %d after a missed reveal, want 95", got)
	}
	h.monitor.OnEvidence(consensus.NewEvidence(target, consensus.EvidenceMissedVote))
	if got := h.monitor.Score(target); got != 85 {
		t.Fatalf("score %d after a missed vote, want 85", got)
	}
	h.monitor.OnEvidence(consensus.NewEvidence(target, consensus.EvidenceInvalidSignature))
	if got := h.monitor.Score(target); got != 60 {
		t.Fatalf("score %d after an invalid signature, want 60", got)
	}
}

func TestCountersTrackEachKind(t *testing.T) {
	h := newHarness(t, 5, DefaultConfig)
	target := h.set.Active()[1]
	other := h.set.Active()[2]

	h.monitor.OnEvidence(consensus.NewEvidence(target, consensus.EvidenceMissedReveal))
	h.monitor.OnEvidence(consensus.NewEvidence(target, consensus.EvidenceMissedReveal))
	h.monitor.OnEvidence(consensus.NewEvidence(target, consensus.EvidenceMissedVote))
	h.monitor.OnEvidence(consensus.NewEvidence(target, consensus.EvidenceInvalidSignature))
	h.monitor.OnEvidence(consensus.NewEvidence(other, consensus.EvidenceEquivocation))

	got := h.monitor.Counts(target)
	want := Counters{MissedReveals: 2, MissedVotes: 1, InvalidSignatures: 1}
	if got != want {
		t.Fatalf("counters %+v, want %+v", got, want)
	}
	if h.monitor.Counts(other).Equivocations != 1 {
		t.Fatal("equivocation against the other validator not counted")
	}
	if h.monitor.Counts(target).Equivocations != 0 {
		t.Fatal("equivocation crossed validators")
	}
}

func TestThresholdCrossingProposesExclusion(t *testing.T) {
	h := newHarness(t, 5, DefaultConfig)
	target := h.set.Active()[1]

	// 100 -> 75 -> 50: still above 40, no proposal yet
	h.monitor.OnEvidence(consensus.NewEvidence(target, consensus.EvidenceInvalidSignature))
	h.monitor.OnEvidence(consensus.NewEvidence(target, consensus.EvidenceInvalidSignature))
	if len(h.proposals) != 0 {
		t.Fatalf("proposal before the threshold: %v", h.proposals)
	}
	// 50 -> 25: crossed
	h.monitor.OnEvidence(consensus.NewEvidence(target, consensus.EvidenceInvalidSignature))
	if len(h.proposals) != 1 {
		t.Fatalf("expected one proposal, got %d", len(h.proposals))
	}
	if h.proposals[0].target != target || h.proposals[0].status != consensus.StatusCoolingDown {
		t.Fatalf("unexpected proposal %+v", h.proposals[0])
	}

	// further evidence must not re-propose
	h.monitor.OnEvidence(consensus.NewEvidence(target, consensus.EvidenceMissedVote))
	if len(h.proposals) != 1 {
		t.Fatal("duplicate proposal emitted")
	}
}

func TestEquivocationProposedImmediately(t *testing.T) {
	h := newHarness(t, 5, DefaultConfig)
	target := h.set.Active()[2]
	h.monitor.OnEvidence(consensus.NewEvidence(target, consensus.EvidenceEquivocation))
	if len(h.proposals) != 1 {
		t.Fatalf("expected an immediate proposal, got %d", len(h.proposals))
	}
	if h.proposals[0].status != consensus.StatusExcluded {
		t.Fatal("equivocation must propose permanent exclusion")
	}
}

func TestSafetyFloorBlocksExclusion(t *testing.T) {
	h := newHarness(t, 4, DefaultConfig)
	target := h.set.Active()[0]
	h.monitor.OnEvidence(consensus.NewEvidence(target, consensus.EvidenceEquivocation))
	if len(h.proposals) != 0 {
		t.Fatal("excluding from a four-validator set breaks 3f+1 and must be skipped")
	}
}

func TestCooldownAndReinstatement(t *testing.T) {
	cfg := DefaultConfig
	cfg.CooldownBatches = 4
	h := newHarness(t, 5, cfg)
	target := h.set.Active()[1]

	// drive below the threshold and commit the resulting exclusion
	for i := 0; i < 3; i++ {
		h.monitor.OnEvidence(consensus.NewEvidence(target, consensus.EvidenceInvalidSignature))
	}
	if len(h.proposals) != 1 {
		t.Fatalf("expected an exclusion proposal, got %d", len(h.proposals))
	}
	h.applyChange(t, target, consensus.StatusCoolingDown, 10)

	// cooldown not served yet
	h.monitor.OnCommit(consensus.Batch{Sequence: 12}, consensus.QuorumCertificate{}, nil)
	if len(h.proposals) != 1 {
		t.Fatal("reinstatement proposed before the cooldown elapsed")
	}

	// cooldown served
	h.monitor.OnCommit(consensus.Batch{Sequence: 14}, consensus.QuorumCertificate{}, nil)
	if len(h.proposals) != 2 {
		t.Fatalf("expected a reinstatement proposal, got %d proposals", len(h.proposals))
	}
	if h.proposals[1].status != consensus.StatusActive {
		t.Fatalf("unexpected reinstatement proposal %+v", h.proposals[1])
	}

	// consensus agrees; score is partially restored
	h.applyChange(t, target, consensus.StatusActive, 15)
	want := cfg.ExclusionThreshold + (cfg.StartScore-cfg.ExclusionThreshold)/2
	if got := h.monitor.Score(target); got != want {
		t.Fatalf("restored score %d, want %d", got, want)
	}
}

func TestUnknownValidatorIgnored(t *testing.T) {
	h := newHarness(t, 4, DefaultConfig)
	h.monitor.OnEvidence(consensus.NewEvidence("stranger", consensus.EvidenceEquivocation))
	if len(h.proposals) != 0 {
		t.Fatal("evidence against an unknown id must be ignored")
	}
	if got := h.monitor.Score("stranger"); got != DefaultConfig.StartScore {
		t.Fatalf("stranger score %d, want untouched start score", got)
	}
}
