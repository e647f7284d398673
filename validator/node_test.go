package validator

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/happybigmtn/dicenet/config"
	"github.com/happybigmtn/dicenet/consensus"
	"github.com/happybigmtn/dicenet/domain/craps"
	"github.com/happybigmtn/dicenet/identity"
	"github.com/happybigmtn/dicenet/ledger"
	"github.com/happybigmtn/dicenet/network"
)

func fastConfig() config.Config {
	return config.Config{
		BatchSize:          8,
		BatchInterval:      10 * time.Millisecond,
		ProposalTimeout:    2 * time.Second,
		ViewChangeTimeout:  4 * time.Second,
		CheckpointInterval: 16,
		MaxInflight:        4,
		VerifyWorkers:      2,
		RevealDeadline:     300 * time.Millisecond,
		BettingWindow:      100 * time.Millisecond,
		DiceCount:          2,
		DiceFaces:          6,
		MinBet:             1,
		MaxBet:             1000,
		ExclusionThreshold: 40,
		CooldownBatches:    32,
		SendTimeout:        time.Second,
	}
}

// startNodes spins up an in-process cluster over a Mesh and returns the
// running nodes.
func startNodes(t *testing.T, count int) []*Node {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	mesh := network.NewMesh()

	providers := make([]*identity.Provider, count)
	ids := make([]identity.NodeID, count)
	for i := range providers {
		p, err := identity.Generate()
		if err != nil {
			t.Fatal(err)
		}
		providers[i] = p
		ids[i] = p.ID()
	}
	set := consensus.NewValidatorSet(ids)
	balances := map[string]uint64{
		craps.TreasuryAccount: 1_000_000,
		"alice":               1_000,
		"bob":                 1_000,
	}

	nodes := make([]*Node, count)
	for i, p := range providers {
		node, err := NewNode(fastConfig(), Options{
			Provider:  p,
			Set:       set,
			Transport: mesh.Join(p.ID()),
			Store:     ledger.NewCheckpoints(),
			Balances:  balances,
			Logger:    log,
		})
		if err != nil {
			t.Fatal(err)
		}
		nodes[i] = node
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	for _, node := range nodes {
		go node.Run(ctx)
	}
	return nodes
}

func eventually(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func sameDice(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestClusterResolvesARoll(t *testing.T) {
	if testing.Short() {
		t.Skip("cluster test")
	}
	nodes := startNodes(t, 4)

	// the field bet resolves on the very first roll regardless of the sum
	if err := nodes[0].PlaceBet("alice", craps.BetField, 10); err != nil {
		t.Fatal(err)
	}

	eventually(t, 30*time.Second, "the bet to settle with a converged state", func() bool {
		ref := nodes[0].State()
		if len(ref.LastDice) == 0 || len(ref.Pending) != 0 || len(ref.OpenBets) != 0 {
			return false
		}
		for _, node := range nodes[1:] {
			st := node.State()
			if !sameDice(st.LastDice, ref.LastDice) {
				return false
			}
			if st.Balances["alice"] != ref.Balances["alice"] {
				return false
			}
		}
		return true
	})

	st := nodes[0].State()
	for _, die := range st.LastDice {
		if die < 1 || die > 6 {
			t.Fatalf("die out of range: %v", st.LastDice)
		}
	}
	// a 10-unit field bet ends at 990 on a loss, or at the stake plus a
	// 1x/2x/3x payout on a win
	switch balance := st.Balances["alice"]; balance {
	case 990, 1010, 1020, 1030:
	default:
		t.Fatalf("alice's balance %d is not a legal field-bet settlement", balance)
	}
}

func TestClusterLedgersAgree(t *testing.T) {
	if testing.Short() {
		t.Skip("cluster test")
	}
	nodes := startNodes(t, 4)

	// a cluster with no bets still commits the commit/reveal/end operations
	const seq = consensus.Sequence(2)
	eventually(t, 30*time.Second, "every ledger to record the sequence", func() bool {
		for _, node := range nodes {
			if _, err := node.Ledger().GetBySequence(seq); err != nil {
				return false
			}
		}
		return true
	})

	ref, err := nodes[0].Ledger().GetBySequence(seq)
	if err != nil {
		t.Fatal(err)
	}
	for _, node := range nodes[1:] {
		block, err := node.Ledger().GetBySequence(seq)
		if err != nil {
			t.Fatal(err)
		}
		if string(block.StateHash) != string(ref.StateHash) {
			t.Fatal("state hashes diverge at the same sequence")
		}
		if len(block.Operations) != len(ref.Operations) {
			t.Fatal("operation sets diverge at the same sequence")
		}
		hash, err := node.StateHashAt(seq)
		if err != nil {
			t.Fatal(err)
		}
		if string(hash) != string(ref.StateHash) {
			t.Fatal("historical state hash does not match the ledger")
		}
	}
	for _, node := range nodes {
		if err := node.Ledger().Verify(); err != nil {
			t.Fatalf("ledger verify: %v", err)
		}
	}

	qc, ok := nodes[0].QuorumCertificate(seq)
	if !ok {
		t.Fatal("no quorum certificate for a committed sequence")
	}
	set := consensus.NewValidatorSet([]identity.NodeID{
		nodes[0].ID(), nodes[1].ID(), nodes[2].ID(), nodes[3].ID(),
	})
	if !consensus.VerifyQC(qc, set) {
		t.Fatal("quorum certificate invalid")
	}
}

func TestPruneRetiresRandomnessState(t *testing.T) {
	node := startNodes(t, 1)[0]

	c, err := node.rnd.Open(1)
	if err != nil {
		t.Fatal(err)
	}
	if err := node.rnd.Commit(1, node.id, c.Hash); err != nil {
		t.Fatal(err)
	}
	r, err := node.rnd.OwnReveal(1)
	if err != nil {
		t.Fatal(err)
	}
	if err := node.rnd.Reveal(1, node.id, r.Secret); err != nil {
		t.Fatal(err)
	}
	if node.rnd.RevealCount(1) != 1 {
		t.Fatal("own reveal not recorded")
	}
	node.mu.Lock()
	node.committedFor[1] = true
	node.mu.Unlock()

	node.pruneRolls(32)
	if node.rnd.RevealCount(1) != 0 {
		t.Fatal("retired roll still holds reveals")
	}
	node.mu.Lock()
	_, kept := node.committedFor[1]
	node.mu.Unlock()
	if kept {
		t.Fatal("pruned roll bookkeeping survived")
	}
}

func TestClusterSurvivesLossyNetwork(t *testing.T) {
	if testing.Short() {
		t.Skip("cluster test")
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	mesh := network.NewMesh()
	mesh.SetFaults(network.Faults{DuplicateRate: 0.2, MaxDelay: 5 * time.Millisecond})

	providers := make([]*identity.Provider, 4)
	ids := make([]identity.NodeID, 4)
	for i := range providers {
		p, err := identity.Generate()
		if err != nil {
			t.Fatal(err)
		}
		providers[i] = p
		ids[i] = p.ID()
	}
	set := consensus.NewValidatorSet(ids)
	balances := map[string]uint64{craps.TreasuryAccount: 1_000_000, "bob": 1_000}

	nodes := make([]*Node, 4)
	for i, p := range providers {
		node, err := NewNode(fastConfig(), Options{
			Provider:  p,
			Set:       set,
			Transport: mesh.Join(p.ID()),
			Store:     ledger.NewCheckpoints(),
			Balances:  balances,
			Logger:    log,
		})
		if err != nil {
			t.Fatal(err)
		}
		nodes[i] = node
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	for _, node := range nodes {
		go node.Run(ctx)
	}

	// duplicated and reordered messages must not stall the round cycle
	eventually(t, 30*time.Second, "a roll despite duplicates and delays", func() bool {
		for _, node := range nodes {
			if len(node.State().LastDice) == 0 {
				return false
			}
		}
		return true
	})
}
