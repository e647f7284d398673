// Package validator wires the consensus engine, game state machine,
// randomness module, reputation monitor and ledger into one running
// validator node, and drives the betting/commit/reveal/resolve cycle of
// each round.
package validator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/happybigmtn/dicenet/config"
	"github.com/happybigmtn/dicenet/consensus"
	"github.com/happybigmtn/dicenet/domain/craps"
	"github.com/happybigmtn/dicenet/identity"
	"github.com/happybigmtn/dicenet/ledger"
	"github.com/happybigmtn/dicenet/randomness"
	"github.com/happybigmtn/dicenet/reputation"
)

// Node is one validator process: it participates in consensus, contributes
// entropy to every roll, applies committed batches to the game state and
// records them in the ledger.
type Node struct {
	provider  *identity.Provider
	id        identity.NodeID
	cfg       config.Config
	log       *slog.Logger
	transport consensus.Transport

	engine  *consensus.Engine
	sm      *craps.StateMachine
	rnd     *randomness.Module
	monitor *reputation.Monitor
	chain   *ledger.Chain

	observers []consensus.Observer

	mu           sync.Mutex
	betWindowFor uint64          // round whose betting window was scheduled
	committedFor map[uint64]bool // rolls this node committed to
	revealedFor  map[uint64]bool // rolls this node revealed for
	endedFor     map[uint64]bool // rolls this node submitted EndRound for
}

// Options carries per-node wiring that is not part of config.
type Options struct {
	Provider  *identity.Provider
	Set       *consensus.ValidatorSet
	Transport consensus.Transport
	Store     consensus.CheckpointStore
	// Balances seeds the genesis game state, including the treasury.
	Balances map[string]uint64
	// Extra observers, metrics collectors for example.
	Observers []consensus.Observer
	Logger    *slog.Logger
}

// setMembership adapts the engine's live validator set to the view the game
// state machine needs.
type setMembership struct{ eng *consensus.Engine }

func (m *setMembership) ActiveCount() int { return m.eng.Validators().N() }
func (m *setMembership) MaxFaulty() int   { return m.eng.Validators().F() }
func (m *setMembership) IsActive(id identity.NodeID) bool {
	return m.eng.Validators().IsActive(id)
}

// NewNode builds and wires a validator. Run starts it.
func NewNode(cfg config.Config, opts Options) (*Node, error) {
	if opts.Provider == nil || opts.Set == nil || opts.Transport == nil || opts.Store == nil {
		return nil, fmt.Errorf("validator: provider, set, transport and store are required")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	id := opts.Provider.ID()
	log = log.With("node", id.Short())

	n := &Node{
		provider:     opts.Provider,
		id:           id,
		cfg:          cfg,
		log:          log,
		transport:    opts.Transport,
		chain:        ledger.NewChain(),
		committedFor: make(map[uint64]bool),
		revealedFor:  make(map[uint64]bool),
		endedFor:     make(map[uint64]bool),
	}

	membership := &setMembership{}
	rules := craps.Rules{MinBet: cfg.MinBet, MaxBet: cfg.MaxBet, Dice: cfg.DiceCount, Faces: cfg.DiceFaces}
	n.sm = craps.NewStateMachine(craps.NewGameState(opts.Balances), rules, membership, log)
	n.rnd = randomness.NewModule(id, cfg.DiceCount, cfg.DiceFaces, n.reportEvidence, log)

	n.engine = consensus.NewEngine(opts.Provider, opts.Set, n.sm, opts.Transport, opts.Store, consensus.Config{
		BatchSize:          cfg.BatchSize,
		BatchInterval:      cfg.BatchInterval,
		ProposalTimeout:    cfg.ProposalTimeout,
		ViewChangeTimeout:  cfg.ViewChangeTimeout,
		CheckpointInterval: cfg.CheckpointInterval,
		MaxInflight:        cfg.MaxInflight,
		VerifyWorkers:      cfg.VerifyWorkers,
	}, log)
	membership.eng = n.engine

	n.monitor = reputation.NewMonitor(reputation.Config{
		StartScore:         reputation.DefaultConfig.StartScore,
		ExclusionThreshold: cfg.ExclusionThreshold,
		MissedRevealCost:   reputation.DefaultConfig.MissedRevealCost,
		MissedVoteCost:     reputation.DefaultConfig.MissedVoteCost,
		InvalidSigCost:     reputation.DefaultConfig.InvalidSigCost,
		EquivocationCost:   reputation.DefaultConfig.EquivocationCost,
		CooldownBatches:    consensus.Sequence(cfg.CooldownBatches),
	}, n.engine.Validators, n.proposeReconfig, log)

	n.observers = append([]consensus.Observer{n.chain, n.monitor}, opts.Observers...)
	for _, o := range n.observers {
		n.engine.AddObserver(o)
	}
	n.engine.AddObserver((*roundDriver)(n))
	n.engine.SetRandomnessHandler(n)
	return n, nil
}

// ID returns this validator's node id.
func (n *Node) ID() identity.NodeID { return n.id }

// Ledger returns the node's hash-chained commit record.
func (n *Node) Ledger() *ledger.Chain { return n.chain }

// Reputation returns the node's local reputation monitor.
func (n *Node) Reputation() *reputation.Monitor { return n.monitor }

// Run starts the node and blocks until ctx is canceled. The first betting
// window is scheduled immediately.
func (n *Node) Run(ctx context.Context) error {
	n.scheduleBettingWindow(1, 1)
	return n.engine.Run(ctx)
}

// SubmitOperation signs and submits an externally originated operation,
// a bet relayed from a gateway for example.
func (n *Node) SubmitOperation(payload []byte) error {
	op, err := consensus.NewOperation(n.id, payload)
	if err != nil {
		return err
	}
	if err := op.Sign(n.provider); err != nil {
		return err
	}
	return n.engine.Submit(op)
}

// PlaceBet submits a bet for a player through this validator.
func (n *Node) PlaceBet(player string, betType craps.BetType, amount uint64) error {
	payload, err := (&craps.GameOp{
		Type: craps.OpPlaceBet,
		Bet:  &craps.BetPayload{Player: player, Type: betType, Amount: amount},
	}).Encode()
	if err != nil {
		return err
	}
	return n.SubmitOperation(payload)
}

// State returns a copy of the current game state. Historical states are not
// retained; the ledger keeps the state hash per committed sequence, so past
// states can be verified but not served.
func (n *Node) State() *craps.GameState { return n.sm.View() }

// StateHashAt returns the state hash the cluster agreed on at the given
// sequence, read from the node's ledger.
func (n *Node) StateHashAt(seq consensus.Sequence) ([]byte, error) {
	block, err := n.chain.GetBySequence(seq)
	if err != nil {
		return nil, err
	}
	return block.StateHash, nil
}

// LatestCheckpoint captures the current state as a snapshot.
func (n *Node) LatestCheckpoint() (consensus.Snapshot, error) { return n.sm.Snapshot() }

// QuorumCertificate returns the certificate for a committed sequence.
func (n *Node) QuorumCertificate(seq consensus.Sequence) (consensus.QuorumCertificate, bool) {
	return n.engine.QuorumCertificate(seq)
}

// Halted reports whether consensus stopped proposing for lack of a safe
// validator margin.
func (n *Node) Halted() bool { return n.engine.Halted() }

// reportEvidence fans misbehavior detected outside the engine out to the
// same observers the engine notifies.
func (n *Node) reportEvidence(ev consensus.Evidence) {
	for _, o := range n.observers {
		o.OnEvidence(ev)
	}
}

// proposeReconfig turns a reputation decision into a deterministic
// membership-change operation. Identical proposals from different
// validators share an operation id and collapse in the dedup layer.
func (n *Node) proposeReconfig(target identity.NodeID, status consensus.ValidatorStatus, reason string) {
	payload, err := (&craps.GameOp{
		Type:     craps.OpReconfigure,
		Reconfig: &craps.ReconfigPayload{Target: target, Status: string(status), Reason: reason},
	}).Encode()
	if err != nil {
		n.log.Error("reconfig encode failed", "err", err)
		return
	}
	op := consensus.DeterministicOperation(n.id, payload)
	if err := op.Sign(n.provider); err != nil {
		n.log.Error("reconfig sign failed", "err", err)
		return
	}
	if err := n.engine.Submit(op); err != nil {
		n.log.Debug("reconfig submit rejected", "err", err)
	}
}
