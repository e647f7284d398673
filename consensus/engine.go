package consensus

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/happybigmtn/dicenet/identity"
)

// Config carries the engine's protocol parameters.
type Config struct {
	// BatchSize is the operation count that triggers an immediate proposal.
	BatchSize int
	// BatchInterval bounds the wait before a partial batch is proposed.
	BatchInterval time.Duration
	// ProposalTimeout is the progress deadline; exceeding it starts a view
	// change.
	ProposalTimeout time.Duration
	// ViewChangeTimeout bounds how long a view change may take to gather a
	// quorum before the next view is tried.
	ViewChangeTimeout time.Duration
	// CheckpointInterval is the number of committed sequences between state
	// snapshots.
	CheckpointInterval uint64
	// MaxInflight is the pipelining window: how many sequences may be
	// proposed beyond the last committed one.
	MaxInflight int
	// VerifyWorkers is the size of the signature verification pool in front
	// of the event loop.
	VerifyWorkers int
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 16
	}
	if c.BatchInterval <= 0 {
		c.BatchInterval = 250 * time.Millisecond
	}
	if c.ProposalTimeout <= 0 {
		c.ProposalTimeout = 2 * time.Second
	}
	if c.ViewChangeTimeout <= 0 {
		c.ViewChangeTimeout = 4 * time.Second
	}
	if c.CheckpointInterval == 0 {
		c.CheckpointInterval = 32
	}
	if c.MaxInflight <= 0 {
		c.MaxInflight = 4
	}
	if c.VerifyWorkers <= 0 {
		c.VerifyWorkers = 4
	}
	return c
}

type eventKind int

const (
	evMessage eventKind = iota
	evSubmit
	evTimer
	evFunc
)

type timerKind int

const (
	timerBatch timerKind = iota
	timerProgress
	timerViewChange
)

type event struct {
	kind  eventKind
	from  identity.NodeID
	mtype MessageType
	msg   any
	op    *Operation
	timer timerKind
	gen   uint64
	fn    func()
}

// instance tracks one sequence number's agreement round.
type instance struct {
	view       View
	batchHash  []byte
	prePrepare *PrePrepare
	prepares   map[identity.NodeID]Vote
	commits    map[identity.NodeID]Vote
	prepared   bool
	committed  bool
	forwarded  bool // pre-prepare rebroadcast after a conflicting vote
}

func newInstance() *instance {
	return &instance{
		prepares: make(map[identity.NodeID]Vote),
		commits:  make(map[identity.NodeID]Vote),
	}
}

// Engine runs the BFT protocol for one validator. All protocol state is
// owned by the Run loop; public methods communicate with it through the
// event queue and atomic snapshots.
type Engine struct {
	cfg       Config
	provider  *identity.Provider
	id        identity.NodeID
	sm        StateMachine
	transport Transport
	store     CheckpointStore
	qcs       *QCAssembler
	log       *slog.Logger

	observers []Observer
	rnd       RandomnessHandler

	events chan event

	// loop-owned state, never touched outside the Run goroutine
	set           *ValidatorSet
	view          View
	inViewChange  bool
	vcTarget      View
	behindUntil   Sequence
	halted        bool
	nextSeq       Sequence
	lastCommitted Sequence
	instances     map[Sequence]*instance
	pending       []Operation
	pendingIDs    map[string]struct{} // accepted and not yet applied
	queuedIDs     map[string]struct{} // currently in the pending slice
	appliedIDs    map[string]struct{}
	viewChanges   map[View]map[identity.NodeID]ViewChange
	batchArmed    bool
	progressGen   uint64
	vcGen         uint64
	committedLog  map[Sequence]Batch // recent committed batches, for catch-up replay
	lastCatchUp   time.Time

	// snapshots readable from other goroutines
	viewSnap   atomic.Uint64
	commitSnap atomic.Uint64
	haltedSnap atomic.Bool
	setSnap    atomic.Pointer[ValidatorSet]
}

// NewEngine wires an engine for the given validator identity and initial
// configuration. Observers and the randomness handler are attached before
// Run is called.
func NewEngine(p *identity.Provider, set *ValidatorSet, sm StateMachine, tr Transport, store CheckpointStore, cfg Config, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	e := &Engine{
		cfg:          cfg.withDefaults(),
		provider:     p,
		id:           p.ID(),
		sm:           sm,
		transport:    tr,
		store:        store,
		qcs:          NewQCAssembler(),
		log:          log.With("node", p.ID().Short()),
		events:       make(chan event, 4096),
		set:          set,
		instances:    make(map[Sequence]*instance),
		pendingIDs:   make(map[string]struct{}),
		queuedIDs:    make(map[string]struct{}),
		appliedIDs:   make(map[string]struct{}),
		viewChanges:  make(map[View]map[identity.NodeID]ViewChange),
		committedLog: make(map[Sequence]Batch),
		nextSeq:      1,
	}
	e.setSnap.Store(set)
	return e
}

// AddObserver registers a read-only consumer of committed events. Must be
// called before Run.
func (e *Engine) AddObserver(o Observer) { e.observers = append(e.observers, o) }

// SetRandomnessHandler routes commit-reveal wire messages to the given
// handler. Must be called before Run.
func (e *Engine) SetRandomnessHandler(h RandomnessHandler) { e.rnd = h }

// View returns the current view.
func (e *Engine) View() View { return View(e.viewSnap.Load()) }

// LastCommitted returns the highest committed sequence.
func (e *Engine) LastCommitted() Sequence { return Sequence(e.commitSnap.Load()) }

// Halted reports whether the engine stopped proposing because the active
// validator count fell below the safety margin.
func (e *Engine) Halted() bool { return e.haltedSnap.Load() }

// Validators returns the current validator configuration.
func (e *Engine) Validators() *ValidatorSet { return e.setSnap.Load() }

// QuorumCertificate returns the certificate assembled for a committed
// sequence, for consumption by gateways and clients.
func (e *Engine) QuorumCertificate(seq Sequence) (QuorumCertificate, bool) {
	return e.qcs.Get(seq)
}

// Submit accepts an externally originated operation for ordering. A nil
// return means "pending": the operation was accepted locally and will be
// proposed, but finality is only ever signaled by a QuorumCertificate.
func (e *Engine) Submit(op Operation) error {
	if e.haltedSnap.Load() {
		return ErrHalted
	}
	if !op.VerifySignature() {
		return &ConsensusError{Reason: "operation signature invalid"}
	}
	if err := e.sm.ValidateOperation(op); err != nil {
		return err
	}
	e.post(event{kind: evSubmit, op: &op})
	return nil
}

// Schedule runs fn on the engine's event loop after the delay. Collaborators
// use it for their own deadlines so that every timer re-enters the single
// processing queue instead of mutating state concurrently.
func (e *Engine) Schedule(d time.Duration, fn func()) {
	time.AfterFunc(d, func() { e.post(event{kind: evFunc, fn: fn}) })
}

func (e *Engine) post(ev event) {
	select {
	case e.events <- ev:
	default:
		// Queue overflow: drop. The transport gives no delivery guarantee
		// anyway, so peers retransmit or a view change recovers.
		e.log.Warn("event queue full, dropping event")
	}
}

// Run drives the engine until the context is canceled. It restores the
// latest checkpoint, starts the signature verification pool, and then
// processes the event queue sequentially.
func (e *Engine) Run(ctx context.Context) error {
	if snap, ok, err := e.store.LoadLatestCheckpoint(); err != nil {
		return err
	} else if ok {
		if err := e.sm.Restore(snap); err != nil {
			return err
		}
		e.lastCommitted = snap.LastApplied
		e.nextSeq = snap.LastApplied + 1
		e.commitSnap.Store(uint64(e.lastCommitted))
		e.log.Info("restored from checkpoint", "last_applied", uint64(snap.LastApplied))
	}
	for i := 0; i < e.cfg.VerifyWorkers; i++ {
		go e.verifyLoop(ctx)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-e.events:
			e.handle(ev)
		}
	}
}

// verifyLoop decodes inbound datagrams and checks their signatures before
// anything reaches the protocol state. Verification is pure, so any number
// of workers may run it concurrently.
func (e *Engine) verifyLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case in, ok := <-e.transport.Receive():
			if !ok {
				return
			}
			e.processInbound(in)
		}
	}
}

func (e *Engine) processInbound(in Inbound) {
	mtype, msg, err := DecodeMessage(in.Data)
	if err != nil {
		e.log.Debug("dropping undecodable message", "from", in.From.Short(), "err", err)
		return
	}
	var signer identity.NodeID
	okSig := false
	switch m := msg.(type) {
	case *PrePrepare:
		signer, okSig = m.Leader, m.VerifySignature()
	case *Vote:
		signer, okSig = m.Voter, m.VerifySignature()
	case *ViewChange:
		signer, okSig = m.Voter, m.VerifySignature()
	case *NewView:
		// justification signatures are checked in the loop handler
		signer, okSig = m.Leader, m.VerifySignature()
	case *Commitment:
		signer, okSig = m.Validator, m.VerifySignature()
	case *Reveal:
		signer, okSig = m.Validator, m.VerifySignature()
	case *Submit:
		signer, okSig = m.Operation.Proposer, m.Operation.VerifySignature()
	case *CatchUpRequest:
		signer, okSig = m.Requester, m.VerifySignature()
	case *CatchUp:
		signer, okSig = m.Sender, m.VerifySignature()
	}
	if !okSig {
		// not attributable: the datagram is unauthenticated, so the named
		// signer may be the victim of framing and the transport-level sender
		// is advisory only
		e.log.Debug("dropping message with invalid signature",
			"claimed", signer.Short(), "transport_from", in.From.Short())
		return
	}
	e.post(event{kind: evMessage, from: in.From, mtype: mtype, msg: msg})
}

func (e *Engine) handle(ev event) {
	switch ev.kind {
	case evMessage:
		e.handleMessage(ev)
	case evSubmit:
		e.handleSubmit(*ev.op)
	case evTimer:
		e.handleTimer(ev.timer, ev.gen)
	case evFunc:
		ev.fn()
	}
}

func (e *Engine) handleMessage(ev event) {
	switch m := ev.msg.(type) {
	case *PrePrepare:
		e.handlePrePrepare(m)
	case *Vote:
		if (ev.mtype == MsgPrepare) != (m.Phase == PhasePrepare) {
			return
		}
		e.handleVote(*m)
	case *ViewChange:
		e.handleViewChange(*m)
	case *NewView:
		e.handleNewView(m)
	case *Commitment:
		if e.rnd != nil && e.set.Contains(m.Validator) {
			e.rnd.HandleCommitment(*m)
		}
	case *Reveal:
		if e.rnd != nil && e.set.Contains(m.Validator) {
			e.rnd.HandleReveal(*m)
		}
	case *CatchUpRequest:
		e.handleCatchUpRequest(*m)
	case *CatchUp:
		e.handleCatchUp(m)
	case *Submit:
		if err := e.sm.ValidateOperation(m.Operation); err != nil {
			e.log.Debug("relayed operation rejected", "op", m.Operation.ID, "err", err)
			return
		}
		e.handleSubmit(m.Operation)
	}
}

func (e *Engine) handleSubmit(op Operation) {
	if _, dup := e.pendingIDs[op.ID]; dup {
		return
	}
	if _, dup := e.appliedIDs[op.ID]; dup {
		return
	}
	e.pending = append(e.pending, op)
	e.pendingIDs[op.ID] = struct{}{}
	e.queuedIDs[op.ID] = struct{}{}
	if e.isLeader() {
		e.maybePropose(false)
		e.armBatchTimer()
	} else {
		// fire-and-forget relay; retransmission happens naturally because
		// the submitter retries and view changes re-queue pending ops
		data, err := EncodeMessage(MsgSubmit, Submit{Operation: op})
		if err == nil {
			if err := e.transport.SendTo(e.set.Leader(e.view), data); err != nil {
				e.log.Debug("relay to leader failed", "err", err)
			}
		}
	}
	e.armProgressTimer()
}

func (e *Engine) isLeader() bool {
	return !e.inViewChange && !e.halted && e.set.Leader(e.view) == e.id
}

func (e *Engine) inflight() int {
	n := 0
	for seq, inst := range e.instances {
		if seq > e.lastCommitted && inst.prePrepare != nil && !inst.committed {
			n++
		}
	}
	return n
}

// maybePropose batches pending operations and proposes them while the
// pipelining window has room. Partial batches only go out when force is set
// (the batch interval elapsed).
func (e *Engine) maybePropose(force bool) {
	if !e.isLeader() || e.behindUntil > e.lastCommitted {
		return
	}
	if e.set.BelowSafetyMargin() {
		e.haltProposals()
		return
	}
	for len(e.pending) > 0 && e.inflight() < e.cfg.MaxInflight {
		if len(e.pending) < e.cfg.BatchSize && !force {
			return
		}
		take := e.cfg.BatchSize
		if take > len(e.pending) {
			take = len(e.pending)
		}
		ops := make([]Operation, take)
		copy(ops, e.pending[:take])
		e.pending = e.pending[take:]
		for _, op := range ops {
			delete(e.queuedIDs, op.ID)
		}

		batch := Batch{View: e.view, Sequence: e.nextSeq, Operations: ops}
		pp := &PrePrepare{
			View:      e.view,
			Sequence:  e.nextSeq,
			BatchHash: batch.Hash(),
			Batch:     batch,
			Leader:    e.id,
		}
		if err := pp.Sign(e.provider); err != nil {
			e.log.Error("signing proposal failed", "err", err)
			return
		}
		e.nextSeq++
		e.broadcast(MsgPrePrepare, pp)
		e.log.Debug("proposed batch", "seq", uint64(pp.Sequence), "ops", len(ops))
		e.handlePrePrepare(pp)
	}
}

func (e *Engine) haltProposals() {
	if e.halted {
		return
	}
	e.halted = true
	e.haltedSnap.Store(true)
	e.log.Error("active validator count below 3f+1 safety margin, halting proposals",
		"active", e.set.N())
}

func (e *Engine) handlePrePrepare(pp *PrePrepare) {
	if e.halted || e.inViewChange || pp.View != e.view {
		return
	}
	if pp.Leader != e.set.Leader(e.view) || !e.set.IsActive(pp.Leader) {
		return
	}
	if pp.Sequence <= e.lastCommitted {
		return
	}
	if pp.Sequence > e.lastCommitted+Sequence(e.cfg.MaxInflight) {
		// traffic past our window means the cluster committed sequences we
		// never saw; ask the sender to replay them
		e.requestCatchUp(pp.Leader)
		return
	}
	if pp.Batch.View != pp.View || pp.Batch.Sequence != pp.Sequence {
		return
	}
	if !bytes.Equal(pp.BatchHash, pp.Batch.Hash()) {
		return
	}
	inst := e.instance(pp.Sequence)
	if inst.prePrepare != nil {
		if inst.prePrepare.View == pp.View && !bytes.Equal(inst.batchHash, pp.BatchHash) {
			// two signed proposals from the same leader for one sequence
			proofA, _ := json.Marshal(inst.prePrepare)
			proofB, _ := json.Marshal(pp)
			ev := NewEvidence(pp.Leader, EvidenceEquivocation, proofA, proofB)
			e.emitEvidence(ev)
			e.startViewChange(e.view+1, ev)
		}
		return
	}
	inst.view = pp.View
	inst.batchHash = pp.BatchHash
	inst.prePrepare = pp

	vote := Vote{Phase: PhasePrepare, View: pp.View, Sequence: pp.Sequence, BatchHash: pp.BatchHash, Voter: e.id}
	if err := vote.Sign(e.provider); err != nil {
		e.log.Error("signing prepare vote failed", "err", err)
		return
	}
	e.broadcast(MsgPrepare, &vote)
	e.recordVote(inst, vote)
	e.armProgressTimer()
}

func (e *Engine) handleVote(v Vote) {
	if e.halted || v.View != e.view || e.inViewChange {
		return
	}
	if !e.set.IsActive(v.Voter) {
		return
	}
	if v.Sequence <= e.lastCommitted {
		return
	}
	if v.Sequence > e.lastCommitted+Sequence(e.cfg.MaxInflight) {
		e.requestCatchUp(v.Voter)
		return
	}
	inst := e.instance(v.Sequence)
	e.recordVote(inst, v)
}

// recordVote stores a vote under its dedup key and advances the instance
// through prepared and committed when tallies reach quorum. Votes for a
// hash that conflicts with the accepted pre-prepare do not count toward the
// tally but do trigger a rebroadcast of the pre-prepare, so that a leader
// who equivocated toward disjoint validator subsets is exposed everywhere.
func (e *Engine) recordVote(inst *instance, v Vote) {
	tallies := inst.prepares
	if v.Phase == PhaseCommit {
		tallies = inst.commits
	}
	if _, dup := tallies[v.Voter]; dup {
		return
	}
	tallies[v.Voter] = v

	if inst.prePrepare == nil {
		// a commit quorum for a proposal we never received means the leader's
		// pre-prepare was lost on the way to us; recover from a committer
		if v.Phase == PhaseCommit && len(inst.commits) >= e.set.Quorum() {
			e.requestCatchUp(v.Voter)
		}
		return
	}
	if !bytes.Equal(v.BatchHash, inst.batchHash) {
		if !inst.forwarded {
			inst.forwarded = true
			e.broadcast(MsgPrePrepare, inst.prePrepare)
		}
		return
	}

	quorum := e.set.Quorum()
	if !inst.prepared && e.tally(inst.prepares, inst.batchHash) >= quorum {
		inst.prepared = true
		cv := Vote{Phase: PhaseCommit, View: inst.view, Sequence: inst.prePrepare.Sequence, BatchHash: inst.batchHash, Voter: e.id}
		if err := cv.Sign(e.provider); err != nil {
			e.log.Error("signing commit vote failed", "err", err)
			return
		}
		e.broadcast(MsgCommit, &cv)
		e.recordVote(inst, cv)
		return
	}
	if inst.prepared && !inst.committed && e.tally(inst.commits, inst.batchHash) >= quorum {
		inst.committed = true
		qc, err := Assemble(inst.view, inst.prePrepare.Sequence, inst.batchHash, inst.commits, quorum)
		if err != nil {
			e.log.Error("assembling certificate failed", "err", err)
			return
		}
		e.qcs.Store(qc)
		e.tryAdvance()
	}
}

func (e *Engine) tally(votes map[identity.NodeID]Vote, hash []byte) int {
	n := 0
	for _, v := range votes {
		if bytes.Equal(v.BatchHash, hash) {
			n++
		}
	}
	return n
}

// tryAdvance applies committed batches in sequence order, handing each to
// the state machine and the observers, emitting follow-up operations, and
// checkpointing on the configured interval.
func (e *Engine) tryAdvance() {
	for {
		inst, ok := e.instances[e.lastCommitted+1]
		if !ok || !inst.committed {
			break
		}
		batch := inst.prePrepare.Batch
		results, err := e.sm.ApplyBatch(batch)
		if err != nil {
			e.log.Error("batch application failed", "seq", uint64(batch.Sequence), "err", err)
			return
		}
		e.lastCommitted++
		e.commitSnap.Store(uint64(e.lastCommitted))
		delete(e.instances, e.lastCommitted)
		e.committedLog[e.lastCommitted] = batch

		for _, op := range batch.Operations {
			e.appliedIDs[op.ID] = struct{}{}
			delete(e.pendingIDs, op.ID)
		}
		e.dropAppliedPending()

		for _, res := range results {
			if res.Err != nil {
				e.log.Debug("operation rejected in batch", "op", res.OpID, "err", res.Err)
			}
			if res.Evidence != nil {
				e.emitEvidence(*res.Evidence)
			}
			if res.Reconfig != nil {
				e.applyReconfig(*res.Reconfig)
			}
			for _, payload := range res.Emitted {
				op := DeterministicOperation(e.id, payload)
				if err := op.Sign(e.provider); err != nil {
					e.log.Error("signing emitted operation failed", "err", err)
					continue
				}
				e.handleSubmit(op)
			}
		}

		qc, _ := e.qcs.Get(e.lastCommitted)
		stateHash := e.sm.StateHash()
		for _, o := range e.observers {
			o.OnCommit(batch, qc, stateHash)
		}
		e.log.Debug("committed batch", "seq", uint64(e.lastCommitted), "ops", len(batch.Operations))

		if uint64(e.lastCommitted)%e.cfg.CheckpointInterval == 0 {
			e.checkpoint()
		}
		e.maybePropose(false)
	}
	e.armProgressTimer()
}

func (e *Engine) dropAppliedPending() {
	kept := e.pending[:0]
	for _, op := range e.pending {
		if _, applied := e.appliedIDs[op.ID]; applied {
			delete(e.queuedIDs, op.ID)
			continue
		}
		kept = append(kept, op)
	}
	e.pending = kept
}

func (e *Engine) applyReconfig(change ReconfigChange) {
	next, err := e.set.WithStatus(change.Target, change.Status)
	if err != nil {
		e.log.Warn("reconfigure rejected", "target", change.Target.Short(), "err", err)
		return
	}
	if next == e.set {
		return
	}
	e.set = next
	e.setSnap.Store(next)
	e.log.Info("validator set reconfigured",
		"target", change.Target.Short(), "status", string(change.Status),
		"version", next.Version(), "active", next.N())
	if e.set.BelowSafetyMargin() {
		e.haltProposals()
	}
}

func (e *Engine) checkpoint() {
	snap, err := e.sm.Snapshot()
	if err != nil {
		e.log.Error("snapshot failed", "err", err)
		return
	}
	if err := e.store.SaveCheckpoint(snap); err != nil {
		e.log.Error("saving checkpoint failed", "err", err)
		return
	}
	if uint64(e.lastCommitted) > e.cfg.CheckpointInterval {
		cutoff := e.lastCommitted - Sequence(e.cfg.CheckpointInterval)
		e.qcs.Prune(cutoff)
		for seq := range e.committedLog {
			if seq <= cutoff {
				delete(e.committedLog, seq)
			}
		}
	}
	e.log.Debug("checkpoint saved", "last_applied", uint64(snap.LastApplied))
}

func (e *Engine) instance(seq Sequence) *instance {
	inst, ok := e.instances[seq]
	if !ok {
		inst = newInstance()
		e.instances[seq] = inst
	}
	return inst
}

func (e *Engine) broadcast(t MessageType, msg any) {
	data, err := EncodeMessage(t, msg)
	if err != nil {
		e.log.Error("encoding message failed", "type", string(t), "err", err)
		return
	}
	if err := e.transport.Broadcast(data); err != nil {
		e.log.Warn("broadcast failed", "type", string(t), "err", err)
	}
}

func (e *Engine) emitEvidence(ev Evidence) {
	e.log.Info("byzantine evidence",
		"accused", ev.Accused.Short(), "kind", string(ev.Kind))
	for _, o := range e.observers {
		o.OnEvidence(ev)
	}
}

// --- timers -----------------------------------------------------------

func (e *Engine) armBatchTimer() {
	if e.batchArmed || !e.isLeader() || len(e.pending) == 0 {
		return
	}
	e.batchArmed = true
	time.AfterFunc(e.cfg.BatchInterval, func() {
		e.post(event{kind: evTimer, timer: timerBatch})
	})
}

// armProgressTimer (re)arms the stall detector. Each arming invalidates the
// previous generation, so a firing timer only matters if nothing committed
// since it was set.
func (e *Engine) armProgressTimer() {
	e.progressGen++
	if e.inflight() == 0 && len(e.pending) == 0 {
		return
	}
	gen := e.progressGen
	time.AfterFunc(e.cfg.ProposalTimeout, func() {
		e.post(event{kind: evTimer, timer: timerProgress, gen: gen})
	})
}

func (e *Engine) handleTimer(t timerKind, gen uint64) {
	switch t {
	case timerBatch:
		e.batchArmed = false
		e.maybePropose(true)
		e.armBatchTimer()
	case timerProgress:
		if gen != e.progressGen || e.halted || e.inViewChange {
			return
		}
		if e.inflight() == 0 && len(e.pending) == 0 {
			return
		}
		e.accuseSilentVoters()
		e.log.Warn("no progress within proposal timeout, starting view change",
			"view", uint64(e.view), "err", &TimeoutError{What: "commit progress", After: e.cfg.ProposalTimeout})
		e.startViewChange(e.view + 1)
	case timerViewChange:
		if gen != e.vcGen || !e.inViewChange {
			return
		}
		e.log.Warn("view change stalled, escalating", "target", uint64(e.vcTarget))
		e.startViewChange(e.vcTarget + 1)
	}
}

// accuseSilentVoters records MissedVote evidence against active validators
// that contributed no vote to a stalled instance. Only run on a progress
// timeout, so ordinary vote latency never accrues penalties.
func (e *Engine) accuseSilentVoters() {
	for seq, inst := range e.instances {
		if seq <= e.lastCommitted || inst.prePrepare == nil || inst.committed {
			continue
		}
		for _, id := range e.set.Active() {
			if id == e.id {
				continue
			}
			_, prepared := inst.prepares[id]
			_, committed := inst.commits[id]
			if !prepared && !committed {
				e.emitEvidence(NewEvidence(id, EvidenceMissedVote))
			}
		}
	}
}
