package validator

import (
	"github.com/happybigmtn/dicenet/consensus"
	"github.com/happybigmtn/dicenet/domain/craps"
)

// roundDriver is the node's own observer registration. It reacts to every
// committed batch by looking at the resulting game state and doing whatever
// the round needs next: opening the betting window, committing to a roll,
// or ending the round once enough reveals are on chain.
type roundDriver Node

func (d *roundDriver) OnCommit(consensus.Batch, consensus.QuorumCertificate, []byte) {
	(*Node)(d).driveFromState()
}

func (d *roundDriver) OnEvidence(consensus.Evidence) {}

func (d *roundDriver) OnViewChange(from, to consensus.View) {}

// driveFromState advances this node's part of the round protocol based on
// the committed game state. It is called from the engine's event loop, so
// everything it triggers re-enters the loop asynchronously.
func (n *Node) driveFromState() {
	st := n.sm.View()
	set := n.engine.Validators()
	switch st.Phase {
	case craps.PhaseBetting:
		n.scheduleBettingWindow(st.Round, st.Roll)
	case craps.PhaseRolling:
		n.mu.Lock()
		committed := n.committedFor[st.Roll]
		n.mu.Unlock()
		if !committed {
			n.startCommit(st.Roll)
			return
		}
		// end the round early once every active validator has revealed on
		// chain; the deadline path handles partial reveal sets
		if len(st.RevealedEntries()) >= set.N() {
			n.submitEndRound(st.Roll)
		}
	}
	n.pruneRolls(st.Roll)
}

// scheduleBettingWindow arms the betting-window timer once per round. When
// it fires, this validator commits to the round's first roll, which closes
// betting on chain.
func (n *Node) scheduleBettingWindow(round, roll uint64) {
	n.mu.Lock()
	if n.betWindowFor >= round {
		n.mu.Unlock()
		return
	}
	n.betWindowFor = round
	n.mu.Unlock()
	n.log.Debug("betting window open", "round", round)
	n.engine.Schedule(n.cfg.BettingWindow, func() { n.startCommit(roll) })
}

// startCommit draws this validator's secret for the roll, publishes the
// commitment to the peers and puts it on chain.
func (n *Node) startCommit(roll uint64) {
	if !n.engine.Validators().IsActive(n.id) {
		return
	}
	n.mu.Lock()
	if n.committedFor[roll] {
		n.mu.Unlock()
		return
	}
	n.committedFor[roll] = true
	n.mu.Unlock()

	c, err := n.rnd.Open(roll)
	if err != nil {
		n.log.Error("opening roll failed", "roll", roll, "err", err)
		return
	}
	if err := n.rnd.Commit(roll, n.id, c.Hash); err != nil {
		n.log.Error("recording own commitment failed", "roll", roll, "err", err)
		return
	}
	if err := c.Sign(n.provider); err != nil {
		n.log.Error("signing commitment failed", "err", err)
		return
	}
	if data, err := consensus.EncodeMessage(consensus.MsgCommitment, &c); err == nil {
		if err := n.transport.Broadcast(data); err != nil {
			n.log.Debug("commitment broadcast failed", "err", err)
		}
	}
	n.submitGameOp(&craps.GameOp{
		Type:   craps.OpCommitRoll,
		Roll:   roll,
		Commit: &craps.CommitPayload{Validator: n.id, Hash: c.Hash},
	})
	// a validator that never sees the full commitment set still reveals
	// once the deadline passes
	n.engine.Schedule(n.cfg.RevealDeadline, func() { n.startReveal(roll) })
	n.log.Info("committed to roll", "roll", roll)
}

// startReveal discloses this validator's secret for the roll, on the wire
// and on chain, and arms the reveal deadline.
func (n *Node) startReveal(roll uint64) {
	n.mu.Lock()
	if !n.committedFor[roll] || n.revealedFor[roll] {
		n.mu.Unlock()
		return
	}
	n.revealedFor[roll] = true
	n.mu.Unlock()

	r, err := n.rnd.OwnReveal(roll)
	if err != nil {
		n.log.Error("own reveal unavailable", "roll", roll, "err", err)
		return
	}
	if err := n.rnd.Reveal(roll, n.id, r.Secret); err != nil {
		n.log.Error("recording own reveal failed", "roll", roll, "err", err)
	}
	if err := r.Sign(n.provider); err != nil {
		n.log.Error("signing reveal failed", "err", err)
		return
	}
	if data, err := consensus.EncodeMessage(consensus.MsgReveal, &r); err == nil {
		if err := n.transport.Broadcast(data); err != nil {
			n.log.Debug("reveal broadcast failed", "err", err)
		}
	}
	n.submitGameOp(&craps.GameOp{
		Type:   craps.OpRevealRoll,
		Roll:   roll,
		Reveal: &craps.RevealPayload{Validator: n.id, Secret: r.Secret},
	})
	n.engine.Schedule(n.cfg.RevealDeadline, func() { n.onRevealDeadline(roll) })
	n.log.Info("revealed roll secret", "roll", roll)
}

// onRevealDeadline accuses validators that never revealed and forces the
// round to end with whatever reveal set is on chain. An insufficient set
// voids the roll on chain and a fresh commitment phase starts.
func (n *Node) onRevealDeadline(roll uint64) {
	n.rnd.DeadlinePassed(roll, n.cfg.RevealDeadline)
	st := n.sm.View()
	if st.Phase != craps.PhaseRolling || st.Roll != roll {
		return
	}
	// finalize the wire-side reveal set when it suffices; the on-chain set is
	// still authoritative for the roll itself, this is the node's local view
	set := n.engine.Validators()
	if n.rnd.CanFinalize(roll, set.N(), set.F()) {
		if out, err := n.rnd.Finalize(roll, set.N(), set.F()); err == nil {
			n.log.Debug("reveal set finalized",
				"roll", roll, "dice", out.Dice, "participants", len(out.Participants))
		}
	}
	n.submitEndRound(roll)
}

// submitEndRound submits the deterministic round-ending operation. Every
// honest validator submits an identical one; dedup keeps a single copy.
func (n *Node) submitEndRound(roll uint64) {
	n.mu.Lock()
	if n.endedFor[roll] {
		n.mu.Unlock()
		return
	}
	n.endedFor[roll] = true
	n.mu.Unlock()
	n.submitGameOp(&craps.GameOp{Type: craps.OpEndRound, Roll: roll})
}

// submitGameOp signs and submits a deterministic game operation.
func (n *Node) submitGameOp(gop *craps.GameOp) {
	payload, err := gop.Encode()
	if err != nil {
		n.log.Error("operation encode failed", "type", gop.Type, "err", err)
		return
	}
	op := consensus.DeterministicOperation(n.id, payload)
	if err := op.Sign(n.provider); err != nil {
		n.log.Error("operation sign failed", "type", gop.Type, "err", err)
		return
	}
	if err := n.engine.Submit(op); err != nil {
		n.log.Debug("operation submit rejected", "type", gop.Type, "err", err)
	}
}

// pruneRolls drops per-roll bookkeeping superseded a while ago.
func (n *Node) pruneRolls(current uint64) {
	if current < 16 {
		return
	}
	cutoff := current - 16
	var retired []uint64
	n.mu.Lock()
	for roll := range n.committedFor {
		if roll < cutoff {
			delete(n.committedFor, roll)
			delete(n.revealedFor, roll)
			delete(n.endedFor, roll)
			retired = append(retired, roll)
		}
	}
	n.mu.Unlock()
	for _, roll := range retired {
		n.rnd.Retire(roll)
	}
}

// HandleCommitment records a peer's roll commitment. Once every active
// validator has committed, this node reveals without waiting for the
// deadline.
func (n *Node) HandleCommitment(c consensus.Commitment) {
	if err := n.rnd.Commit(c.Roll, c.Validator, c.Hash); err != nil {
		n.log.Warn("commitment rejected", "roll", c.Roll, "from", c.Validator.Short(), "err", err)
		return
	}
	if n.rnd.CommitmentCount(c.Roll) >= n.engine.Validators().N() {
		n.startReveal(c.Roll)
	}
}

// HandleReveal records a peer's reveal. A reveal that does not match its
// commitment is rejected inside the randomness module and reported as
// evidence there.
func (n *Node) HandleReveal(r consensus.Reveal) {
	if err := n.rnd.Reveal(r.Roll, r.Validator, r.Secret); err != nil {
		n.log.Warn("reveal rejected", "roll", r.Roll, "from", r.Validator.Short(), "err", err)
		return
	}
	n.log.Debug("reveal recorded", "roll", r.Roll, "reveals", n.rnd.RevealCount(r.Roll))
}
