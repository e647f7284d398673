package consensus

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/happybigmtn/dicenet/identity"
)

// startViewChange abandons the current view and solicits a quorum for the
// target view. All not-yet-committed proposals of the superseded view are
// discarded and their operations re-queued for re-proposal under the new
// leader.
func (e *Engine) startViewChange(target View, evidence ...Evidence) {
	if e.halted || target <= e.view {
		return
	}
	if e.inViewChange && target <= e.vcTarget {
		return
	}
	e.inViewChange = true
	e.vcTarget = target

	for seq, inst := range e.instances {
		if inst.committed {
			continue
		}
		if inst.prePrepare != nil {
			e.requeue(inst.prePrepare.Batch.Operations)
		}
		delete(e.instances, seq)
	}
	e.nextSeq = e.lastCommitted + 1

	vc := ViewChange{
		NewView:       target,
		LastCommitted: e.lastCommitted,
		Evidence:      evidence,
		Voter:         e.id,
	}
	if err := vc.Sign(e.provider); err != nil {
		e.log.Error("signing view change failed", "err", err)
		return
	}
	e.broadcast(MsgViewChange, &vc)
	e.handleViewChange(vc)

	e.vcGen++
	gen := e.vcGen
	time.AfterFunc(e.cfg.ViewChangeTimeout, func() {
		e.post(event{kind: evTimer, timer: timerViewChange, gen: gen})
	})
}

// requeue puts the operations of a discarded proposal back on the batching
// queue, skipping anything already applied or already queued.
func (e *Engine) requeue(ops []Operation) {
	for _, op := range ops {
		if _, applied := e.appliedIDs[op.ID]; applied {
			continue
		}
		if _, queued := e.queuedIDs[op.ID]; queued {
			continue
		}
		e.pending = append(e.pending, op)
		e.queuedIDs[op.ID] = struct{}{}
		e.pendingIDs[op.ID] = struct{}{}
	}
}

func (e *Engine) handleViewChange(vc ViewChange) {
	if e.halted || !e.set.IsActive(vc.Voter) || vc.NewView <= e.view {
		return
	}
	votes, ok := e.viewChanges[vc.NewView]
	if !ok {
		votes = make(map[identity.NodeID]ViewChange)
		e.viewChanges[vc.NewView] = votes
	}
	if _, dup := votes[vc.Voter]; dup {
		return
	}
	votes[vc.Voter] = vc
	if vc.Voter != e.id {
		// our own evidence was emitted when it was detected; relayed
		// evidence counts only when its proof is independently verifiable,
		// an unproven accusation could frame an honest validator
		for _, ev := range vc.Evidence {
			if e.verifyRelayedEvidence(ev) {
				e.emitEvidence(ev)
			} else {
				e.log.Warn("dropping unverifiable relayed evidence",
					"accused", ev.Accused.Short(), "kind", string(ev.Kind),
					"relayed_by", vc.Voter.Short())
			}
		}
	}

	// f+1 distinct validators asking for a higher view is proof at least one
	// honest validator timed out; join them rather than lag behind.
	if !e.inViewChange && len(votes) >= e.set.F()+1 {
		e.startViewChange(vc.NewView)
		return
	}

	if len(votes) >= e.set.Quorum() && e.set.Leader(vc.NewView) == e.id && e.view < vc.NewView {
		justification := make([]ViewChange, 0, len(votes))
		highest := e.lastCommitted
		for _, v := range votes {
			justification = append(justification, v)
			if v.LastCommitted > highest {
				highest = v.LastCommitted
			}
		}
		nv := NewView{View: vc.NewView, Justification: justification, Leader: e.id}
		if err := nv.Sign(e.provider); err != nil {
			e.log.Error("signing new view failed", "err", err)
			return
		}
		e.broadcast(MsgNewView, &nv)
		e.enterView(vc.NewView, highest)
	}
}

// verifyRelayedEvidence checks that evidence carried inside a peer's
// ViewChange proves what it claims. Equivocation is provable to a third
// party: the proof must hold two validly signed pre-prepares from the
// accused for the same view and sequence with different batch hashes.
// Every other kind is a local observation that cannot be re-verified from a
// relay, so it is dropped here; each validator records those only when it
// detects them itself.
func (e *Engine) verifyRelayedEvidence(ev Evidence) bool {
	if ev.Kind != EvidenceEquivocation || len(ev.Proof) < 2 {
		return false
	}
	var a, b PrePrepare
	if json.Unmarshal(ev.Proof[0], &a) != nil || json.Unmarshal(ev.Proof[1], &b) != nil {
		return false
	}
	if a.Leader != ev.Accused || b.Leader != ev.Accused {
		return false
	}
	if a.View != b.View || a.Sequence != b.Sequence || bytes.Equal(a.BatchHash, b.BatchHash) {
		return false
	}
	return a.VerifySignature() && b.VerifySignature()
}

// handleNewView validates the incoming leader's justification and enters the
// new view. The justification must carry a quorum of distinct, validly
// signed ViewChange messages for exactly this view, which proves the leader
// knows the highest committed sequence among a quorum.
func (e *Engine) handleNewView(nv *NewView) {
	if e.halted || nv.View <= e.view {
		return
	}
	if e.set.Leader(nv.View) != nv.Leader || !e.set.IsActive(nv.Leader) {
		return
	}
	seen := make(map[identity.NodeID]struct{}, len(nv.Justification))
	highest := Sequence(0)
	valid := 0
	for i := range nv.Justification {
		vc := nv.Justification[i]
		if vc.NewView != nv.View || !e.set.IsActive(vc.Voter) {
			continue
		}
		if _, dup := seen[vc.Voter]; dup {
			continue
		}
		if !vc.VerifySignature() {
			continue
		}
		seen[vc.Voter] = struct{}{}
		valid++
		if vc.LastCommitted > highest {
			highest = vc.LastCommitted
		}
	}
	if valid < e.set.Quorum() {
		e.log.Warn("new view with insufficient justification",
			"view", uint64(nv.View), "valid", valid)
		return
	}
	// discard any state still tied to the old view
	for seq, inst := range e.instances {
		if inst.committed {
			continue
		}
		if inst.prePrepare != nil {
			e.requeue(inst.prePrepare.Batch.Operations)
		}
		delete(e.instances, seq)
	}
	e.enterView(nv.View, highest)
}

// enterView installs a new view. highestKnown is the highest committed
// sequence reported by the justifying quorum; a leader that is behind it
// must not propose until it catches up.
func (e *Engine) enterView(v View, highestKnown Sequence) {
	old := e.view
	e.view = v
	e.viewSnap.Store(uint64(v))
	e.inViewChange = false
	e.nextSeq = e.lastCommitted + 1
	e.behindUntil = 0
	if highestKnown > e.lastCommitted {
		e.behindUntil = highestKnown
		e.log.Warn("behind the justifying quorum, deferring proposals",
			"local", uint64(e.lastCommitted), "quorum", uint64(highestKnown))
		e.requestCatchUp(e.set.Leader(v))
	}
	for view := range e.viewChanges {
		if view <= v {
			delete(e.viewChanges, view)
		}
	}
	e.log.Info("entered view", "view", uint64(v), "leader", e.set.Leader(v).Short())
	for _, o := range e.observers {
		o.OnViewChange(old, v)
	}
	e.armProgressTimer()
	e.maybePropose(true)
	e.armBatchTimer()
}
