package consensus

import (
	"bytes"
	"time"

	"github.com/happybigmtn/dicenet/identity"
)

// maxCatchUpBatches caps how many committed batches one request replays, so a
// deeply lagging validator recovers in bounded bursts.
const maxCatchUpBatches = 16

// requestCatchUp asks a peer to replay committed batches starting at the next
// sequence this validator needs. Requests are throttled to one per batch
// interval: every out-of-window datagram would otherwise trigger its own.
func (e *Engine) requestCatchUp(peer identity.NodeID) {
	if peer == e.id {
		return
	}
	if time.Since(e.lastCatchUp) < e.cfg.BatchInterval {
		return
	}
	e.lastCatchUp = time.Now()
	req := CatchUpRequest{From: e.lastCommitted + 1, Requester: e.id}
	if err := req.Sign(e.provider); err != nil {
		e.log.Error("signing catch-up request failed", "err", err)
		return
	}
	data, err := EncodeMessage(MsgCatchUpReq, req)
	if err != nil {
		e.log.Error("encoding catch-up request failed", "err", err)
		return
	}
	if err := e.transport.SendTo(peer, data); err != nil {
		e.log.Debug("catch-up request failed", "peer", peer.Short(), "err", err)
		return
	}
	e.log.Info("requesting catch-up", "from", uint64(req.From), "peer", peer.Short())
}

// handleCatchUpRequest replays committed batches the requester missed, each
// paired with the quorum certificate that proves its commit. Replay stops at
// the first gap: batches before the retention window are gone, and the
// requester re-requests once it has consumed this burst.
func (e *Engine) handleCatchUpRequest(req CatchUpRequest) {
	if !e.set.Contains(req.Requester) || req.Requester == e.id {
		return
	}
	seq := req.From
	for sent := 0; sent < maxCatchUpBatches && seq <= e.lastCommitted; sent++ {
		batch, ok := e.committedLog[seq]
		if !ok {
			break
		}
		qc, ok := e.qcs.Get(seq)
		if !ok {
			break
		}
		reply := CatchUp{Batch: batch, QC: qc, Sender: e.id}
		if err := reply.Sign(e.provider); err != nil {
			e.log.Error("signing catch-up reply failed", "err", err)
			return
		}
		data, err := EncodeMessage(MsgCatchUp, reply)
		if err != nil {
			e.log.Error("encoding catch-up reply failed", "err", err)
			return
		}
		if err := e.transport.SendTo(req.Requester, data); err != nil {
			e.log.Debug("catch-up reply failed", "peer", req.Requester.Short(), "err", err)
			return
		}
		seq++
	}
}

// handleCatchUp installs one replayed batch. The quorum certificate, not the
// sender, is the authority: the batch only counts when the certificate
// verifies against the current validator set and covers the batch hash.
// Only the next needed sequence is accepted; earlier replies from the same
// burst land through tryAdvance in order.
func (e *Engine) handleCatchUp(cr *CatchUp) {
	if cr.Batch.Sequence != e.lastCommitted+1 {
		return
	}
	if cr.QC.Sequence != cr.Batch.Sequence {
		return
	}
	hash := cr.Batch.Hash()
	if !bytes.Equal(cr.QC.BatchHash, hash) {
		return
	}
	if !VerifyQC(cr.QC, e.set) {
		e.log.Warn("catch-up reply carried an invalid certificate",
			"seq", uint64(cr.Batch.Sequence), "sender", cr.Sender.Short())
		return
	}

	inst := e.instance(cr.Batch.Sequence)
	if inst.committed {
		return
	}
	inst.view = cr.Batch.View
	inst.batchHash = hash
	inst.prePrepare = &PrePrepare{
		View:      cr.Batch.View,
		Sequence:  cr.Batch.Sequence,
		BatchHash: hash,
		Batch:     cr.Batch,
		Leader:    e.set.Leader(cr.Batch.View),
	}
	inst.committed = true
	e.qcs.Store(cr.QC)
	e.log.Info("caught up committed batch", "seq", uint64(cr.Batch.Sequence))
	e.tryAdvance()
}
