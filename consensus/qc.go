package consensus

import (
	"bytes"
	"sort"
	"sync"

	"github.com/happybigmtn/dicenet/identity"
)

// QCAssembler collects commit votes into quorum certificates and retains
// them for non-validator consumers. It is a read-only observer of the
// protocol; nothing in the engine depends on a consumer verifying a QC.
type QCAssembler struct {
	mu    sync.RWMutex
	bySeq map[Sequence]QuorumCertificate
}

// NewQCAssembler returns an empty assembler.
func NewQCAssembler() *QCAssembler {
	return &QCAssembler{bySeq: make(map[Sequence]QuorumCertificate)}
}

// Assemble bundles the commit votes for one (view, sequence, batch hash)
// into a certificate. Votes are deduplicated by voter; votes for a different
// batch hash are ignored. Returns a ConsensusError when fewer than quorum
// distinct voters remain.
func Assemble(view View, seq Sequence, batchHash []byte, votes map[identity.NodeID]Vote, quorum int) (QuorumCertificate, error) {
	sigs := make([]VoteSignature, 0, len(votes))
	for voter, v := range votes {
		if v.Phase != PhaseCommit || !bytes.Equal(v.BatchHash, batchHash) {
			continue
		}
		sigs = append(sigs, VoteSignature{Voter: voter, Signature: v.Signature})
	}
	if len(sigs) < quorum {
		return QuorumCertificate{}, &ConsensusError{Reason: "quorum unmet for certificate"}
	}
	sort.Slice(sigs, func(i, j int) bool { return sigs[i].Voter < sigs[j].Voter })
	return QuorumCertificate{View: view, Sequence: seq, BatchHash: batchHash, Signatures: sigs}, nil
}

// VerifyQC reports whether the certificate carries valid commit signatures
// over the claimed batch hash from at least 2f+1 distinct known validators.
// Duplicate signers count once; signatures from unknown ids count not at all.
func VerifyQC(qc QuorumCertificate, set *ValidatorSet) bool {
	seen := make(map[identity.NodeID]struct{}, len(qc.Signatures))
	valid := 0
	for _, vs := range qc.Signatures {
		if _, dup := seen[vs.Voter]; dup {
			continue
		}
		seen[vs.Voter] = struct{}{}
		if !set.Contains(vs.Voter) {
			continue
		}
		vote := Vote{
			Phase:     PhaseCommit,
			View:      qc.View,
			Sequence:  qc.Sequence,
			BatchHash: qc.BatchHash,
			Voter:     vs.Voter,
			Signature: vs.Signature,
		}
		if vote.VerifySignature() {
			valid++
		}
	}
	return valid >= set.Quorum()
}

// Store retains a certificate for later retrieval.
func (a *QCAssembler) Store(qc QuorumCertificate) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.bySeq[qc.Sequence] = qc
}

// Get returns the certificate for a committed sequence.
func (a *QCAssembler) Get(seq Sequence) (QuorumCertificate, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	qc, ok := a.bySeq[seq]
	return qc, ok
}

// Prune drops certificates at or below the given sequence. Called once a
// checkpoint supersedes them; the persistence collaborator keeps archives.
func (a *QCAssembler) Prune(upTo Sequence) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for seq := range a.bySeq {
		if seq <= upTo {
			delete(a.bySeq, seq)
		}
	}
}
