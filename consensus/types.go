package consensus

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/happybigmtn/dicenet/identity"
)

// View numbers the leadership regimes. The leader for a view is chosen
// round-robin over the sorted active validator ids.
type View uint64

// Sequence numbers committed batches. Sequences are strictly monotonic and
// globally unique once committed; sequence 0 is the empty pre-genesis state.
type Sequence uint64

// Phase distinguishes the two voting phases of an agreement round.
type Phase string

const (
	PhasePrepare Phase = "prepare"
	PhaseCommit  Phase = "commit"
)

// Operation is one signed, immutable game operation submitted for ordering.
// The payload is opaque to the consensus layer; the game domain defines its
// encoding.
type Operation struct {
	ID        string          `json:"id"`
	Proposer  identity.NodeID `json:"proposer"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"ts"`
	Signature []byte          `json:"sig,omitempty"`
}

// NewOperation builds an operation with a fresh random id. Used for
// externally originated operations such as bets relayed from a gateway.
func NewOperation(proposer identity.NodeID, payload json.RawMessage) (Operation, error) {
	randBytes := make([]byte, 16)
	if _, err := rand.Read(randBytes); err != nil {
		return Operation{}, err
	}
	return Operation{
		ID:       hex.EncodeToString(randBytes),
		Proposer: proposer,
		Payload:  payload,
	}, nil
}

// DeterministicOperation builds an operation whose id is derived from the
// payload alone. Every validator that independently emits the same follow-up
// operation (a payout, an exclusion proposal) produces the same id, so the
// duplicates collapse in the dedup filter and the operation is ordered once.
func DeterministicOperation(proposer identity.NodeID, payload json.RawMessage) Operation {
	digest := identity.Digest("dicenet/op/v1", payload)
	return Operation{
		ID:       hex.EncodeToString(digest[:16]),
		Proposer: proposer,
		Payload:  payload,
	}
}

// serialize returns the JSON form of the operation with the signature field
// cleared, so that the signature never covers itself.
func (o *Operation) serialize() ([]byte, error) {
	tmp := *o
	tmp.Signature = nil
	return json.Marshal(tmp)
}

// Sign stamps the operation and signs it with the proposer's key. Operations
// are immutable once signed.
func (o *Operation) Sign(p *identity.Provider) error {
	o.Timestamp = time.Now().UnixNano()
	b, err := o.serialize()
	if err != nil {
		return err
	}
	o.Signature = p.Sign(b)
	return nil
}

// VerifySignature checks the operation's signature against its proposer id.
func (o *Operation) VerifySignature() bool {
	if len(o.Signature) == 0 {
		return false
	}
	b, err := o.serialize()
	if err != nil {
		return false
	}
	return identity.Verify(o.Proposer, b, o.Signature)
}

// Batch is an ordered list of operations proposed for one sequence number.
type Batch struct {
	View       View        `json:"view"`
	Sequence   Sequence    `json:"sequence"`
	Operations []Operation `json:"operations"`
}

// Hash returns the content digest votes refer to. It covers the sequence and
// the full operation list, so the same operations proposed at a different
// sequence hash differently.
func (b *Batch) Hash() []byte {
	ops, _ := json.Marshal(b.Operations)
	return identity.Digest("dicenet/batch/v1", u64le(uint64(b.Sequence)), ops)
}

// VoteSignature is one validator's signature inside a quorum certificate.
type VoteSignature struct {
	Voter     identity.NodeID `json:"voter"`
	Signature []byte          `json:"sig"`
}

// QuorumCertificate proves that at least 2f+1 distinct validators signed
// commit votes for the same batch hash. It is the only finality signal the
// core exposes; submission acceptance alone never implies finality.
type QuorumCertificate struct {
	View       View            `json:"view"`
	Sequence   Sequence        `json:"sequence"`
	BatchHash  []byte          `json:"batch_hash"`
	Signatures []VoteSignature `json:"signatures"`
}

// EvidenceKind classifies detected validator misbehavior.
type EvidenceKind string

const (
	EvidenceEquivocation     EvidenceKind = "equivocation"
	EvidenceInvalidSignature EvidenceKind = "invalid_signature"
	EvidenceMissedReveal     EvidenceKind = "missed_reveal"
	EvidenceMissedVote       EvidenceKind = "missed_vote"
)

// Evidence records one observed act of misbehavior together with the signed
// messages that prove it. Evidence is forwarded to the reputation monitor
// and is never fatal to the observing node.
type Evidence struct {
	Accused   identity.NodeID `json:"accused"`
	Kind      EvidenceKind    `json:"kind"`
	Proof     [][]byte        `json:"proof,omitempty"`
	Timestamp int64           `json:"ts"`
}

// NewEvidence stamps a piece of evidence with the current time.
func NewEvidence(accused identity.NodeID, kind EvidenceKind, proof ...[]byte) Evidence {
	return Evidence{Accused: accused, Kind: kind, Proof: proof, Timestamp: time.Now().UnixNano()}
}

func u64le(x uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(x >> (8 * i))
	}
	return b
}
