package consensus

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/happybigmtn/dicenet/identity"
)

// MessageType tags the envelope every wire message travels in.
type MessageType string

const (
	MsgPrePrepare MessageType = "preprepare"
	MsgPrepare    MessageType = "prepare"
	MsgCommit     MessageType = "commit"
	MsgViewChange MessageType = "viewchange"
	MsgNewView    MessageType = "newview"
	MsgCommitment MessageType = "commitment"
	MsgReveal     MessageType = "reveal"
	MsgSubmit     MessageType = "submit"
	MsgCatchUpReq MessageType = "catchup_request"
	MsgCatchUp    MessageType = "catchup"
)

// Envelope frames every message on the wire. The transport provides no
// ordering, deduplication or delivery guarantee; everything inside must be
// safe to receive duplicated, reordered, or not at all.
type Envelope struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data"`
}

// EncodeMessage wraps a concrete message into an envelope ready to send.
func EncodeMessage(t MessageType, msg any) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: t, Data: data})
}

// PrePrepare is the leader's proposal of a batch for a sequence number.
type PrePrepare struct {
	View      View            `json:"view"`
	Sequence  Sequence        `json:"sequence"`
	BatchHash []byte          `json:"batch_hash"`
	Batch     Batch           `json:"batch"`
	Leader    identity.NodeID `json:"leader"`
	Signature []byte          `json:"sig,omitempty"`
}

// Vote is a Prepare or Commit vote for a batch hash. Votes are deduplicated
// by (view, sequence, phase, voter), so duplicate or reordered delivery
// cannot corrupt a tally.
type Vote struct {
	Phase     Phase           `json:"phase"`
	View      View            `json:"view"`
	Sequence  Sequence        `json:"sequence"`
	BatchHash []byte          `json:"batch_hash"`
	Voter     identity.NodeID `json:"voter"`
	Signature []byte          `json:"sig,omitempty"`
}

// ViewChange asks to replace the current leader. LastCommitted tells the
// incoming leader the highest sequence this voter has applied.
type ViewChange struct {
	NewView       View            `json:"new_view"`
	LastCommitted Sequence        `json:"last_committed"`
	Evidence      []Evidence      `json:"evidence,omitempty"`
	Voter         identity.NodeID `json:"voter"`
	Signature     []byte          `json:"sig,omitempty"`
}

// NewView is the incoming leader's justification that a quorum wants the
// view change and that it knows the highest committed sequence among them.
type NewView struct {
	View          View            `json:"view"`
	Justification []ViewChange    `json:"justification"`
	Leader        identity.NodeID `json:"leader"`
	Signature     []byte          `json:"sig,omitempty"`
}

// Commitment publishes a validator's hash commitment for one roll of the
// commit-reveal scheme.
type Commitment struct {
	Roll      uint64          `json:"roll"`
	Validator identity.NodeID `json:"validator"`
	Hash      []byte          `json:"hash"`
	Signature []byte          `json:"sig,omitempty"`
}

// Reveal discloses the secret behind a previously published commitment.
type Reveal struct {
	Roll      uint64          `json:"roll"`
	Validator identity.NodeID `json:"validator"`
	Secret    []byte          `json:"secret"`
	Signature []byte          `json:"sig,omitempty"`
}

// Submit relays an externally originated operation to the current leader.
type Submit struct {
	Operation Operation `json:"operation"`
}

// CatchUpRequest asks a peer to replay committed batches this validator
// missed. It is sent when traffic for sequences beyond the pipelining window
// shows the cluster has moved on without us.
type CatchUpRequest struct {
	From      Sequence        `json:"from"`
	Requester identity.NodeID `json:"requester"`
	Signature []byte          `json:"sig,omitempty"`
}

// CatchUp replays one committed batch together with the quorum certificate
// that proves the commit. The certificate, not the sender, is the authority:
// a replayed batch only counts when its certificate verifies against the
// receiver's validator set and covers the batch hash.
type CatchUp struct {
	Batch     Batch             `json:"batch"`
	QC        QuorumCertificate `json:"qc"`
	Sender    identity.NodeID   `json:"sender"`
	Signature []byte            `json:"sig,omitempty"`
}

func (m *PrePrepare) serialize() ([]byte, error) {
	tmp := *m
	tmp.Signature = nil
	return json.Marshal(tmp)
}

func (m *PrePrepare) Sign(p *identity.Provider) error { return signMsg(m.serialize, &m.Signature, p) }
func (m *PrePrepare) VerifySignature() bool           { return verifyMsg(m.serialize, m.Leader, m.Signature) }

func (m *Vote) serialize() ([]byte, error) {
	tmp := *m
	tmp.Signature = nil
	return json.Marshal(tmp)
}

func (m *Vote) Sign(p *identity.Provider) error { return signMsg(m.serialize, &m.Signature, p) }
func (m *Vote) VerifySignature() bool           { return verifyMsg(m.serialize, m.Voter, m.Signature) }

func (m *ViewChange) serialize() ([]byte, error) {
	tmp := *m
	tmp.Signature = nil
	return json.Marshal(tmp)
}

func (m *ViewChange) Sign(p *identity.Provider) error { return signMsg(m.serialize, &m.Signature, p) }
func (m *ViewChange) VerifySignature() bool           { return verifyMsg(m.serialize, m.Voter, m.Signature) }

func (m *NewView) serialize() ([]byte, error) {
	tmp := *m
	tmp.Signature = nil
	return json.Marshal(tmp)
}

func (m *NewView) Sign(p *identity.Provider) error { return signMsg(m.serialize, &m.Signature, p) }
func (m *NewView) VerifySignature() bool           { return verifyMsg(m.serialize, m.Leader, m.Signature) }

func (m *Commitment) serialize() ([]byte, error) {
	tmp := *m
	tmp.Signature = nil
	return json.Marshal(tmp)
}

func (m *Commitment) Sign(p *identity.Provider) error { return signMsg(m.serialize, &m.Signature, p) }
func (m *Commitment) VerifySignature() bool           { return verifyMsg(m.serialize, m.Validator, m.Signature) }

func (m *Reveal) serialize() ([]byte, error) {
	tmp := *m
	tmp.Signature = nil
	return json.Marshal(tmp)
}

func (m *Reveal) Sign(p *identity.Provider) error { return signMsg(m.serialize, &m.Signature, p) }
func (m *Reveal) VerifySignature() bool           { return verifyMsg(m.serialize, m.Validator, m.Signature) }

func (m *CatchUpRequest) serialize() ([]byte, error) {
	tmp := *m
	tmp.Signature = nil
	return json.Marshal(tmp)
}

func (m *CatchUpRequest) Sign(p *identity.Provider) error {
	return signMsg(m.serialize, &m.Signature, p)
}

func (m *CatchUpRequest) VerifySignature() bool {
	return verifyMsg(m.serialize, m.Requester, m.Signature)
}

func (m *CatchUp) serialize() ([]byte, error) {
	tmp := *m
	tmp.Signature = nil
	return json.Marshal(tmp)
}

func (m *CatchUp) Sign(p *identity.Provider) error { return signMsg(m.serialize, &m.Signature, p) }
func (m *CatchUp) VerifySignature() bool           { return verifyMsg(m.serialize, m.Sender, m.Signature) }

func signMsg(serialize func() ([]byte, error), sig *[]byte, p *identity.Provider) error {
	b, err := serialize()
	if err != nil {
		return err
	}
	*sig = p.Sign(b)
	return nil
}

func verifyMsg(serialize func() ([]byte, error), signer identity.NodeID, sig []byte) bool {
	if len(sig) == 0 {
		return false
	}
	b, err := serialize()
	if err != nil {
		return false
	}
	return identity.Verify(signer, b, sig)
}

// DecodeMessage unwraps an envelope into its concrete message. The returned
// value is a pointer to one of the message types of this package.
func DecodeMessage(raw []byte) (MessageType, any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", nil, fmt.Errorf("malformed envelope: %w", err)
	}
	var msg any
	switch env.Type {
	case MsgPrePrepare:
		msg = new(PrePrepare)
	case MsgPrepare, MsgCommit:
		msg = new(Vote)
	case MsgViewChange:
		msg = new(ViewChange)
	case MsgNewView:
		msg = new(NewView)
	case MsgCommitment:
		msg = new(Commitment)
	case MsgReveal:
		msg = new(Reveal)
	case MsgSubmit:
		msg = new(Submit)
	case MsgCatchUpReq:
		msg = new(CatchUpRequest)
	case MsgCatchUp:
		msg = new(CatchUp)
	default:
		return env.Type, nil, errors.New("unknown message type " + string(env.Type))
	}
	if err := json.Unmarshal(env.Data, msg); err != nil {
		return env.Type, nil, fmt.Errorf("malformed %s message: %w", env.Type, err)
	}
	return env.Type, msg, nil
}
