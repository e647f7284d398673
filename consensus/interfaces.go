package consensus

import (
	"encoding/json"

	"github.com/happybigmtn/dicenet/identity"
)

// StateMachine applies committed batches to the game ledger. The domain
// implements this interface without knowing about the consensus engine.
//
// Apply is called exactly once per committed sequence, in sequence order,
// from the engine's event loop. Batches are per-operation atomic: one
// invalid operation is rejected in its result without voiding the others.
type StateMachine interface {
	// ValidateOperation checks whether an operation is structurally valid
	// and eligible in the current state. Used to reject bad submissions
	// locally before they are forwarded for ordering.
	ValidateOperation(op Operation) error

	// ApplyBatch applies a committed batch and returns one result per
	// operation, in batch order.
	ApplyBatch(batch Batch) ([]OperationResult, error)

	// StateHash returns the digest of the current game state. Honest
	// validators that applied the same sequence prefix return the same hash.
	StateHash() []byte

	// LastApplied returns the highest applied sequence number.
	LastApplied() Sequence

	// Snapshot captures the current state for checkpointing.
	Snapshot() (Snapshot, error)

	// Restore resets the state from a checkpoint snapshot.
	Restore(snap Snapshot) error
}

// OperationResult reports the outcome of applying one operation.
type OperationResult struct {
	OpID string
	// Err is nil when the operation applied. A rejected operation carries a
	// ValidationError, StateError or ArithmeticError here.
	Err error
	// Emitted holds deterministic follow-up payloads the operation produced
	// (payouts, exclusion proposals). The engine wraps and re-submits them
	// so they are themselves consensus-ordered.
	Emitted []json.RawMessage
	// Reconfig is set when the operation changes validator membership.
	Reconfig *ReconfigChange
	// Evidence is set when applying the operation exposed misbehavior, for
	// example a reveal that does not match its commitment.
	Evidence *Evidence
}

// ReconfigChange is the membership mutation carried by a committed
// ReconfigureValidators operation.
type ReconfigChange struct {
	Target identity.NodeID `json:"target"`
	Status ValidatorStatus `json:"status"`
	Reason string          `json:"reason,omitempty"`
}

// Snapshot is a persisted checkpoint of the game state. It bounds recovery
// cost and lets the log before LastApplied be pruned.
type Snapshot struct {
	Hash        []byte          `json:"hash"`
	LastApplied Sequence        `json:"last_applied"`
	State       json.RawMessage `json:"state"`
}

// Inbound is one datagram received from a peer.
type Inbound struct {
	From identity.NodeID
	Data []byte
}

// Transport moves bytes between validators. Implementations guarantee
// nothing: messages may be lost, duplicated, or reordered. The protocol
// layers above tolerate all three.
type Transport interface {
	// Broadcast sends data to every other validator.
	Broadcast(data []byte) error

	// SendTo sends data to a single validator.
	SendTo(peer identity.NodeID, data []byte) error

	// Receive returns the stream of inbound datagrams.
	Receive() <-chan Inbound

	// Close shuts the transport down and closes the receive stream.
	Close() error
}

// CheckpointStore persists checkpoints via the storage collaborator.
type CheckpointStore interface {
	SaveCheckpoint(snap Snapshot) error
	// LoadLatestCheckpoint returns the newest snapshot, or ok=false when
	// none has been saved yet.
	LoadLatestCheckpoint() (snap Snapshot, ok bool, err error)
}

// Observer consumes committed events read-only. Observers never mutate
// engine or state machine data; they are notified from the engine's event
// loop after the fact.
type Observer interface {
	// OnCommit fires once per committed batch, in sequence order.
	OnCommit(batch Batch, qc QuorumCertificate, stateHash []byte)

	// OnEvidence fires for every piece of detected misbehavior.
	OnEvidence(ev Evidence)

	// OnViewChange fires when the local node enters a new view.
	OnViewChange(from, to View)
}

// RandomnessHandler receives commit-reveal wire messages. The engine calls
// it from the event loop, so implementations need no locking against other
// protocol processing.
type RandomnessHandler interface {
	HandleCommitment(c Commitment)
	HandleReveal(r Reveal)
}
