// Package consensus implements a pipelined Byzantine Fault Tolerant (BFT)
// agreement protocol that orders batches of game operations across a fixed
// validator set. It provides mechanisms for proposing, voting on, and
// committing operation batches with cryptographic verification, tolerating
// up to f arbitrary (Byzantine) validators out of n = 3f+1.
//
// The consensus layer ensures that all honest validators agree on one
// sequence of operation batches and can detect validators that equivocate,
// vote invalidly, or stall the protocol.
//
// # Core Components
//
// Engine: runs the protocol for a single validator, including batching of
// submitted operations, the three-phase agreement rounds, view changes, and
// hand-off of committed batches to the state machine.
//
// ValidatorSet: the versioned, id-keyed registry of validators and their
// statuses. Membership changes only through committed ReconfigureValidators
// operations, never through in-place edits.
//
// QCAssembler: bundles a quorum's commit signatures over a finalized batch
// into a compact QuorumCertificate that non-validator clients can verify.
//
// StateMachine, Transport, CheckpointStore: interfaces to the collaborators
// that apply committed batches, move bytes between peers, and persist
// checkpoints. Implementations live outside this package.
//
// # Protocol
//
// For each sequence number the protocol moves through
//
//	Idle -> PrePrepare -> Prepare -> Commit -> Committed
//
//  1. The current view's leader broadcasts a PrePrepare carrying the batch.
//  2. Validators verify the leader's signature and sequence, then broadcast
//     a Prepare vote for the batch hash.
//  3. On 2f+1 matching Prepare votes a validator broadcasts a Commit vote.
//  4. On 2f+1 matching Commit votes the batch is committed, applied to the
//     state machine, and a QuorumCertificate is assembled.
//
// A view tracks the current leader. When no progress is observed within the
// proposal timeout, validators exchange ViewChange messages and the next
// leader (round-robin over active validators) takes over once it can justify
// knowledge of the highest committed sequence.
//
// # Concurrency
//
// All protocol state is owned by one sequential event loop. Inbound messages
// are signature-checked by a pool of workers before they enter the loop's
// queue; timers re-enter the same queue when they fire. Nothing outside the
// loop mutates votes, sequences, or views.
package consensus
