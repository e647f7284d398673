// Package craps implements the dice game's state machine: bet validation,
// the on-chain commit-reveal bookkeeping, payout resolution, and
// checkpointing. It implements the consensus.StateMachine interface while
// staying free of any knowledge of the consensus engine's internals.
//
// All balance arithmetic runs on a minimal currency unit with checked
// operations; an overflow or underflow aborts only the offending operation,
// never the batch it arrived in. Committed batches are per-operation atomic:
// each operation is validated and applied independently, in the agreed
// order, exactly once.
package craps
