// Package randomness implements the two-phase commit-reveal scheme that the
// validator set uses to produce unbiased, unpredictable dice rolls.
//
// Each validator first publishes a hash commitment to a locally drawn
// secret, then discloses the secret once every commitment is fixed. The dice
// outcome is a pure deterministic function of the full reveal set: the same
// reveals always derive the same roll, and no party can compute the roll
// before the reveal threshold is met. As long as fewer than one third of the
// validators are faulty, any n-f subset of reveals contains at least one
// honest secret that was unpredictable at commit time, which is enough to
// make the combined outcome unbiased.
//
// The Module tracks per-roll commitment and reveal sets, enforces the reveal
// deadline, and reports validators that miss it as MissedReveal evidence. A
// reveal that does not match its commitment is reveal forgery and is
// reported as evidence too. If fewer than n-f reveals arrive the roll is
// aborted and retried with a fresh commitment phase; this is reported, never
// fatal.
package randomness
