package consensus

import (
	"errors"
	"fmt"
	"time"
)

// ErrHalted is returned when the active validator count has fallen below the
// 3f+1 safety margin. The engine stops proposing rather than continue with a
// broken fault-tolerance margin; recovering requires operator intervention.
var ErrHalted = errors.New("active validator count below safety margin, proposals halted")

// ErrDuplicateOperation is returned when a submitted operation's id is
// already pending or applied. Duplicates are expected under retransmission
// and are safe to ignore.
var ErrDuplicateOperation = errors.New("operation already pending or applied")

// ErrUnknownValidator is returned for messages from ids outside the
// validator registry.
var ErrUnknownValidator = errors.New("unknown validator")

// ConsensusError covers protocol-level failures such as an unmet quorum or a
// stale view. These trigger retries or view changes and are not surfaced to
// operation submitters.
type ConsensusError struct {
	Reason string
}

func (e *ConsensusError) Error() string { return "consensus: " + e.Reason }

// TimeoutError reports a missed protocol deadline. It drives a round retry
// or a view change, never a crash.
type TimeoutError struct {
	What  string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout: %s not observed within %s", e.What, e.After)
}

// StateError reports a sequence mismatch or duplicate application. The
// offending input is dropped; the protocol state is untouched.
type StateError struct {
	Reason string
}

func (e *StateError) Error() string { return "state: " + e.Reason }
