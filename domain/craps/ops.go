package craps

import (
	"encoding/json"

	"github.com/happybigmtn/dicenet/identity"
)

// OpType tags the game operation variants.
type OpType string

const (
	OpPlaceBet       OpType = "place_bet"
	OpCommitRoll     OpType = "commit_roll"
	OpRevealRoll     OpType = "reveal_roll"
	OpUpdateBalances OpType = "update_balances"
	OpEndRound       OpType = "end_round"
	OpReconfigure    OpType = "reconfigure_validators"
)

// BetPayload carries a PlaceBet.
type BetPayload struct {
	Player string  `json:"player"`
	Type   BetType `json:"type"`
	Amount uint64  `json:"amount"`
}

// CommitPayload carries a validator's roll commitment onto the chain.
type CommitPayload struct {
	Validator identity.NodeID `json:"validator"`
	Hash      []byte          `json:"hash"`
}

// RevealPayload discloses the secret behind an on-chain commitment.
type RevealPayload struct {
	Validator identity.NodeID `json:"validator"`
	Secret    []byte          `json:"secret"`
}

// PayoutPayload carries one UpdateBalances credit. Payouts are emitted by
// round resolution as individual operations, so one failing payout never
// voids the others.
type PayoutPayload struct {
	Player       string `json:"player"`
	Credit       uint64 `json:"credit"`
	FromPot      uint64 `json:"from_pot"`
	FromTreasury uint64 `json:"from_treasury"`
}

// ReconfigPayload carries a validator membership change.
type ReconfigPayload struct {
	Target identity.NodeID `json:"target"`
	Status string          `json:"status"`
	Reason string          `json:"reason,omitempty"`
}

// GameOp is the tagged union every consensus operation payload decodes to.
type GameOp struct {
	Type     OpType           `json:"type"`
	Round    uint64           `json:"round,omitempty"`
	Roll     uint64           `json:"roll,omitempty"`
	Bet      *BetPayload      `json:"bet,omitempty"`
	Commit   *CommitPayload   `json:"commit,omitempty"`
	Reveal   *RevealPayload   `json:"reveal,omitempty"`
	Payout   *PayoutPayload   `json:"payout,omitempty"`
	Reconfig *ReconfigPayload `json:"reconfig,omitempty"`
}

// Encode serializes the operation for the consensus layer.
func (op *GameOp) Encode() (json.RawMessage, error) {
	return json.Marshal(op)
}

// DecodeGameOp parses a consensus payload back into a game operation.
func DecodeGameOp(data json.RawMessage) (*GameOp, error) {
	var op GameOp
	if err := json.Unmarshal(data, &op); err != nil {
		return nil, &ValidationError{Reason: "undecodable payload"}
	}
	return &op, nil
}
