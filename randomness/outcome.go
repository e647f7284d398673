package randomness

import (
	"encoding/binary"

	"go.dedis.ch/kyber/v4/suites"

	"github.com/happybigmtn/dicenet/identity"
)

var suite = suites.MustFind("Ed25519")

const (
	commitDomain = "dicenet/commit/v1"
	rollDomain   = "dicenet/roll/v1"
)

// CommitmentHash computes the hash a validator commits to for one roll. The
// roll number and validator id are part of the preimage, so a commitment
// cannot be replayed for another roll or another validator.
func CommitmentHash(roll uint64, validator identity.NodeID, secret []byte) []byte {
	return identity.Digest(commitDomain, u64le(roll), []byte(validator), secret)
}

// RevealEntry is one validator's disclosed secret, paired with the
// commitment it must match.
type RevealEntry struct {
	Validator identity.NodeID `json:"validator"`
	Secret    []byte          `json:"secret"`
}

// Derive computes the dice for a roll from the disclosed secrets. The
// entries are ordered canonically by validator id before hashing, so every
// honest validator derives the same faces from the same reveal set. Each die
// uses its index as a domain separator, so the dice of one roll are not
// correlated with each other.
func Derive(roll uint64, entries []RevealEntry, dice, faces int) []int {
	sorted := make([]RevealEntry, len(entries))
	copy(sorted, entries)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j].Validator < sorted[j-1].Validator; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}
	parts := make([][]byte, 0, 2*len(sorted)+2)
	for _, e := range sorted {
		parts = append(parts, []byte(e.Validator), e.Secret)
	}

	out := make([]int, dice)
	for k := 0; k < dice; k++ {
		seedParts := append([][]byte{u64le(roll), u64le(uint64(k))}, parts...)
		seed := identity.Digest(rollDomain, seedParts...)
		xof := suite.XOF(seed)
		var buf [8]byte
		if _, err := xof.Read(buf[:]); err != nil {
			// the XOF reads from an in-memory sponge; it cannot fail
			panic(err)
		}
		out[k] = 1 + int(binary.LittleEndian.Uint64(buf[:])%uint64(faces))
	}
	return out
}

func u64le(x uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, x)
	return b
}
