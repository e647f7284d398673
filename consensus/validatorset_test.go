package consensus

import (
	"errors"
	"testing"

	"github.com/happybigmtn/dicenet/identity"
)

func testIDs(n int) []identity.NodeID {
	ids := make([]identity.NodeID, n)
	for i := range ids {
		ids[i] = identity.NodeID(string(rune('a'+i)) + "0")
	}
	return ids
}

func TestQuorumMath(t *testing.T) {
	cases := []struct{ n, f, quorum int }{
		{4, 1, 3},
		{7, 2, 5},
		{10, 3, 7},
	}
	for _, c := range cases {
		set := NewValidatorSet(testIDs(c.n))
		if set.F() != c.f {
			t.Fatalf("n=%d: F()=%d, want %d", c.n, set.F(), c.f)
		}
		if set.Quorum() != c.quorum {
			t.Fatalf("n=%d: Quorum()=%d, want %d", c.n, set.Quorum(), c.quorum)
		}
	}
}

func TestLeaderRotation(t *testing.T) {
	set := NewValidatorSet(testIDs(4))
	active := set.Active()
	for v := View(0); v < 8; v++ {
		want := active[int(v)%len(active)]
		if got := set.Leader(v); got != want {
			t.Fatalf("view %d: leader %s, want %s", v, got, want)
		}
	}
}

func TestWithStatusImmutable(t *testing.T) {
	set := NewValidatorSet(testIDs(5))
	target := set.Active()[0]
	next, err := set.WithStatus(target, StatusExcluded)
	if err != nil {
		t.Fatal(err)
	}
	if next.Version() != set.Version()+1 {
		t.Fatalf("version %d, want %d", next.Version(), set.Version()+1)
	}
	if !set.IsActive(target) {
		t.Fatal("original set was mutated")
	}
	if next.IsActive(target) {
		t.Fatal("exclusion did not take effect in the new set")
	}
	if next.N() != set.N()-1 {
		t.Fatalf("active count %d, want %d", next.N(), set.N()-1)
	}
}

func TestWithStatusUnknownTarget(t *testing.T) {
	set := NewValidatorSet(testIDs(4))
	if _, err := set.WithStatus("nobody", StatusExcluded); !errors.Is(err, ErrUnknownValidator) {
		t.Fatalf("expected ErrUnknownValidator, got %v", err)
	}
}

func TestSafetyMargin(t *testing.T) {
	set := NewValidatorSet(testIDs(4))
	if set.BelowSafetyMargin() {
		t.Fatal("four validators satisfy the margin")
	}
	smaller, err := set.WithStatus(set.Active()[3], StatusCoolingDown)
	if err != nil {
		t.Fatal(err)
	}
	if !smaller.BelowSafetyMargin() {
		t.Fatal("three validators cannot tolerate a fault")
	}
}

func TestLeaderSkipsInactive(t *testing.T) {
	set := NewValidatorSet(testIDs(4))
	excluded := set.Active()[0]
	next, err := set.WithStatus(excluded, StatusExcluded)
	if err != nil {
		t.Fatal(err)
	}
	for v := View(0); v < 6; v++ {
		if next.Leader(v) == excluded {
			t.Fatal("excluded validator still rotates as leader")
		}
	}
}
