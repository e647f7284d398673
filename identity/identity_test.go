package identity

import (
	"bytes"
	"testing"
)

func TestSignVerify(t *testing.T) {
	p, err := Generate()
	if err != nil {
		t.Fatal(err)
	}
	msg := []byte("roll the dice")
	sig := p.Sign(msg)
	if !Verify(p.ID(), msg, sig) {
		t.Fatal("signature did not verify")
	}
	if Verify(p.ID(), []byte("another message"), sig) {
		t.Fatal("signature verified against the wrong message")
	}
}

func TestVerifyRejectsForeignKey(t *testing.T) {
	a, err := Generate()
	if err != nil {
		t.Fatal(err)
	}
	b, err := Generate()
	if err != nil {
		t.Fatal(err)
	}
	msg := []byte("payload")
	sig := a.Sign(msg)
	if Verify(b.ID(), msg, sig) {
		t.Fatal("signature verified under a different validator's key")
	}
}

func TestDigestDomainSeparation(t *testing.T) {
	data := []byte("same input")
	d1 := Digest("domain/a", data)
	d2 := Digest("domain/b", data)
	if bytes.Equal(d1, d2) {
		t.Fatal("different domains produced the same digest")
	}
	if !bytes.Equal(d1, Digest("domain/a", data)) {
		t.Fatal("digest is not deterministic")
	}
}

func TestDigestPartBoundaries(t *testing.T) {
	// length prefixes must keep ("ab","c") distinct from ("a","bc")
	d1 := Digest("domain", []byte("ab"), []byte("c"))
	d2 := Digest("domain", []byte("a"), []byte("bc"))
	if bytes.Equal(d1, d2) {
		t.Fatal("part boundaries are not encoded")
	}
}

func TestRandomSecretUnique(t *testing.T) {
	s1, err := RandomSecret()
	if err != nil {
		t.Fatal(err)
	}
	s2, err := RandomSecret()
	if err != nil {
		t.Fatal(err)
	}
	if len(s1) == 0 || bytes.Equal(s1, s2) {
		t.Fatal("secrets must be non-empty and distinct")
	}
}

func TestSortIDs(t *testing.T) {
	ids := []NodeID{"cc", "aa", "bb"}
	sorted := SortIDs(ids)
	if sorted[0] != "aa" || sorted[1] != "bb" || sorted[2] != "cc" {
		t.Fatalf("unexpected order: %v", sorted)
	}
	if ids[0] != "cc" {
		t.Fatal("input slice was mutated")
	}
}
