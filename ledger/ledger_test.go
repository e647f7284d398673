package ledger

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/happybigmtn/dicenet/consensus"
)

func testBatch(seq consensus.Sequence, ids ...string) consensus.Batch {
	ops := make([]consensus.Operation, len(ids))
	for i, id := range ids {
		ops[i] = consensus.Operation{ID: id, Proposer: "v1", Payload: json.RawMessage(`{}`)}
	}
	return consensus.Batch{View: 0, Sequence: seq, Operations: ops}
}

func TestAppendAndVerify(t *testing.T) {
	chain := NewChain()
	if chain.Len() != 1 {
		t.Fatalf("new chain has %d blocks, want genesis only", chain.Len())
	}

	for seq := consensus.Sequence(1); seq <= 3; seq++ {
		batch := testBatch(seq, "a", "b")
		if err := chain.Append(batch, consensus.QuorumCertificate{BatchHash: []byte{byte(seq)}}, []byte("state")); err != nil {
			t.Fatalf("append seq %d: %v", seq, err)
		}
	}
	if chain.Len() != 4 {
		t.Fatalf("chain length %d, want 4", chain.Len())
	}
	if err := chain.Verify(); err != nil {
		t.Fatalf("verify: %v", err)
	}

	latest, err := chain.Latest()
	if err != nil {
		t.Fatal(err)
	}
	if latest.Sequence != 3 || latest.Index != 3 {
		t.Fatalf("latest block seq=%d index=%d", latest.Sequence, latest.Index)
	}
}

func TestBlocksAreLinked(t *testing.T) {
	chain := NewChain()
	if err := chain.Append(testBatch(1, "a"), consensus.QuorumCertificate{}, nil); err != nil {
		t.Fatal(err)
	}
	genesis, _ := chain.GetByIndex(0)
	block, _ := chain.GetByIndex(1)
	if block.PrevHash != genesis.Hash {
		t.Fatal("block not linked to genesis")
	}
	if block.Hash == "" || block.Hash == block.PrevHash {
		t.Fatal("block hash not computed")
	}
}

func TestGetBySequence(t *testing.T) {
	chain := NewChain()
	chain.OnCommit(testBatch(7, "x"), consensus.QuorumCertificate{}, []byte("h"))

	block, err := chain.GetBySequence(7)
	if err != nil {
		t.Fatal(err)
	}
	if len(block.Operations) != 1 || block.Operations[0].ID != "x" {
		t.Fatalf("unexpected block %+v", block)
	}
	if _, err := chain.GetBySequence(8); err == nil {
		t.Fatal("expected an error for an unrecorded sequence")
	}
}

func TestQuorumCertificateLookup(t *testing.T) {
	chain := NewChain()
	qc := consensus.QuorumCertificate{Sequence: 2, BatchHash: []byte("bh")}
	chain.OnCommit(testBatch(2, "a"), qc, nil)

	got, err := chain.QuorumCertificate(2)
	if err != nil {
		t.Fatal(err)
	}
	if got.Sequence != 2 || string(got.BatchHash) != "bh" {
		t.Fatalf("unexpected certificate %+v", got)
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	chain := NewChain()
	for seq := consensus.Sequence(1); seq <= 3; seq++ {
		if err := chain.Append(testBatch(seq, "op"), consensus.QuorumCertificate{}, nil); err != nil {
			t.Fatal(err)
		}
	}
	chain.blocks[2].Operations[0].ID = "forged"
	if err := chain.Verify(); err == nil {
		t.Fatal("verify accepted a tampered operation")
	}
}

func TestVerifyDetectsBrokenLink(t *testing.T) {
	chain := NewChain()
	for seq := consensus.Sequence(1); seq <= 2; seq++ {
		if err := chain.Append(testBatch(seq, "op"), consensus.QuorumCertificate{}, nil); err != nil {
			t.Fatal(err)
		}
	}
	chain.blocks[2].PrevHash = "bogus"
	if err := chain.Verify(); err == nil {
		t.Fatal("verify accepted a broken link")
	}
}

func TestCheckpointsKeepNewest(t *testing.T) {
	store := NewCheckpoints()
	if _, ok, err := store.LoadLatestCheckpoint(); err != nil || ok {
		t.Fatalf("empty store returned ok=%v err=%v", ok, err)
	}

	if err := store.SaveCheckpoint(consensus.Snapshot{LastApplied: 5, State: json.RawMessage(`"five"`)}); err != nil {
		t.Fatal(err)
	}
	// stale snapshot must not replace the newer one
	if err := store.SaveCheckpoint(consensus.Snapshot{LastApplied: 3, State: json.RawMessage(`"three"`)}); err != nil {
		t.Fatal(err)
	}
	snap, ok, err := store.LoadLatestCheckpoint()
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if snap.LastApplied != 5 {
		t.Fatalf("kept snapshot at seq %d, want 5", snap.LastApplied)
	}
}

func TestFileCheckpointsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoints", "node.json")
	store, err := NewFileCheckpoints(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok, err := store.LoadLatestCheckpoint(); err != nil || ok {
		t.Fatalf("missing file returned ok=%v err=%v", ok, err)
	}

	want := consensus.Snapshot{
		Hash:        []byte("statehash"),
		LastApplied: 12,
		State:       json.RawMessage(`{"round":3}`),
	}
	if err := store.SaveCheckpoint(want); err != nil {
		t.Fatal(err)
	}

	// a fresh store over the same path sees the snapshot, as after a restart
	reopened, err := NewFileCheckpoints(path)
	if err != nil {
		t.Fatal(err)
	}
	snap, ok, err := reopened.LoadLatestCheckpoint()
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if snap.LastApplied != want.LastApplied || string(snap.Hash) != string(want.Hash) {
		t.Fatalf("snapshot round trip mismatch: %+v", snap)
	}
	if string(snap.State) != string(want.State) {
		t.Fatalf("state payload mismatch: %s", snap.State)
	}
}
