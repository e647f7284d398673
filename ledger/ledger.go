// Package ledger keeps the hash-chained record of committed batches and
// their quorum certificates, and persists checkpoint snapshots.
package ledger

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/happybigmtn/dicenet/consensus"
	"github.com/happybigmtn/dicenet/identity"
)

// Block is one committed batch recorded in the chain, together with the
// quorum certificate that proves the commit and the state hash after
// applying it.
type Block struct {
	Index      int                         `json:"index"`
	Timestamp  int64                       `json:"timestamp"`
	PrevHash   string                      `json:"prev_hash"`
	Hash       string                      `json:"hash"`
	View       consensus.View              `json:"view"`
	Sequence   consensus.Sequence          `json:"sequence"`
	Operations []consensus.Operation       `json:"operations"`
	QC         consensus.QuorumCertificate `json:"qc"`
	StateHash  []byte                      `json:"state_hash"`
}

// Chain is the append-only block chain. It implements consensus.Observer so
// every committed batch is recorded in commit order.
type Chain struct {
	mu     sync.RWMutex
	blocks []Block
	bySeq  map[consensus.Sequence]int
}

// NewChain builds a chain with an initialized genesis block. The genesis
// block has index 0, previous hash "0" and no operations.
func NewChain() *Chain {
	c := &Chain{bySeq: make(map[consensus.Sequence]int)}
	genesis := Block{
		Index:     0,
		Timestamp: time.Now().Unix(),
		PrevHash:  "0",
	}
	genesis.Hash = calculateHash(genesis)
	c.blocks = append(c.blocks, genesis)
	return c
}

// Append records a committed batch. It links the block to the previous
// hash, computes the block hash and validates the result before adding it.
func (c *Chain) Append(batch consensus.Batch, qc consensus.QuorumCertificate, stateHash []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	latest := c.blocks[len(c.blocks)-1]
	block := Block{
		Index:      latest.Index + 1,
		Timestamp:  time.Now().Unix(),
		PrevHash:   latest.Hash,
		View:       batch.View,
		Sequence:   batch.Sequence,
		Operations: batch.Operations,
		QC:         qc,
		StateHash:  stateHash,
	}
	block.Hash = calculateHash(block)

	if err := validateBlock(block, latest); err != nil {
		return fmt.Errorf("invalid block: %w", err)
	}
	c.blocks = append(c.blocks, block)
	c.bySeq[batch.Sequence] = block.Index
	return nil
}

// Latest returns the most recently recorded block.
func (c *Chain) Latest() (Block, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.blocks) == 0 {
		return Block{}, fmt.Errorf("ledger is empty")
	}
	return c.blocks[len(c.blocks)-1], nil
}

// GetByIndex retrieves a block by chain index.
func (c *Chain) GetByIndex(index int) (Block, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if index < 0 || index >= len(c.blocks) {
		return Block{}, fmt.Errorf("index %d out of range", index)
	}
	return c.blocks[index], nil
}

// GetBySequence retrieves the block recording a committed batch sequence.
func (c *Chain) GetBySequence(seq consensus.Sequence) (Block, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	idx, ok := c.bySeq[seq]
	if !ok {
		return Block{}, fmt.Errorf("no block for sequence %d", seq)
	}
	return c.blocks[idx], nil
}

// QuorumCertificate returns the recorded certificate for a sequence, for
// the external read interface.
func (c *Chain) QuorumCertificate(seq consensus.Sequence) (consensus.QuorumCertificate, error) {
	block, err := c.GetBySequence(seq)
	if err != nil {
		return consensus.QuorumCertificate{}, err
	}
	return block.QC, nil
}

// Len returns the number of blocks including genesis.
func (c *Chain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.blocks)
}

// Verify walks the whole chain and checks every block's hash, index
// continuity and previous-hash linkage.
func (c *Chain) Verify() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.blocks) == 0 {
		return fmt.Errorf("empty ledger")
	}
	if c.blocks[0].PrevHash != "0" {
		return fmt.Errorf("invalid genesis block")
	}
	for i := 1; i < len(c.blocks); i++ {
		if err := validateBlock(c.blocks[i], c.blocks[i-1]); err != nil {
			return fmt.Errorf("block %d invalid: %w", i, err)
		}
	}
	return nil
}

func validateBlock(current, previous Block) error {
	if current.Index != previous.Index+1 {
		return fmt.Errorf("invalid index: expected %d, got %d", previous.Index+1, current.Index)
	}
	if current.PrevHash != previous.Hash {
		return fmt.Errorf("invalid prev hash")
	}
	if expected := calculateHash(current); current.Hash != expected {
		return fmt.Errorf("invalid hash: expected %s, got %s", expected, current.Hash)
	}
	return nil
}

func calculateHash(block Block) string {
	opsBytes, _ := json.Marshal(block.Operations)
	qcBytes, _ := json.Marshal(block.QC)
	header := fmt.Sprintf("%d%d%s%d%d", block.Index, block.Timestamp, block.PrevHash, block.View, block.Sequence)
	digest := identity.Digest("dicenet/block/v1", []byte(header), opsBytes, qcBytes, block.StateHash)
	return hex.EncodeToString(digest)
}

// OnCommit records the committed batch; errors are surfaced through Verify
// rather than the observer callback, which has no return path.
func (c *Chain) OnCommit(batch consensus.Batch, qc consensus.QuorumCertificate, stateHash []byte) {
	_ = c.Append(batch, qc, stateHash)
}

// OnEvidence is part of the observer interface; evidence is recorded by the
// reputation monitor, not the ledger.
func (c *Chain) OnEvidence(consensus.Evidence) {}

// OnViewChange is part of the observer interface.
func (c *Chain) OnViewChange(from, to consensus.View) {}
