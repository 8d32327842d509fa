package chain

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/phoreproject/sentinel/chainhash"
	"github.com/phoreproject/sentinel/primitives"
)

// ErrBadLinkage is returned when an appended block does not extend the
// current tip.
var ErrBadLinkage = errors.New("block does not extend the current chain tip")

// Chain is the local view of the ledger: the tip and the ability to append a
// validated block. Append must atomically verify linkage against the tip, so
// two concurrent appends can never both extend the same parent.
type Chain interface {
	// TipHash returns the hash of the current chain tip. For an empty
	// chain this is the genesis hash.
	TipHash() chainhash.Hash

	// Height returns the number of blocks appended after genesis.
	Height() uint64

	// GetBlock fetches a block by hash.
	GetBlock(h chainhash.Hash) (*primitives.Block, error)

	// Append verifies block.Header.PrevHash against the tip and appends.
	Append(block *primitives.Block) error

	Close() error
}

// MemoryChain keeps the chain in memory, used for tests.
type MemoryChain struct {
	genesis chainhash.Hash
	blocks  map[chainhash.Hash]primitives.Block
	tip     chainhash.Hash
	height  uint64
	lock    sync.Mutex
}

// NewMemoryChain creates an in-memory chain rooted at the given genesis hash.
func NewMemoryChain(genesis chainhash.Hash) *MemoryChain {
	return &MemoryChain{
		genesis: genesis,
		blocks:  make(map[chainhash.Hash]primitives.Block),
		tip:     genesis,
	}
}

// TipHash returns the current tip hash.
func (c *MemoryChain) TipHash() chainhash.Hash {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.tip
}

// Height returns the chain height.
func (c *MemoryChain) Height() uint64 {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.height
}

// GetBlock fetches a block by hash.
func (c *MemoryChain) GetBlock(h chainhash.Hash) (*primitives.Block, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if b, found := c.blocks[h]; found {
		out := b.Copy()
		return &out, nil
	}
	return nil, errors.Errorf("couldn't find block in chain with hash %s", h)
}

// Append appends a block extending the current tip.
func (c *MemoryChain) Append(block *primitives.Block) error {
	blockHash, err := block.Hash()
	if err != nil {
		return err
	}

	c.lock.Lock()
	defer c.lock.Unlock()

	if !block.Header.PrevHash.IsEqual(&c.tip) {
		return ErrBadLinkage
	}

	c.blocks[blockHash] = block.Copy()
	c.tip = blockHash
	c.height++
	return nil
}

// Close does nothing for an in-memory chain.
func (c *MemoryChain) Close() error {
	return nil
}

var _ Chain = &MemoryChain{}
