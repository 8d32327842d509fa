package chain

import (
	"encoding/binary"
	"sync"

	"github.com/dgraph-io/badger"
	"github.com/pkg/errors"
	"github.com/prysmaticlabs/go-ssz"

	"github.com/phoreproject/sentinel/chainhash"
	"github.com/phoreproject/sentinel/primitives"
)

var blockPrefix = []byte("block")
var tipKey = []byte("chaintip")
var heightKey = []byte("chainheight")

// BadgerChain persists the chain in a badger database. The tip pointer and
// height live next to the blocks so restart recovers the same view.
type BadgerChain struct {
	db      *badger.DB
	genesis chainhash.Hash

	lock   sync.Mutex
	tip    chainhash.Hash
	height uint64
}

// NewBadgerChain opens or creates a badger-backed chain at the given
// directory, rooted at the given genesis hash.
func NewBadgerChain(dir string, genesis chainhash.Hash) (*BadgerChain, error) {
	db, err := badger.Open(badger.DefaultOptions(dir))
	if err != nil {
		return nil, errors.Wrap(err, "could not open chain database")
	}

	c := &BadgerChain{
		db:      db,
		genesis: genesis,
		tip:     genesis,
	}

	err = db.View(func(txn *badger.Txn) error {
		i, err := txn.Get(tipKey)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		tipSer, err := i.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := c.tip.SetBytes(tipSer); err != nil {
			return err
		}

		i, err = txn.Get(heightKey)
		if err != nil {
			return err
		}
		heightSer, err := i.ValueCopy(nil)
		if err != nil {
			return err
		}
		c.height = binary.BigEndian.Uint64(heightSer)
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "could not load chain tip")
	}

	return c, nil
}

// TipHash returns the current tip hash.
func (c *BadgerChain) TipHash() chainhash.Hash {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.tip
}

// Height returns the chain height.
func (c *BadgerChain) Height() uint64 {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.height
}

// GetBlock fetches a block by hash.
func (c *BadgerChain) GetBlock(h chainhash.Hash) (*primitives.Block, error) {
	var blockSer []byte
	err := c.db.View(func(txn *badger.Txn) error {
		i, err := txn.Get(append(blockPrefix, h[:]...))
		if err != nil {
			return err
		}
		blockSer, err = i.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, errors.Wrapf(err, "couldn't find block in chain with hash %s", h)
	}

	block := new(primitives.Block)
	if err := ssz.Unmarshal(blockSer, block); err != nil {
		return nil, errors.Wrap(err, "could not deserialize block")
	}
	return block, nil
}

// Append appends a block extending the current tip, persisting the block,
// tip pointer, and height in one transaction.
func (c *BadgerChain) Append(block *primitives.Block) error {
	blockHash, err := block.Hash()
	if err != nil {
		return err
	}

	blockSer, err := ssz.Marshal(block)
	if err != nil {
		return errors.Wrap(err, "could not serialize block")
	}

	c.lock.Lock()
	defer c.lock.Unlock()

	if !block.Header.PrevHash.IsEqual(&c.tip) {
		return ErrBadLinkage
	}

	var heightSer [8]byte
	binary.BigEndian.PutUint64(heightSer[:], c.height+1)

	err = c.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(append(blockPrefix, blockHash[:]...), blockSer); err != nil {
			return err
		}
		if err := txn.Set(tipKey, blockHash[:]); err != nil {
			return err
		}
		return txn.Set(heightKey, heightSer[:])
	})
	if err != nil {
		return errors.Wrap(err, "could not persist block")
	}

	c.tip = blockHash
	c.height++
	return nil
}

// Close closes the underlying database.
func (c *BadgerChain) Close() error {
	return c.db.Close()
}

var _ Chain = &BadgerChain{}
