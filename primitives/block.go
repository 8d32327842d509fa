package primitives

import (
	"github.com/prysmaticlabs/go-ssz"

	"github.com/phoreproject/sentinel/bls"
	"github.com/phoreproject/sentinel/chainhash"
)

// BlockHeader anchors a block to the chain. TxRoot and ShardRoot commit to
// the transaction batch and the shard references so either can be checked
// without the full body.
type BlockHeader struct {
	Index     uint64
	PrevHash  chainhash.Hash
	TxRoot    chainhash.Hash
	ShardRoot chainhash.Hash
	Timestamp uint64
}

// Copy returns a copy of the header.
func (bh *BlockHeader) Copy() BlockHeader {
	return *bh
}

// Block is an ordered batch of transactions plus the shard references the
// batch depends on, signed by the proposer.
type Block struct {
	Header       BlockHeader
	Transactions []Transaction
	ShardRefs    []ShardReference
	Signature    [bls.SignatureSize]byte
	PublicKey    [bls.PublicKeySize]byte
}

// Copy returns a deep copy of the block.
func (b *Block) Copy() Block {
	newBlock := *b
	newBlock.Header = b.Header.Copy()

	newBlock.Transactions = make([]Transaction, len(b.Transactions))
	for i := range b.Transactions {
		newBlock.Transactions[i] = b.Transactions[i].Copy()
	}

	newBlock.ShardRefs = make([]ShardReference, len(b.ShardRefs))
	copy(newBlock.ShardRefs, b.ShardRefs)

	return newBlock
}

// TransactionRoot computes the hash tree root of the transaction batch.
func (b *Block) TransactionRoot() (chainhash.Hash, error) {
	root, err := ssz.HashTreeRoot(b.Transactions)
	if err != nil {
		return chainhash.Hash{}, err
	}
	return chainhash.Hash(root), nil
}

// ShardRefRoot computes the hash tree root of the shard references.
func (b *Block) ShardRefRoot() (chainhash.Hash, error) {
	root, err := ssz.HashTreeRoot(b.ShardRefs)
	if err != nil {
		return chainhash.Hash{}, err
	}
	return chainhash.Hash(root), nil
}

// Hash computes the block hash: the hash tree root of the block with the
// signature zeroed. The proposer public key is part of the hashed content.
func (b *Block) Hash() (chainhash.Hash, error) {
	unsigned := b.Copy()
	unsigned.Signature = [bls.SignatureSize]byte{}

	root, err := ssz.HashTreeRoot(unsigned)
	if err != nil {
		return chainhash.Hash{}, err
	}
	return chainhash.Hash(root), nil
}
