package primitives_test

import (
	"testing"

	"github.com/phoreproject/sentinel/bls"
	"github.com/phoreproject/sentinel/chainhash"
	"github.com/phoreproject/sentinel/primitives"
)

func makeBlock() primitives.Block {
	return primitives.Block{
		Header: primitives.BlockHeader{
			Index:     1,
			PrevHash:  chainhash.HashH([]byte("genesis")),
			Timestamp: 2000,
		},
		Transactions: []primitives.Transaction{makeTransaction()},
		ShardRefs: []primitives.ShardReference{
			{ShardID: primitives.ShardID{4}, ExpectedHash: chainhash.HashH([]byte("shard"))},
		},
	}
}

func TestBlock_Copy(t *testing.T) {
	baseBlock := makeBlock()

	copyBlock := baseBlock.Copy()

	copyBlock.Header.Index = 9
	if baseBlock.Header.Index == 9 {
		t.Fatal("mutating copy header mutates base")
	}

	copyBlock.Transactions[0].Timestamp = 9
	if baseBlock.Transactions[0].Timestamp == 9 {
		t.Fatal("mutating copy transactions mutates base")
	}

	copyBlock.ShardRefs[0].ShardID = primitives.ShardID{}
	if baseBlock.ShardRefs[0].ShardID == (primitives.ShardID{}) {
		t.Fatal("mutating copy shard refs mutates base")
	}
}

func TestBlock_BodyRootsCoverBody(t *testing.T) {
	baseBlock := makeBlock()

	txRoot, err := baseBlock.TransactionRoot()
	if err != nil {
		t.Fatal(err)
	}
	shardRoot, err := baseBlock.ShardRefRoot()
	if err != nil {
		t.Fatal(err)
	}

	changed := baseBlock.Copy()
	changed.Transactions[0].Timestamp = 9

	changedTxRoot, err := changed.TransactionRoot()
	if err != nil {
		t.Fatal(err)
	}
	if txRoot.IsEqual(&changedTxRoot) {
		t.Fatal("changing a transaction should change the transaction root")
	}

	changed = baseBlock.Copy()
	changed.ShardRefs[0].ExpectedHash = chainhash.HashH([]byte("other shard"))

	changedShardRoot, err := changed.ShardRefRoot()
	if err != nil {
		t.Fatal(err)
	}
	if shardRoot.IsEqual(&changedShardRoot) {
		t.Fatal("changing a shard reference should change the shard root")
	}
}

func TestBlock_HashExcludesSignature(t *testing.T) {
	baseBlock := makeBlock()

	baseHash, err := baseBlock.Hash()
	if err != nil {
		t.Fatal(err)
	}

	signedBlock := baseBlock.Copy()
	signedBlock.Signature = [bls.SignatureSize]byte{5, 6, 7}

	signedHash, err := signedBlock.Hash()
	if err != nil {
		t.Fatal(err)
	}

	if !baseHash.IsEqual(&signedHash) {
		t.Fatal("block hash should not depend on the signature")
	}
}

func TestBlock_HashCoversContent(t *testing.T) {
	baseBlock := makeBlock()

	baseHash, err := baseBlock.Hash()
	if err != nil {
		t.Fatal(err)
	}

	changed := baseBlock.Copy()
	changed.Header.PrevHash = chainhash.HashH([]byte("other parent"))

	changedHash, err := changed.Hash()
	if err != nil {
		t.Fatal(err)
	}

	if baseHash.IsEqual(&changedHash) {
		t.Fatal("changing the parent hash should change the block hash")
	}

	changed = baseBlock.Copy()
	changed.PublicKey = [bls.PublicKeySize]byte{1}

	changedHash, err = changed.Hash()
	if err != nil {
		t.Fatal(err)
	}

	if baseHash.IsEqual(&changedHash) {
		t.Fatal("changing the proposer key should change the block hash")
	}
}
