package consensus_test

import (
	"testing"

	"github.com/phoreproject/sentinel/bls"
	"github.com/phoreproject/sentinel/consensus"
	"github.com/phoreproject/sentinel/primitives"
)

type xorShift struct {
	state uint64
}

func (xor *xorShift) Read(b []byte) (int, error) {
	for i := range b {
		x := xor.state
		x ^= x << 13
		x ^= x >> 7
		x ^= x << 17
		b[i] = uint8(x)
		xor.state = x
	}
	return len(b), nil
}

func TestQuorumOracle(t *testing.T) {
	r := &xorShift{1}

	keys := make([]*bls.SecretKey, 3)
	pubs := make([]*bls.PublicKey, 3)
	for i := range keys {
		k, err := bls.RandSecretKey(r)
		if err != nil {
			t.Fatal(err)
		}
		keys[i] = k
		pubs[i] = k.DerivePublicKey()
	}

	oracle := consensus.NewQuorumOracle(pubs, 2)

	block := &primitives.Block{
		Header: primitives.BlockHeader{Index: 1, Timestamp: 1000},
		Transactions: []primitives.Transaction{
			{
				Inputs:  []primitives.TransactionInput{{Amount: 1}},
				Outputs: []primitives.TransactionOutput{{Amount: 1}},
			},
		},
	}
	blockHash, err := block.Hash()
	if err != nil {
		t.Fatal(err)
	}

	decision, err := oracle.Decide(block, consensus.ChainState{})
	if err != nil {
		t.Fatal(err)
	}
	if decision.Accepted {
		t.Fatal("block without votes should not be accepted")
	}

	sig0, _ := bls.Sign(keys[0], blockHash[:], bls.DomainQuorum)
	if !oracle.SubmitVote(blockHash, 0, sig0) {
		t.Fatal("valid vote should be accepted")
	}

	decision, err = oracle.Decide(block, consensus.ChainState{})
	if err != nil {
		t.Fatal(err)
	}
	if decision.Accepted {
		t.Fatal("one of two required votes should not reach quorum")
	}

	// a vote signed with the wrong key is dropped
	badSig, _ := bls.Sign(keys[2], blockHash[:], bls.DomainQuorum)
	if oracle.SubmitVote(blockHash, 1, badSig) {
		t.Fatal("vote with mismatched signature should be dropped")
	}

	sig1, _ := bls.Sign(keys[1], blockHash[:], bls.DomainQuorum)
	if !oracle.SubmitVote(blockHash, 1, sig1) {
		t.Fatal("valid vote should be accepted")
	}

	decision, err = oracle.Decide(block, consensus.ChainState{})
	if err != nil {
		t.Fatal(err)
	}
	if !decision.Accepted {
		t.Fatal("two valid votes should reach quorum")
	}
}
