package validation_test

import (
	"testing"
	"time"

	"github.com/phoreproject/sentinel/audit"
	"github.com/phoreproject/sentinel/bls"
	"github.com/phoreproject/sentinel/chain"
	"github.com/phoreproject/sentinel/chainhash"
	"github.com/phoreproject/sentinel/consensus"
	"github.com/phoreproject/sentinel/primitives"
	"github.com/phoreproject/sentinel/validation"
)

type scriptOracle struct {
	accept  bool
	details string
	calls   int
}

func (o *scriptOracle) Decide(block *primitives.Block, state consensus.ChainState) (consensus.Decision, error) {
	o.calls++
	return consensus.Decision{Accepted: o.accept, Details: o.details}, nil
}

// signedBlock builds a block of the given transactions on top of prev and
// signs it with key.
func signedBlock(t *testing.T, key *bls.SecretKey, prev chainhash.Hash, index uint64, txs []primitives.Transaction) *primitives.Block {
	t.Helper()

	block := &primitives.Block{
		Header: primitives.BlockHeader{
			Index:     index,
			PrevHash:  prev,
			Timestamp: uint64(testClock.UnixNano() / int64(time.Millisecond)),
		},
		Transactions: txs,
	}

	pub, err := bls.PublicKeyToFixed(key.DerivePublicKey().Serialize())
	if err != nil {
		t.Fatal(err)
	}
	block.PublicKey = pub

	txRoot, err := block.TransactionRoot()
	if err != nil {
		t.Fatal(err)
	}
	block.Header.TxRoot = txRoot
	shardRoot, err := block.ShardRefRoot()
	if err != nil {
		t.Fatal(err)
	}
	block.Header.ShardRoot = shardRoot

	blockHash, err := block.Hash()
	if err != nil {
		t.Fatal(err)
	}
	sig, err := bls.Sign(key, blockHash[:], bls.DomainBlock)
	if err != nil {
		t.Fatal(err)
	}
	block.Signature, err = bls.SignatureToFixed(sig.Serialize())
	if err != nil {
		t.Fatal(err)
	}

	return block
}

func testPipeline(t *testing.T, oracle consensus.Oracle, policy validation.LinkagePolicy) (*validation.Pipeline, chain.Chain, *audit.MemorySink) {
	t.Helper()

	genesis := chainhash.HashH([]byte("genesis"))
	c := chain.NewMemoryChain(genesis)
	sink := audit.NewMemorySink()

	txv := validation.NewTxValidator(testTxConfig(), fakeShardChecker{}, fixedNow)
	bv := validation.NewBlockValidator(c, txv, fakeShardChecker{}, bls.BLSScheme{}, oracle, policy)
	return validation.NewPipeline(bv, c, sink), c, sink
}

func TestProcessBlockAccepts(t *testing.T) {
	key, _ := bls.RandSecretKey(NewXORShift(1))
	oracle := &scriptOracle{accept: true}
	p, c, sink := testPipeline(t, oracle, validation.LinkageDefer)

	block := signedBlock(t, key, c.TipHash(), 1, []primitives.Transaction{*signedTx(t, key, 100, 100)})
	result := p.ProcessBlock(block)
	if result.Status != validation.Accepted {
		t.Fatalf("expected accepted block, got %s at %s (%s)", result.Status, result.Stage, result.Reason)
	}
	if oracle.calls != 1 {
		t.Fatalf("expected one consensus decision, got %d", oracle.calls)
	}

	blockHash, _ := block.Hash()
	tip := c.TipHash()
	if !tip.IsEqual(&blockHash) {
		t.Fatalf("expected tip %s, got %s", blockHash, tip)
	}
	if c.Height() != 1 {
		t.Fatalf("expected height 1, got %d", c.Height())
	}
	events := sink.Events()
	if len(events) != 1 || events[0].Type != audit.EventConsensusDecision {
		t.Fatalf("expected one consensus decision event, got %+v", events)
	}
}

func TestProcessBlockAuditEventTypes(t *testing.T) {
	key, _ := bls.RandSecretKey(NewXORShift(1))
	other, _ := bls.RandSecretKey(NewXORShift(2))

	// a local-check rejection is a validation event, not a consensus one
	oracle := &scriptOracle{accept: true}
	p, c, sink := testPipeline(t, oracle, validation.LinkageDefer)

	block := signedBlock(t, key, c.TipHash(), 1, []primitives.Transaction{*signedTx(t, key, 100, 100)})
	copy(block.PublicKey[:], other.DerivePublicKey().Serialize())
	p.ProcessBlock(block)

	events := sink.Events()
	if len(events) != 1 || events[0].Type != audit.EventValidationRejected {
		t.Fatalf("expected a validation rejection event, got %+v", events)
	}
	if events[0].Fields["check"] != validation.StageSignatureChecked.String() {
		t.Fatalf("expected the failing check name, got %v", events[0].Fields["check"])
	}

	// an oracle decline is a consensus decision
	oracle = &scriptOracle{accept: false, details: "no quorum"}
	p, c, sink = testPipeline(t, oracle, validation.LinkageDefer)

	p.ProcessBlock(signedBlock(t, key, c.TipHash(), 1, []primitives.Transaction{*signedTx(t, key, 100, 100)}))

	events = sink.Events()
	if len(events) != 1 || events[0].Type != audit.EventConsensusDecision {
		t.Fatalf("expected a consensus decision event, got %+v", events)
	}
}

func TestProcessBlockRejectsBadTransactionBeforeConsensus(t *testing.T) {
	key, _ := bls.RandSecretKey(NewXORShift(1))
	other, _ := bls.RandSecretKey(NewXORShift(2))
	oracle := &scriptOracle{accept: true}
	p, c, _ := testPipeline(t, oracle, validation.LinkageDefer)

	good := *signedTx(t, key, 100, 100)
	bad := *signedTx(t, key, 50, 50)
	sig, _ := bls.Sign(other, bad.ID[:], bls.DomainTransaction)
	copy(bad.Inputs[0].Signature[:], sig.Serialize())

	tipBefore := c.TipHash()
	block := signedBlock(t, key, tipBefore, 1, []primitives.Transaction{good, bad})

	result := p.ProcessBlock(block)
	if result.Status != validation.Rejected {
		t.Fatalf("expected rejection, got %s", result.Status)
	}
	if result.Stage != validation.StageTransactionsChecked {
		t.Fatalf("expected rejection at transaction stage, got %s", result.Stage)
	}
	if oracle.calls != 0 {
		t.Fatal("consensus should never see a locally invalid block")
	}

	tip := c.TipHash()
	if !tip.IsEqual(&tipBefore) {
		t.Fatal("rejected block must not move the tip")
	}
}

func TestProcessBlockLinkagePolicies(t *testing.T) {
	key, _ := bls.RandSecretKey(NewXORShift(1))
	orphanPrev := chainhash.HashH([]byte("unknown parent"))

	for _, test := range []struct {
		policy validation.LinkagePolicy
		want   validation.Status
	}{
		{validation.LinkageDefer, validation.Deferred},
		{validation.LinkageReject, validation.Rejected},
	} {
		oracle := &scriptOracle{accept: true}
		p, c, _ := testPipeline(t, oracle, test.policy)

		block := signedBlock(t, key, orphanPrev, 1, []primitives.Transaction{*signedTx(t, key, 100, 100)})
		result := p.ProcessBlock(block)
		if result.Status != test.want {
			t.Fatalf("policy %v: expected %s, got %s", test.policy, test.want, result.Status)
		}
		if result.Stage != validation.StageLinkageChecked {
			t.Fatalf("policy %v: expected linkage stage, got %s", test.policy, result.Stage)
		}
		if oracle.calls != 0 {
			t.Fatalf("policy %v: consensus invoked for unlinked block", test.policy)
		}
		if c.Height() != 0 {
			t.Fatalf("policy %v: unlinked block appended", test.policy)
		}
	}
}

func TestProcessBlockConsensusDecline(t *testing.T) {
	key, _ := bls.RandSecretKey(NewXORShift(1))
	oracle := &scriptOracle{accept: false, details: "insufficient votes"}
	p, c, _ := testPipeline(t, oracle, validation.LinkageDefer)

	block := signedBlock(t, key, c.TipHash(), 1, []primitives.Transaction{*signedTx(t, key, 100, 100)})
	result := p.ProcessBlock(block)
	if result.Status != validation.Rejected || result.Stage != validation.StageConsensusPending {
		t.Fatalf("expected consensus rejection, got %s at %s", result.Status, result.Stage)
	}
	if c.Height() != 0 {
		t.Fatal("declined block must not be appended")
	}
}

func TestProcessBlockWrongProposerKey(t *testing.T) {
	key, _ := bls.RandSecretKey(NewXORShift(1))
	other, _ := bls.RandSecretKey(NewXORShift(2))
	oracle := &scriptOracle{accept: true}
	p, c, _ := testPipeline(t, oracle, validation.LinkageDefer)

	block := signedBlock(t, key, c.TipHash(), 1, []primitives.Transaction{*signedTx(t, key, 100, 100)})
	copy(block.PublicKey[:], other.DerivePublicKey().Serialize())

	result := p.ProcessBlock(block)
	if result.Status != validation.Rejected || result.Stage != validation.StageSignatureChecked {
		t.Fatalf("expected signature rejection, got %s at %s", result.Status, result.Stage)
	}
}

func TestProcessBlockEmpty(t *testing.T) {
	key, _ := bls.RandSecretKey(NewXORShift(1))
	oracle := &scriptOracle{accept: true}
	p, c, _ := testPipeline(t, oracle, validation.LinkageDefer)

	block := signedBlock(t, key, c.TipHash(), 1, nil)
	result := p.ProcessBlock(block)
	if result.Status != validation.Rejected || result.Stage != validation.StageStructureChecked {
		t.Fatalf("expected structure rejection, got %s at %s", result.Status, result.Stage)
	}
}

func TestProcessBlockStaleTxRoot(t *testing.T) {
	key, _ := bls.RandSecretKey(NewXORShift(1))
	oracle := &scriptOracle{accept: true}
	p, c, _ := testPipeline(t, oracle, validation.LinkageDefer)

	// swap the batch after the header root was computed and re-sign so
	// only the root mismatch can fail
	block := signedBlock(t, key, c.TipHash(), 1, []primitives.Transaction{*signedTx(t, key, 100, 100)})
	block.Transactions = []primitives.Transaction{*signedTx(t, key, 50, 50)}
	blockHash, err := block.Hash()
	if err != nil {
		t.Fatal(err)
	}
	sig, err := bls.Sign(key, blockHash[:], bls.DomainBlock)
	if err != nil {
		t.Fatal(err)
	}
	copy(block.Signature[:], sig.Serialize())

	result := p.ProcessBlock(block)
	if result.Status != validation.Rejected || result.Stage != validation.StageStructureChecked {
		t.Fatalf("expected structure rejection, got %s at %s (%s)", result.Status, result.Stage, result.Reason)
	}
	if oracle.calls != 0 {
		t.Fatal("oracle consulted for a structurally invalid block")
	}
}

func TestProcessBlockChainGrowth(t *testing.T) {
	key, _ := bls.RandSecretKey(NewXORShift(1))
	oracle := &scriptOracle{accept: true}
	p, c, _ := testPipeline(t, oracle, validation.LinkageDefer)

	for i := uint64(1); i <= 3; i++ {
		block := signedBlock(t, key, c.TipHash(), i, []primitives.Transaction{*signedTx(t, key, 100*i, 100*i)})
		if result := p.ProcessBlock(block); result.Status != validation.Accepted {
			t.Fatalf("block %d: %s at %s (%s)", i, result.Status, result.Stage, result.Reason)
		}
	}
	if c.Height() != 3 {
		t.Fatalf("expected height 3, got %d", c.Height())
	}
}
