package validation

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/phoreproject/sentinel/audit"
	"github.com/phoreproject/sentinel/bls"
	"github.com/phoreproject/sentinel/chain"
	"github.com/phoreproject/sentinel/consensus"
	"github.com/phoreproject/sentinel/primitives"
	utilsync "github.com/phoreproject/sentinel/utils/sync"
)

// Stage identifies how far a block got through validation.
type Stage int

const (
	StageReceived Stage = iota
	StageStructureChecked
	StageSignatureChecked
	StageLinkageChecked
	StageShardChecked
	StageTransactionsChecked
	StageConsensusPending
)

func (s Stage) String() string {
	switch s {
	case StageReceived:
		return "received"
	case StageStructureChecked:
		return "structure"
	case StageSignatureChecked:
		return "signature"
	case StageLinkageChecked:
		return "linkage"
	case StageShardChecked:
		return "shards"
	case StageTransactionsChecked:
		return "transactions"
	case StageConsensusPending:
		return "consensus"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Status is the final disposition of a candidate block.
type Status int

const (
	// Accepted means every local check passed and the oracle accepted.
	Accepted Status = iota

	// Rejected means a check failed or the oracle declined.
	Rejected

	// Deferred means the block did not link to the local tip and the
	// linkage policy asks the caller to sync missing blocks instead of
	// rejecting outright.
	Deferred
)

func (s Status) String() string {
	switch s {
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	case Deferred:
		return "deferred"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Result records the disposition of a block along with the stage that
// decided it and the reason for anything other than acceptance.
type Result struct {
	Status Status
	Stage  Stage
	Reason string
}

// LinkagePolicy controls what a PrevHash mismatch means. In an eventually
// consistent network a node that is behind sees mismatches for blocks that
// are perfectly valid, so deferring and requesting sync is the default.
type LinkagePolicy int

const (
	// LinkageDefer treats a tip mismatch as "this node may be behind".
	LinkageDefer LinkagePolicy = iota

	// LinkageReject treats a tip mismatch as a permanently invalid block.
	LinkageReject
)

// StageCheck is one injectable validation stage.
type StageCheck func(block *primitives.Block) error

// BlockValidator walks a candidate block through the validation state
// machine: structure, proposer signature, chain linkage, shard references,
// then every transaction, failing fast at the first broken stage. Consensus
// runs only after all local checks pass.
type BlockValidator struct {
	chain  chain.Chain
	txs    *TxValidator
	shards ShardChecker
	scheme bls.Scheme
	oracle consensus.Oracle
	policy LinkagePolicy
	log    *logrus.Entry

	// stage checks are injectable so each is independently testable;
	// zero values fall back to the built-in checks
	StructureCheck StageCheck
	SignatureCheck StageCheck
	LinkageCheck   StageCheck
	ShardCheck     StageCheck
}

// NewBlockValidator wires a block validator from its sub-validators.
func NewBlockValidator(c chain.Chain, txs *TxValidator, shards ShardChecker, scheme bls.Scheme, oracle consensus.Oracle, policy LinkagePolicy) *BlockValidator {
	v := &BlockValidator{
		chain:  c,
		txs:    txs,
		shards: shards,
		scheme: scheme,
		oracle: oracle,
		policy: policy,
		log:    logrus.WithField("module", "blockvalidator"),
	}
	v.StructureCheck = v.checkStructure
	v.SignatureCheck = v.checkSignature
	v.LinkageCheck = v.checkLinkage
	v.ShardCheck = v.checkShards
	return v
}

// Validate runs the state machine over a single block. It does not append;
// the Pipeline serializes validation with the chain-tip append.
func (v *BlockValidator) Validate(block *primitives.Block) Result {
	if err := v.StructureCheck(block); err != nil {
		return Result{Status: Rejected, Stage: StageStructureChecked, Reason: err.Error()}
	}

	if err := v.SignatureCheck(block); err != nil {
		return Result{Status: Rejected, Stage: StageSignatureChecked, Reason: err.Error()}
	}

	if err := v.LinkageCheck(block); err != nil {
		if v.policy == LinkageDefer {
			return Result{Status: Deferred, Stage: StageLinkageChecked, Reason: err.Error()}
		}
		return Result{Status: Rejected, Stage: StageLinkageChecked, Reason: err.Error()}
	}

	if err := v.ShardCheck(block); err != nil {
		return Result{Status: Rejected, Stage: StageShardChecked, Reason: err.Error()}
	}

	// all-or-nothing batch semantics: one bad transaction rejects the block
	for i := range block.Transactions {
		if err := v.txs.Validate(&block.Transactions[i]); err != nil {
			return Result{
				Status: Rejected,
				Stage:  StageTransactionsChecked,
				Reason: fmt.Sprintf("transaction %d: %s", i, err),
			}
		}
	}

	decision, err := v.oracle.Decide(block, consensus.ChainState{
		TipHash: v.chain.TipHash(),
		Height:  v.chain.Height(),
	})
	if err != nil {
		return Result{Status: Rejected, Stage: StageConsensusPending, Reason: err.Error()}
	}
	if !decision.Accepted {
		return Result{Status: Rejected, Stage: StageConsensusPending, Reason: decision.Details}
	}

	return Result{Status: Accepted, Stage: StageConsensusPending}
}

func (v *BlockValidator) checkStructure(block *primitives.Block) error {
	if block == nil {
		return fmt.Errorf("block is nil")
	}
	if len(block.Transactions) == 0 {
		return fmt.Errorf("block has no transactions")
	}
	if block.Header.Timestamp == 0 {
		return fmt.Errorf("block timestamp is unset")
	}
	if block.PublicKey == ([bls.PublicKeySize]byte{}) {
		return fmt.Errorf("block has no proposer key")
	}
	for i, ref := range block.ShardRefs {
		if ref.ShardID == (primitives.ShardID{}) {
			return fmt.Errorf("shard reference %d has no shard ID", i)
		}
	}

	txRoot, err := block.TransactionRoot()
	if err != nil {
		return err
	}
	if !block.Header.TxRoot.IsEqual(&txRoot) {
		return fmt.Errorf("header transaction root %s does not match body root %s", block.Header.TxRoot, txRoot)
	}

	shardRoot, err := block.ShardRefRoot()
	if err != nil {
		return err
	}
	if !block.Header.ShardRoot.IsEqual(&shardRoot) {
		return fmt.Errorf("header shard root %s does not match body root %s", block.Header.ShardRoot, shardRoot)
	}
	return nil
}

func (v *BlockValidator) checkSignature(block *primitives.Block) error {
	blockHash, err := block.Hash()
	if err != nil {
		return err
	}

	valid, err := v.scheme.Verify(block.PublicKey[:], blockHash[:], block.Signature[:], bls.DomainBlock)
	if err != nil {
		return err
	}
	if !valid {
		return fmt.Errorf("block signature does not verify against proposer key")
	}
	return nil
}

func (v *BlockValidator) checkLinkage(block *primitives.Block) error {
	tip := v.chain.TipHash()
	if !block.Header.PrevHash.IsEqual(&tip) {
		return fmt.Errorf("block parent %s does not match local tip %s", block.Header.PrevHash, tip)
	}
	return nil
}

func (v *BlockValidator) checkShards(block *primitives.Block) error {
	for _, ref := range block.ShardRefs {
		if err := v.shards.CheckReference(ref); err != nil {
			return err
		}
	}
	return nil
}

// Pipeline serializes block validation with the chain-tip append. Only one
// block may be between linkage validation and append at a time; otherwise
// two blocks could both validate against the same tip and both append.
type Pipeline struct {
	validator *BlockValidator
	chain     chain.Chain
	sink      audit.Sink
	log       *logrus.Entry

	// TipNotifier fires with the new tip hash after every accepted block.
	TipNotifier *utilsync.Signal

	appendLock sync.Mutex
}

// NewPipeline creates a validate-and-append pipeline over a chain.
func NewPipeline(validator *BlockValidator, c chain.Chain, sink audit.Sink) *Pipeline {
	return &Pipeline{
		validator:   validator,
		chain:       c,
		sink:        sink,
		log:         logrus.WithField("module", "blockpipeline"),
		TipNotifier: utilsync.NewSignal(),
	}
}

// ProcessBlock validates a block and, if accepted, appends it to the chain.
// Every rejection is logged with its failing stage; consensus rejection is a
// normal outcome logged at info level.
func (p *Pipeline) ProcessBlock(block *primitives.Block) Result {
	p.appendLock.Lock()
	defer p.appendLock.Unlock()

	result := p.validator.Validate(block)

	switch result.Status {
	case Accepted:
		if err := p.chain.Append(block); err != nil {
			result = Result{Status: Rejected, Stage: StageConsensusPending, Reason: err.Error()}
			break
		}
		newTip := p.chain.TipHash()
		p.log.WithFields(logrus.Fields{
			"tip":    newTip.String(),
			"height": p.chain.Height(),
		}).Info("accepted block")
		p.TipNotifier.Signal(newTip)
	case Deferred:
		p.log.WithFields(logrus.Fields{
			"stage":  result.Stage.String(),
			"reason": result.Reason,
		}).Info("deferring block pending sync")
	case Rejected:
		level := p.log.WithFields(logrus.Fields{
			"stage":  result.Stage.String(),
			"reason": result.Reason,
		})
		if result.Stage == StageConsensusPending {
			level.Info("block declined by consensus")
		} else {
			level.Warn("rejected block")
		}
	}

	// local-check rejections and oracle decisions are distinct event types
	// so operators can tell invalid data from consensus disagreement
	eventType := audit.EventConsensusDecision
	if result.Status == Rejected && result.Stage != StageConsensusPending {
		eventType = audit.EventValidationRejected
	}
	p.sink.Record(eventType, map[string]interface{}{
		"status": result.Status.String(),
		"check":  result.Stage.String(),
		"reason": result.Reason,
	})

	return result
}
