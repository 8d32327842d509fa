package consensus

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/phoreproject/sentinel/bls"
	"github.com/phoreproject/sentinel/chainhash"
	"github.com/phoreproject/sentinel/primitives"
)

// ChainState is the ledger view handed to the oracle alongside a candidate
// block.
type ChainState struct {
	TipHash chainhash.Hash
	Height  uint64
}

// Decision is the oracle's verdict on a candidate block. A negative decision
// is a normal outcome, not an error.
type Decision struct {
	Accepted bool
	Details  string
}

// Oracle decides whether a locally-valid block is accepted onto the chain.
// The block validator treats the decision as opaque.
type Oracle interface {
	Decide(block *primitives.Block, state ChainState) (Decision, error)
}

// AcceptAll accepts every locally-valid block. Used for single-node
// deployments and tests.
type AcceptAll struct{}

// Decide implements Oracle.
func (AcceptAll) Decide(block *primitives.Block, state ChainState) (Decision, error) {
	return Decision{Accepted: true, Details: "accept-all"}, nil
}

// QuorumOracle accepts a block once a threshold of known validators has
// signed its hash. Votes arrive out of band (consensus messages are outside
// the validation pipeline) and are checked against the validator set here.
type QuorumOracle struct {
	validators []*bls.PublicKey
	threshold  int
	log        *logrus.Entry

	lock  sync.Mutex
	votes map[chainhash.Hash]map[int]*bls.Signature
}

// NewQuorumOracle creates a quorum oracle over a fixed validator set.
func NewQuorumOracle(validators []*bls.PublicKey, threshold int) *QuorumOracle {
	return &QuorumOracle{
		validators: validators,
		threshold:  threshold,
		log:        logrus.WithField("module", "consensus"),
		votes:      make(map[chainhash.Hash]map[int]*bls.Signature),
	}
}

// SubmitVote records validator index's signature over a block hash. Invalid
// signatures are dropped.
func (q *QuorumOracle) SubmitVote(blockHash chainhash.Hash, validatorIndex int, sig *bls.Signature) bool {
	if validatorIndex < 0 || validatorIndex >= len(q.validators) {
		q.log.WithField("validator", validatorIndex).Warn("vote from unknown validator index")
		return false
	}

	valid, err := bls.VerifySig(q.validators[validatorIndex], blockHash[:], sig, bls.DomainQuorum)
	if err != nil || !valid {
		q.log.WithFields(logrus.Fields{
			"validator": validatorIndex,
			"block":     blockHash.String(),
		}).Warn("dropping vote with invalid signature")
		return false
	}

	q.lock.Lock()
	defer q.lock.Unlock()
	if _, found := q.votes[blockHash]; !found {
		q.votes[blockHash] = make(map[int]*bls.Signature)
	}
	q.votes[blockHash][validatorIndex] = sig
	return true
}

// Decide implements Oracle: accepted once the vote count reaches the
// threshold.
func (q *QuorumOracle) Decide(block *primitives.Block, state ChainState) (Decision, error) {
	blockHash, err := block.Hash()
	if err != nil {
		return Decision{}, err
	}

	q.lock.Lock()
	count := len(q.votes[blockHash])
	q.lock.Unlock()

	if count >= q.threshold {
		return Decision{Accepted: true, Details: "quorum reached"}, nil
	}
	return Decision{Accepted: false, Details: "quorum not reached"}, nil
}

var _ Oracle = AcceptAll{}
var _ Oracle = &QuorumOracle{}
