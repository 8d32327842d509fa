package validation

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/phoreproject/sentinel/bls"
	"github.com/phoreproject/sentinel/chainhash"
	"github.com/phoreproject/sentinel/primitives"
	"github.com/phoreproject/sentinel/utils"
)

// ShardChecker validates shard references against the local store. The
// integrity checker satisfies this.
type ShardChecker interface {
	CheckReference(ref primitives.ShardReference) error
}

// TxConfig bounds transaction validation.
type TxConfig struct {
	MaxInputs         int
	MaxOutputs        int
	MaxTimestampDrift time.Duration
	Scheme            bls.Scheme
}

// TxValidator validates a single transaction against its content, the shard
// store, and the current time. The outcome is binary: nil or a *CheckError
// naming the failing check.
type TxValidator struct {
	config TxConfig
	shards ShardChecker
	now    func() time.Time
	log    *logrus.Entry
}

// NewTxValidator creates a transaction validator. now may be nil, in which
// case the NTP-corrected clock is used.
func NewTxValidator(config TxConfig, shards ShardChecker, now func() time.Time) *TxValidator {
	if now == nil {
		now = utils.Now
	}
	return &TxValidator{
		config: config,
		shards: shards,
		now:    now,
		log:    logrus.WithField("module", "txvalidator"),
	}
}

// Validate runs every check in order, short-circuiting on the first failure.
// Cheap structural checks run before signature verification.
func (v *TxValidator) Validate(tx *primitives.Transaction) error {
	if err := v.checkShape(tx); err != nil {
		return v.reject(tx, err)
	}
	if err := v.checkIdentity(tx); err != nil {
		return v.reject(tx, err)
	}
	if err := v.checkCardinality(tx); err != nil {
		return v.reject(tx, err)
	}
	if err := v.checkConservation(tx); err != nil {
		return v.reject(tx, err)
	}
	if err := v.checkShardRefs(tx); err != nil {
		return v.reject(tx, err)
	}
	if err := v.checkSignatures(tx); err != nil {
		return v.reject(tx, err)
	}
	if err := v.checkFreshness(tx); err != nil {
		return v.reject(tx, err)
	}
	return nil
}

func (v *TxValidator) reject(tx *primitives.Transaction, err *CheckError) error {
	v.log.WithFields(logrus.Fields{
		"tx":     tx.ID.String(),
		"check":  err.Check,
		"reason": err.Reason,
	}).Debug("rejecting transaction")
	return err
}

func (v *TxValidator) checkShape(tx *primitives.Transaction) *CheckError {
	if tx == nil {
		return checkErrorf(CheckShape, "transaction is nil")
	}
	if tx.ID == (chainhash.Hash{}) {
		return checkErrorf(CheckShape, "transaction ID is unset")
	}
	if tx.Timestamp == 0 {
		return checkErrorf(CheckShape, "transaction timestamp is unset")
	}
	for i, in := range tx.Inputs {
		if in.PublicKey == ([bls.PublicKeySize]byte{}) {
			return checkErrorf(CheckShape, "input %d has no public key", i)
		}
		if in.Signature == ([bls.SignatureSize]byte{}) {
			return checkErrorf(CheckShape, "input %d is unsigned", i)
		}
	}
	return nil
}

func (v *TxValidator) checkIdentity(tx *primitives.Transaction) *CheckError {
	canonical, err := tx.CanonicalHash()
	if err != nil {
		return checkErrorf(CheckIdentity, "could not compute canonical hash: %s", err)
	}
	if !canonical.IsEqual(&tx.ID) {
		return checkErrorf(CheckIdentity, "ID does not match canonical hash (expected: %s, got: %s)", canonical, tx.ID)
	}
	return nil
}

func (v *TxValidator) checkCardinality(tx *primitives.Transaction) *CheckError {
	if len(tx.Inputs) < 1 || len(tx.Inputs) > v.config.MaxInputs {
		return checkErrorf(CheckCardinality, "input count %d outside [1, %d]", len(tx.Inputs), v.config.MaxInputs)
	}
	if len(tx.Outputs) < 1 || len(tx.Outputs) > v.config.MaxOutputs {
		return checkErrorf(CheckCardinality, "output count %d outside [1, %d]", len(tx.Outputs), v.config.MaxOutputs)
	}
	return nil
}

func (v *TxValidator) checkConservation(tx *primitives.Transaction) *CheckError {
	inTotal, err := tx.InputTotal()
	if err != nil {
		return checkErrorf(CheckConservation, "%s", err)
	}
	outTotal, err := tx.OutputTotal()
	if err != nil {
		return checkErrorf(CheckConservation, "%s", err)
	}
	if inTotal != outTotal {
		return checkErrorf(CheckConservation, "inputs total %d but outputs total %d", inTotal, outTotal)
	}
	return nil
}

func (v *TxValidator) checkShardRefs(tx *primitives.Transaction) *CheckError {
	for _, ref := range tx.ShardRefs {
		if err := v.shards.CheckReference(ref); err != nil {
			return checkErrorf(CheckShardRefs, "%s", err)
		}
	}
	return nil
}

func (v *TxValidator) checkSignatures(tx *primitives.Transaction) *CheckError {
	for i, in := range tx.Inputs {
		valid, err := v.config.Scheme.Verify(in.PublicKey[:], tx.ID[:], in.Signature[:], bls.DomainTransaction)
		if err != nil {
			return checkErrorf(CheckSignature, "input %d: %s", i, err)
		}
		if !valid {
			return checkErrorf(CheckSignature, "input %d signature does not verify", i)
		}
	}
	return nil
}

func (v *TxValidator) checkFreshness(tx *primitives.Transaction) *CheckError {
	now := uint64(v.now().UnixNano() / int64(time.Millisecond))
	drift := uint64(v.config.MaxTimestampDrift / time.Millisecond)

	var delta uint64
	if now > tx.Timestamp {
		delta = now - tx.Timestamp
	} else {
		delta = tx.Timestamp - now
	}
	if delta > drift {
		return checkErrorf(CheckFreshness, "timestamp drift %dms exceeds maximum %dms", delta, drift)
	}
	return nil
}
