package primitives

import (
	"github.com/pkg/errors"
	"github.com/prysmaticlabs/go-ssz"

	"github.com/phoreproject/sentinel/bls"
	"github.com/phoreproject/sentinel/chainhash"
)

// TransactionInput spends an amount from a source reference and carries the
// owner's signature over the transaction ID.
type TransactionInput struct {
	SourceRef [32]byte
	Amount    uint64
	Signature [bls.SignatureSize]byte
	PublicKey [bls.PublicKeySize]byte
}

// Copy returns a copy of the input.
func (ti *TransactionInput) Copy() TransactionInput {
	return *ti
}

// TransactionOutput credits an amount to a destination reference.
type TransactionOutput struct {
	DestinationRef [32]byte
	Amount         uint64
}

// Copy returns a copy of the output.
func (to *TransactionOutput) Copy() TransactionOutput {
	return *to
}

// Transaction is an atomic transfer record. The ID is the hash of the
// canonical form (the transaction minus the ID and input signatures), so any
// field tampering is detectable independently of signature checks.
type Transaction struct {
	ID        chainhash.Hash
	Inputs    []TransactionInput
	Outputs   []TransactionOutput
	Timestamp uint64
	ShardRefs []ShardReference
}

// Copy returns a deep copy of the transaction.
func (t *Transaction) Copy() Transaction {
	newTx := *t

	newTx.Inputs = make([]TransactionInput, len(t.Inputs))
	for i := range t.Inputs {
		newTx.Inputs[i] = t.Inputs[i].Copy()
	}

	newTx.Outputs = make([]TransactionOutput, len(t.Outputs))
	for i := range t.Outputs {
		newTx.Outputs[i] = t.Outputs[i].Copy()
	}

	newTx.ShardRefs = make([]ShardReference, len(t.ShardRefs))
	copy(newTx.ShardRefs, t.ShardRefs)

	return newTx
}

// CanonicalHash computes the hash of the transaction's canonical form: the
// transaction with the ID and every input signature zeroed.
func (t *Transaction) CanonicalHash() (chainhash.Hash, error) {
	canonical := t.Copy()
	canonical.ID = chainhash.Hash{}
	for i := range canonical.Inputs {
		canonical.Inputs[i].Signature = [bls.SignatureSize]byte{}
	}

	root, err := ssz.HashTreeRoot(canonical)
	if err != nil {
		return chainhash.Hash{}, err
	}
	return chainhash.Hash(root), nil
}

// InputTotal sums the input amounts, failing on overflow.
func (t *Transaction) InputTotal() (uint64, error) {
	var total uint64
	for _, in := range t.Inputs {
		next := total + in.Amount
		if next < total {
			return 0, errors.New("input amounts overflow")
		}
		total = next
	}
	return total, nil
}

// OutputTotal sums the output amounts, failing on overflow.
func (t *Transaction) OutputTotal() (uint64, error) {
	var total uint64
	for _, out := range t.Outputs {
		next := total + out.Amount
		if next < total {
			return 0, errors.New("output amounts overflow")
		}
		total = next
	}
	return total, nil
}
