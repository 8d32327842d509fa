package bls

import (
	"io"

	"github.com/phoreproject/bls"
)

const (
	// DomainTransaction is a signature over a transaction ID by an input owner.
	DomainTransaction = iota

	// DomainBlock is a signature over a block hash by the proposer.
	DomainBlock

	// DomainQuorum is a signature over a block hash by a quorum validator.
	DomainQuorum
)

// SignatureSize is the size of a serialized signature.
const SignatureSize = 48

// PublicKeySize is the size of a serialized public key.
const PublicKeySize = 96

// Signature used in the BLS signature scheme.
type Signature struct {
	s bls.Signature
}

// Serialize gets the binary representation of the signature.
func (s Signature) Serialize() []byte {
	ser := s.s.Serialize()
	return ser[:]
}

// Copy returns a copy of the signature.
func (s Signature) Copy() *Signature {
	c := s.s.Copy()
	return &Signature{*c}
}

// DeserializeSignature deserializes a binary signature
// into the actual signature.
func DeserializeSignature(b []byte) (*Signature, error) {
	var ser [SignatureSize]byte
	copy(ser[:], b)
	s, err := bls.DeserializeSignature(ser)
	if err != nil {
		return nil, err
	}

	return &Signature{s: *s}, nil
}

// SecretKey used in the BLS scheme.
type SecretKey struct {
	s bls.SecretKey
}

// RandSecretKey generates a random key given a byte reader.
func RandSecretKey(r io.Reader) (*SecretKey, error) {
	key, err := bls.RandKey(r)
	if err != nil {
		return nil, err
	}

	return &SecretKey{s: *key}, nil
}

// DerivePublicKey derives a public key from a secret key.
func (s SecretKey) DerivePublicKey() *PublicKey {
	pub := bls.PrivToPub(&s.s)
	return &PublicKey{p: *pub}
}

// PublicKey corresponding to secret key used in the BLS scheme.
type PublicKey struct {
	p bls.PublicKey
}

func (p PublicKey) String() string {
	return p.p.String()
}

// Serialize serializes a public key to bytes.
func (p PublicKey) Serialize() []byte {
	ser := p.p.Serialize()
	return ser[:]
}

// Equals checks if two public keys are equal.
func (p PublicKey) Equals(other PublicKey) bool {
	return p.p.Equals(other.p)
}

// DeserializePublicKey deserializes a public key from the provided bytes.
func DeserializePublicKey(b []byte) (*PublicKey, error) {
	var ser [PublicKeySize]byte
	copy(ser[:], b)
	p, err := bls.DeserializePublicKey(ser)
	if err != nil {
		return nil, err
	}
	return &PublicKey{*p}, nil
}

// Copy returns a copy of the public key
func (p PublicKey) Copy() PublicKey {
	return p
}

// Sign a message using a secret key. The domain separates signatures over
// transactions, blocks, and quorum votes so one can never be replayed as
// another.
func Sign(sec *SecretKey, msg []byte, domain uint64) (*Signature, error) {
	s := bls.Sign(msg, &sec.s, domain)
	return &Signature{s: *s}, nil
}

// VerifySig against a public key.
func VerifySig(pub *PublicKey, msg []byte, sig *Signature, domain uint64) (bool, error) {
	return bls.Verify(msg, &pub.p, &sig.s, domain), nil
}

// AggregateSigs puts multiple signatures into one using the underlying
// BLS sum functions.
func AggregateSigs(sigs []*Signature) (*Signature, error) {
	blsSigs := make([]*bls.Signature, len(sigs))
	for i := range sigs {
		blsSigs[i] = &sigs[i].s
	}
	aggSig := bls.AggregateSignatures(blsSigs)
	return &Signature{s: *aggSig}, nil
}

// VerifyAggregateCommon verifies a signature over a common message.
func VerifyAggregateCommon(pubkeys []*PublicKey, msg []byte, signature *Signature, domain uint64) bool {
	blsPubs := make([]*bls.PublicKey, len(pubkeys))
	for i := range pubkeys {
		blsPubs[i] = &pubkeys[i].p
	}

	return signature.s.VerifyAggregateCommon(blsPubs, msg, domain)
}
