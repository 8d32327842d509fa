package bls

import "github.com/pkg/errors"

// Scheme abstracts the signature algorithm used for transaction, block, and
// quorum signatures so deployments can swap the concrete primitive without
// touching the validators.
type Scheme interface {
	// Name identifies the algorithm (used for config matching and logging).
	Name() string

	// Verify checks sig over msg for the given serialized public key and
	// signing domain. Malformed keys or signatures are an error; a
	// well-formed signature that doesn't match reports (false, nil).
	Verify(pub []byte, msg []byte, sig []byte, domain uint64) (bool, error)
}

// BLSScheme is the default Scheme, backed by the phoreproject BLS pairing
// library.
type BLSScheme struct{}

// Name implements Scheme.
func (BLSScheme) Name() string { return "bls" }

// Verify implements Scheme.
func (BLSScheme) Verify(pub []byte, msg []byte, sig []byte, domain uint64) (bool, error) {
	p, err := DeserializePublicKey(pub)
	if err != nil {
		return false, errors.Wrap(err, "malformed public key")
	}
	s, err := DeserializeSignature(sig)
	if err != nil {
		return false, errors.Wrap(err, "malformed signature")
	}
	return VerifySig(p, msg, s, domain)
}

// SignatureToFixed converts a serialized signature to its fixed-size form.
func SignatureToFixed(b []byte) ([SignatureSize]byte, error) {
	var out [SignatureSize]byte
	if len(b) != SignatureSize {
		return out, errors.Errorf("expected signature to be length %d, got %d", SignatureSize, len(b))
	}
	copy(out[:], b)
	return out, nil
}

// PublicKeyToFixed converts a serialized public key to its fixed-size form.
func PublicKeyToFixed(b []byte) ([PublicKeySize]byte, error) {
	var out [PublicKeySize]byte
	if len(b) != PublicKeySize {
		return out, errors.Errorf("expected public key to be length %d, got %d", PublicKeySize, len(b))
	}
	copy(out[:], b)
	return out, nil
}
