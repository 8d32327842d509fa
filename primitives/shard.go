package primitives

import (
	"bytes"
	"encoding/hex"

	"github.com/pkg/errors"

	"github.com/phoreproject/sentinel/chainhash"
)

// ShardID is the stable identifier of a shard. It does not change when the
// payload is replaced; the content hash does.
type ShardID [32]byte

// String returns the hex representation of the shard ID.
func (id ShardID) String() string {
	return hex.EncodeToString(id[:])
}

// ShardIDFromBytes converts a byte slice to a shard ID.
func ShardIDFromBytes(b []byte) (ShardID, error) {
	var out ShardID
	if len(b) != len(out) {
		return out, errors.Errorf("expected shard ID to be length %d, got %d", len(out), len(b))
	}
	copy(out[:], b)
	return out, nil
}

// StructureDescriptor is the structural policy for a shard payload: what kind
// of payload it is, the size bounds it must satisfy, and the field tags its
// envelope must carry.
type StructureDescriptor struct {
	Kind    uint64
	MinSize uint64
	MaxSize uint64

	// RequiredFields are byte tags that must appear in the payload
	// envelope.
	RequiredFields [][]byte
}

// Copy returns a deep copy of the descriptor.
func (d *StructureDescriptor) Copy() StructureDescriptor {
	newDesc := *d
	if d.RequiredFields != nil {
		newDesc.RequiredFields = make([][]byte, len(d.RequiredFields))
		for i := range d.RequiredFields {
			newDesc.RequiredFields[i] = make([]byte, len(d.RequiredFields[i]))
			copy(newDesc.RequiredFields[i], d.RequiredFields[i])
		}
	}
	return newDesc
}

// Validate checks the descriptor itself is well-formed.
func (d *StructureDescriptor) Validate() error {
	if d.Kind == 0 {
		return errors.New("descriptor kind must be nonzero")
	}
	if d.MaxSize != 0 && d.MinSize > d.MaxSize {
		return errors.Errorf("descriptor min size %d exceeds max size %d", d.MinSize, d.MaxSize)
	}
	return nil
}

// CheckPayload checks a payload against the descriptor policy.
func (d *StructureDescriptor) CheckPayload(payload []byte) error {
	if err := d.Validate(); err != nil {
		return err
	}
	if uint64(len(payload)) < d.MinSize {
		return errors.Errorf("payload size %d below descriptor minimum %d", len(payload), d.MinSize)
	}
	if d.MaxSize != 0 && uint64(len(payload)) > d.MaxSize {
		return errors.Errorf("payload size %d above descriptor maximum %d", len(payload), d.MaxSize)
	}
	for _, field := range d.RequiredFields {
		if !bytes.Contains(payload, field) {
			return errors.Errorf("payload is missing required field %q", field)
		}
	}
	return nil
}

// Shard is a content-addressed unit of stored data. The hash must equal the
// digest of the payload for the shard to be considered valid.
type Shard struct {
	ID         ShardID
	Payload    []byte
	Hash       chainhash.Hash
	Descriptor StructureDescriptor
	CreatedAt  uint64
}

// NewShard creates a shard with the hash computed from the payload.
func NewShard(id ShardID, payload []byte, descriptor StructureDescriptor, createdAt uint64) *Shard {
	return &Shard{
		ID:         id,
		Payload:    payload,
		Hash:       chainhash.HashH(payload),
		Descriptor: descriptor,
		CreatedAt:  createdAt,
	}
}

// VerifyHash recomputes the payload digest and compares it to the stored hash.
func (s *Shard) VerifyHash() bool {
	h := chainhash.HashH(s.Payload)
	return h.IsEqual(&s.Hash)
}

// Copy returns a deep copy of the shard.
func (s *Shard) Copy() Shard {
	newShard := *s
	newShard.Payload = make([]byte, len(s.Payload))
	copy(newShard.Payload, s.Payload)
	newShard.Descriptor = s.Descriptor.Copy()
	return newShard
}

// ShardMetadataRecord is the sidecar describing a shard without holding its
// payload.
type ShardMetadataRecord struct {
	ShardID            ShardID
	ExpectedHash       chainhash.Hash
	Descriptor         StructureDescriptor
	OwnerNode          []byte
	ReplicationTargets [][]byte
}

// Copy returns a deep copy of the metadata record.
func (m *ShardMetadataRecord) Copy() ShardMetadataRecord {
	newMeta := *m
	newMeta.Descriptor = m.Descriptor.Copy()
	newMeta.OwnerNode = make([]byte, len(m.OwnerNode))
	copy(newMeta.OwnerNode, m.OwnerNode)
	newMeta.ReplicationTargets = make([][]byte, len(m.ReplicationTargets))
	for i := range m.ReplicationTargets {
		newMeta.ReplicationTargets[i] = make([]byte, len(m.ReplicationTargets[i]))
		copy(newMeta.ReplicationTargets[i], m.ReplicationTargets[i])
	}
	return newMeta
}

// HasTarget checks whether node is a replication target.
func (m *ShardMetadataRecord) HasTarget(node []byte) bool {
	for _, t := range m.ReplicationTargets {
		if bytes.Equal(t, node) {
			return true
		}
	}
	return false
}

// AddTarget adds a replication target. The owning node can never be a target.
func (m *ShardMetadataRecord) AddTarget(node []byte) error {
	if bytes.Equal(node, m.OwnerNode) {
		return errors.New("replication targets cannot include the owning node")
	}
	if m.HasTarget(node) {
		return nil
	}
	m.ReplicationTargets = append(m.ReplicationTargets, node)
	return nil
}

// Validate checks the record invariants.
func (m *ShardMetadataRecord) Validate() error {
	if err := m.Descriptor.Validate(); err != nil {
		return err
	}
	if m.HasTarget(m.OwnerNode) {
		return errors.New("replication targets include the owning node")
	}
	return nil
}

// ShardReference points at a shard and the hash its contents are expected to
// have at validation time.
type ShardReference struct {
	ShardID      ShardID
	ExpectedHash chainhash.Hash
}
