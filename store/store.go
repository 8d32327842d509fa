package store

import (
	"errors"

	"github.com/phoreproject/sentinel/primitives"
)

// ErrNotFound is returned when a shard or metadata record does not exist.
var ErrNotFound = errors.New("shard not found in store")

// ShardStore is content-addressed storage of shard payloads plus their
// metadata sidecars. A put replaces payload and hash atomically; there is
// never a state where one is updated without the other.
type ShardStore interface {
	// PutShard writes the shard payload and its metadata sidecar in one
	// atomic operation. The metadata expected hash must match the shard
	// hash.
	PutShard(shard *primitives.Shard, meta *primitives.ShardMetadataRecord) error

	// GetShard reads a shard payload. Returns ErrNotFound if absent.
	GetShard(id primitives.ShardID) (*primitives.Shard, error)

	// GetMetadata reads the metadata sidecar. Returns ErrNotFound if absent.
	GetMetadata(id primitives.ShardID) (*primitives.ShardMetadataRecord, error)

	// SetMetadata replaces the metadata sidecar for an existing shard.
	SetMetadata(meta *primitives.ShardMetadataRecord) error

	// HasShard checks whether a shard payload exists.
	HasShard(id primitives.ShardID) (bool, error)

	// DeleteShard removes the payload and sidecar.
	DeleteShard(id primitives.ShardID) error

	// ListShardIDs returns the IDs of every stored shard.
	ListShardIDs() ([]primitives.ShardID, error)

	Close() error
}

// checkPut validates the payload/sidecar pairing before any write.
func checkPut(shard *primitives.Shard, meta *primitives.ShardMetadataRecord) error {
	if shard.ID != meta.ShardID {
		return errors.New("metadata shard ID does not match shard")
	}
	if !shard.Hash.IsEqual(&meta.ExpectedHash) {
		return errors.New("metadata expected hash does not match shard hash")
	}
	if err := meta.Validate(); err != nil {
		return err
	}
	return nil
}
