package store

import (
	"sync"

	"github.com/dgraph-io/badger"
	"github.com/pkg/errors"
	"github.com/prysmaticlabs/go-ssz"

	"github.com/phoreproject/sentinel/primitives"
)

var shardPrefix = []byte("shard")
var metaPrefix = []byte("meta")

// numWriteStripes is the number of per-ID write lock stripes.
const numWriteStripes = 64

// BadgerStore is a shard store backed by a badger database. Writes for a
// given shard ID are serialized through a lock stripe; reads go straight to
// badger and may run concurrently with unrelated writes.
type BadgerStore struct {
	db      *badger.DB
	stripes [numWriteStripes]sync.Mutex
}

// NewBadgerStore opens or creates a badger-backed shard store at the given
// directory.
func NewBadgerStore(dir string) (*BadgerStore, error) {
	db, err := badger.Open(badger.DefaultOptions(dir))
	if err != nil {
		return nil, errors.Wrap(err, "could not open shard store")
	}

	return &BadgerStore{db: db}, nil
}

func shardKey(id primitives.ShardID) []byte {
	return append(shardPrefix, id[:]...)
}

func metaKey(id primitives.ShardID) []byte {
	return append(metaPrefix, id[:]...)
}

func (b *BadgerStore) writeLock(id primitives.ShardID) *sync.Mutex {
	return &b.stripes[int(id[0])%numWriteStripes]
}

// PutShard writes the payload and sidecar in a single badger transaction so
// the replacement is atomic.
func (b *BadgerStore) PutShard(shard *primitives.Shard, meta *primitives.ShardMetadataRecord) error {
	if err := checkPut(shard, meta); err != nil {
		return err
	}

	shardSer, err := ssz.Marshal(shard)
	if err != nil {
		return errors.Wrap(err, "could not serialize shard")
	}
	metaSer, err := ssz.Marshal(meta)
	if err != nil {
		return errors.Wrap(err, "could not serialize shard metadata")
	}

	lock := b.writeLock(shard.ID)
	lock.Lock()
	defer lock.Unlock()

	return b.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(shardKey(shard.ID), shardSer); err != nil {
			return err
		}
		return txn.Set(metaKey(meta.ShardID), metaSer)
	})
}

// GetShard reads a shard payload.
func (b *BadgerStore) GetShard(id primitives.ShardID) (*primitives.Shard, error) {
	var shardSer []byte
	err := b.db.View(func(txn *badger.Txn) error {
		i, err := txn.Get(shardKey(id))
		if err != nil {
			return err
		}
		shardSer, err = i.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "could not read shard")
	}

	shard := new(primitives.Shard)
	if err := ssz.Unmarshal(shardSer, shard); err != nil {
		return nil, errors.Wrap(err, "could not deserialize shard")
	}
	return shard, nil
}

// GetMetadata reads a metadata sidecar.
func (b *BadgerStore) GetMetadata(id primitives.ShardID) (*primitives.ShardMetadataRecord, error) {
	var metaSer []byte
	err := b.db.View(func(txn *badger.Txn) error {
		i, err := txn.Get(metaKey(id))
		if err != nil {
			return err
		}
		metaSer, err = i.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "could not read shard metadata")
	}

	meta := new(primitives.ShardMetadataRecord)
	if err := ssz.Unmarshal(metaSer, meta); err != nil {
		return nil, errors.Wrap(err, "could not deserialize shard metadata")
	}
	return meta, nil
}

// SetMetadata replaces the sidecar for an existing shard.
func (b *BadgerStore) SetMetadata(meta *primitives.ShardMetadataRecord) error {
	if err := meta.Validate(); err != nil {
		return err
	}

	metaSer, err := ssz.Marshal(meta)
	if err != nil {
		return errors.Wrap(err, "could not serialize shard metadata")
	}

	lock := b.writeLock(meta.ShardID)
	lock.Lock()
	defer lock.Unlock()

	return b.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(shardKey(meta.ShardID)); err == badger.ErrKeyNotFound {
			return ErrNotFound
		} else if err != nil {
			return err
		}
		return txn.Set(metaKey(meta.ShardID), metaSer)
	})
}

// HasShard checks whether a shard payload exists.
func (b *BadgerStore) HasShard(id primitives.ShardID) (bool, error) {
	err := b.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(shardKey(id))
		return err
	})
	if err == badger.ErrKeyNotFound {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "could not check shard existence")
	}
	return true, nil
}

// DeleteShard removes the payload and sidecar together.
func (b *BadgerStore) DeleteShard(id primitives.ShardID) error {
	lock := b.writeLock(id)
	lock.Lock()
	defer lock.Unlock()

	return b.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(shardKey(id)); err != nil {
			return err
		}
		return txn.Delete(metaKey(id))
	})
}

// ListShardIDs iterates the shard keyspace.
func (b *BadgerStore) ListShardIDs() ([]primitives.ShardID, error) {
	var out []primitives.ShardID
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(shardPrefix); it.ValidForPrefix(shardPrefix); it.Next() {
			key := it.Item().Key()
			id, err := primitives.ShardIDFromBytes(key[len(shardPrefix):])
			if err != nil {
				return err
			}
			out = append(out, id)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "could not list shards")
	}
	return out, nil
}

// Close closes the underlying database.
func (b *BadgerStore) Close() error {
	return b.db.Close()
}

var _ ShardStore = &BadgerStore{}
