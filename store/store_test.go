package store_test

import (
	"io/ioutil"
	"os"
	"sync"
	"testing"

	"github.com/go-test/deep"

	"github.com/phoreproject/sentinel/primitives"
	"github.com/phoreproject/sentinel/store"
)

func makeShard(id byte, payload string) (*primitives.Shard, *primitives.ShardMetadataRecord) {
	shard := primitives.NewShard(primitives.ShardID{id}, []byte(payload), primitives.StructureDescriptor{
		Kind:           1,
		MinSize:        1,
		MaxSize:        1024,
		RequiredFields: [][]byte{[]byte("o")},
	}, 1000)

	meta := &primitives.ShardMetadataRecord{
		ShardID:            shard.ID,
		ExpectedHash:       shard.Hash,
		Descriptor:         shard.Descriptor,
		OwnerNode:          []byte("node-a"),
		ReplicationTargets: [][]byte{[]byte("node-b")},
	}

	return shard, meta
}

func testStoreRoundTrip(t *testing.T, s store.ShardStore) {
	shard, meta := makeShard(1, "hello shard")

	if err := s.PutShard(shard, meta); err != nil {
		t.Fatal(err)
	}

	gotShard, err := s.GetShard(shard.ID)
	if err != nil {
		t.Fatal(err)
	}
	if diff := deep.Equal(gotShard, shard); diff != nil {
		t.Fatal(diff)
	}

	gotMeta, err := s.GetMetadata(shard.ID)
	if err != nil {
		t.Fatal(err)
	}
	if diff := deep.Equal(gotMeta, meta); diff != nil {
		t.Fatal(diff)
	}

	has, err := s.HasShard(shard.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !has {
		t.Fatal("expected shard to exist")
	}

	ids, err := s.ListShardIDs()
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != shard.ID {
		t.Fatalf("expected shard list [%s], got %v", shard.ID, ids)
	}

	if err := s.DeleteShard(shard.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetShard(shard.ID); err != store.ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if _, err := s.GetMetadata(shard.ID); err != store.ErrNotFound {
		t.Fatalf("expected sidecar gone after delete, got %v", err)
	}
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	testStoreRoundTrip(t, store.NewMemoryStore())
}

func TestBadgerStoreRoundTrip(t *testing.T) {
	dir, err := ioutil.TempDir(os.TempDir(), "shardstore")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	s, err := store.NewBadgerStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	testStoreRoundTrip(t, s)
}

func TestPutShardRejectsMismatchedSidecar(t *testing.T) {
	s := store.NewMemoryStore()

	shard, meta := makeShard(2, "payload")
	meta.ExpectedHash[0] ^= 0x01

	if err := s.PutShard(shard, meta); err == nil {
		t.Fatal("put with sidecar hash mismatch should fail")
	}
}

func TestAtomicReplace(t *testing.T) {
	s := store.NewMemoryStore()

	shard, meta := makeShard(3, "version one")
	if err := s.PutShard(shard, meta); err != nil {
		t.Fatal(err)
	}

	// replacing the payload replaces payload and hash together
	replacement := primitives.NewShard(shard.ID, []byte("version two"), shard.Descriptor, 2000)
	newMeta := meta.Copy()
	newMeta.ExpectedHash = replacement.Hash
	if err := s.PutShard(replacement, &newMeta); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetShard(shard.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.VerifyHash() {
		t.Fatal("replaced shard should still verify")
	}
	if string(got.Payload) != "version two" {
		t.Fatalf("expected replaced payload, got %q", got.Payload)
	}

	gotMeta, err := s.GetMetadata(shard.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !gotMeta.ExpectedHash.IsEqual(&got.Hash) {
		t.Fatal("sidecar hash should track the replaced payload")
	}
}

func TestConcurrentWritesLeaveStoreConsistent(t *testing.T) {
	s := store.NewMemoryStore()

	var wg sync.WaitGroup
	for worker := 0; worker < 8; worker++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				// all workers hammer the same two ids
				shard, meta := makeShard(byte(i%2), "contended payload")
				if err := s.PutShard(shard, meta); err != nil {
					t.Error(err)
					return
				}
			}
		}(worker)
	}
	wg.Wait()

	ids, err := s.ListShardIDs()
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 shards, got %d", len(ids))
	}
	for _, id := range ids {
		got, err := s.GetShard(id)
		if err != nil {
			t.Fatal(err)
		}
		if !got.VerifyHash() {
			t.Fatalf("shard %s does not verify after concurrent writes", id)
		}
	}
}

func TestSetMetadataRequiresShard(t *testing.T) {
	s := store.NewMemoryStore()

	_, meta := makeShard(4, "payload")
	if err := s.SetMetadata(meta); err != store.ErrNotFound {
		t.Fatalf("expected ErrNotFound for sidecar without shard, got %v", err)
	}
}
