package integrity_test

import (
	"io/ioutil"
	"os"
	"testing"

	"github.com/go-test/deep"

	"github.com/phoreproject/sentinel/audit"
	"github.com/phoreproject/sentinel/integrity"
	"github.com/phoreproject/sentinel/primitives"
	"github.com/phoreproject/sentinel/store"
)

func putShard(t *testing.T, s store.ShardStore, id byte, payload string) *primitives.Shard {
	t.Helper()

	shard := primitives.NewShard(primitives.ShardID{id}, []byte(payload), primitives.StructureDescriptor{
		Kind:    1,
		MinSize: 1,
		MaxSize: 1024,
	}, 1000)

	meta := &primitives.ShardMetadataRecord{
		ShardID:      shard.ID,
		ExpectedHash: shard.Hash,
		Descriptor:   shard.Descriptor,
		OwnerNode:    []byte("node-a"),
	}

	if err := s.PutShard(shard, meta); err != nil {
		t.Fatal(err)
	}
	return shard
}

func TestCheckShard_Valid(t *testing.T) {
	s := store.NewMemoryStore()
	shard := putShard(t, s, 1, "intact payload")

	checker := integrity.NewChecker(s, audit.NewMemorySink(), "")

	verdict, reason := checker.CheckShard(shard.ID)
	if verdict != integrity.Valid {
		t.Fatalf("expected Valid, got %s (%s)", verdict, reason)
	}
}

func TestCheckShard_TamperedNeverValid(t *testing.T) {
	shard := primitives.NewShard(primitives.ShardID{2}, []byte("payload to tamper"), primitives.StructureDescriptor{
		Kind:    1,
		MinSize: 1,
		MaxSize: 1024,
	}, 1000)

	sink := audit.NewMemorySink()

	// corrupt each byte of the stored payload in turn, keeping the sidecar
	// hash at the original value as on-disk corruption would
	for i := range shard.Payload {
		tampered := shard.Copy()
		tampered.Payload[i] ^= 0x01

		s := store.NewMemoryStore()
		meta := &primitives.ShardMetadataRecord{
			ShardID:      tampered.ID,
			ExpectedHash: tampered.Hash, // still the pre-tamper digest
			Descriptor:   tampered.Descriptor,
			OwnerNode:    []byte("node-a"),
		}
		if err := s.PutShard(&tampered, meta); err != nil {
			t.Fatal(err)
		}

		verdict, _ := integrity.NewChecker(s, sink, "").CheckShard(shard.ID)
		if verdict != integrity.Tampered {
			t.Fatalf("flipping byte %d should yield Tampered, got %s", i, verdict)
		}
	}

	if len(sink.Events()) == 0 {
		t.Fatal("tampering should record audit events")
	}
}

func TestCheckShard_Missing(t *testing.T) {
	s := store.NewMemoryStore()
	checker := integrity.NewChecker(s, audit.NewMemorySink(), "")

	verdict, _ := checker.CheckShard(primitives.ShardID{9})
	if verdict != integrity.Missing {
		t.Fatalf("expected Missing for absent shard, got %s", verdict)
	}
}

func TestCheckAll_Idempotent(t *testing.T) {
	s := store.NewMemoryStore()
	putShard(t, s, 1, "first")
	putShard(t, s, 2, "second")
	putShard(t, s, 3, "third")

	checker := integrity.NewChecker(s, audit.NewMemorySink(), "")

	first, err := checker.CheckAll()
	if err != nil {
		t.Fatal(err)
	}

	second, err := checker.CheckAll()
	if err != nil {
		t.Fatal(err)
	}

	if diff := deep.Equal(first.Verdicts(), second.Verdicts()); diff != nil {
		t.Fatal(diff)
	}
	if diff := deep.Equal(first.Entries, second.Entries); diff != nil {
		t.Fatal(diff)
	}
}

func TestCheckAll_NeverShortCircuits(t *testing.T) {
	s := store.NewMemoryStore()
	good := putShard(t, s, 1, "good payload")
	putShard(t, s, 2, "another good payload")

	// break shard 2's structure policy by shrinking the payload below the
	// descriptor minimum via direct replacement
	bad := primitives.NewShard(primitives.ShardID{2}, []byte("x"), primitives.StructureDescriptor{
		Kind:    1,
		MinSize: 64,
		MaxSize: 1024,
	}, 1000)
	badMeta := &primitives.ShardMetadataRecord{
		ShardID:      bad.ID,
		ExpectedHash: bad.Hash,
		Descriptor:   bad.Descriptor,
		OwnerNode:    []byte("node-a"),
	}
	if err := s.PutShard(bad, badMeta); err != nil {
		t.Fatal(err)
	}

	checker := integrity.NewChecker(s, audit.NewMemorySink(), "")

	report, err := checker.CheckAll()
	if err != nil {
		t.Fatal(err)
	}

	verdicts := report.Verdicts()
	if len(verdicts) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(verdicts))
	}
	if verdicts[good.ID.String()] != "valid" {
		t.Fatal("good shard should remain valid in a batch with failures")
	}
	if verdicts[bad.ID.String()] != "tampered" {
		t.Fatalf("structurally invalid shard should be tampered, got %s", verdicts[bad.ID.String()])
	}
}

func TestCheckAll_WritesReportArtifact(t *testing.T) {
	dir, err := ioutil.TempDir(os.TempDir(), "integrityreports")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	s := store.NewMemoryStore()
	putShard(t, s, 1, "payload")

	checker := integrity.NewChecker(s, audit.NewMemorySink(), dir)
	if _, err := checker.CheckAll(); err != nil {
		t.Fatal(err)
	}

	files, err := ioutil.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 {
		t.Fatalf("expected one report artifact, got %d", len(files))
	}
}
