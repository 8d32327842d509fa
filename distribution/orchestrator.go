package distribution

import (
	"bytes"
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/phoreproject/sentinel/audit"
	"github.com/phoreproject/sentinel/integrity"
	"github.com/phoreproject/sentinel/primitives"
	"github.com/phoreproject/sentinel/store"
)

// ErrInvalidBatch is returned when any shard in a batch fails validation.
// Nothing is transferred in that case.
var ErrInvalidBatch = errors.New("batch contains an invalid shard")

// ErrAuditFailed is returned when a post-replication audit finds a shard
// that no longer verifies.
var ErrAuditFailed = errors.New("post-replication audit failed")

// Transport moves one shard to one node. The p2p implementation sends a
// shard sync message; tests use an in-process fake.
type Transport interface {
	SendShard(ctx context.Context, target []byte, shard *primitives.Shard, meta *primitives.ShardMetadataRecord) error
}

// ReplicationPolicy maps shard kinds to the node set that must hold a copy.
type ReplicationPolicy struct {
	// KindTargets lists required target nodes per descriptor kind.
	KindTargets map[uint64][][]byte
}

// TargetsFor merges the policy targets for the shard's kind with the
// targets already recorded in its metadata. The owner node is never a
// target and duplicates are dropped.
func (p *ReplicationPolicy) TargetsFor(meta *primitives.ShardMetadataRecord) [][]byte {
	var merged [][]byte

	add := func(target []byte) {
		if len(target) == 0 || bytes.Equal(target, meta.OwnerNode) {
			return
		}
		for _, existing := range merged {
			if bytes.Equal(existing, target) {
				return
			}
		}
		merged = append(merged, target)
	}

	for _, target := range meta.ReplicationTargets {
		add(target)
	}
	if p != nil {
		for _, target := range p.KindTargets[meta.Descriptor.Kind] {
			add(target)
		}
	}
	return merged
}

// ReplicationOutcome is the result of replicating one shard to one node.
type ReplicationOutcome struct {
	ShardID  primitives.ShardID
	Target   []byte
	Attempts int
	Err      error
}

// DistributionResult aggregates the per-target outcomes of a batch.
type DistributionResult struct {
	Outcomes []ReplicationOutcome
}

// Succeeded reports whether every required target received every shard.
func (r *DistributionResult) Succeeded() bool {
	for _, outcome := range r.Outcomes {
		if outcome.Err != nil {
			return false
		}
	}
	return true
}

// Orchestrator validates shard batches and pushes them to their required
// replica nodes.
type Orchestrator struct {
	store     store.ShardStore
	checker   *integrity.Checker
	transport Transport
	policy    *ReplicationPolicy
	sink      audit.Sink
	log       *logrus.Entry

	// attempts bounds retries for one shard/target pair
	attempts int
}

// NewOrchestrator creates a distribution orchestrator. attempts must be at
// least 1.
func NewOrchestrator(s store.ShardStore, checker *integrity.Checker, transport Transport, policy *ReplicationPolicy, attempts int, sink audit.Sink) *Orchestrator {
	if attempts < 1 {
		attempts = 1
	}
	return &Orchestrator{
		store:     s,
		checker:   checker,
		transport: transport,
		policy:    policy,
		sink:      sink,
		log:       logrus.WithField("module", "distribution"),
		attempts:  attempts,
	}
}

// Distribute validates every shard in the batch and then replicates each to
// its required targets. Validation is all-or-nothing: a single invalid
// shard aborts the batch before any transfer happens.
func (o *Orchestrator) Distribute(ctx context.Context, ids []primitives.ShardID) (*DistributionResult, error) {
	for _, id := range ids {
		verdict, reason := o.checker.CheckShard(id)
		if verdict != integrity.Valid {
			o.log.WithFields(logrus.Fields{
				"shard":  id.String(),
				"reason": reason,
			}).Warn("aborting distribution batch")
			return nil, errors.Wrapf(ErrInvalidBatch, "shard %s: %s", id, reason)
		}
	}

	result := &DistributionResult{}
	for _, id := range ids {
		shard, err := o.store.GetShard(id)
		if err == nil {
			var meta *primitives.ShardMetadataRecord
			meta, err = o.store.GetMetadata(id)
			if err == nil {
				for _, target := range o.policy.TargetsFor(meta) {
					outcome := o.ReplicateToNode(ctx, shard, meta, target)
					result.Outcomes = append(result.Outcomes, outcome)

					o.sink.Record(audit.EventReplication, map[string]interface{}{
						"shard":    id.String(),
						"attempts": outcome.Attempts,
						"ok":       outcome.Err == nil,
					})
				}
				continue
			}
		}

		// a shard that became unreadable after validation fails its own
		// outcome; the rest of the batch still transfers
		o.log.WithField("shard", id.String()).Warnf("shard unreadable during transfer: %s", err)
		outcome := ReplicationOutcome{
			ShardID: id,
			Err:     errors.Wrapf(err, "reading shard %s", id),
		}
		result.Outcomes = append(result.Outcomes, outcome)
		o.sink.Record(audit.EventReplication, map[string]interface{}{
			"shard":    id.String(),
			"attempts": outcome.Attempts,
			"ok":       false,
		})
	}
	return result, nil
}

// ReplicateToNode transfers one shard to one node, retrying transient
// transport failures up to the configured attempt bound.
func (o *Orchestrator) ReplicateToNode(ctx context.Context, shard *primitives.Shard, meta *primitives.ShardMetadataRecord, target []byte) ReplicationOutcome {
	outcome := ReplicationOutcome{
		ShardID: shard.ID,
		Target:  target,
	}

	for outcome.Attempts < o.attempts {
		outcome.Attempts++

		if err := ctx.Err(); err != nil {
			outcome.Err = err
			return outcome
		}

		err := o.transport.SendShard(ctx, target, shard, meta)
		if err == nil {
			outcome.Err = nil
			return outcome
		}
		outcome.Err = err

		o.log.WithFields(logrus.Fields{
			"shard":   shard.ID.String(),
			"attempt": outcome.Attempts,
		}).Debugf("replication attempt failed: %s", err)
	}
	return outcome
}

// AuditShards re-verifies shards after replication. A failure here means
// local data changed underneath us, which is reported distinctly from
// transfer errors.
func (o *Orchestrator) AuditShards(ids []primitives.ShardID) error {
	for _, id := range ids {
		verdict, reason := o.checker.CheckShard(id)
		if verdict == integrity.Valid {
			continue
		}

		o.sink.Record(audit.EventAuditFailure, map[string]interface{}{
			"shard":   id.String(),
			"verdict": verdict.String(),
			"reason":  reason,
		})
		o.log.WithFields(logrus.Fields{
			"shard":   id.String(),
			"verdict": verdict.String(),
		}).Error("shard failed post-replication audit")
		return errors.Wrapf(ErrAuditFailed, "shard %s: %s", id, reason)
	}
	return nil
}
