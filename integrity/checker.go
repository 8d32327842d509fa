package integrity

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/phoreproject/sentinel/audit"
	"github.com/phoreproject/sentinel/chainhash"
	"github.com/phoreproject/sentinel/primitives"
	"github.com/phoreproject/sentinel/store"
	"github.com/phoreproject/sentinel/utils"
)

// Verdict is the per-shard outcome of an integrity check.
type Verdict int

const (
	// Valid means the payload digest matches the sidecar and the structure
	// policy passes.
	Valid Verdict = iota

	// Tampered means the payload digest or structure does not match. This
	// is a security-relevant event and is never retried.
	Tampered

	// Missing means the payload or sidecar could not be read.
	Missing
)

func (v Verdict) String() string {
	switch v {
	case Valid:
		return "valid"
	case Tampered:
		return "tampered"
	case Missing:
		return "missing"
	default:
		return fmt.Sprintf("unknown(%d)", int(v))
	}
}

// ReportEntry is one shard's verdict within a sweep report.
type ReportEntry struct {
	ShardID string `json:"shard_id"`
	Verdict string `json:"verdict"`
	Reason  string `json:"reason,omitempty"`
}

// Report is the result of a full integrity sweep. Entries are sorted by
// shard ID so the same storage state always produces the same report.
type Report struct {
	GeneratedAt uint64        `json:"generated_at"`
	Entries     []ReportEntry `json:"entries"`
}

// Verdicts returns the report as a shard ID (hex) to verdict map.
func (r *Report) Verdicts() map[string]string {
	out := make(map[string]string, len(r.Entries))
	for _, e := range r.Entries {
		out[e.ShardID] = e.Verdict
	}
	return out
}

// Checker recomputes shard digests and validates structure policy against
// stored sidecars. It never mutates shard data; its only side effect is the
// report artifact written by CheckAll.
type Checker struct {
	store     store.ShardStore
	sink      audit.Sink
	reportDir string
	log       *logrus.Entry
}

// NewChecker creates an integrity checker over a shard store. reportDir may
// be empty, in which case CheckAll skips writing the report artifact.
func NewChecker(s store.ShardStore, sink audit.Sink, reportDir string) *Checker {
	return &Checker{
		store:     s,
		sink:      sink,
		reportDir: reportDir,
		log:       logrus.WithField("module", "integrity"),
	}
}

// CheckShard checks a single shard and reports the verdict with a reason for
// anything other than Valid.
func (c *Checker) CheckShard(id primitives.ShardID) (Verdict, string) {
	shard, err := c.store.GetShard(id)
	if err != nil {
		return Missing, fmt.Sprintf("could not read shard: %s", err)
	}

	meta, err := c.store.GetMetadata(id)
	if err != nil {
		return Missing, fmt.Sprintf("could not read shard metadata: %s", err)
	}

	recomputed := chainhash.HashH(shard.Payload)
	if !recomputed.IsEqual(&meta.ExpectedHash) {
		c.sink.Record(audit.EventIntegrityTamper, map[string]interface{}{
			"shard":    id.String(),
			"expected": meta.ExpectedHash.String(),
			"actual":   recomputed.String(),
		})
		return Tampered, "payload digest does not match expected hash"
	}

	if err := meta.Descriptor.CheckPayload(shard.Payload); err != nil {
		c.sink.Record(audit.EventIntegrityTamper, map[string]interface{}{
			"shard":  id.String(),
			"reason": err.Error(),
		})
		return Tampered, fmt.Sprintf("structure check failed: %s", err)
	}

	return Valid, ""
}

// CheckAll sweeps every known shard. It never short-circuits on a failing
// shard; a read failure downgrades that shard to Missing. Only an
// inaccessible storage root is fatal. Running it twice over unchanged
// storage yields identical verdicts.
func (c *Checker) CheckAll() (*Report, error) {
	ids, err := c.store.ListShardIDs()
	if err != nil {
		return nil, errors.Wrap(err, "storage root inaccessible")
	}

	sort.Slice(ids, func(i, j int) bool {
		return ids[i].String() < ids[j].String()
	})

	report := &Report{
		GeneratedAt: utils.GetCurrentMilliseconds(),
		Entries:     make([]ReportEntry, 0, len(ids)),
	}

	for _, id := range ids {
		verdict, reason := c.CheckShard(id)
		if verdict != Valid {
			c.log.WithFields(logrus.Fields{
				"shard":   id.String(),
				"verdict": verdict.String(),
				"reason":  reason,
			}).Warn("shard failed integrity check")
		}
		report.Entries = append(report.Entries, ReportEntry{
			ShardID: id.String(),
			Verdict: verdict.String(),
			Reason:  reason,
		})
	}

	if c.reportDir != "" {
		if err := c.writeReport(report); err != nil {
			return nil, err
		}
	}

	return report, nil
}

func (c *Checker) writeReport(report *Report) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return errors.Wrap(err, "could not encode integrity report")
	}

	path := filepath.Join(c.reportDir, fmt.Sprintf("integrity-%d.json", report.GeneratedAt))
	if err := ioutil.WriteFile(path, data, 0644); err != nil {
		return errors.Wrap(err, "could not write integrity report")
	}

	c.log.WithField("path", path).Info("wrote integrity report")
	return nil
}

// CheckReference validates a shard reference from a transaction or block:
// the shard must exist, pass its integrity check, and currently hold the
// referenced hash.
func (c *Checker) CheckReference(ref primitives.ShardReference) error {
	verdict, reason := c.CheckShard(ref.ShardID)
	if verdict != Valid {
		return errors.Errorf("shard %s is %s: %s", ref.ShardID, verdict, reason)
	}

	meta, err := c.store.GetMetadata(ref.ShardID)
	if err != nil {
		return errors.Wrapf(err, "could not read metadata for shard %s", ref.ShardID)
	}
	if !meta.ExpectedHash.IsEqual(&ref.ExpectedHash) {
		return errors.Errorf("shard %s hash does not match reference (expected: %s, got: %s)",
			ref.ShardID, ref.ExpectedHash, meta.ExpectedHash)
	}
	return nil
}
