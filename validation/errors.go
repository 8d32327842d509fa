package validation

import "fmt"

// Check names used in rejection reasons and audit events, so operators can
// tell tampered data apart from ordinary validation failures.
const (
	CheckShape        = "shape"
	CheckIdentity     = "identity"
	CheckCardinality  = "cardinality"
	CheckConservation = "conservation"
	CheckShardRefs    = "shard_refs"
	CheckSignature    = "signature"
	CheckFreshness    = "freshness"
)

// CheckError reports which validation check failed and why. It is an
// expected negative outcome, not a programmer error.
type CheckError struct {
	Check  string
	Reason string
}

func (e *CheckError) Error() string {
	return fmt.Sprintf("%s check failed: %s", e.Check, e.Reason)
}

func checkErrorf(check string, format string, args ...interface{}) *CheckError {
	return &CheckError{Check: check, Reason: fmt.Sprintf(format, args...)}
}
