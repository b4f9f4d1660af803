package schema

import "encoding/json"

// FailureRecord is one structured failure inside a validation result.
// Expected/Actual are optional; when both are present the failure is a
// strong signal of an artifact defect rather than a verification-tooling
// problem.
type FailureRecord struct {
	Type     string          `json:"type"`
	Message  string          `json:"message"`
	Expected json.RawMessage `json:"expected,omitempty"`
	Actual   json.RawMessage `json:"actual,omitempty"`
	Details  map[string]any  `json:"details,omitempty"`
}

// HasExpectedActual reports whether the record carries a paired
// expected/actual value.
func (f *FailureRecord) HasExpectedActual() bool {
	return len(f.Expected) > 0 && len(f.Actual) > 0
}

// ValidationResult is the structured document an executor reports back for
// a work order or stage.
type ValidationResult struct {
	Success  bool            `json:"success"`
	Failures []FailureRecord `json:"failures,omitempty"`
	Details  map[string]any  `json:"details,omitempty"`
}

// FirstFailure returns the first failure record, or nil when there is none.
func (v *ValidationResult) FirstFailure() *FailureRecord {
	if len(v.Failures) == 0 {
		return nil
	}
	return &v.Failures[0]
}

// GateViolation is one rule violation reported by a quality gate.
type GateViolation struct {
	Rule     string `json:"rule"`
	Message  string `json:"message"`
	Severity string `json:"severity,omitempty"`
}

// QualityGateResult is the structured document a quality gate reports.
// Foreman consumes it only to determine pass/fail and to build gate-specific
// remediation text; scoring internals stay outside this system.
type QualityGateResult struct {
	Gate           string          `json:"gate"`
	Status         string          `json:"status"` // passed | failed
	Score          float64         `json:"score"`
	Violations     []GateViolation `json:"violations,omitempty"`
	SuggestedFixes []string        `json:"suggested_fixes,omitempty"`
}

// Passed reports whether the gate allows the stage to proceed.
func (q *QualityGateResult) Passed() bool {
	return q.Status == "passed"
}
