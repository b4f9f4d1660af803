package validation

import (
	"fmt"

	"github.com/rendis/foreman/pkg/schema"
)

// MergeGate folds a quality-gate result into a validation report. A failed
// gate fails the report: each violation becomes a structured failure record
// carrying the gate's suggested fixes, so the decision engine can build
// gate-specific remediation text from them. Scoring internals stay opaque;
// only pass/fail and the reported violations are consumed.
func MergeGate(report *schema.ValidationResult, gate *schema.QualityGateResult) *schema.ValidationResult {
	if report == nil {
		report = &schema.ValidationResult{Success: true}
	}
	if gate == nil || gate.Passed() {
		return report
	}

	report.Success = false
	if len(gate.Violations) == 0 {
		report.Failures = append(report.Failures, schema.FailureRecord{
			Type:    "quality_gate",
			Message: fmt.Sprintf("gate %s failed with score %.2f", gate.Gate, gate.Score),
			Details: gateDetails(gate, nil),
		})
		return report
	}

	for i := range gate.Violations {
		v := &gate.Violations[i]
		report.Failures = append(report.Failures, schema.FailureRecord{
			Type:    "quality_gate",
			Message: fmt.Sprintf("gate %s violated rule %s: %s", gate.Gate, v.Rule, v.Message),
			Details: gateDetails(gate, v),
		})
	}
	return report
}

func gateDetails(gate *schema.QualityGateResult, v *schema.GateViolation) map[string]any {
	details := map[string]any{
		"gate":  gate.Gate,
		"score": gate.Score,
	}
	if len(gate.SuggestedFixes) > 0 {
		details["suggested_fixes"] = gate.SuggestedFixes
	}
	if v != nil && v.Severity != "" {
		details["severity"] = v.Severity
	}
	return details
}
