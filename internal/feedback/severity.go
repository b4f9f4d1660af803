package feedback

import "strings"

// Severity grades a validation failure. It selects remediation-hint phrasing
// only; the retry/escalate/abort choice is made independently.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// severityFamilies maps each severity to its keyword family, checked from
// most to least severe.
var severityFamilies = []struct {
	severity Severity
	keywords []string
}{
	{SeverityCritical, []string{"security", "data loss", "data-loss", "corruption", "vulnerability", "injection"}},
	{SeverityHigh, []string{"crash", "exception", "panic", "timeout", "fatal", "segfault"}},
	{SeverityMedium, []string{"warning", "deprecat", "performance", "slow", "regression"}},
}

// ClassifySeverity scans the failure reason and validation payload text for
// keyword families. Unmatched failures default to low.
func ClassifySeverity(failureReason string, payload string) Severity {
	haystack := strings.ToLower(failureReason + " " + payload)
	for _, family := range severityFamilies {
		for _, kw := range family.keywords {
			if strings.Contains(haystack, kw) {
				return family.severity
			}
		}
	}
	return SeverityLow
}

// severityGuidance phrases the remediation preamble for a severity grade.
func severityGuidance(sev Severity) string {
	switch sev {
	case SeverityCritical:
		return "This failure is critical. Treat it as a potential security or data-integrity defect and fix the root cause before anything else."
	case SeverityHigh:
		return "This failure crashed or timed out. Reproduce it first, then fix the underlying fault rather than the symptom."
	case SeverityMedium:
		return "This failure is a quality concern. Address it, but do not restructure unrelated code."
	default:
		return "Review the failure below and correct the reported behavior."
	}
}
