package feedback

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifySeverity(t *testing.T) {
	tests := []struct {
		name    string
		reason  string
		payload string
		want    Severity
	}{
		{"security keyword", "SQL injection in login handler", "", SeverityCritical},
		{"data loss", "possible data loss on shutdown", "", SeverityCritical},
		{"crash", "process crash during request", "", SeverityHigh},
		{"timeout", "request timeout after 30s", "", SeverityHigh},
		{"panic in payload", "test failed", `{"stack":"panic: nil deref"}`, SeverityHigh},
		{"deprecation warning", "deprecated API usage", "", SeverityMedium},
		{"performance", "performance regression in hot path", "", SeverityMedium},
		{"plain assertion", "assertion failed: got 3 want 4", "", SeverityLow},
		{"empty", "", "", SeverityLow},
		{"case insensitive", "CORRUPTION detected in index", "", SeverityCritical},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifySeverity(tt.reason, tt.payload))
		})
	}
}

func TestClassifySeverity_MostSevereFamilyWins(t *testing.T) {
	// Both critical and high keywords present; the critical family is
	// checked first.
	got := ClassifySeverity("security vulnerability caused a crash", "")
	assert.Equal(t, SeverityCritical, got)
}

func TestSeverityGuidance_DistinctPerGrade(t *testing.T) {
	grades := []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow}
	seen := make(map[string]bool)
	for _, g := range grades {
		text := severityGuidance(g)
		assert.NotEmpty(t, text)
		assert.False(t, seen[text], "guidance for %s duplicates another grade", g)
		seen[text] = true
	}
}
