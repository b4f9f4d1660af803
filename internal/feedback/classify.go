package feedback

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/rendis/foreman/internal/expressions"
	"github.com/rendis/foreman/pkg/schema"
)

// FailureClass distinguishes where the blame for a verification-stage
// failure belongs.
type FailureClass string

const (
	// ClassArtifactDefect means the artifact under verification is broken;
	// the feedback loop must be redirected to the stage that produced it.
	ClassArtifactDefect FailureClass = "artifact_defect"
	// ClassVerifierDefect means the verification process itself is broken
	// (setup, configuration, tooling); the verifier retries.
	ClassVerifierDefect FailureClass = "verifier_defect"
)

// Built-in keyword lists for the classification rule table. Matched against
// the failure type and message, case-insensitively.
var (
	artifactDefectKeywords = []string{
		"assertion", "mismatch", "incorrect result", "wrong output",
		"behavior", "unexpected value", "expected",
	}
	verifierDefectKeywords = []string{
		"setup", "configuration", "config", "mock", "framework",
		"fixture", "environment", "import error", "missing dependency",
	}
)

// expectedActualQuery finds paired expected/actual values anywhere in a
// structured payload, however deeply the executor nested them.
const expectedActualQuery = `[.. | objects | select(has("expected") and has("actual"))] | length > 0`

// rule is one ordered entry of the classifier: predicate -> classification.
type rule struct {
	name     string
	classify FailureClass
	match    func(ctx context.Context, c *Classifier, in classifyInput) (bool, error)
}

type classifyInput struct {
	failure    *schema.FailureRecord
	validation *schema.ValidationResult
	payload    map[string]any
	extra      []schema.ClassifierRule
}

// Classifier decides artifact-defect vs verifier-defect using an explicit,
// ordered rule table. Strategy-configured expression rules run first, then
// the built-in structural and keyword rules. The ambiguous default is the
// last rule, so the fallthrough is auditable rather than implicit.
type Classifier struct {
	registry *expressions.Registry
	logger   *slog.Logger
	rules    []rule
}

// NewClassifier creates a Classifier backed by the given expression registry.
func NewClassifier(registry *expressions.Registry, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Classifier{registry: registry, logger: logger}
	c.rules = []rule{
		{
			name: "expected_actual_pair", classify: ClassArtifactDefect,
			match: func(ctx context.Context, c *Classifier, in classifyInput) (bool, error) {
				if in.failure != nil && in.failure.HasExpectedActual() {
					return true, nil
				}
				if in.payload == nil {
					return false, nil
				}
				out, err := c.registry.Extract(ctx, expectedActualQuery, in.payload)
				if err != nil {
					return false, err
				}
				return len(out) == 1 && out[0] == true, nil
			},
		},
		{
			name: "artifact_defect_keywords", classify: ClassArtifactDefect,
			match: func(ctx context.Context, c *Classifier, in classifyInput) (bool, error) {
				return matchKeywords(in.failure, artifactDefectKeywords), nil
			},
		},
		{
			name: "verifier_defect_keywords", classify: ClassVerifierDefect,
			match: func(ctx context.Context, c *Classifier, in classifyInput) (bool, error) {
				return matchKeywords(in.failure, verifierDefectKeywords), nil
			},
		},
		{
			// Ambiguous failures blame the verifier. This default can mask
			// real artifact defects; it is kept deliberate and in one place.
			name: "ambiguous_default", classify: ClassVerifierDefect,
			match: func(ctx context.Context, c *Classifier, in classifyInput) (bool, error) {
				return true, nil
			},
		},
	}
	return c
}

// Classify runs the rule table against a failure and returns the first
// matching classification. Strategy-level expression rules take precedence
// over the built-in table.
func (c *Classifier) Classify(ctx context.Context, loop *schema.FeedbackContext, failure *schema.FailureRecord, validation *schema.ValidationResult, extra []schema.ClassifierRule) (FailureClass, string) {
	payload := toPayloadMap(loop, failure, validation)

	for _, r := range extra {
		matched, err := c.registry.EvalPredicate(ctx, r.Predicate, payload)
		if err != nil {
			c.logger.WarnContext(ctx, "classifier rule failed, skipping",
				slog.String("predicate", r.Predicate),
				slog.String("error", err.Error()))
			continue
		}
		if matched {
			return FailureClass(r.Classification), r.Predicate
		}
	}

	in := classifyInput{failure: failure, validation: validation, payload: payload}
	for _, r := range c.rules {
		matched, err := r.match(ctx, c, in)
		if err != nil {
			c.logger.WarnContext(ctx, "built-in classifier rule failed, skipping",
				slog.String("rule", r.name),
				slog.String("error", err.Error()))
			continue
		}
		if matched {
			return r.classify, r.name
		}
	}

	// Unreachable: the ambiguous default always matches.
	return ClassVerifierDefect, "ambiguous_default"
}

func matchKeywords(failure *schema.FailureRecord, keywords []string) bool {
	if failure == nil {
		return false
	}
	haystack := strings.ToLower(failure.Type + " " + failure.Message)
	for _, kw := range keywords {
		if strings.Contains(haystack, kw) {
			return true
		}
	}
	return false
}

// toPayloadMap renders the failure, validation and loop documents into the
// map shape the expression engines evaluate against. Loop metadata is exposed
// under "feedback" ("loop" is a reserved identifier in CEL).
func toPayloadMap(loop *schema.FeedbackContext, failure *schema.FailureRecord, validation *schema.ValidationResult) map[string]any {
	payload := map[string]any{}
	if failure != nil {
		payload["failure"] = toMap(failure)
	}
	if validation != nil {
		payload["validation"] = toMap(validation)
	}
	if loop != nil {
		payload["feedback"] = map[string]any{
			"retry_count": loop.RetryCount,
			"escalated":   loop.Escalated,
			"stage":       loop.Stage,
			"executor_id": loop.ExecutorID,
		}
	}
	return payload
}

func toMap(v any) map[string]any {
	b, err := json.Marshal(v)
	if err != nil {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return map[string]any{}
	}
	return out
}
