package schema

import (
	"fmt"
	"strings"
	"time"
)

// BatchEntry is a single invocation entry in an instruction batch: an
// executor identifier plus an opaque task-specification string.
type BatchEntry struct {
	TaskID     string `json:"task_id"`
	ExecutorID string `json:"executor_id"`
	Spec       string `json:"spec"`
}

// InstructionBatch is the generated work order document handed to executors.
// Entries are kept in original work order submission order, independent of
// production completion order. Foreman treats the rendered document purely
// as output and never parses its own generated content.
type InstructionBatch struct {
	RunID       string       `json:"run_id"`
	EntryCount  int          `json:"entry_count"`
	FailedCount int          `json:"failed_count"`
	GeneratedAt time.Time    `json:"generated_at"`
	Entries     []BatchEntry `json:"entries"`
}

// Render produces the textual batch document: a header with run id, counts
// and generation timestamp, followed by the ordered invocation entries.
func (b *InstructionBatch) Render() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# instruction batch %s\n", b.RunID)
	fmt.Fprintf(&sb, "# entries: %d, failed: %d\n", b.EntryCount, b.FailedCount)
	fmt.Fprintf(&sb, "# generated: %s\n\n", b.GeneratedAt.UTC().Format(time.RFC3339))
	for i, e := range b.Entries {
		fmt.Fprintf(&sb, "## [%d] executor=%s task=%s\n%s\n\n", i+1, e.ExecutorID, e.TaskID, e.Spec)
	}
	return sb.String()
}
