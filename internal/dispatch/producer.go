package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rendis/foreman/pkg/schema"
)

// Producer builds the instruction text for one work order. Production is
// pure: it has no external side effects and treats the resulting text as
// opaque executor input. prior is the immediately preceding work order in a
// sequential dispatch (nil for parallel or for the first order).
type Producer interface {
	Produce(ctx context.Context, order *schema.WorkOrder, prior *schema.WorkOrder) (string, error)
}

// DefaultProductionTimeout is the safety-net timeout applied to a single
// production unit. Production is expected to complete quickly; the timeout
// guards against a misbehaving producer, not routine cancellation.
const DefaultProductionTimeout = 30 * time.Second

// TemplateProducer is the built-in Producer. It renders a task specification
// from the order's description and metadata, appending context carried over
// from the preceding order when present.
type TemplateProducer struct{}

// NewTemplateProducer creates the default instruction producer.
func NewTemplateProducer() *TemplateProducer {
	return &TemplateProducer{}
}

func (p *TemplateProducer) Produce(ctx context.Context, order *schema.WorkOrder, prior *schema.WorkOrder) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if order.Description == "" {
		return "", schema.NewErrorf(schema.ErrCodeProduction,
			"task %s has no description", order.TaskID)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Task: %s\n", order.TaskID)
	fmt.Fprintf(&sb, "Objective: %s\n", order.Description)
	if order.InstructionText != "" {
		fmt.Fprintf(&sb, "\n%s\n", order.InstructionText)
	}
	if order.Critical {
		sb.WriteString("\nThis task is critical: do not proceed past unresolved errors.\n")
	}
	if order.Timeout > 0 {
		fmt.Fprintf(&sb, "Complete within %s.\n", order.Timeout)
	}
	if prior != nil && prior.Result != "" {
		fmt.Fprintf(&sb, "\nContext from preceding task %s:\n%s\n", prior.TaskID, prior.Result)
	}
	return sb.String(), nil
}

var _ Producer = (*TemplateProducer)(nil)
