package automation

import (
	"context"
	"fmt"
	"strings"

	"github.com/kagan-sh/kagan/internal/domain"
	"github.com/kagan-sh/kagan/internal/queuedmsg"
)

// signalInstructions is appended to every worker prompt so the agent knows
// the closed set of end-of-turn tags it must emit.
const signalInstructions = `
When you are done with this turn, end your reply with exactly one of:
  <complete/>                     the task is fully done
  <blocked reason="..."/>         you cannot proceed without help
  <continue/>                     more work remains, keep going next turn
Do not emit more than one of these tags in a single reply.`

// buildPrompt assembles one turn's prompt from the task definition, its
// running scratchpad, and any messages queued for it since the last turn.
func (o *Orchestrator) buildPrompt(ctx context.Context, task *domain.Task) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n\n%s\n", task.Title, task.Description)

	if len(task.AcceptanceCriteria) > 0 {
		b.WriteString("\nAcceptance criteria:\n")
		for _, c := range task.AcceptanceCriteria {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}

	scratch, err := o.store.GetScratch(ctx, task.ID)
	if err == nil && scratch != nil && scratch.Content != "" {
		b.WriteString("\nNotes from previous turns:\n")
		b.WriteString(scratch.Content)
		b.WriteString("\n")
	}

	if queued, ok := o.queue.TakeQueued(task.ID, queuedmsg.LaneImplementation); ok {
		b.WriteString("\nAdditional instructions from the user:\n")
		b.WriteString(queued)
		b.WriteString("\n")
	}

	b.WriteString(signalInstructions)
	return b.String(), nil
}
