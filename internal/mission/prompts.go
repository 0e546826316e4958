package mission

import (
	"fmt"
	"strings"

	"github.com/fentz26/swarm/internal/models"
)

func commanderPrompt(objective string) string {
	return fmt.Sprintf(`## Mission started

Objective: %s

1. Break the objective into a todo list.
2. Work through it, keeping each item's status current (pending, in_progress, completed, cancelled).
3. Verify each item before moving on.

Start by exploring the codebase and writing the initial todo list.`, objective)
}

const interventionText = `No progress has been detected in the todo list for several iterations.

Change your approach:
1. If an item is blocked, mark it cancelled and say why.
2. If an item is too large, split it into smaller items.
3. Do not repeat the same actions.`

func continuationPrompt(state models.MissionState, remaining []models.Todo, intervention string) string {
	var inProgress, pending int
	for _, t := range remaining {
		if t.Status == "in_progress" {
			inProgress++
		} else {
			pending++
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "## Continue mission (iteration %d/%d)\n\n", state.Iteration, state.MaxIterations)
	if intervention != "" {
		fmt.Fprintf(&b, "INTERVENTION: %s\n\n", intervention)
	}
	fmt.Fprintf(&b, "### Remaining work [%d in progress, %d pending]\n", inProgress, pending)
	for _, t := range remaining {
		mark := " "
		if t.Status == "in_progress" {
			mark = "~"
		}
		if t.Priority != "" {
			fmt.Fprintf(&b, "- [%s] %s (%s)\n", mark, t.Content, t.Priority)
		} else {
			fmt.Fprintf(&b, "- [%s] %s\n", mark, t.Content)
		}
	}
	b.WriteString("\nKeep working on the objective and keep the todo statuses current.")
	return b.String()
}

func verificationPrompt(output string, err error) string {
	return fmt.Sprintf("Every todo is marked done but verification did not pass (%v).\n\nOutput:\n%s\n\nReopen the work that caused this and fix it.", err, output)
}
