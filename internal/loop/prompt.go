package loop

import (
	"fmt"
	"strings"

	"github.com/kanloop/kanloop/internal/board"
	"github.com/kanloop/kanloop/internal/output"
)

// BuildPrompt renders the instruction text handed to the agent for one
// iteration. The contract at the bottom tells the agent how to signal
// completion; everything above it is the task itself.
func BuildPrompt(task *board.Task, loopNumber, maxLoops int) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Task: %s\n\n", task.Title)
	if task.Description != "" {
		b.WriteString(task.Description)
		b.WriteString("\n\n")
	}
	if len(task.Labels) > 0 {
		fmt.Fprintf(&b, "Labels: %s\n", strings.Join(task.Labels, ", "))
	}
	fmt.Fprintf(&b, "Priority: %s\n", task.Priority)
	fmt.Fprintf(&b, "Iteration %d of at most %d on this task.\n", loopNumber, maxLoops)
	if loopNumber > 1 {
		b.WriteString("Previous iterations did not finish; continue from the current state of the working tree rather than starting over.\n")
	}
	if len(task.FilesChanged) > 0 {
		fmt.Fprintf(&b, "Files already touched: %s\n", strings.Join(task.FilesChanged, ", "))
	}

	b.WriteString("\n## Reporting\n\n")
	b.WriteString("For every file you modify, create, or delete, print a line like `Modified: path/to/file.go`.\n")
	fmt.Fprintf(&b, "When the task is fully done, print as the last line of output:\n\n")
	fmt.Fprintf(&b, "    %s {\"EXIT_SIGNAL\": true, \"COMPLETION_INDICATORS\": <count of completed acceptance criteria>}\n\n", output.StatusMarker)
	b.WriteString("Do not print that line if work remains.\n")

	return b.String()
}
