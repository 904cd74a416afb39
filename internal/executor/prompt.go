package executor

import (
	"fmt"
	"strings"
)

// allowedTools is the fixed allow-list passed to every agent invocation.
// Edit, read, and search operations plus a bounded set of shell commands,
// mainly version control and package managers.
var allowedTools = []string{
	"Edit",
	"Write",
	"Read",
	"Glob",
	"Grep",
	"LS",
	"Task",
	"Bash(git:*)",
	"Bash(npm:*)",
	"Bash(yarn:*)",
	"Bash(pnpm:*)",
	"Bash(go:*)",
	"Bash(pip:*)",
	"Bash(cargo:*)",
	"Bash(make:*)",
	"Bash(ls:*)",
	"Bash(cat:*)",
	"Bash(mkdir:*)",
}

const promptPreamble = `You are working inside an isolated sandbox. The project is checked out at /workspace and that is your working directory.

Guidelines:
- Make the requested change directly in the working tree. Do not create branches or commits; changes are collected from the tree when you finish.
- Keep edits minimal and focused on the task.
- If you genuinely cannot proceed without more information, respond with a single line starting with "NEED_INPUT: " followed by your question, and nothing else.`

// needInputSentinel is the explicit question marker an agent can emit. A
// sentinel line always wins over the output-shape heuristic.
const needInputSentinel = "NEED_INPUT:"

// summaryLimit caps summary-mode result payloads.
const summaryLimit = 500

// composePrompt wraps a client prompt in the fixed preamble and optional
// task description.
func composePrompt(task, description string) string {
	var b strings.Builder
	b.WriteString(promptPreamble)
	b.WriteString("\n\nTask:\n")
	b.WriteString(task)
	if description != "" {
		b.WriteString("\n\nAdditional context:\n")
		b.WriteString(description)
	}
	return b.String()
}

// answerPrompt builds the follow-up prompt for resuming a job that asked a
// question.
func answerPrompt(question, answer string) string {
	return fmt.Sprintf(
		"Previous question: %s. Answer: %s. Now please proceed with the original task.",
		question, answer)
}

// revisionPrompt builds the prompt for iterating on an existing patch.
func revisionPrompt(originalTask, feedback, extraContext string, changedFiles []string, preserveCorrect bool) string {
	var b strings.Builder
	b.WriteString("You previously worked on this task:\n")
	b.WriteString(originalTask)
	b.WriteString("\n\nThe reviewer requested changes:\n")
	b.WriteString(feedback)
	if extraContext != "" {
		b.WriteString("\n\nAdditional context:\n")
		b.WriteString(extraContext)
	}
	if len(changedFiles) > 0 {
		b.WriteString("\n\nFiles currently modified in the sandbox:\n")
		for _, f := range changedFiles {
			b.WriteString("- ")
			b.WriteString(f)
			b.WriteString("\n")
		}
	}
	if preserveCorrect {
		b.WriteString("\nKeep the parts of your previous changes that are already correct; rework only what the feedback asks for.")
	}
	return b.String()
}

// agentCommand builds the in-sandbox agent invocation.
func agentCommand(prompt string) []string {
	return []string{
		"claude",
		"-p", prompt,
		"--allowedTools", strings.Join(allowedTools, ","),
	}
}

// extractQuestion decides whether agent output is a question needing client
// input, returning the question text. A sentinel line is authoritative; the
// fallback heuristic treats short output containing a question mark and no
// code fence as a question.
func extractQuestion(output string) (string, bool) {
	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, needInputSentinel) {
			return strings.TrimSpace(strings.TrimPrefix(trimmed, needInputSentinel)), true
		}
	}

	trimmed := strings.TrimSpace(output)
	if len(trimmed) == 0 || len(trimmed) > 500 {
		return "", false
	}
	if !strings.Contains(trimmed, "?") {
		return "", false
	}
	if strings.Contains(trimmed, "```") {
		return "", false
	}
	return trimmed, true
}

// nextSteps is the fixed recommendation block appended to full-mode results.
const nextSteps = `Next steps:
- review_changes to inspect the pending patch
- apply_changes to write it into the target workspace
- request_revision to iterate with feedback
- reject_changes to discard it`

// truncateSummary bounds a summary-mode payload.
func truncateSummary(s string) string {
	if len(s) <= summaryLimit {
		return s
	}
	return s[:summaryLimit-3] + "..."
}
