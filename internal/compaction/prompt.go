package compaction

import "strings"

const defaultSummaryMaxTokens = 1024

const compactionPromptHeader = `Summarize the conversation below into two sections.

## Context
Concisely capture the topics discussed, decisions reached, and any facts
or constraints that matter for continuing the conversation.

## Pending Tasks
List unfinished work items or open questions as short bullet points.
Write "None" if nothing is pending.

Conversation:
`

// buildCompactionPrompt wraps conversation text in the fixed two-section
// summarization prompt.
func buildCompactionPrompt(conversation string) string {
	return compactionPromptHeader + "\n" + strings.TrimSpace(conversation) + "\n"
}
