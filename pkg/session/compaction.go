package session

import (
	"fmt"
	"sort"
	"strings"
)

const (
	maxExcerpts       = 3
	excerptTruncateAt = 80
)

// GenerateCompactionSummary builds a deterministic text digest of
// events suitable for carrying forward past a compaction boundary: it
// never depends on wall-clock time or map iteration order.
//
// Reference: spec.md §4.5.4 Compaction
func GenerateCompactionSummary(events []Event) string {
	var (
		messages    int
		toolCalls   int
		responses   int
		thinking    int
		subagents   int
		toolNameSet = make(map[string]struct{})
		excerpts    []string
	)

	for _, ev := range events {
		switch ev.Kind {
		case KindMessageReceived:
			messages++
			if p, ok := ev.Payload.(MessageReceivedPayload); ok && len(excerpts) < maxExcerpts {
				excerpts = append(excerpts, formatExcerpt(p.ParticipantID, p.Content))
			}
		case KindAgentResponded:
			responses++
		case KindAgentThinking:
			thinking++
		case KindToolCalled:
			toolCalls++
			if p, ok := ev.Payload.(ToolCalledPayload); ok {
				toolNameSet[p.ToolName] = struct{}{}
			}
		case KindSubagentSpawned, KindSubagentCompleted, KindSubagentFailed:
			subagents++
		}
	}

	toolNames := make([]string, 0, len(toolNameSet))
	for name := range toolNameSet {
		toolNames = append(toolNames, name)
	}
	sort.Strings(toolNames)

	var b strings.Builder
	fmt.Fprintf(&b, "session compaction: %d events total (%d messages, %d agent responses, %d tool calls, %d thinking, %d subagent events)\n",
		len(events), messages, responses, toolCalls, thinking, subagents)
	if len(toolNames) > 0 {
		fmt.Fprintf(&b, "tools used: %s\n", strings.Join(toolNames, ", "))
	}
	for _, e := range excerpts {
		fmt.Fprintf(&b, "- %s\n", e)
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatExcerpt(participantID, content string) string {
	c := content
	if len(c) > excerptTruncateAt {
		c = c[:excerptTruncateAt]
	}
	return fmt.Sprintf("%s: %s", participantID, c)
}
