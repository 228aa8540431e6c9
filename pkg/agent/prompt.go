package agent

import (
	"fmt"
	"strings"
	"time"
)

const behaviorPreamble = `You are a capable AI assistant that can call external skills to complete tasks.

Answer directly from your own knowledge when the question is general and time-insensitive. Reach for a skill when the request needs fresh information, external data, file handling, or computation you cannot do reliably yourself. After every execution, read the result before deciding whether to call another skill or answer. Keep answers grounded in what the skills actually returned.`

const executionProtocol = `## Executing skills

When you need to run a skill, emit exactly this block:

<execute_skill>
<skill_name>NAME</skill_name>
<code>
# code following the skill's usage notes
</code>
</execute_skill>

Rules:
1. Emit at most one block per turn, then wait for the execution result.
2. Code runs in a trusted sandbox with access to the internal services.
3. If an execution fails, read the error and correct your code.
4. When you have what you need, answer in plain text without any block.`

// ComposePrompt assembles the system prompt: current date, behavioral
// preamble, the skills catalog, the memory excerpt (may be empty), and
// the execution protocol. Deterministic for identical inputs.
func ComposePrompt(now time.Time, catalog, memoryExcerpt string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Today is %s (%s), current time %s UTC.\n\n",
		now.UTC().Format("2006-01-02"),
		now.UTC().Weekday(),
		now.UTC().Format("15:04"),
	)

	b.WriteString(behaviorPreamble)
	b.WriteString("\n\n## Available skills\n\n")
	b.WriteString(catalog)
	b.WriteString("\n\n## Memory\n\n")
	if strings.TrimSpace(memoryExcerpt) == "" {
		b.WriteString("No stored context for this conversation yet.")
	} else {
		b.WriteString(memoryExcerpt)
	}
	b.WriteString("\n\n")
	b.WriteString(executionProtocol)

	return b.String()
}
