package agent

import (
	"strings"
	"testing"
)

// feedAll drives the parser with fixed-size fragments the way the
// engine does with stream deltas.
func feedAll(t *testing.T, input string, chunk int) []ParseEvent {
	t.Helper()
	p := NewStreamParser()
	var events []ParseEvent
	for i := 0; i < len(input); i += chunk {
		end := i + chunk
		if end > len(input) {
			end = len(input)
		}
		events = append(events, p.Feed(input[i:end])...)
	}
	return append(events, p.Finish()...)
}

func collectText(events []ParseEvent) string {
	var b strings.Builder
	for _, e := range events {
		b.WriteString(e.Text)
	}
	return b.String()
}

func invocations(events []ParseEvent) []*Invocation {
	var out []*Invocation
	for _, e := range events {
		if e.Invocation != nil {
			out = append(out, e.Invocation)
		}
	}
	return out
}

func TestParserPlainText(t *testing.T) {
	for _, chunk := range []int{1, 3, 100} {
		events := feedAll(t, "Hello there, just prose.", chunk)
		if got := collectText(events); got != "Hello there, just prose." {
			t.Fatalf("chunk=%d: text mangled: %q", chunk, got)
		}
		if len(invocations(events)) != 0 {
			t.Fatalf("chunk=%d: phantom invocation", chunk)
		}
	}
}

func TestParserSingleInvocation(t *testing.T) {
	input := "Let me check.<execute_skill>\n<skill_name>websearch_service</skill_name>\n<code>client.search(\"go\")</code>\n</execute_skill>Done."
	for _, chunk := range []int{1, 2, 5, 17, len(input)} {
		events := feedAll(t, input, chunk)
		invs := invocations(events)
		if len(invs) != 1 {
			t.Fatalf("chunk=%d: expected 1 invocation, got %d", chunk, len(invs))
		}
		if invs[0].SkillName != "websearch_service" {
			t.Fatalf("chunk=%d: wrong skill: %q", chunk, invs[0].SkillName)
		}
		if invs[0].Code != `client.search("go")` {
			t.Fatalf("chunk=%d: wrong code: %q", chunk, invs[0].Code)
		}
		if got := collectText(events); got != "Let me check.Done." {
			t.Fatalf("chunk=%d: surrounding text mangled: %q", chunk, got)
		}
		for _, e := range events {
			if e.Invocation != nil && (!strings.HasPrefix(e.Raw, "<execute_skill>") || !strings.HasSuffix(e.Raw, "</execute_skill>")) {
				t.Fatalf("chunk=%d: raw block not preserved: %q", chunk, e.Raw)
			}
		}
	}
}

func TestParserMultipleSequentialBlocks(t *testing.T) {
	input := "<execute_skill><skill_name>a</skill_name><code>1</code></execute_skill>" +
		"mid" +
		"<execute_skill><skill_name>b</skill_name><code>2</code></execute_skill>"
	events := feedAll(t, input, 4)
	invs := invocations(events)
	if len(invs) != 2 || invs[0].SkillName != "a" || invs[1].SkillName != "b" {
		t.Fatalf("sequential blocks not parsed in order: %+v", invs)
	}
	if collectText(events) != "mid" {
		t.Fatalf("interstitial text lost: %q", collectText(events))
	}
}

func TestParserAngleBracketProse(t *testing.T) {
	input := "a < b and <br> tags and <executor> words"
	events := feedAll(t, input, 3)
	if got := collectText(events); got != input {
		t.Fatalf("prose with angle brackets mangled: %q", got)
	}
}

func TestParserOpenBlockAtEOFIsMalformed(t *testing.T) {
	input := "text<execute_skill><skill_name>x</skill_name><code>never closed"
	events := feedAll(t, input, 6)
	var malformed string
	for _, e := range events {
		if e.Malformed != "" {
			malformed = e.Malformed
		}
	}
	if malformed == "" {
		t.Fatalf("expected malformed event for open block")
	}
	if !strings.Contains(malformed, "never closed") {
		t.Fatalf("malformed event should carry the raw block: %q", malformed)
	}
	if collectText(events) != "text" {
		t.Fatalf("leading text lost: %q", collectText(events))
	}
}

func TestParserBlockMissingInnerTags(t *testing.T) {
	input := "<execute_skill>just code, no tags</execute_skill>"
	events := feedAll(t, input, len(input))
	if len(invocations(events)) != 0 {
		t.Fatalf("block without inner tags must not yield an invocation")
	}
	found := false
	for _, e := range events {
		if e.Malformed != "" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected malformed event")
	}
}

func TestParserHeldPrefixFlushedAtEOF(t *testing.T) {
	events := feedAll(t, "trailing <execute_ski", 100)
	if got := collectText(events); got != "trailing <execute_ski" {
		t.Fatalf("held prefix not released at EOF: %q", got)
	}
}
