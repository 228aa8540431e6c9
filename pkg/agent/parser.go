package agent

import (
	"strings"
)

const (
	openTag  = "<execute_skill>"
	closeTag = "</execute_skill>"
)

// Invocation is a model-emitted directive to run a named skill with a
// supplied code body.
type Invocation struct {
	SkillName string
	Code      string
}

// ParseEvent is one output of the incremental parser: a text delta, a
// completed invocation, or a malformed block.
type ParseEvent struct {
	Text       string
	Invocation *Invocation
	// Raw carries the invocation block's original text, tags included.
	Raw string
	// Malformed carries the raw text of a block that closed without
	// the required inner tags, or was left open at stream end.
	Malformed string
}

// StreamParser extracts skill invocations from a streamed assistant
// payload. Content outside invocation blocks is emitted as text deltas;
// each closed block yields a single invocation event. Multiple
// sequential blocks in one response are supported.
type StreamParser struct {
	pending string
	block   strings.Builder
	inBlock bool
}

// NewStreamParser returns a parser for one assistant response.
func NewStreamParser() *StreamParser {
	return &StreamParser{}
}

// Feed consumes the next stream fragment and returns any events it
// completes. Text that could still be the start of an invocation tag is
// held back until disambiguated.
func (p *StreamParser) Feed(delta string) []ParseEvent {
	p.pending += delta
	var events []ParseEvent

	for {
		if p.inBlock {
			idx := strings.Index(p.pending, closeTag)
			if idx < 0 {
				// Hold back a possible partial close tag.
				keep := partialSuffix(p.pending, closeTag)
				p.block.WriteString(p.pending[:len(p.pending)-keep])
				p.pending = p.pending[len(p.pending)-keep:]
				return events
			}
			p.block.WriteString(p.pending[:idx+len(closeTag)])
			p.pending = p.pending[idx+len(closeTag):]
			p.inBlock = false
			events = append(events, p.closeBlock())
			continue
		}

		idx := strings.Index(p.pending, openTag)
		if idx < 0 {
			keep := partialSuffix(p.pending, openTag)
			if emit := p.pending[:len(p.pending)-keep]; emit != "" {
				events = append(events, ParseEvent{Text: emit})
			}
			p.pending = p.pending[len(p.pending)-keep:]
			return events
		}
		if idx > 0 {
			events = append(events, ParseEvent{Text: p.pending[:idx]})
		}
		p.pending = p.pending[idx:]
		p.block.Reset()
		p.inBlock = true
		// Move the open tag into the block buffer.
		p.block.WriteString(openTag)
		p.pending = p.pending[len(openTag):]
	}
}

// Finish flushes the parser at stream end. An open block becomes a
// malformed event carrying its raw text; held-back text is released as
// a plain delta.
func (p *StreamParser) Finish() []ParseEvent {
	var events []ParseEvent
	if p.inBlock {
		p.block.WriteString(p.pending)
		events = append(events, ParseEvent{Malformed: p.block.String()})
	} else if p.pending != "" {
		events = append(events, ParseEvent{Text: p.pending})
	}
	p.pending = ""
	p.block.Reset()
	p.inBlock = false
	return events
}

// closeBlock parses a completed block into an invocation.
func (p *StreamParser) closeBlock() ParseEvent {
	raw := p.block.String()
	p.block.Reset()

	inner := raw[len(openTag) : len(raw)-len(closeTag)]
	name, ok := innerTag(inner, "skill_name")
	if !ok {
		return ParseEvent{Malformed: raw}
	}
	code, ok := innerTag(inner, "code")
	if !ok {
		return ParseEvent{Malformed: raw}
	}
	return ParseEvent{
		Invocation: &Invocation{
			SkillName: strings.TrimSpace(name),
			Code:      strings.TrimSpace(code),
		},
		Raw: raw,
	}
}

// innerTag extracts the content of the first <tag>...</tag> pair.
func innerTag(s, tag string) (string, bool) {
	open := "<" + tag + ">"
	closing := "</" + tag + ">"
	start := strings.Index(s, open)
	if start < 0 {
		return "", false
	}
	rest := s[start+len(open):]
	end := strings.Index(rest, closing)
	if end < 0 {
		return "", false
	}
	return rest[:end], true
}

// partialSuffix returns the length of the longest suffix of s that is a
// proper prefix of tag.
func partialSuffix(s, tag string) int {
	max := len(tag) - 1
	if max > len(s) {
		max = len(s)
	}
	for n := max; n > 0; n-- {
		if strings.HasPrefix(tag, s[len(s)-n:]) {
			return n
		}
	}
	return 0
}
