package executor

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/codeherd/codeherd/pkg/claudecode"
	v1 "github.com/codeherd/codeherd/pkg/api/v1"
)

// maxDetailLen bounds the path/command carried in a stream event.
const maxDetailLen = 80

// maxStatusLen bounds a reduced status line.
const maxStatusLen = 100

// StreamParser turns the agent's newline-delimited structured output into
// typed StreamEvents. Records may arrive split mid-line across delivery
// chunks; the trailing incomplete line is buffered across calls so no event
// is ever emitted from a partial record. Unparseable lines are skipped.
type StreamParser struct {
	pending   string
	sessionID string
}

// NewStreamParser creates an empty parser.
func NewStreamParser() *StreamParser {
	return &StreamParser{}
}

// SessionID returns the agent session id once the init record has been seen.
func (p *StreamParser) SessionID() string {
	return p.sessionID
}

// Feed consumes a chunk of raw output and returns the events parsed from
// every complete record it contained.
func (p *StreamParser) Feed(chunk string) []v1.StreamEvent {
	p.pending += chunk

	lines := strings.Split(p.pending, "\n")
	p.pending = lines[len(lines)-1]

	var events []v1.StreamEvent
	for _, line := range lines[:len(lines)-1] {
		events = append(events, p.parseLine(line)...)
	}
	return events
}

// parseLine classifies one complete record.
func (p *StreamParser) parseLine(line string) []v1.StreamEvent {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	var msg claudecode.CLIMessage
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		return nil
	}

	switch msg.Type {
	case claudecode.MessageTypeSystem:
		if msg.Subtype == claudecode.SubtypeInit && msg.SessionID != "" {
			p.sessionID = msg.SessionID
		}
		return nil
	case claudecode.MessageTypeAssistant:
		return p.parseAssistant(msg.Message)
	case claudecode.MessageTypeUser:
		return p.parseToolResults(msg.Message)
	default:
		return nil
	}
}

// parseAssistant maps text blocks to status_text events and tool_use blocks
// to typed activity events.
func (p *StreamParser) parseAssistant(msg *claudecode.AssistantMessage) []v1.StreamEvent {
	if msg == nil {
		return nil
	}

	var events []v1.StreamEvent
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if status := ReduceStatusText(block.Text); status != "" {
				events = append(events, newEvent(v1.StreamEventStatusText, status, ""))
			}
		case "tool_use":
			events = append(events, toolUseEvent(block))
		}
	}
	return events
}

// parseToolResults surfaces tool errors; successful results carry no signal
// beyond the activity they imply.
func (p *StreamParser) parseToolResults(msg *claudecode.AssistantMessage) []v1.StreamEvent {
	if msg == nil {
		return nil
	}

	var events []v1.StreamEvent
	for _, block := range msg.Content {
		if block.Type != "tool_result" || !block.IsError {
			continue
		}
		detail := ""
		if s, ok := block.Content.(string); ok {
			detail = truncate(strings.TrimSpace(s), maxDetailLen)
		}
		events = append(events, newEvent(v1.StreamEventError, detail, block.ToolUseID))
	}
	return events
}

// toolUseEvent maps a tool invocation to its typed event.
func toolUseEvent(block claudecode.ContentBlock) v1.StreamEvent {
	input := block.Input

	switch block.Name {
	case claudecode.ToolRead:
		return newEvent(v1.StreamEventFileRead, truncate(getString(input, "file_path"), maxDetailLen), "")
	case claudecode.ToolGlob, claudecode.ToolGrep:
		detail := getString(input, "pattern")
		if path := getString(input, "path"); path != "" {
			detail = fmt.Sprintf("%s in %s", detail, path)
		}
		return newEvent(v1.StreamEventFileRead, truncate(detail, maxDetailLen), block.Name)
	case claudecode.ToolEdit, claudecode.ToolNotebookEdit:
		return newEvent(v1.StreamEventFileEdit, truncate(getString(input, "file_path"), maxDetailLen), "")
	case claudecode.ToolWrite:
		return newEvent(v1.StreamEventFileWrite, truncate(getString(input, "file_path"), maxDetailLen), "")
	case claudecode.ToolBash:
		return newEvent(v1.StreamEventCommand, truncate(getString(input, "command"), maxDetailLen), "")
	default:
		return newEvent(v1.StreamEventInfo, block.Name, "")
	}
}

// ReduceStatusText collapses an assistant text block to a single status
// line: markup stripped, blank lines collapsed, the last non-trivial line
// taken and truncated to its leading sentence or 100 characters.
func ReduceStatusText(text string) string {
	stripped := stripMarkup(text)

	var last string
	for _, line := range strings.Split(stripped, "\n") {
		line = strings.TrimSpace(line)
		if len(line) > 3 {
			last = line
		}
	}
	if last == "" {
		return ""
	}

	// Cut at the first sentence boundary when one exists early enough.
	// Punctuation must be followed by a space so dotted names survive.
	for i := 0; i < len(last)-1 && i < maxStatusLen; i++ {
		if (last[i] == '.' || last[i] == '!' || last[i] == '?') && last[i+1] == ' ' {
			last = last[:i+1]
			break
		}
	}
	return truncate(last, maxStatusLen)
}

// stripMarkup removes common markdown decoration.
func stripMarkup(s string) string {
	replacer := strings.NewReplacer(
		"**", "",
		"__", "",
		"`", "",
		"*", "",
	)
	s = replacer.Replace(s)

	var out []string
	for _, line := range strings.Split(s, "\n") {
		trimmed := strings.TrimSpace(line)
		trimmed = strings.TrimLeft(trimmed, "#> ")
		trimmed = strings.TrimPrefix(trimmed, "- ")
		out = append(out, trimmed)
	}
	return strings.Join(out, "\n")
}

// formatEventLine renders an event as one line for the rolling output buffer.
func formatEventLine(ev v1.StreamEvent) string {
	switch ev.Type {
	case v1.StreamEventFileRead:
		return "read " + ev.Detail
	case v1.StreamEventFileEdit:
		return "edit " + ev.Detail
	case v1.StreamEventFileWrite:
		return "write " + ev.Detail
	case v1.StreamEventCommand:
		return "$ " + ev.Detail
	case v1.StreamEventError:
		return "! " + ev.Detail
	default:
		return ev.Detail
	}
}

func newEvent(t v1.StreamEventType, detail, extra string) v1.StreamEvent {
	return v1.StreamEvent{
		Type:      t,
		Timestamp: time.Now().UTC(),
		Detail:    detail,
		Extra:     extra,
	}
}

func getString(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	// Back up to a rune boundary so a multi-byte character is never split.
	cut := n - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
