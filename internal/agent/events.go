// Package agent drives the external claude CLI subprocess and folds its
// stream-json event output into the card state shown to users.
package agent

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Tool names with special handling in the stream.
const (
	toolAskUser = "AskUserQuestion"
	toolWrite   = "Write"
)

// Event is one parsed agent stream event. Exactly one concrete type below.
type Event interface{ event() }

// InitEvent carries the session id from the system/init message.
type InitEvent struct {
	SessionID string
}

// TextEvent is an assistant text block.
type TextEvent struct {
	Text string
}

// ToolStartEvent is an assistant tool_use block.
type ToolStartEvent struct {
	ID     string
	Name   string
	Detail string
	Input  map[string]any
}

// ToolDoneEvent marks a tool_use as finished (its tool_result arrived).
type ToolDoneEvent struct {
	ID      string
	IsError bool
}

// QuestionEvent is an AskUserQuestion tool invocation awaiting an answer.
type QuestionEvent struct {
	ToolUseID string
	Questions []Question
}

// Question is one question within an AskUserQuestion call.
type Question struct {
	Question    string   `json:"question"`
	Header      string   `json:"header"`
	Options     []Option `json:"options"`
	MultiSelect bool     `json:"multiSelect"`
}

// Option is one selectable answer.
type Option struct {
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// FileWriteEvent records a path the agent wrote via a Write-like tool.
type FileWriteEvent struct {
	Path string
}

// ResultEvent terminates a run.
type ResultEvent struct {
	IsError    bool
	Result     string
	CostUSD    float64
	DurationMS int64
}

// ErrorEvent is a stream-level error message.
type ErrorEvent struct {
	Message string
}

func (InitEvent) event()      {}
func (TextEvent) event()      {}
func (ToolStartEvent) event() {}
func (ToolDoneEvent) event()  {}
func (QuestionEvent) event()  {}
func (FileWriteEvent) event() {}
func (ResultEvent) event()    {}
func (ErrorEvent) event()     {}

// rawMessage is the envelope every stream-json line shares.
type rawMessage struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype"`
	SessionID string          `json:"session_id"`
	Message   *rawAPIMessage  `json:"message"`
	IsError   bool            `json:"is_error"`
	Result    string          `json:"result"`
	TotalCost float64         `json:"total_cost_usd"`
	Duration  int64           `json:"duration_ms"`
	Error     json.RawMessage `json:"error"`
}

type rawAPIMessage struct {
	Content []rawContentBlock `json:"content"`
}

type rawContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	IsError   bool            `json:"is_error"`
	Content   json.RawMessage `json:"content"`
}

// ParseLine decodes one stream-json line into zero or more events.
// Unknown message types decode to nothing; a malformed line is an error.
func ParseLine(line []byte) ([]Event, error) {
	if len(strings.TrimSpace(string(line))) == 0 {
		return nil, nil
	}

	var msg rawMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, fmt.Errorf("parse stream line: %w", err)
	}

	switch msg.Type {
	case "system":
		if msg.Subtype != "" && msg.Subtype != "init" {
			return nil, nil
		}
		if msg.SessionID == "" {
			return nil, nil
		}
		return []Event{InitEvent{SessionID: msg.SessionID}}, nil

	case "assistant":
		return parseAssistant(msg)

	case "user":
		return parseUser(msg)

	case "result":
		return []Event{ResultEvent{
			IsError:    msg.IsError,
			Result:     msg.Result,
			CostUSD:    msg.TotalCost,
			DurationMS: msg.Duration,
		}}, nil

	case "error":
		text := string(msg.Error)
		if msg.Result != "" {
			text = msg.Result
		}
		return []Event{ErrorEvent{Message: text}}, nil

	default:
		return nil, nil
	}
}

func parseAssistant(msg rawMessage) ([]Event, error) {
	if msg.Message == nil {
		return nil, nil
	}
	var events []Event
	for _, block := range msg.Message.Content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				events = append(events, TextEvent{Text: block.Text})
			}
		case "tool_use":
			events = append(events, parseToolUse(block)...)
		}
	}
	return events, nil
}

func parseToolUse(block rawContentBlock) []Event {
	var input map[string]any
	if len(block.Input) > 0 {
		json.Unmarshal(block.Input, &input)
	}

	switch block.Name {
	case toolAskUser:
		var payload struct {
			Questions []Question `json:"questions"`
		}
		if len(block.Input) > 0 {
			json.Unmarshal(block.Input, &payload)
		}
		if len(payload.Questions) > 0 {
			return []Event{QuestionEvent{ToolUseID: block.ID, Questions: payload.Questions}}
		}
		return nil
	case toolWrite:
		events := []Event{ToolStartEvent{
			ID: block.ID, Name: block.Name, Detail: toolDetail(block.Name, input), Input: input,
		}}
		if path, ok := input["file_path"].(string); ok && path != "" {
			events = append(events, FileWriteEvent{Path: path})
		}
		return events
	default:
		return []Event{ToolStartEvent{
			ID: block.ID, Name: block.Name, Detail: toolDetail(block.Name, input), Input: input,
		}}
	}
}

func parseUser(msg rawMessage) ([]Event, error) {
	if msg.Message == nil {
		return nil, nil
	}
	var events []Event
	for _, block := range msg.Message.Content {
		if block.Type == "tool_result" && block.ToolUseID != "" {
			events = append(events, ToolDoneEvent{ID: block.ToolUseID, IsError: block.IsError})
		}
	}
	return events, nil
}

// toolDetail builds the short human-readable line shown next to a tool call.
func toolDetail(name string, input map[string]any) string {
	if input == nil {
		return ""
	}
	switch name {
	case "Bash":
		if cmd, ok := input["command"].(string); ok {
			return truncate(cmd, 120)
		}
	case "Read", "Write", "Edit":
		if path, ok := input["file_path"].(string); ok {
			return truncate(path, 120)
		}
	case "Glob", "Grep":
		if pattern, ok := input["pattern"].(string); ok {
			return truncate(pattern, 120)
		}
	case "WebFetch":
		if u, ok := input["url"].(string); ok {
			return truncate(u, 120)
		}
	case "WebSearch":
		if q, ok := input["query"].(string); ok {
			return truncate(q, 120)
		}
	case "Task":
		if desc, ok := input["description"].(string); ok {
			return truncate(desc, 120)
		}
	}
	if desc, ok := input["description"].(string); ok {
		return truncate(desc, 120)
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
