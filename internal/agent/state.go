package agent

// Status is the lifecycle phase a task card can show.
type Status string

const (
	StatusThinking        Status = "thinking"
	StatusRunning         Status = "running"
	StatusComplete        Status = "complete"
	StatusError           Status = "error"
	StatusWaitingForInput Status = "waiting_for_input"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusError
}

// ToolCallStatus is the phase of one tool call.
type ToolCallStatus string

const (
	ToolRunning ToolCallStatus = "running"
	ToolDone    ToolCallStatus = "done"
)

// ToolCall is one observable agent step echoed into the card.
type ToolCall struct {
	ID     string         `json:"id"`
	Name   string         `json:"name"`
	Detail string         `json:"detail,omitempty"`
	Status ToolCallStatus `json:"status"`
}

// PendingQuestion is an outstanding AskUserQuestion awaiting a reply.
type PendingQuestion struct {
	ToolUseID string     `json:"toolUseId"`
	Questions []Question `json:"questions"`
}

// CardState is the observable projection of an in-flight task. Copies are
// handed to senders; the processor owns the evolving original.
type CardState struct {
	Status          Status           `json:"status"`
	UserPrompt      string           `json:"userPrompt"`
	ResponseText    string           `json:"responseText"`
	ToolCalls       []ToolCall       `json:"toolCalls"`
	CostUSD         float64          `json:"costUsd,omitempty"`
	DurationMS      int64            `json:"durationMs,omitempty"`
	ErrorMessage    string           `json:"errorMessage,omitempty"`
	PendingQuestion *PendingQuestion `json:"pendingQuestion,omitempty"`
	SessionID       string           `json:"-"`
}

// Clone returns a deep copy safe to hand to another goroutine.
func (s *CardState) Clone() *CardState {
	cp := *s
	cp.ToolCalls = append([]ToolCall(nil), s.ToolCalls...)
	if s.PendingQuestion != nil {
		q := *s.PendingQuestion
		q.Questions = append([]Question(nil), s.PendingQuestion.Questions...)
		cp.PendingQuestion = &q
	}
	return &cp
}
