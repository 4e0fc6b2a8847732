package agent

import (
	"path/filepath"
	"regexp"
	"strings"
)

// markdownPathRe matches file paths in markdown image/link references and
// bare absolute paths, used as a fallback image-detection pass over the
// final response text.
var markdownPathRe = regexp.MustCompile(`(?:!?\[[^\]]*\]\(([^)\s]+)\)|(?:^|\s)((?:/|~/)[^\s` + "`" + `'"()\[\]]+\.\w{2,5}))`)

// StreamProcessor folds the agent event stream into a CardState.
// Not safe for concurrent use; the run loop is the single writer.
type StreamProcessor struct {
	state      CardState
	sessionID  string
	imagePaths []string
	imageSeen  map[string]bool
}

// NewStreamProcessor creates a processor showing userPrompt on the card.
func NewStreamProcessor(userPrompt string) *StreamProcessor {
	return &StreamProcessor{
		state: CardState{
			Status:     StatusThinking,
			UserPrompt: userPrompt,
		},
		imageSeen: make(map[string]bool),
	}
}

// Process folds one event and returns a snapshot of the resulting state.
// Once the state is terminal, further events are ignored.
func (p *StreamProcessor) Process(ev Event) *CardState {
	if p.state.Status.Terminal() {
		return p.state.Clone()
	}

	switch e := ev.(type) {
	case InitEvent:
		p.sessionID = e.SessionID
		p.state.SessionID = e.SessionID
		if p.state.Status == StatusThinking {
			p.state.Status = StatusRunning
		}

	case TextEvent:
		p.state.ResponseText += e.Text
		p.state.Status = StatusRunning

	case ToolStartEvent:
		p.state.ToolCalls = append(p.state.ToolCalls, ToolCall{
			ID: e.ID, Name: e.Name, Detail: e.Detail, Status: ToolRunning,
		})
		p.state.Status = StatusRunning

	case ToolDoneEvent:
		for i := range p.state.ToolCalls {
			if p.state.ToolCalls[i].ID == e.ID {
				p.state.ToolCalls[i].Status = ToolDone
				break
			}
		}

	case QuestionEvent:
		p.state.PendingQuestion = &PendingQuestion{
			ToolUseID: e.ToolUseID,
			Questions: e.Questions,
		}
		p.state.Status = StatusWaitingForInput

	case FileWriteEvent:
		p.recordImagePath(e.Path)

	case ResultEvent:
		if e.IsError {
			p.state.Status = StatusError
			if p.state.ErrorMessage == "" {
				p.state.ErrorMessage = e.Result
			}
		} else {
			p.state.Status = StatusComplete
			if p.state.ResponseText == "" && e.Result != "" {
				p.state.ResponseText = e.Result
			}
		}
		p.state.CostUSD = e.CostUSD
		p.state.DurationMS = e.DurationMS
		p.scanResponseForImages()

	case ErrorEvent:
		p.state.Status = StatusError
		p.state.ErrorMessage = e.Message
		p.scanResponseForImages()
	}

	return p.state.Clone()
}

// State returns a snapshot of the current state.
func (p *StreamProcessor) State() *CardState {
	return p.state.Clone()
}

// SessionID returns the session id discovered from the stream, if any.
func (p *StreamProcessor) SessionID() string {
	return p.sessionID
}

// ImagePaths returns image paths the agent wrote or referenced, in
// discovery order.
func (p *StreamProcessor) ImagePaths() []string {
	return append([]string(nil), p.imagePaths...)
}

// ClearPendingQuestion drops the pending question and resumes running
// status. Called after an answer (or auto-answer) is dispatched.
func (p *StreamProcessor) ClearPendingQuestion() {
	if p.state.Status.Terminal() {
		return
	}
	p.state.PendingQuestion = nil
	if p.state.Status == StatusWaitingForInput {
		p.state.Status = StatusRunning
	}
}

func (p *StreamProcessor) recordImagePath(path string) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".png", ".jpg", ".jpeg", ".gif", ".webp", ".bmp", ".svg", ".tiff":
	default:
		return
	}
	if p.imageSeen[path] {
		return
	}
	p.imageSeen[path] = true
	p.imagePaths = append(p.imagePaths, path)
}

// scanResponseForImages extracts image-looking paths from the accumulated
// response text. Runs once at terminal time.
func (p *StreamProcessor) scanResponseForImages() {
	for _, m := range markdownPathRe.FindAllStringSubmatch(p.state.ResponseText, -1) {
		path := m[1]
		if path == "" {
			path = m[2]
		}
		if path == "" || strings.Contains(path, "://") {
			continue
		}
		p.recordImagePath(path)
	}
}
