package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
	"time"
)

const (
	// defaultBin is the agent CLI binary resolved from PATH.
	defaultBin = "claude"

	// killGrace is how long the subprocess gets to exit after its stdin
	// closes or its context is cancelled before it is killed.
	killGrace = 10 * time.Second

	// maxStreamLine bounds one stream-json line. Tool results embedding
	// file contents can get large.
	maxStreamLine = 8 << 20
)

// APIContext tells the agent how to reach the control API, injected into
// its system prompt so it can schedule follow-up tasks for itself.
type APIContext struct {
	BotName string
	ChatID  string
	Port    int
	Secret  string
}

// Options configures one agent invocation.
type Options struct {
	Prompt     string
	Dir        string // working directory
	SessionID  string // resume this session when set
	OutputsDir string
	API        APIContext

	// Execution policy from the bot config.
	AllowedTools []string
	MaxTurns     int
	Model        string

	// Bin overrides the CLI binary path. Empty means "claude" from PATH.
	Bin string
}

// Execution is a handle on a running agent invocation.
type Execution struct {
	events <-chan Event
	input  chan<- []byte

	cmd        *exec.Cmd
	finishOnce sync.Once
	closeIn    func()
}

// Events returns the event stream. The channel closes after a ResultEvent,
// when the subprocess exits, or when the context is cancelled; a close
// without a prior ResultEvent means the process died and the caller must
// synthesize a terminal state.
func (e *Execution) Events() <-chan Event { return e.events }

// SendAnswer enqueues a tool_result answering an AskUserQuestion call.
// Non-blocking from the caller's perspective; safe to call from a goroutine
// other than the event consumer.
func (e *Execution) SendAnswer(toolUseID, sessionID, answerJSON string) {
	msg := map[string]any{
		"type": "user",
		"message": map[string]any{
			"role": "user",
			"content": []map[string]any{{
				"type":        "tool_result",
				"tool_use_id": toolUseID,
				"content":     answerJSON,
			}},
		},
	}
	if sessionID != "" {
		msg["session_id"] = sessionID
	}
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Warn("marshal answer failed", "error", err)
		return
	}
	select {
	case e.input <- data:
	default:
		slog.Warn("agent input queue full, dropping answer", "tool_use_id", toolUseID)
	}
}

// Finish signals that no more input will be sent. The subprocess sees EOF
// on stdin and can shut down gracefully. Idempotent.
func (e *Execution) Finish() {
	e.finishOnce.Do(e.closeIn)
}

// Start spawns the agent CLI and wires up its stream. The returned
// execution must be consumed until its event channel closes.
func Start(ctx context.Context, opts Options) (*Execution, error) {
	bin := opts.Bin
	if bin == "" {
		bin = defaultBin
	}

	args := []string{
		"-p",
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
	}
	if opts.SessionID != "" {
		args = append(args, "--resume", opts.SessionID)
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(opts.MaxTurns))
	}
	for _, tool := range opts.AllowedTools {
		args = append(args, "--allowedTools", tool)
	}
	if sys := systemPromptFor(opts); sys != "" {
		args = append(args, "--append-system-prompt", sys)
	}

	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = opts.Dir
	cmd.WaitDelay = killGrace
	cmd.Cancel = func() error {
		// Advisory: close stdin first so the CLI can flush a result line.
		return cmd.Process.Kill()
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("agent stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("agent stdout: %w", err)
	}
	cmd.Stderr = nil // CLI progress noise; the stream carries the errors we act on

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start agent: %w", err)
	}
	slog.Info("agent started", "pid", cmd.Process.Pid, "dir", opts.Dir, "resume", opts.SessionID != "")

	events := make(chan Event, 64)
	input := make(chan []byte, 16)
	inputDone := make(chan struct{})

	// Writer goroutine owns stdin; closing the input channel closes stdin.
	go func() {
		defer close(inputDone)
		defer stdin.Close()
		for data := range input {
			if _, err := stdin.Write(append(data, '\n')); err != nil {
				slog.Warn("agent stdin write failed", "error", err)
				return
			}
		}
	}()

	// Reader goroutine owns stdout; closes the event channel on EOF.
	go func() {
		defer close(events)
		defer cmd.Wait()

		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64<<10), maxStreamLine)
		for scanner.Scan() {
			evs, err := ParseLine(scanner.Bytes())
			if err != nil {
				slog.Warn("agent stream parse failed", "error", err)
				continue
			}
			for _, ev := range evs {
				select {
				case events <- ev:
				case <-ctx.Done():
					return
				}
				// The result is the last event that matters; stop reading
				// so the channel closes even if the process lingers.
				if _, done := ev.(ResultEvent); done {
					return
				}
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			slog.Warn("agent stream read failed", "error", err)
		}
	}()

	ex := &Execution{
		events: events,
		input:  input,
		cmd:    cmd,
		closeIn: func() {
			close(input)
			// Give the writer a moment to drain before callers proceed.
			select {
			case <-inputDone:
			case <-time.After(time.Second):
			}
		},
	}

	// Deliver the initial prompt as the first user message.
	promptMsg, err := json.Marshal(map[string]any{
		"type": "user",
		"message": map[string]any{
			"role": "user",
			"content": []map[string]any{
				{"type": "text", "text": opts.Prompt},
			},
		},
	})
	if err != nil {
		ex.Finish()
		return nil, fmt.Errorf("marshal prompt: %w", err)
	}
	input <- promptMsg

	return ex, nil
}

// systemPromptFor builds the appended system prompt carrying the outputs
// directory contract and the control-API coordinates.
func systemPromptFor(opts Options) string {
	var parts []string
	if opts.OutputsDir != "" {
		parts = append(parts, fmt.Sprintf(
			"Files you want delivered to the user must be written to %s.", opts.OutputsDir))
	}
	if opts.API.Port > 0 {
		line := fmt.Sprintf(
			"A control API runs at http://127.0.0.1:%d. You are bot %q in chat %q. "+
				"POST /api/schedule with {botName, chatId, prompt, delaySeconds} schedules a follow-up task for yourself.",
			opts.API.Port, opts.API.BotName, opts.API.ChatID)
		if opts.API.Secret != "" {
			line += " Send Authorization: Bearer " + opts.API.Secret + "."
		}
		parts = append(parts, line)
	}
	if len(parts) == 0 {
		return ""
	}
	out := parts[0]
	for _, p := range parts[1:] {
		out += "\n" + p
	}
	return out
}
