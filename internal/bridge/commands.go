package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nextlevelbuilder/metabot/internal/audit"
	"github.com/nextlevelbuilder/metabot/internal/channels"
)

const helpText = `Send any message to start a task. While a task runs, new
messages queue behind it (up to 5).

Commands:
/help - show this help
/reset - start a fresh agent session
/stop - abort the running task
/status - show session and task state
/memory list | search <query> | status - query the memory service

When the agent asks a question, reply with the option number or free text.`

// dispatchCommand handles a slash command. It returns false for commands
// it does not recognize so they can run as ordinary prompts.
func (b *Bridge) dispatchCommand(ctx context.Context, msg channels.IncomingMessage) bool {
	fields := strings.Fields(msg.Text)
	if len(fields) == 0 {
		return false
	}
	// Telegram clients send /cmd@botname in groups.
	cmd, _, _ := strings.Cut(fields[0], "@")

	switch cmd {
	case "/help":
		b.notice(ctx, msg.ChatID, "Metabot Help", helpText, channels.ColorBlue)
	case "/reset":
		b.cmdReset(ctx, msg)
	case "/stop":
		b.cmdStop(ctx, msg)
	case "/status":
		b.cmdStatus(ctx, msg)
	case "/memory":
		b.cmdMemory(ctx, msg, fields[1:])
	default:
		return false
	}
	return true
}

func (b *Bridge) cmdReset(ctx context.Context, msg channels.IncomingMessage) {
	if b.IsBusy(msg.ChatID) {
		b.notice(ctx, msg.ChatID, "Task Running",
			"A task is still running. Use /stop first, then /reset.",
			channels.ColorOrange)
		return
	}
	b.sessions.Reset(msg.ChatID)
	b.notice(ctx, msg.ChatID, "Session Reset",
		"Started a fresh session. The next message begins a new conversation.",
		channels.ColorGreen)
}

func (b *Bridge) cmdStop(ctx context.Context, msg channels.IncomingMessage) {
	b.mu.Lock()
	task := b.running[msg.ChatID]
	if task == nil {
		b.mu.Unlock()
		b.notice(ctx, msg.ChatID, "No Running Task",
			"There is nothing to stop.", channels.ColorBlue)
		return
	}
	task.aborted = true
	task.pendingQuestion = nil
	if task.questionTimer != nil {
		task.questionTimer.Stop()
		task.questionTimer = nil
	}
	if task.exec != nil {
		task.exec.Finish()
	}
	cancel := task.cancel
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	b.auditLog.Emit(audit.Event{
		Type:    audit.TaskStopped,
		BotName: b.cfg.Name,
		ChatID:  msg.ChatID,
		UserID:  msg.UserID,
		Detail:  "user issued /stop",
	})
	b.notice(ctx, msg.ChatID, "Task Stopped",
		"The running task was aborted.", channels.ColorOrange)
}

func (b *Bridge) cmdStatus(ctx context.Context, msg channels.IncomingMessage) {
	sess := b.sessions.Get(msg.ChatID)

	sessionLabel := "none"
	if sess.SessionID != "" {
		id := sess.SessionID
		if len(id) > 8 {
			id = id[:8]
		}
		sessionLabel = id
	}

	state := "idle"
	b.mu.Lock()
	if task := b.running[msg.ChatID]; task != nil {
		state = fmt.Sprintf("running (%s)", time.Since(task.startTime).Round(time.Second))
		if task.pendingQuestion != nil {
			state = "waiting for your answer"
		}
	}
	queued := len(b.queues[msg.ChatID])
	b.mu.Unlock()

	status := fmt.Sprintf("Bot: %s\nUser: %s\nWorking dir: %s\nSession: %s\nTask: %s\nQueued: %d",
		b.cfg.Name, msg.UserID, sess.WorkingDir, sessionLabel, state, queued)
	if err := b.sender.SendText(ctx, msg.ChatID, status); err != nil {
		slog.Warn("status send failed", "bot", b.cfg.Name, "chat", msg.ChatID, "error", err)
	}
}

func (b *Bridge) cmdMemory(ctx context.Context, msg channels.IncomingMessage, args []string) {
	if !b.memory.Configured() {
		b.notice(ctx, msg.ChatID, "Memory",
			"No memory service is configured for this bot.", channels.ColorOrange)
		return
	}
	if len(args) == 0 {
		b.notice(ctx, msg.ChatID, "Memory",
			"Usage: /memory list | search <query> | status", channels.ColorBlue)
		return
	}

	switch args[0] {
	case "list":
		docs, err := b.memory.List(ctx)
		if err != nil {
			b.notice(ctx, msg.ChatID, "Memory", "List failed: "+err.Error(), channels.ColorRed)
			return
		}
		if len(docs) == 0 {
			b.notice(ctx, msg.ChatID, "Memory", "No documents stored.", channels.ColorBlue)
			return
		}
		var sb strings.Builder
		for i, d := range docs {
			if i == 20 {
				fmt.Fprintf(&sb, "... and %d more", len(docs)-i)
				break
			}
			sb.WriteString(d.Path)
			sb.WriteByte('\n')
		}
		b.notice(ctx, msg.ChatID, fmt.Sprintf("Memory (%d documents)", len(docs)),
			strings.TrimRight(sb.String(), "\n"), channels.ColorBlue)

	case "search":
		query := strings.Join(args[1:], " ")
		if query == "" {
			b.notice(ctx, msg.ChatID, "Memory", "Usage: /memory search <query>", channels.ColorBlue)
			return
		}
		hits, err := b.memory.Search(ctx, query)
		if err != nil {
			b.notice(ctx, msg.ChatID, "Memory", "Search failed: "+err.Error(), channels.ColorRed)
			return
		}
		if len(hits) == 0 {
			b.notice(ctx, msg.ChatID, "Memory", "No matches for "+query, channels.ColorBlue)
			return
		}
		var sb strings.Builder
		for i, h := range hits {
			if i == 10 {
				break
			}
			fmt.Fprintf(&sb, "%s\n%s\n\n", h.Path, h.Snippet)
		}
		b.notice(ctx, msg.ChatID, "Memory Search", strings.TrimSpace(sb.String()), channels.ColorBlue)

	case "status", "health":
		h, err := b.memory.Health(ctx)
		if err != nil {
			b.notice(ctx, msg.ChatID, "Memory", "Health check failed: "+err.Error(), channels.ColorRed)
			return
		}
		b.notice(ctx, msg.ChatID, "Memory",
			fmt.Sprintf("Status: %s, %d documents", h.Status, h.Documents), channels.ColorGreen)

	default:
		b.notice(ctx, msg.ChatID, "Memory",
			"Usage: /memory list | search <query> | status", channels.ColorBlue)
	}
}
