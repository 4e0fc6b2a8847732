package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/nextlevelbuilder/metabot/internal/agent"
	"github.com/nextlevelbuilder/metabot/internal/audit"
	"github.com/nextlevelbuilder/metabot/internal/channels"
	"github.com/nextlevelbuilder/metabot/internal/metrics"
)

// finalCardAttempts and finalCardBackoff govern the terminal card update.
// Losing the final card loses the task's answer, so it gets retries where
// intermediate updates are best-effort.
const finalCardAttempts = 3

var finalCardBackoff = []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}

// APITaskOptions describes a task submitted over the control API or by
// the scheduler rather than by a chat message.
type APITaskOptions struct {
	ChatID string
	UserID string
	Prompt string
	// SendCards mirrors progress into the chat. When false the stream is
	// consumed silently and only the result is returned.
	SendCards bool
}

// APITaskResult is the synchronous outcome of an API-submitted task.
type APITaskResult struct {
	Success    bool    `json:"success"`
	Response   string  `json:"response,omitempty"`
	Error      string  `json:"error,omitempty"`
	CostUSD    float64 `json:"costUsd,omitempty"`
	DurationMS int64   `json:"durationMs,omitempty"`
	SessionID  string  `json:"sessionId,omitempty"`
}

// execRequest is the internal union of interactive and API invocations.
type execRequest struct {
	prompt       string // full prompt handed to the agent
	display      string // prompt rendered on the card
	sendCards    bool
	autoAnswer   bool   // answer agent questions immediately without a human
	downloadsDir string // attachment staging dir removed after the task
}

// ExecuteAPITask runs a task synchronously for the scheduler or control
// API. The chat's one-task invariant applies: a busy chat is an error.
func (b *Bridge) ExecuteAPITask(ctx context.Context, opts APITaskOptions) APITaskResult {
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return APITaskResult{Error: "bot is shutting down"}
	}
	if b.running[opts.ChatID] != nil {
		b.mu.Unlock()
		return APITaskResult{Error: "chat is busy with another task"}
	}
	task := b.reserveLocked(opts.ChatID, opts.UserID)
	b.mu.Unlock()

	return b.execute(task, execRequest{
		prompt:     opts.Prompt,
		display:    opts.Prompt,
		sendCards:  opts.SendCards,
		autoAnswer: true,
	})
}

// runInteractive prepares an inbound chat message (attachments included)
// and executes it. Runs on its own goroutine; the slot is already reserved.
func (b *Bridge) runInteractive(task *runningTask, msg channels.IncomingMessage) {
	prompt, display, downloadsDir := b.preparePrompt(msg)
	b.execute(task, execRequest{
		prompt:       prompt,
		display:      display,
		sendCards:    true,
		downloadsDir: downloadsDir,
	})
}

// preparePrompt downloads any attachment and folds it into the prompt.
// Download failures degrade to a note in the prompt, never a failed task.
func (b *Bridge) preparePrompt(msg channels.IncomingMessage) (prompt, display, downloadsDir string) {
	prompt = msg.Text
	display = msg.Text

	if !msg.HasAttachment() {
		return prompt, display, ""
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	dir := filepath.Join(b.cfg.DownloadsDir, fmt.Sprintf("%s-%d", sanitizeSegment(msg.ChatID), time.Now().UnixNano()))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Warn("downloads dir failed", "bot", b.cfg.Name, "error", err)
		return prompt, display, ""
	}

	switch {
	case msg.ImageKey != "":
		path := filepath.Join(dir, "image.png")
		if err := b.sender.DownloadImage(ctx, msg.MessageID, msg.ImageKey, path); err != nil {
			slog.Warn("image download failed", "bot", b.cfg.Name, "chat", msg.ChatID, "error", err)
			prompt = "(The user attached an image, but it could not be downloaded.)\n\n" + prompt
		} else {
			prompt = fmt.Sprintf("The user sent an image saved at %s. Read it if relevant to the request.\n\n%s", path, prompt)
		}
		display = "[image] " + display

	case msg.FileKey != "":
		name := msg.FileName
		if name == "" {
			name = "attachment"
		}
		path := filepath.Join(dir, filepath.Base(name))
		if err := b.sender.DownloadFile(ctx, msg.MessageID, msg.FileKey, path); err != nil {
			slog.Warn("file download failed", "bot", b.cfg.Name, "chat", msg.ChatID, "error", err)
			prompt = "(The user attached a file, but it could not be downloaded.)\n\n" + prompt
		} else {
			prompt = fmt.Sprintf("The user sent a file saved at %s. Read it if relevant to the request.\n\n%s", path, prompt)
		}
		display = "[file: " + name + "] " + display
	}

	return prompt, display, dir
}

// execute runs one agent task to completion. The running slot is already
// reserved; execute always releases it (and drains the queue) on the way
// out.
func (b *Bridge) execute(task *runningTask, req execRequest) APITaskResult {
	defer b.release(task)
	defer b.outputsGaugeSync()

	chatID := task.chatID
	labels := map[string]string{"bot": b.cfg.Name}

	sess := b.sessions.Get(chatID)

	outputsDir, err := b.outputs.PrepareDir(chatID)
	if err != nil {
		slog.Warn("outputs dir unavailable", "bot", b.cfg.Name, "chat", chatID, "error", err)
		outputsDir = ""
	}

	processor := agent.NewStreamProcessor(req.display)

	var cardID string
	if req.sendCards {
		cardID, err = b.sender.SendCard(context.Background(), chatID, processor.State())
		if err != nil {
			slog.Warn("initial card failed", "bot", b.cfg.Name, "chat", chatID, "error", err)
			cardID = ""
		}
	}

	taskCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ex, err := agent.Start(taskCtx, agent.Options{
		Prompt:       req.prompt,
		Dir:          sess.WorkingDir,
		SessionID:    sess.SessionID,
		OutputsDir:   outputsDir,
		AllowedTools: b.cfg.AllowedTools,
		MaxTurns:     b.cfg.MaxTurns,
		Model:        b.cfg.Model,
		Bin:          b.agentBin,
		API: agent.APIContext{
			BotName: b.cfg.Name,
			ChatID:  chatID,
			Port:    b.apiPort,
			Secret:  b.apiSecret,
		},
	})
	if err != nil {
		slog.Error("agent start failed", "bot", b.cfg.Name, "chat", chatID, "error", err)
		result := APITaskResult{Error: "failed to start agent: " + err.Error()}
		if req.sendCards {
			b.notice(context.Background(), chatID, "Task Failed", result.Error, channels.ColorRed)
		}
		b.outputs.Cleanup(outputsDir)
		b.cleanupDownloads(req.downloadsDir)
		return result
	}

	b.mu.Lock()
	task.cancel = cancel
	task.exec = ex
	alreadyAborted := task.aborted
	b.mu.Unlock()
	if alreadyAborted {
		ex.Finish()
		cancel()
	}

	b.metrics.AddGauge(metrics.ActiveTasks, 1, labels)
	b.metrics.IncCounter(metrics.TasksTotal, 1, labels)
	defer b.metrics.AddGauge(metrics.ActiveTasks, -1, labels)

	b.auditLog.Emit(audit.Event{
		Type:    audit.TaskStart,
		BotName: b.cfg.Name,
		ChatID:  chatID,
		UserID:  task.userID,
		Detail:  truncateForAudit(req.display),
	})

	overall := time.AfterFunc(taskTimeout, func() { b.expireTask(task, cancel, true) })
	idle := time.AfterFunc(idleTimeout, func() { b.expireTask(task, cancel, false) })
	defer overall.Stop()
	defer idle.Stop()

	var finalState *agent.CardState
	for ev := range ex.Events() {
		idle.Reset(idleTimeout)

		// A timer or command may have answered the question out of band.
		b.mu.Lock()
		questionGone := task.pendingQuestion == nil
		b.mu.Unlock()
		if questionGone && processor.State().PendingQuestion != nil {
			processor.ClearPendingQuestion()
		}

		state := processor.Process(ev)

		if sid := processor.SessionID(); sid != "" && sid != sess.SessionID {
			sess.SessionID = sid
			b.sessions.SetSessionID(chatID, sid)
			b.mu.Lock()
			task.sessionID = sid
			b.mu.Unlock()
		}

		if state.Status == agent.StatusWaitingForInput && state.PendingQuestion != nil {
			b.onQuestion(task, ex, processor, state, req, cardID)
			continue
		}

		if state.Status.Terminal() {
			// The stream is done; the final card is delivered below with
			// retries, so skip the throttled update path.
			finalState = state
			break
		}

		if cardID != "" {
			update := state
			task.limiter.Schedule(func() {
				if err := b.sender.UpdateCard(context.Background(), cardID, update); err != nil {
					slog.Warn("card update failed", "bot", b.cfg.Name, "chat", chatID, "error", err)
				}
			})
		}
	}

	overall.Stop()
	idle.Stop()
	b.mu.Lock()
	if task.questionTimer != nil {
		task.questionTimer.Stop()
		task.questionTimer = nil
	}
	task.pendingQuestion = nil
	timedOut, idledOut, aborted := task.timedOut, task.idledOut, task.aborted
	b.mu.Unlock()
	ex.Finish()

	final := b.synthesizeFinal(processor, finalState, timedOut, idledOut, aborted)
	durationMS := time.Since(task.startTime).Milliseconds()
	if final.DurationMS == 0 {
		final.DurationMS = durationMS
	}

	if req.sendCards {
		task.limiter.CancelAndWait()
		b.deliverFinalCard(chatID, cardID, final)
		b.sendOutputs(chatID, outputsDir, processor)
	}

	b.recordOutcome(task, final, timedOut, idledOut, aborted, durationMS, labels)

	b.outputs.Cleanup(outputsDir)
	b.cleanupDownloads(req.downloadsDir)

	return APITaskResult{
		Success:    final.Status == agent.StatusComplete,
		Response:   final.ResponseText,
		Error:      final.ErrorMessage,
		CostUSD:    final.CostUSD,
		DurationMS: final.DurationMS,
		SessionID:  processor.SessionID(),
	}
}

// expireTask marks a task timed out (overall=true) or idle-expired and
// tears down the subprocess. Runs on a timer goroutine.
func (b *Bridge) expireTask(task *runningTask, cancel context.CancelFunc, overall bool) {
	b.mu.Lock()
	if overall {
		task.timedOut = true
	} else {
		task.idledOut = true
	}
	task.pendingQuestion = nil
	if task.questionTimer != nil {
		task.questionTimer.Stop()
		task.questionTimer = nil
	}
	if task.exec != nil {
		task.exec.Finish()
	}
	b.mu.Unlock()
	cancel()
}

// synthesizeFinal produces the terminal card state. Abort causes override
// whatever the stream last said; a stream that died without a result
// becomes an error unless text already accumulated.
func (b *Bridge) synthesizeFinal(processor *agent.StreamProcessor, finalState *agent.CardState, timedOut, idledOut, aborted bool) *agent.CardState {
	final := finalState
	if final == nil {
		final = processor.State()
	}
	final.PendingQuestion = nil

	switch {
	case timedOut:
		final.Status = agent.StatusError
		final.ErrorMessage = "Task timed out (1 hour limit)"
	case idledOut:
		final.Status = agent.StatusError
		final.ErrorMessage = "Task aborted: no activity for 5 minutes"
	case aborted:
		final.Status = agent.StatusError
		final.ErrorMessage = "Task was stopped"
	default:
		if !final.Status.Terminal() {
			if final.ResponseText != "" {
				final.Status = agent.StatusComplete
			} else {
				final.Status = agent.StatusError
				final.ErrorMessage = "Claude session ended unexpectedly"
			}
		}
	}
	return final
}

// deliverFinalCard pushes the terminal state with retries, then degrades
// to a plain text message so the user always learns the outcome.
func (b *Bridge) deliverFinalCard(chatID, cardID string, final *agent.CardState) {
	ctx := context.Background()

	push := func() error {
		if cardID == "" {
			_, err := b.sender.SendCard(ctx, chatID, final)
			return err
		}
		return b.sender.UpdateCard(ctx, cardID, final)
	}

	var err error
	for attempt := 0; attempt < finalCardAttempts; attempt++ {
		if err = push(); err == nil {
			return
		}
		slog.Warn("final card push failed", "bot", b.cfg.Name, "chat", chatID,
			"attempt", attempt+1, "error", err)
		if attempt < len(finalCardBackoff) {
			time.Sleep(finalCardBackoff[attempt])
		}
	}

	// Plain text fallback, truncated to stay under platform limits.
	var text string
	if final.Status == agent.StatusComplete {
		text = "✅ " + truncateText(final.ResponseText, 2048)
	} else {
		text = "❌ " + truncateText(final.ErrorMessage, 2048)
	}
	if err := b.sender.SendText(ctx, chatID, text); err != nil {
		slog.Error("final fallback text failed", "bot", b.cfg.Name, "chat", chatID, "error", err)
	}
}

// recordOutcome emits audit, cost, and metric records for a finished task.
func (b *Bridge) recordOutcome(task *runningTask, final *agent.CardState, timedOut, idledOut, aborted bool, durationMS int64, labels map[string]string) {
	eventType := audit.TaskComplete
	switch {
	case timedOut:
		eventType = audit.TaskTimeout
	case idledOut:
		eventType = audit.TaskIdleTimeout
	case aborted:
		eventType = audit.TaskStopped
	case final.Status == agent.StatusError:
		eventType = audit.TaskError
	}

	b.auditLog.Emit(audit.Event{
		Type:       eventType,
		BotName:    b.cfg.Name,
		ChatID:     task.chatID,
		UserID:     task.userID,
		Detail:     truncateForAudit(final.ErrorMessage),
		CostUSD:    final.CostUSD,
		DurationMS: durationMS,
	})

	success := final.Status == agent.StatusComplete
	b.costs.Record(b.cfg.Name, task.userID, success, final.CostUSD, durationMS)

	statusLabel := "error"
	if success {
		statusLabel = "success"
	}
	b.metrics.IncCounter(metrics.TasksByStatus, 1, map[string]string{"bot": b.cfg.Name, "status": statusLabel})
	b.metrics.Observe(metrics.TaskDurationSeconds, float64(durationMS)/1000)
	if final.CostUSD > 0 {
		b.metrics.Observe(metrics.TaskCostUSD, final.CostUSD)
	}

	if b.cfg.MaxBudgetUSD > 0 {
		snap := b.costs.Snapshot()
		if usage, ok := snap.Bots[b.cfg.Name]; ok && usage.TotalCostUSD > b.cfg.MaxBudgetUSD {
			slog.Warn("bot over budget", "bot", b.cfg.Name,
				"spent_usd", usage.TotalCostUSD, "budget_usd", b.cfg.MaxBudgetUSD)
		}
	}
}

// outputsGaugeSync refreshes the queued-messages gauge after a release.
func (b *Bridge) outputsGaugeSync() {
	b.mu.Lock()
	total := 0
	for _, q := range b.queues {
		total += len(q)
	}
	b.mu.Unlock()
	b.metrics.SetGauge(metrics.QueuedMessages, float64(total), map[string]string{"bot": b.cfg.Name})
}

func (b *Bridge) cleanupDownloads(dir string) {
	if dir == "" {
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		slog.Warn("downloads cleanup failed", "dir", dir, "error", err)
	}
}

func truncateForAudit(s string) string {
	return truncateText(s, 500)
}

func truncateText(s string, max int) string {
	if len(s) <= max {
		return s
	}
	// Cut on a rune boundary.
	cut := max
	for cut > 0 && (s[cut]&0xC0) == 0x80 {
		cut--
	}
	return s[:cut] + "..."
}

// sanitizeSegment mirrors the outputs manager's directory-name rule for
// the downloads staging dir.
func sanitizeSegment(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '-' || c == '_' {
			out = append(out, c)
		} else {
			out = append(out, '_')
		}
	}
	return string(out)
}
