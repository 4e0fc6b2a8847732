package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/nextlevelbuilder/metabot/internal/agent"
	"github.com/nextlevelbuilder/metabot/internal/channels"
)

// Stock answers injected when no human reply is available.
const (
	timeoutAnswer = "No response within 5 minutes. Please decide on your own and proceed."
	autoAnswer    = "Please decide on your own and proceed."
)

// onQuestion reacts to the agent entering waiting_for_input. API tasks
// answer immediately; interactive tasks park the question on the card and
// arm the auto-answer timer.
func (b *Bridge) onQuestion(task *runningTask, ex *agent.Execution, processor *agent.StreamProcessor, state *agent.CardState, req execRequest, cardID string) {
	pq := state.PendingQuestion

	if req.autoAnswer {
		ex.SendAnswer(pq.ToolUseID, processor.SessionID(), stockAnswerJSON(autoAnswer))
		processor.ClearPendingQuestion()
		return
	}

	b.mu.Lock()
	task.pendingQuestion = pq
	if task.questionTimer != nil {
		task.questionTimer.Stop()
	}
	task.questionTimer = time.AfterFunc(questionTimeout, func() {
		b.questionTimeoutFire(task)
	})
	b.mu.Unlock()

	// The question must reach the user now, not on the next throttle tick.
	if cardID != "" {
		update := state
		task.limiter.Schedule(func() {
			if err := b.sender.UpdateCard(context.Background(), cardID, update); err != nil {
				slog.Warn("question card update failed", "bot", b.cfg.Name, "chat", task.chatID, "error", err)
			}
		})
		task.limiter.Flush()
	}
}

// questionTimeoutFire auto-answers a question the user never addressed.
func (b *Bridge) questionTimeoutFire(task *runningTask) {
	b.mu.Lock()
	pq := task.pendingQuestion
	task.pendingQuestion = nil
	task.questionTimer = nil
	ex := task.exec
	sid := task.sessionID
	b.mu.Unlock()

	if pq == nil || ex == nil {
		return
	}
	slog.Info("question timed out, auto-answering",
		"bot", b.cfg.Name, "chat", task.chatID, "tool_use_id", pq.ToolUseID)
	ex.SendAnswer(pq.ToolUseID, sid, stockAnswerJSON(timeoutAnswer))
	b.notice(context.Background(), task.chatID, "Question Timed Out",
		"No answer within 5 minutes. The agent will proceed on its own.",
		channels.ColorOrange)
}

// handleQuestionReply turns an inbound chat message into the answer for
// the pending question.
func (b *Bridge) handleQuestionReply(ctx context.Context, task *runningTask, pq *agent.PendingQuestion, msg channels.IncomingMessage) {
	if msg.HasAttachment() || strings.TrimSpace(msg.Text) == "" {
		b.notice(ctx, msg.ChatID, "Answer Needed",
			"Please answer with an option number or plain text.", channels.ColorOrange)
		return
	}

	b.mu.Lock()
	if task.pendingQuestion == nil || task.pendingQuestion.ToolUseID != pq.ToolUseID {
		// Already answered by the timer or a racing message.
		b.mu.Unlock()
		return
	}
	task.pendingQuestion = nil
	if task.questionTimer != nil {
		task.questionTimer.Stop()
		task.questionTimer = nil
	}
	ex := task.exec
	sid := task.sessionID
	b.mu.Unlock()

	if ex == nil {
		return
	}
	ex.SendAnswer(pq.ToolUseID, sid, answersJSON(pq, msg.Text))
}

// answersJSON resolves the user's reply against each question. A reply
// that trims to an option's ordinal selects that option's label; anything
// else passes through as free text.
func answersJSON(pq *agent.PendingQuestion, reply string) string {
	trimmed := strings.TrimSpace(reply)
	answers := make(map[string]string, len(pq.Questions))
	for i, q := range pq.Questions {
		answer := trimmed
		if n, err := strconv.Atoi(trimmed); err == nil && n >= 1 && n <= len(q.Options) {
			answer = q.Options[n-1].Label
		}
		answers[answerKey(q, i)] = answer
	}
	return marshalAnswers(answers)
}

// stockAnswerJSON builds the synthetic answer payload for timeouts and
// unattended tasks.
func stockAnswerJSON(text string) string {
	key := "_auto"
	if text == timeoutAnswer {
		key = "_timeout"
	}
	return marshalAnswers(map[string]string{key: text})
}

func answerKey(q agent.Question, i int) string {
	if q.Header != "" {
		return q.Header
	}
	return fmt.Sprintf("question_%d", i+1)
}

func marshalAnswers(answers map[string]string) string {
	data, err := json.Marshal(map[string]any{"answers": answers})
	if err != nil {
		return `{"answers":{}}`
	}
	return string(data)
}
