// Package bridge is the per-chat orchestrator: it turns inbound chat
// messages into agent tasks, serializes one task per chat, streams card
// updates back, and runs the question/answer protocol with the agent.
package bridge

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/metabot/internal/agent"
	"github.com/nextlevelbuilder/metabot/internal/audit"
	"github.com/nextlevelbuilder/metabot/internal/channels"
	"github.com/nextlevelbuilder/metabot/internal/config"
	"github.com/nextlevelbuilder/metabot/internal/costs"
	"github.com/nextlevelbuilder/metabot/internal/memory"
	"github.com/nextlevelbuilder/metabot/internal/metrics"
	"github.com/nextlevelbuilder/metabot/internal/outputs"
	"github.com/nextlevelbuilder/metabot/internal/sessions"
	"github.com/nextlevelbuilder/metabot/internal/throttle"
)

const (
	// maxQueueSize bounds messages waiting behind a running task.
	maxQueueSize = 5

	// taskTimeout is the overall per-task wall-clock limit.
	taskTimeout = 24 * time.Hour

	// idleTimeout aborts a task when the agent stream goes quiet.
	idleTimeout = time.Hour

	// questionTimeout auto-answers an unanswered agent question.
	questionTimeout = 5 * time.Minute
)

// Deps are the collaborators a Bridge needs. All are required except
// Memory and Audit.
type Deps struct {
	Config   *config.BotConfig
	Sender   channels.Sender
	Sessions *sessions.Manager
	Outputs  *outputs.Manager
	Memory   *memory.Client
	Audit    *audit.Logger
	Costs    *costs.Tracker
	Metrics  *metrics.Registry

	// AgentBin overrides the agent CLI binary.
	AgentBin string
	// API describes the control API the agent may call back into.
	APIPort   int
	APISecret string
}

// Bridge orchestrates agent tasks for one bot.
type Bridge struct {
	cfg      *config.BotConfig
	sender   channels.Sender
	sessions *sessions.Manager
	outputs  *outputs.Manager
	memory   *memory.Client
	auditLog *audit.Logger
	costs    *costs.Tracker
	metrics  *metrics.Registry
	agentBin string
	apiPort  int
	apiSecret string

	mu        sync.Mutex
	running   map[string]*runningTask
	queues    map[string][]channels.IncomingMessage
	destroyed bool
	wg        sync.WaitGroup
}

// runningTask is the in-memory record of one in-flight agent invocation.
// Fields after the mutex comment are guarded by Bridge.mu because timer
// callbacks touch them from other goroutines.
type runningTask struct {
	chatID    string
	userID    string
	startTime time.Time
	cancel    context.CancelFunc
	limiter   *throttle.Limiter

	// guarded by Bridge.mu
	exec            *agent.Execution
	cardID          string
	sessionID       string
	pendingQuestion *agent.PendingQuestion
	questionTimer   *time.Timer
	timedOut        bool
	idledOut        bool
	aborted         bool
}

// New creates a Bridge for one bot.
func New(d Deps) *Bridge {
	return &Bridge{
		cfg:       d.Config,
		sender:    d.Sender,
		sessions:  d.Sessions,
		outputs:   d.Outputs,
		memory:    d.Memory,
		auditLog:  d.Audit,
		costs:     d.Costs,
		metrics:   d.Metrics,
		agentBin:  d.AgentBin,
		apiPort:   d.APIPort,
		apiSecret: d.APISecret,
		running:   make(map[string]*runningTask),
		queues:    make(map[string][]channels.IncomingMessage),
	}
}

// BotName returns the bot this bridge serves.
func (b *Bridge) BotName() string { return b.cfg.Name }

// IsBusy reports whether a task is running for the chat.
func (b *Bridge) IsBusy(chatID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running[chatID] != nil
}

// HandleMessage is the single entry point for inbound chat messages.
// It returns quickly; task execution happens on its own goroutine.
func (b *Bridge) HandleMessage(ctx context.Context, msg channels.IncomingMessage) {
	if !b.cfg.UserAuthorized(msg.UserID) || !b.cfg.ChatAuthorized(msg.ChatID) {
		slog.Warn("unauthorized message ignored",
			"bot", b.cfg.Name, "chat", msg.ChatID, "user", msg.UserID)
		return
	}

	if strings.HasPrefix(msg.Text, "/") {
		if b.dispatchCommand(ctx, msg) {
			return
		}
		// Unrecognized commands fall through as agent prompts.
	}

	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return
	}

	if task := b.running[msg.ChatID]; task != nil {
		if task.pendingQuestion != nil {
			pq := task.pendingQuestion
			b.mu.Unlock()
			b.handleQuestionReply(ctx, task, pq, msg)
			return
		}

		queue := b.queues[msg.ChatID]
		if len(queue) >= maxQueueSize {
			b.mu.Unlock()
			b.notice(ctx, msg.ChatID, "Queue Full",
				"The queue is full (5 messages). Use /stop to abort the current task.",
				channels.ColorOrange)
			return
		}
		b.queues[msg.ChatID] = append(queue, msg)
		pos := len(b.queues[msg.ChatID])
		b.mu.Unlock()

		b.metrics.SetGauge(metrics.QueuedMessages, float64(pos), map[string]string{"bot": b.cfg.Name})
		b.notice(ctx, msg.ChatID, "Queued",
			"A task is already running. Queued position #"+strconv.Itoa(pos)+".",
			channels.ColorBlue)
		return
	}

	task := b.reserveLocked(msg.ChatID, msg.UserID)
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.runInteractive(task, msg)
	}()
}

// reserveLocked registers the running-task slot for a chat. Caller holds
// b.mu and has verified the slot is free.
func (b *Bridge) reserveLocked(chatID, userID string) *runningTask {
	task := &runningTask{
		chatID:    chatID,
		userID:    userID,
		startTime: time.Now(),
		limiter:   throttle.NewLimiter(throttle.DefaultInterval),
	}
	b.running[chatID] = task
	return task
}

// release removes the task slot and starts the next queued message, if any.
func (b *Bridge) release(task *runningTask) {
	b.mu.Lock()
	delete(b.running, task.chatID)

	var next *channels.IncomingMessage
	var nextTask *runningTask
	if queue := b.queues[task.chatID]; len(queue) > 0 && !b.destroyed {
		msg := queue[0]
		b.queues[task.chatID] = queue[1:]
		next = &msg
		nextTask = b.reserveLocked(msg.ChatID, msg.UserID)
	}
	b.mu.Unlock()

	if next != nil {
		// Each drained item drains its own successor when it finishes.
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.runInteractive(nextTask, *next)
		}()
	}
}

// Destroy aborts all running tasks and stops background work.
func (b *Bridge) Destroy() {
	b.mu.Lock()
	b.destroyed = true
	for _, task := range b.running {
		task.aborted = true
		if task.questionTimer != nil {
			task.questionTimer.Stop()
			task.questionTimer = nil
		}
		if task.exec != nil {
			task.exec.Finish()
		}
		if task.cancel != nil {
			task.cancel()
		}
	}
	b.mu.Unlock()

	b.wg.Wait()
	b.sessions.Close()
}

// notice sends a themed notice, logging failures.
func (b *Bridge) notice(ctx context.Context, chatID, title, content, color string) {
	if err := b.sender.SendTextNotice(ctx, chatID, title, content, color); err != nil {
		slog.Warn("notice send failed", "bot", b.cfg.Name, "chat", chatID, "error", err)
	}
}
