// Package scheduler runs one-time and cron-recurring agent tasks against
// registered bots. State persists to a JSON file so schedules survive
// restarts; missed recurring fires are not replayed.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"github.com/nextlevelbuilder/metabot/internal/audit"
	"github.com/nextlevelbuilder/metabot/internal/metrics"
)

// Sentinel errors a TaskRunner reports so the scheduler can pick the
// right recovery.
var (
	ErrBotNotFound = errors.New("bot not found")
	ErrChatBusy    = errors.New("chat is busy")
)

// TaskRunner executes a scheduled task against a bot. It receives a copy
// of the task so it can honor sendCards and label.
type TaskRunner interface {
	Run(ctx context.Context, task Task) error
}

// RunnerFunc adapts a function to TaskRunner.
type RunnerFunc func(ctx context.Context, task Task) error

func (f RunnerFunc) Run(ctx context.Context, task Task) error {
	return f(ctx, task)
}

// Notifier delivers scheduler notices into a bot's chat. May be nil.
type Notifier interface {
	Notify(ctx context.Context, botName, chatID, title, content string) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, botName, chatID, title, content string) error

func (f NotifierFunc) Notify(ctx context.Context, botName, chatID, title, content string) error {
	return f(ctx, botName, chatID, title, content)
}

// Task statuses.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

const (
	// busyRetries and the retry interval govern fires that hit a chat
	// already running a task.
	busyRetries = 5

	// staleAfter fails pending tasks whose fire time passed while the
	// process was down.
	staleAfter = 24 * time.Hour

	// childRetention prunes finished recurring children.
	childRetention = 7 * 24 * time.Hour

	// maxTimerDelay is the longest single timer leg; longer waits re-arm.
	maxTimerDelay = time.Duration(1<<31-1) * time.Millisecond
)

// busyRetryInterval is a variable so tests can shrink it.
var busyRetryInterval = 30 * time.Second

// Task is one scheduled one-time execution.
type Task struct {
	ID        string    `json:"id"`
	BotName   string    `json:"botName"`
	ChatID    string    `json:"chatId"`
	Prompt    string    `json:"prompt"`
	ExecuteAt time.Time `json:"executeAt"`
	SendCards bool      `json:"sendCards"`
	Label     string    `json:"label,omitempty"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	// RetryCount is how many busy deferrals this task has burned. It
	// persists so a restart does not reset the budget.
	RetryCount  int        `json:"retryCount,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	// RecurringID links a child fire back to its recurring parent.
	RecurringID string `json:"recurringId,omitempty"`
}

// RecurringTask is a cron-driven schedule that spawns child Tasks.
type RecurringTask struct {
	ID            string     `json:"id"`
	BotName       string     `json:"botName"`
	ChatID        string     `json:"chatId"`
	Prompt        string     `json:"prompt"`
	CronExpr      string     `json:"cronExpr"`
	Timezone      string     `json:"timezone,omitempty"`
	SendCards     bool       `json:"sendCards"`
	Label         string     `json:"label,omitempty"`
	Paused        bool       `json:"paused"`
	CreatedAt     time.Time  `json:"createdAt"`
	LastFiredAt   *time.Time `json:"lastFiredAt,omitempty"`
	NextExecuteAt *time.Time `json:"nextExecuteAt,omitempty"`
}

// TaskSpec describes a one-time task to schedule.
type TaskSpec struct {
	BotName   string
	ChatID    string
	Prompt    string
	ExecuteAt time.Time
	SendCards bool
	Label     string
}

// TaskUpdate patches a pending task. Zero-valued fields keep the current
// value.
type TaskUpdate struct {
	Prompt    string
	ExecuteAt *time.Time
	Label     *string
	SendCards *bool
}

// RecurringSpec describes a recurring schedule to create.
type RecurringSpec struct {
	BotName   string
	ChatID    string
	Prompt    string
	CronExpr  string
	Timezone  string
	SendCards bool
	Label     string
}

// RecurringUpdate patches a recurring schedule. Zero-valued fields keep
// the current value.
type RecurringUpdate struct {
	Prompt    string
	CronExpr  string
	Timezone  string
	Label     *string
	SendCards *bool
}

// Scheduler owns all scheduled state. Safe for concurrent use.
type Scheduler struct {
	storePath string
	defaultTZ string
	runner    TaskRunner
	notifier  Notifier
	metrics   *metrics.Registry
	auditLog  *audit.Logger
	gron      *gronx.Gronx

	mu        sync.Mutex
	tasks     map[string]*Task
	recurring map[string]*RecurringTask
	timers    map[string]*time.Timer
	closed    bool
	wg        sync.WaitGroup
}

// New creates a Scheduler. Call Start to load persisted state and arm
// timers.
func New(storePath, defaultTZ string, runner TaskRunner, notifier Notifier, reg *metrics.Registry, auditLog *audit.Logger) *Scheduler {
	if defaultTZ == "" {
		defaultTZ = "Asia/Shanghai"
	}
	return &Scheduler{
		storePath: storePath,
		defaultTZ: defaultTZ,
		runner:    runner,
		notifier:  notifier,
		metrics:   reg,
		auditLog:  auditLog,
		gron:      gronx.New(),
		tasks:     make(map[string]*Task),
		recurring: make(map[string]*RecurringTask),
		timers:    make(map[string]*time.Timer),
	}
}

// Start loads persisted schedules and arms timers, applying restart
// recovery: crashed in-flight tasks fail, stale pending tasks fail,
// slightly overdue ones fire immediately, and recurring schedules get a
// fresh next-fire time with no catch-up.
func (s *Scheduler) Start() error {
	if err := s.load(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for _, task := range s.tasks {
		switch task.Status {
		case StatusRunning:
			task.Status = StatusFailed
			task.Error = "process restarted during execution"
			s.markDoneLocked(task, now)
		case StatusPending:
			overdue := now.Sub(task.ExecuteAt)
			if overdue > staleAfter {
				slog.Warn("dropping stale scheduled task",
					"task", task.ID, "execute_at", task.ExecuteAt)
				delete(s.tasks, task.ID)
				continue
			}
			s.armTaskLocked(task)
		}
	}
	s.pruneChildrenLocked(now)

	for _, rec := range s.recurring {
		if rec.Paused {
			rec.NextExecuteAt = nil
			continue
		}
		if err := s.rearmRecurringLocked(rec); err != nil {
			slog.Warn("recurring schedule unarmable", "id", rec.ID, "cron", rec.CronExpr, "error", err)
		}
	}

	s.saveLocked()
	return nil
}

// Close stops all timers and waits for in-flight fires.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// ScheduleTask schedules a one-time task. A zero delay is allowed and
// fires immediately; only clearly past times are rejected.
func (s *Scheduler) ScheduleTask(spec TaskSpec) (*Task, error) {
	if spec.BotName == "" || spec.ChatID == "" || spec.Prompt == "" {
		return nil, fmt.Errorf("botName, chatId, and prompt are required")
	}
	if time.Until(spec.ExecuteAt) < -time.Minute {
		return nil, fmt.Errorf("executeAt is in the past")
	}

	task := &Task{
		ID:        uuid.NewString(),
		BotName:   spec.BotName,
		ChatID:    spec.ChatID,
		Prompt:    spec.Prompt,
		ExecuteAt: spec.ExecuteAt,
		SendCards: spec.SendCards,
		Label:     spec.Label,
		Status:    StatusPending,
		CreatedAt: time.Now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("scheduler is shut down")
	}
	s.tasks[task.ID] = task
	s.armTaskLocked(task)
	s.saveLocked()

	cp := *task
	return &cp, nil
}

// UpdateTask changes a pending task's prompt, fire time, label, or card
// behavior.
func (s *Scheduler) UpdateTask(id string, upd TaskUpdate) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s not found", id)
	}
	if task.Status != StatusPending {
		return nil, fmt.Errorf("task %s is %s, only pending tasks can change", id, task.Status)
	}
	if upd.Prompt != "" {
		task.Prompt = upd.Prompt
	}
	if upd.Label != nil {
		task.Label = *upd.Label
	}
	if upd.SendCards != nil {
		task.SendCards = *upd.SendCards
	}
	if upd.ExecuteAt != nil {
		if time.Until(*upd.ExecuteAt) < -time.Minute {
			return nil, fmt.Errorf("executeAt is in the past")
		}
		task.ExecuteAt = *upd.ExecuteAt
		s.armTaskLocked(task)
	}
	s.saveLocked()

	cp := *task
	return &cp, nil
}

// CancelTask cancels a pending task.
func (s *Scheduler) CancelTask(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("task %s not found", id)
	}
	if task.Status != StatusPending {
		return fmt.Errorf("task %s is %s, only pending tasks can be cancelled", id, task.Status)
	}
	task.Status = StatusCancelled
	s.markDoneLocked(task, time.Now())
	s.stopTimerLocked(id)
	s.saveLocked()
	return nil
}

// GetTask returns a copy of one task.
func (s *Scheduler) GetTask(id string) (*Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, false
	}
	cp := *task
	return &cp, true
}

// ListTasks returns copies of all tasks, soonest first.
func (s *Scheduler) ListTasks() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		out = append(out, *task)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExecuteAt.Before(out[j].ExecuteAt) })
	return out
}

// TaskCount returns pending and total task counts.
func (s *Scheduler) TaskCount() (pending, total int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, task := range s.tasks {
		if task.Status == StatusPending {
			pending++
		}
	}
	return pending, len(s.tasks)
}

// armTaskLocked (re)arms the fire timer for a pending task. Delays past
// the timer ceiling wake up early and re-arm.
func (s *Scheduler) armTaskLocked(task *Task) {
	if s.closed {
		return
	}
	s.stopTimerLocked(task.ID)

	id := task.ID
	delay := time.Until(task.ExecuteAt)
	if delay < 0 {
		delay = 0
	}
	if delay > maxTimerDelay {
		s.timers[id] = time.AfterFunc(maxTimerDelay, func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if t, ok := s.tasks[id]; ok && t.Status == StatusPending {
				s.armTaskLocked(t)
			}
		})
		return
	}

	s.timers[id] = time.AfterFunc(delay, func() {
		s.fireTask(id)
	})
}

func (s *Scheduler) stopTimerLocked(id string) {
	if timer, ok := s.timers[id]; ok {
		timer.Stop()
		delete(s.timers, id)
	}
}

// markDoneLocked stamps completion time on a terminal task.
func (s *Scheduler) markDoneLocked(task *Task, now time.Time) {
	t := now
	task.CompletedAt = &t
}

// fireTask runs one due task. A busy chat re-arms the timer and bumps the
// task's persisted retry count, so the remaining budget survives a
// restart; once the budget is spent the chat gets a failure notice.
func (s *Scheduler) fireTask(id string) {
	s.mu.Lock()
	task, ok := s.tasks[id]
	if !ok || task.Status != StatusPending || s.closed {
		s.mu.Unlock()
		return
	}
	task.Status = StatusRunning
	delete(s.timers, id)
	s.saveLocked()
	run := *task
	s.wg.Add(1)
	s.mu.Unlock()

	defer s.wg.Done()

	err := s.runner.Run(context.Background(), run)

	if errors.Is(err, ErrChatBusy) {
		s.mu.Lock()
		if !s.closed && task.RetryCount < busyRetries {
			task.RetryCount++
			task.Status = StatusPending
			task.ExecuteAt = time.Now().Add(busyRetryInterval)
			s.armTaskLocked(task)
			s.saveLocked()
			attempt := task.RetryCount
			s.mu.Unlock()
			slog.Info("scheduled task deferred, chat busy",
				"task", id, "attempt", attempt, "retry_in", busyRetryInterval)
			return
		}
		s.mu.Unlock()
		s.notifyBusyFailure(run)
	}

	now := time.Now()
	s.mu.Lock()
	if err != nil {
		task.Status = StatusFailed
		task.Error = err.Error()
	} else {
		task.Status = StatusCompleted
		task.Error = ""
	}
	s.markDoneLocked(task, now)
	s.saveLocked()
	status := task.Status
	s.mu.Unlock()

	outcome := "success"
	eventType := audit.ScheduleFired
	if status == StatusFailed {
		outcome = "failure"
		eventType = audit.ScheduleFailed
	}
	s.metrics.IncCounter(metrics.ScheduledFires, 1, map[string]string{"outcome": outcome})
	s.auditLog.Emit(audit.Event{
		Type:    eventType,
		BotName: run.BotName,
		ChatID:  run.ChatID,
		Detail:  fireDetail(id, err),
	})
}

// notifyBusyFailure tells the chat its scheduled task gave up because the
// chat never freed up.
func (s *Scheduler) notifyBusyFailure(task Task) {
	if s.notifier == nil {
		return
	}
	name := task.Label
	if name == "" {
		name = task.Prompt
		if r := []rune(name); len(r) > 80 {
			name = string(r[:80]) + "..."
		}
	}
	content := fmt.Sprintf("%q could not run: chat busy, retry manually.", name)
	if err := s.notifier.Notify(context.Background(), task.BotName, task.ChatID,
		"Scheduled Task Failed", content); err != nil {
		slog.Warn("busy failure notice failed", "task", task.ID, "error", err)
	}
}

func fireDetail(id string, err error) string {
	if err != nil {
		return fmt.Sprintf("task %s: %v", id, err)
	}
	return "task " + id
}

// pruneChildrenLocked drops finished recurring children past retention.
func (s *Scheduler) pruneChildrenLocked(now time.Time) {
	for id, task := range s.tasks {
		if task.RecurringID == "" {
			continue
		}
		switch task.Status {
		case StatusCompleted, StatusFailed, StatusCancelled:
			ref := task.CreatedAt
			if task.CompletedAt != nil {
				ref = *task.CompletedAt
			}
			if now.Sub(ref) > childRetention {
				delete(s.tasks, id)
			}
		}
	}
}
