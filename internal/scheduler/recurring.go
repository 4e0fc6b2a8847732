package scheduler

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"
)

// ScheduleRecurring creates a cron-driven schedule. The expression must
// be a valid 5-field cron or an @alias; the timezone must be an IANA
// zone, defaulting to the scheduler's configured zone.
func (s *Scheduler) ScheduleRecurring(spec RecurringSpec) (*RecurringTask, error) {
	if spec.BotName == "" || spec.ChatID == "" || spec.Prompt == "" {
		return nil, fmt.Errorf("botName, chatId, and prompt are required")
	}
	if !s.gron.IsValid(spec.CronExpr) {
		return nil, fmt.Errorf("invalid cron expression %q", spec.CronExpr)
	}
	timezone := spec.Timezone
	if timezone == "" {
		timezone = s.defaultTZ
	}
	if _, err := time.LoadLocation(timezone); err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", timezone, err)
	}

	rec := &RecurringTask{
		ID:        uuid.NewString(),
		BotName:   spec.BotName,
		ChatID:    spec.ChatID,
		Prompt:    spec.Prompt,
		CronExpr:  spec.CronExpr,
		Timezone:  timezone,
		SendCards: spec.SendCards,
		Label:     spec.Label,
		CreatedAt: time.Now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("scheduler is shut down")
	}
	s.recurring[rec.ID] = rec
	if err := s.rearmRecurringLocked(rec); err != nil {
		delete(s.recurring, rec.ID)
		return nil, err
	}
	s.saveLocked()

	cp := *rec
	return &cp, nil
}

// UpdateRecurring changes a recurring schedule's prompt, cron expression,
// timezone, label, or card behavior. Zero-valued fields keep the current
// value.
func (s *Scheduler) UpdateRecurring(id string, upd RecurringUpdate) (*RecurringTask, error) {
	if upd.CronExpr != "" && !s.gron.IsValid(upd.CronExpr) {
		return nil, fmt.Errorf("invalid cron expression %q", upd.CronExpr)
	}
	if upd.Timezone != "" {
		if _, err := time.LoadLocation(upd.Timezone); err != nil {
			return nil, fmt.Errorf("invalid timezone %q: %w", upd.Timezone, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.recurring[id]
	if !ok {
		return nil, fmt.Errorf("recurring task %s not found", id)
	}
	if upd.Prompt != "" {
		rec.Prompt = upd.Prompt
	}
	if upd.CronExpr != "" {
		rec.CronExpr = upd.CronExpr
	}
	if upd.Timezone != "" {
		rec.Timezone = upd.Timezone
	}
	if upd.Label != nil {
		rec.Label = *upd.Label
	}
	if upd.SendCards != nil {
		rec.SendCards = *upd.SendCards
	}
	if !rec.Paused {
		if err := s.rearmRecurringLocked(rec); err != nil {
			return nil, err
		}
	}
	s.saveLocked()

	cp := *rec
	return &cp, nil
}

// PauseRecurring stops future fires without forgetting the schedule.
func (s *Scheduler) PauseRecurring(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.recurring[id]
	if !ok {
		return fmt.Errorf("recurring task %s not found", id)
	}
	rec.Paused = true
	rec.NextExecuteAt = nil
	s.stopTimerLocked(recurringTimerKey(id))
	s.saveLocked()
	return nil
}

// ResumeRecurring re-arms a paused schedule from now.
func (s *Scheduler) ResumeRecurring(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.recurring[id]
	if !ok {
		return fmt.Errorf("recurring task %s not found", id)
	}
	rec.Paused = false
	if err := s.rearmRecurringLocked(rec); err != nil {
		return err
	}
	s.saveLocked()
	return nil
}

// CancelRecurring removes a schedule and cancels its pending children.
func (s *Scheduler) CancelRecurring(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.recurring[id]; !ok {
		return fmt.Errorf("recurring task %s not found", id)
	}
	delete(s.recurring, id)
	s.stopTimerLocked(recurringTimerKey(id))

	now := time.Now()
	for _, task := range s.tasks {
		if task.RecurringID == id && task.Status == StatusPending {
			task.Status = StatusCancelled
			s.markDoneLocked(task, now)
			s.stopTimerLocked(task.ID)
		}
	}
	s.saveLocked()
	return nil
}

// GetRecurring returns a copy of one recurring schedule.
func (s *Scheduler) GetRecurring(id string) (*RecurringTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recurring[id]
	if !ok {
		return nil, false
	}
	cp := *rec
	return &cp, true
}

// ListRecurring returns copies of all recurring schedules, oldest first.
func (s *Scheduler) ListRecurring() []RecurringTask {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]RecurringTask, 0, len(s.recurring))
	for _, rec := range s.recurring {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// rearmRecurringLocked computes the next fire strictly after now and arms
// the timer.
func (s *Scheduler) rearmRecurringLocked(rec *RecurringTask) error {
	loc, err := time.LoadLocation(s.zoneFor(rec))
	if err != nil {
		return fmt.Errorf("recurring %s timezone: %w", rec.ID, err)
	}
	next, err := gronx.NextTickAfter(rec.CronExpr, time.Now().In(loc), false)
	if err != nil {
		return fmt.Errorf("recurring %s next tick: %w", rec.ID, err)
	}
	rec.NextExecuteAt = &next

	if s.closed {
		return nil
	}
	key := recurringTimerKey(rec.ID)
	s.stopTimerLocked(key)

	id := rec.ID
	delay := time.Until(next)
	if delay < 0 {
		delay = 0
	}
	if delay > maxTimerDelay {
		delay = maxTimerDelay
		s.timers[key] = time.AfterFunc(delay, func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if r, ok := s.recurring[id]; ok && !r.Paused {
				if err := s.rearmRecurringLocked(r); err != nil {
					slog.Warn("recurring re-arm failed", "id", id, "error", err)
				}
			}
		})
		return nil
	}

	s.timers[key] = time.AfterFunc(delay, func() {
		s.fireRecurring(id)
	})
	return nil
}

func (s *Scheduler) zoneFor(rec *RecurringTask) string {
	if rec.Timezone != "" {
		return rec.Timezone
	}
	return s.defaultTZ
}

// fireRecurring spawns a child task for one cron tick, runs it, and arms
// the next tick. The next tick is computed from now, so slow children
// never pile up a backlog.
func (s *Scheduler) fireRecurring(id string) {
	now := time.Now()

	s.mu.Lock()
	rec, ok := s.recurring[id]
	if !ok || rec.Paused || s.closed {
		s.mu.Unlock()
		return
	}
	fired := now
	rec.LastFiredAt = &fired

	childLabel := ""
	if rec.Label != "" {
		childLabel = rec.Label + " (recurring)"
	}
	child := &Task{
		ID:          uuid.NewString(),
		BotName:     rec.BotName,
		ChatID:      rec.ChatID,
		Prompt:      rec.Prompt,
		ExecuteAt:   now,
		SendCards:   rec.SendCards,
		Label:       childLabel,
		Status:      StatusPending,
		CreatedAt:   now,
		RecurringID: rec.ID,
	}
	s.tasks[child.ID] = child
	if err := s.rearmRecurringLocked(rec); err != nil {
		slog.Warn("recurring re-arm failed", "id", id, "error", err)
	}
	s.pruneChildrenLocked(now)
	s.saveLocked()
	childID := child.ID
	s.mu.Unlock()

	s.fireTask(childID)
}

func recurringTimerKey(id string) string {
	return "recurring:" + id
}
