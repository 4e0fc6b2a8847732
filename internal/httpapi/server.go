// Package httpapi is the HTTP control plane: task submission, schedule
// CRUD, bot CRUD, stats, metrics, and the audit trail.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nextlevelbuilder/metabot/internal/audit"
	"github.com/nextlevelbuilder/metabot/internal/bridge"
	"github.com/nextlevelbuilder/metabot/internal/config"
	"github.com/nextlevelbuilder/metabot/internal/costs"
	"github.com/nextlevelbuilder/metabot/internal/metrics"
	"github.com/nextlevelbuilder/metabot/internal/registry"
	"github.com/nextlevelbuilder/metabot/internal/scheduler"
)

// maxBodyBytes caps request bodies; prompts never legitimately get near it.
const maxBodyBytes = 1 << 20

// BotManager creates and tears down live bots at runtime.
type BotManager interface {
	AddBot(cfg config.BotConfig) error
	RemoveBot(name string) error
}

// Server serves the control API.
type Server struct {
	registry  *registry.Registry
	scheduler *scheduler.Scheduler
	costs     *costs.Tracker
	metrics   *metrics.Registry
	auditLog  *audit.Logger
	botMgr    BotManager
	secret    string
	limiter   *clientLimiter
	started   time.Time
}

// New builds a Server. botMgr may be nil, disabling bot CRUD.
func New(reg *registry.Registry, sched *scheduler.Scheduler, costTracker *costs.Tracker,
	metricsReg *metrics.Registry, auditLog *audit.Logger, botMgr BotManager,
	secret string, rateLimitRPM int) *Server {
	return &Server{
		registry:  reg,
		scheduler: sched,
		costs:     costTracker,
		metrics:   metricsReg,
		auditLog:  auditLog,
		botMgr:    botMgr,
		secret:    secret,
		limiter:   newClientLimiter(rateLimitRPM),
		started:   time.Now(),
	}
}

// Handler returns the routed and middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/bots", s.handleListBots)
	mux.HandleFunc("POST /api/bots", s.handleCreateBot)
	mux.HandleFunc("GET /api/bots/{name}", s.handleGetBot)
	mux.HandleFunc("DELETE /api/bots/{name}", s.handleDeleteBot)
	mux.HandleFunc("POST /api/tasks", s.handleRunTask)
	mux.HandleFunc("GET /api/schedule", s.handleListSchedule)
	mux.HandleFunc("POST /api/schedule", s.handleCreateSchedule)
	mux.HandleFunc("PATCH /api/schedule/{id}", s.handleUpdateSchedule)
	mux.HandleFunc("DELETE /api/schedule/{id}", s.handleDeleteSchedule)
	mux.HandleFunc("POST /api/schedule/{id}/pause", s.handlePauseSchedule)
	mux.HandleFunc("POST /api/schedule/{id}/resume", s.handleResumeSchedule)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/metrics", s.handleMetrics)
	mux.HandleFunc("GET /api/audit", s.handleAudit)

	return s.withMiddleware(mux)
}

// Serve runs the API until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("api listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.allow(clientKey(r)) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		if !s.authorized(r) {
			writeError(w, http.StatusUnauthorized, "missing or invalid bearer token")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authorized(r *http.Request) bool {
	if s.secret == "" {
		return true
	}
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.secret)) == 1
}

// --- handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	pending, total := s.scheduler.TaskCount()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"uptime":       int64(time.Since(s.started).Seconds()),
		"bots":         len(s.registry.Names()),
		"pendingTasks": pending,
		"trackedTasks": total,
	})
}

func (s *Server) handleListBots(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"bots": s.registry.List()})
}

func (s *Server) handleGetBot(w http.ResponseWriter, r *http.Request) {
	bot, ok := s.registry.Get(r.PathValue("name"))
	if !ok {
		writeError(w, http.StatusNotFound, "bot not found")
		return
	}
	writeJSON(w, http.StatusOK, registry.InfoFor(bot))
}

func (s *Server) handleCreateBot(w http.ResponseWriter, r *http.Request) {
	if s.botMgr == nil {
		writeError(w, http.StatusBadRequest, "bot management is not enabled")
		return
	}
	var cfg config.BotConfig
	if !decodeBody(w, r, &cfg) {
		return
	}
	if err := cfg.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.botMgr.AddBot(cfg); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"name": cfg.Name})
}

func (s *Server) handleDeleteBot(w http.ResponseWriter, r *http.Request) {
	if s.botMgr == nil {
		writeError(w, http.StatusBadRequest, "bot management is not enabled")
		return
	}
	name := r.PathValue("name")
	if _, ok := s.registry.Get(name); ok && len(s.registry.Names()) <= 1 {
		writeError(w, http.StatusBadRequest, "cannot remove the last bot")
		return
	}
	if err := s.botMgr.RemoveBot(name); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// runTaskRequest submits an immediate task.
type runTaskRequest struct {
	BotName   string `json:"botName"`
	ChatID    string `json:"chatId"`
	Prompt    string `json:"prompt"`
	SendCards bool   `json:"sendCards"`
}

func (s *Server) handleRunTask(w http.ResponseWriter, r *http.Request) {
	var req runTaskRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.BotName == "" || req.ChatID == "" || req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "botName, chatId, and prompt are required")
		return
	}

	bot, ok := s.registry.Get(req.BotName)
	if !ok {
		writeError(w, http.StatusNotFound, "bot not found")
		return
	}

	result := bot.Bridge.ExecuteAPITask(r.Context(), bridge.APITaskOptions{
		ChatID:    req.ChatID,
		Prompt:    req.Prompt,
		SendCards: req.SendCards,
	})
	if result.Error != "" && strings.Contains(result.Error, "busy") {
		writeJSON(w, http.StatusConflict, result)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// scheduleRequest creates a one-time or recurring schedule. A cron
// expression means recurring; otherwise exactly one of
// delaySeconds/executeAt. delaySeconds of zero fires immediately.
type scheduleRequest struct {
	BotName      string     `json:"botName"`
	ChatID       string     `json:"chatId"`
	Prompt       string     `json:"prompt"`
	DelaySeconds *int       `json:"delaySeconds,omitempty"`
	ExecuteAt    *time.Time `json:"executeAt,omitempty"`
	CronExpr     string     `json:"cronExpr,omitempty"`
	// Cron is a legacy alias for cronExpr.
	Cron      string `json:"cron,omitempty"`
	Timezone  string `json:"timezone,omitempty"`
	SendCards *bool  `json:"sendCards,omitempty"`
	Label     string `json:"label,omitempty"`
}

func (r scheduleRequest) cron() string {
	if r.CronExpr != "" {
		return r.CronExpr
	}
	return r.Cron
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.BotName == "" || req.ChatID == "" || req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "botName, chatId, and prompt are required")
		return
	}
	if _, ok := s.registry.Get(req.BotName); !ok {
		writeError(w, http.StatusNotFound, "bot not found")
		return
	}

	sendCards := true
	if req.SendCards != nil {
		sendCards = *req.SendCards
	}

	if cron := req.cron(); cron != "" {
		rec, err := s.scheduler.ScheduleRecurring(scheduler.RecurringSpec{
			BotName:   req.BotName,
			ChatID:    req.ChatID,
			Prompt:    req.Prompt,
			CronExpr:  cron,
			Timezone:  req.Timezone,
			SendCards: sendCards,
			Label:     req.Label,
		})
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, rec)
		return
	}

	executeAt, err := resolveExecuteAt(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	task, err := s.scheduler.ScheduleTask(scheduler.TaskSpec{
		BotName:   req.BotName,
		ChatID:    req.ChatID,
		Prompt:    req.Prompt,
		ExecuteAt: executeAt,
		SendCards: sendCards,
		Label:     req.Label,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func resolveExecuteAt(req scheduleRequest) (time.Time, error) {
	switch {
	case req.ExecuteAt != nil && req.DelaySeconds != nil:
		return time.Time{}, fmt.Errorf("set executeAt or delaySeconds, not both")
	case req.ExecuteAt != nil:
		return *req.ExecuteAt, nil
	case req.DelaySeconds != nil:
		if *req.DelaySeconds < 0 {
			return time.Time{}, fmt.Errorf("delaySeconds must not be negative")
		}
		return time.Now().Add(time.Duration(*req.DelaySeconds) * time.Second), nil
	default:
		return time.Time{}, fmt.Errorf("executeAt, delaySeconds, or cronExpr is required")
	}
}

func (s *Server) handleListSchedule(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"tasks":          s.scheduler.ListTasks(),
		"recurringTasks": s.scheduler.ListRecurring(),
	})
}

// updateScheduleRequest patches a schedule by id.
type updateScheduleRequest struct {
	Prompt    string     `json:"prompt,omitempty"`
	ExecuteAt *time.Time `json:"executeAt,omitempty"`
	CronExpr  string     `json:"cronExpr,omitempty"`
	// Cron is a legacy alias for cronExpr.
	Cron      string  `json:"cron,omitempty"`
	Timezone  string  `json:"timezone,omitempty"`
	Label     *string `json:"label,omitempty"`
	SendCards *bool   `json:"sendCards,omitempty"`
}

func (r updateScheduleRequest) cron() string {
	if r.CronExpr != "" {
		return r.CronExpr
	}
	return r.Cron
}

func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req updateScheduleRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if _, ok := s.scheduler.GetTask(id); ok {
		task, err := s.scheduler.UpdateTask(id, scheduler.TaskUpdate{
			Prompt:    req.Prompt,
			ExecuteAt: req.ExecuteAt,
			Label:     req.Label,
			SendCards: req.SendCards,
		})
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, task)
		return
	}

	rec, err := s.scheduler.UpdateRecurring(id, scheduler.RecurringUpdate{
		Prompt:    req.Prompt,
		CronExpr:  req.cron(),
		Timezone:  req.Timezone,
		Label:     req.Label,
		SendCards: req.SendCards,
	})
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.scheduler.CancelTask(id); err == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err := s.scheduler.CancelRecurring(id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePauseSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.scheduler.PauseRecurring(r.PathValue("id")); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResumeSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.scheduler.ResumeRecurring(r.PathValue("id")); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	pending, total := s.scheduler.TaskCount()
	writeJSON(w, http.StatusOK, map[string]any{
		"usage":          s.costs.Snapshot(),
		"bots":           s.registry.List(),
		"pendingTasks":   pending,
		"trackedTasks":   total,
		"recurringTasks": len(s.scheduler.ListRecurring()),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	fmt.Fprint(w, s.metrics.Render())
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	events, err := s.auditLog.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// --- helpers ---

// decodeBody decodes JSON and writes the error response itself. Oversized
// bodies surface as 413 via MaxBytesReader.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("api response encode failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
