package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/metabot/internal/audit"
	"github.com/nextlevelbuilder/metabot/internal/bridge"
	"github.com/nextlevelbuilder/metabot/internal/channels"
	"github.com/nextlevelbuilder/metabot/internal/config"
	"github.com/nextlevelbuilder/metabot/internal/costs"
	"github.com/nextlevelbuilder/metabot/internal/httpapi"
	"github.com/nextlevelbuilder/metabot/internal/metrics"
	"github.com/nextlevelbuilder/metabot/internal/registry"
	"github.com/nextlevelbuilder/metabot/internal/scheduler"
)

func runServe() error {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	auditLog, err := audit.Open(cfg.AuditStorePath())
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer auditLog.Close()

	metricsReg := metrics.NewDefaultRegistry()
	costTracker := costs.NewTracker()
	reg := registry.New()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mgr := newBotManager(ctx, cfg, reg, auditLog, costTracker, metricsReg)
	if err := mgr.startConfiguredBots(); err != nil {
		return err
	}
	defer reg.Shutdown()

	if cfg.BotsFile != "" {
		unwatch, err := config.WatchBotsFile(cfg.BotsFile, mgr.reloadBotsFile)
		if err != nil {
			slog.Warn("bots file watch disabled", "error", err)
		} else {
			defer unwatch()
		}
	}

	sched := scheduler.New(cfg.Scheduler.StorePath, cfg.Scheduler.Timezone,
		newTaskRunner(reg), newTaskNotifier(reg), metricsReg, auditLog)
	if err := sched.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Close()

	api := httpapi.New(reg, sched, costTracker, metricsReg, auditLog, mgr,
		cfg.API.Secret, cfg.API.RateLimitRPM)
	addr := fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("control api listening", "addr", addr)
		return api.Serve(gctx, addr)
	})

	slog.Info("metabot running", "bots", reg.Names(), "version", Version)
	err = g.Wait()
	slog.Info("shutting down")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// newTaskRunner routes scheduled tasks into the owning bot's bridge.
func newTaskRunner(reg *registry.Registry) scheduler.TaskRunner {
	return scheduler.RunnerFunc(func(ctx context.Context, task scheduler.Task) error {
		bot, ok := reg.Get(task.BotName)
		if !ok {
			return scheduler.ErrBotNotFound
		}
		res := bot.Bridge.ExecuteAPITask(ctx, bridge.APITaskOptions{
			ChatID:    task.ChatID,
			UserID:    "scheduler",
			Prompt:    task.Prompt,
			SendCards: task.SendCards,
		})
		if res.Success {
			return nil
		}
		if strings.Contains(res.Error, "busy") {
			return scheduler.ErrChatBusy
		}
		return errors.New(res.Error)
	})
}

// newTaskNotifier lets the scheduler post failure notices into the chat a
// task was bound for.
func newTaskNotifier(reg *registry.Registry) scheduler.Notifier {
	return scheduler.NotifierFunc(func(ctx context.Context, botName, chatID, title, content string) error {
		bot, ok := reg.Get(botName)
		if !ok {
			return scheduler.ErrBotNotFound
		}
		return bot.Sender.SendTextNotice(ctx, chatID, title, content, channels.ColorRed)
	})
}
