package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sync"

	"github.com/nextlevelbuilder/metabot/internal/audit"
	"github.com/nextlevelbuilder/metabot/internal/bridge"
	"github.com/nextlevelbuilder/metabot/internal/channels"
	"github.com/nextlevelbuilder/metabot/internal/channels/feishu"
	"github.com/nextlevelbuilder/metabot/internal/channels/telegram"
	"github.com/nextlevelbuilder/metabot/internal/config"
	"github.com/nextlevelbuilder/metabot/internal/costs"
	"github.com/nextlevelbuilder/metabot/internal/memory"
	"github.com/nextlevelbuilder/metabot/internal/metrics"
	"github.com/nextlevelbuilder/metabot/internal/outputs"
	"github.com/nextlevelbuilder/metabot/internal/registry"
	"github.com/nextlevelbuilder/metabot/internal/sessions"
)

// botManager constructs, registers, and tears down bots. It implements
// httpapi.BotManager so the control API can add and remove bots when a
// bots file is configured.
type botManager struct {
	ctx     context.Context
	cfg     *config.Config
	reg     *registry.Registry
	audit   *audit.Logger
	costs   *costs.Tracker
	metrics *metrics.Registry
	memory  *memory.Client

	mu       sync.Mutex
	fileBots map[string]bool // bots managed through the bots file
}

func newBotManager(ctx context.Context, cfg *config.Config, reg *registry.Registry,
	auditLog *audit.Logger, costTracker *costs.Tracker, metricsReg *metrics.Registry) *botManager {
	return &botManager{
		ctx:      ctx,
		cfg:      cfg,
		reg:      reg,
		audit:    auditLog,
		costs:    costTracker,
		metrics:  metricsReg,
		memory:   memory.NewClient(cfg.Memory.BaseURL, cfg.Memory.Token),
		fileBots: make(map[string]bool),
	}
}

// startConfiguredBots brings up inline bots plus the bots file, if any.
// A single bot failing to start is logged, not fatal.
func (m *botManager) startConfiguredBots() error {
	for i := range m.cfg.Bots {
		if err := m.startBot(m.cfg.Bots[i], false); err != nil {
			slog.Error("bot failed to start", "bot", m.cfg.Bots[i].Name, "error", err)
		}
	}

	if m.cfg.BotsFile == "" {
		return nil
	}
	bots, err := config.LoadBotsFile(m.cfg.BotsFile, m.cfg.DataDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load bots file: %w", err)
	}
	for i := range bots {
		if err := m.startBot(bots[i], true); err != nil {
			slog.Error("bot failed to start", "bot", bots[i].Name, "error", err)
		}
	}
	return nil
}

// startBot builds the platform client, bridge, and listener for one bot
// and registers it.
func (m *botManager) startBot(bc config.BotConfig, fromFile bool) error {
	if err := bc.Validate(); err != nil {
		return err
	}
	bc.ApplyDefaults(m.cfg.DataDir)
	cfgCopy := bc

	sessionsMgr := sessions.NewManager(cfgCopy.DefaultWorkingDirectory,
		m.cfg.SessionStorePath(cfgCopy.Name))
	outputsMgr := outputs.NewManager(cfgCopy.OutputsDir)

	var (
		sender channels.Sender
		start  func(context.Context) error
		stop   func()
	)
	switch cfgCopy.Platform {
	case "feishu":
		client := feishu.NewClient(cfgCopy.AppID, cfgCopy.AppSecret, cfgCopy.Domain)
		sender = feishu.NewSender(client)
	case "telegram":
		tg, err := telegram.NewTelegoBot(cfgCopy.Token, "")
		if err != nil {
			return err
		}
		sender = telegram.NewSender(tg, cfgCopy.Token)
	default:
		return fmt.Errorf("unknown platform %q", cfgCopy.Platform)
	}

	br := bridge.New(bridge.Deps{
		Config:    &cfgCopy,
		Sender:    sender,
		Sessions:  sessionsMgr,
		Outputs:   outputsMgr,
		Memory:    m.memory,
		Audit:     m.audit,
		Costs:     m.costs,
		Metrics:   m.metrics,
		AgentBin:  m.cfg.Agent.Bin,
		APIPort:   m.cfg.API.Port,
		APISecret: m.cfg.API.Secret,
	})

	switch cfgCopy.Platform {
	case "feishu":
		fb := feishu.NewBot(&cfgCopy, sender.(*feishu.Sender).Client(), br)
		start, stop = fb.Start, fb.Stop
	case "telegram":
		tb := telegram.NewBot(&cfgCopy, sender.(*telegram.Sender).Bot(), br)
		start, stop = tb.Start, tb.Stop
	}

	if err := m.reg.Register(&registry.Bot{
		Config: &cfgCopy,
		Sender: sender,
		Bridge: br,
		Stop:   stop,
	}); err != nil {
		br.Destroy()
		return err
	}

	go func() {
		if err := start(m.ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("bot listener exited", "bot", cfgCopy.Name, "error", err)
		}
	}()

	if fromFile {
		m.mu.Lock()
		m.fileBots[cfgCopy.Name] = true
		m.mu.Unlock()
	}
	slog.Info("bot started", "bot", cfgCopy.Name, "platform", cfgCopy.Platform)
	return nil
}

// AddBot starts a bot and persists it to the bots file.
func (m *botManager) AddBot(bc config.BotConfig) error {
	if m.cfg.BotsFile == "" {
		return fmt.Errorf("bot management requires botsFile to be configured")
	}
	if err := m.startBot(bc, true); err != nil {
		return err
	}
	return m.persistBotsFile()
}

// RemoveBot stops a bot and removes it from the bots file.
func (m *botManager) RemoveBot(name string) error {
	m.mu.Lock()
	fromFile := m.fileBots[name]
	delete(m.fileBots, name)
	m.mu.Unlock()
	if !fromFile {
		return fmt.Errorf("bot %s is not managed through the bots file", name)
	}
	if err := m.reg.Deregister(name); err != nil {
		return err
	}
	return m.persistBotsFile()
}

// persistBotsFile rewrites the bots file from the registry's view of
// file-managed bots.
func (m *botManager) persistBotsFile() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var bots []config.BotConfig
	for _, name := range m.reg.Names() {
		if !m.fileBots[name] {
			continue
		}
		if bot, ok := m.reg.Get(name); ok {
			bots = append(bots, *bot.Config)
		}
	}
	return config.SaveBotsFile(m.cfg.BotsFile, bots)
}

// reloadBotsFile reconciles running file-managed bots with the bots
// file after an external edit. Credential or directory changes require
// a remove plus add; in-place restart is not attempted.
func (m *botManager) reloadBotsFile() {
	bots, err := config.LoadBotsFile(m.cfg.BotsFile, m.cfg.DataDir)
	if err != nil {
		slog.Warn("bots file reload failed", "error", err)
		return
	}

	wanted := make(map[string]bool, len(bots))
	for i := range bots {
		wanted[bots[i].Name] = true
	}

	m.mu.Lock()
	var removed []string
	for name := range m.fileBots {
		if !wanted[name] {
			delete(m.fileBots, name)
			removed = append(removed, name)
		}
	}
	m.mu.Unlock()

	for _, name := range removed {
		if err := m.reg.Deregister(name); err != nil {
			slog.Warn("bot removal failed", "bot", name, "error", err)
		} else {
			slog.Info("bot removed via bots file", "bot", name)
		}
	}
	for i := range bots {
		if _, ok := m.reg.Get(bots[i].Name); ok {
			continue
		}
		if err := m.startBot(bots[i], true); err != nil {
			slog.Error("bot failed to start", "bot", bots[i].Name, "error", err)
		} else {
			slog.Info("bot added via bots file", "bot", bots[i].Name)
		}
	}
}
