// Package registry tracks the live bots: their configuration, their
// platform sender, and their bridge. The scheduler and the control API
// resolve bots by name through it.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/nextlevelbuilder/metabot/internal/bridge"
	"github.com/nextlevelbuilder/metabot/internal/channels"
	"github.com/nextlevelbuilder/metabot/internal/config"
)

// Bot is one registered bot instance. Stop tears down the platform
// listener; the bridge is destroyed by the registry.
type Bot struct {
	Config *config.BotConfig
	Sender channels.Sender
	Bridge *bridge.Bridge

	// Stop shuts down the platform event listener. Optional.
	Stop func()
}

// Info is the API-facing view of a bot. Credentials never appear here.
type Info struct {
	Name             string   `json:"name"`
	Platform         string   `json:"platform"`
	WorkingDirectory string   `json:"workingDirectory"`
	AllowedTools     []string `json:"allowedTools,omitempty"`
	Running          bool     `json:"running"`
}

// InfoFor builds the DTO for one bot.
func InfoFor(bot *Bot) Info {
	return Info{
		Name:             bot.Config.Name,
		Platform:         bot.Config.Platform,
		WorkingDirectory: bot.Config.DefaultWorkingDirectory,
		AllowedTools:     bot.Config.AllowedTools,
		Running:          true,
	}
}

// Registry is a concurrency-safe name-to-bot map.
type Registry struct {
	mu   sync.Mutex
	bots map[string]*Bot
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{bots: make(map[string]*Bot)}
}

// Register adds a bot. Duplicate names are an error.
func (r *Registry) Register(bot *Bot) error {
	if bot == nil || bot.Config == nil || bot.Config.Name == "" {
		return fmt.Errorf("register: bot has no name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.bots[bot.Config.Name]; exists {
		return fmt.Errorf("register: bot %q already exists", bot.Config.Name)
	}
	r.bots[bot.Config.Name] = bot
	return nil
}

// Get returns the bot by name.
func (r *Registry) Get(name string) (*Bot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	bot, ok := r.bots[name]
	return bot, ok
}

// List returns all bots' info, sorted by name.
func (r *Registry) List() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()

	infos := make([]Info, 0, len(r.bots))
	for _, bot := range r.bots {
		infos = append(infos, InfoFor(bot))
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Names returns the registered bot names, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.bots))
	for name := range r.bots {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Deregister removes a bot and tears it down: listener first so no new
// messages arrive, then the bridge.
func (r *Registry) Deregister(name string) error {
	r.mu.Lock()
	bot, ok := r.bots[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("deregister: bot %q not found", name)
	}
	delete(r.bots, name)
	r.mu.Unlock()

	if bot.Stop != nil {
		bot.Stop()
	}
	if bot.Bridge != nil {
		bot.Bridge.Destroy()
	}
	return nil
}

// Shutdown deregisters every bot.
func (r *Registry) Shutdown() {
	for _, name := range r.Names() {
		if err := r.Deregister(name); err != nil {
			continue
		}
	}
}
