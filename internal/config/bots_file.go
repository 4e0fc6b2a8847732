package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/titanous/json5"
)

// LoadBotsFile reads a bots file: a JSON5 array of bot entries. The derived
// per-bot directories are filled against dataDir.
func LoadBotsFile(path, dataDir string) ([]BotConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read bots file: %w", err)
	}

	var bots []BotConfig
	if err := json5.Unmarshal(data, &bots); err != nil {
		return nil, fmt.Errorf("parse bots file: %w", err)
	}

	seen := make(map[string]bool, len(bots))
	for i := range bots {
		if err := bots[i].Validate(); err != nil {
			return nil, err
		}
		if seen[bots[i].Name] {
			return nil, fmt.Errorf("duplicate bot name %q", bots[i].Name)
		}
		seen[bots[i].Name] = true
		bots[i].applyDerivedDirs(dataDir)
	}
	return bots, nil
}

// SaveBotsFile writes the bots file as plain JSON via temp-file-plus-rename.
// Plain JSON is valid JSON5, so hand edits with comments survive only until
// the next API-driven save; that is the documented trade-off of bot CRUD.
func SaveBotsFile(path string, bots []BotConfig) error {
	data, err := json.MarshalIndent(bots, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal bots: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("bots dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write bots temp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename bots file: %w", err)
	}
	return nil
}

// WatchBotsFile watches the bots file and invokes onChange (debounced)
// whenever it is written. Returns a stop function. Editors and the CRUD
// API both produce rename+write sequences, hence the debounce.
func WatchBotsFile(path string, onChange func()) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("bots watcher: %w", err)
	}
	// Watch the directory: renames replace the file inode.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch bots dir: %w", err)
	}

	done := make(chan struct{})
	go func() {
		var debounce *time.Timer
		base := filepath.Base(path)
		for {
			select {
			case <-done:
				if debounce != nil {
					debounce.Stop()
				}
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != base {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, onChange)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("bots file watch error", "error", err)
			}
		}
	}()

	return func() {
		close(done)
		watcher.Close()
	}, nil
}
