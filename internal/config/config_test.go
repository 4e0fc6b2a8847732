package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoad_MissingFileGivesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json5"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.API.Port != 18900 || cfg.Scheduler.Timezone != "Asia/Shanghai" {
		t.Fatalf("defaults wrong: %+v", cfg)
	}
	if cfg.Scheduler.StorePath == "" {
		t.Fatal("StorePath not derived")
	}
}

func TestLoad_JSON5WithComments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json5")
	content := `{
		// control plane
		api: { port: 9999, secret: "shh" },
		bots: [{
			name: "devbot",
			platform: "telegram",
			token: "123:abc",
			defaultWorkingDirectory: "/work",
		}],
	}`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.API.Port != 9999 || cfg.API.Secret != "shh" {
		t.Fatalf("api = %+v", cfg.API)
	}
	if len(cfg.Bots) != 1 || cfg.Bots[0].Name != "devbot" {
		t.Fatalf("bots = %+v", cfg.Bots)
	}
	if cfg.Bots[0].OutputsDir == "" || cfg.Bots[0].DownloadsDir == "" {
		t.Fatalf("derived dirs missing: %+v", cfg.Bots[0])
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	t.Setenv("METABOT_API_SECRET", "env-secret")
	t.Setenv("METABOT_API_PORT", "4242")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.API.Secret != "env-secret" || cfg.API.Port != 4242 {
		t.Fatalf("env overlay failed: %+v", cfg.API)
	}
}

func TestBotValidate(t *testing.T) {
	tests := []struct {
		name    string
		bot     BotConfig
		wantErr string
	}{
		{"valid telegram", BotConfig{Name: "b", Platform: "telegram", Token: "t", DefaultWorkingDirectory: "/w"}, ""},
		{"valid feishu", BotConfig{Name: "b", Platform: "feishu", AppID: "a", AppSecret: "s", DefaultWorkingDirectory: "/w"}, ""},
		{"no name", BotConfig{Platform: "telegram", Token: "t", DefaultWorkingDirectory: "/w"}, "name"},
		{"feishu missing secret", BotConfig{Name: "b", Platform: "feishu", AppID: "a", DefaultWorkingDirectory: "/w"}, "appSecret"},
		{"telegram missing token", BotConfig{Name: "b", Platform: "telegram", DefaultWorkingDirectory: "/w"}, "token"},
		{"bad platform", BotConfig{Name: "b", Platform: "irc", DefaultWorkingDirectory: "/w"}, "unknown platform"},
		{"no workdir", BotConfig{Name: "b", Platform: "telegram", Token: "t"}, "defaultWorkingDirectory"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.bot.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestAuthorization(t *testing.T) {
	b := BotConfig{AuthorizedUserIDs: []string{"u1", "u2"}}
	if !b.UserAuthorized("u1") || b.UserAuthorized("u3") {
		t.Fatal("user allowlist broken")
	}
	open := BotConfig{}
	if !open.UserAuthorized("anyone") || !open.ChatAuthorized("anywhere") {
		t.Fatal("empty allowlist must authorize everyone")
	}
}

func TestBotsFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bots.json")
	bots := []BotConfig{
		{Name: "a", Platform: "telegram", Token: "t", DefaultWorkingDirectory: "/w"},
		{Name: "b", Platform: "feishu", AppID: "i", AppSecret: "s", DefaultWorkingDirectory: "/w"},
	}

	if err := SaveBotsFile(path, bots); err != nil {
		t.Fatalf("SaveBotsFile: %v", err)
	}
	loaded, err := LoadBotsFile(path, dir)
	if err != nil {
		t.Fatalf("LoadBotsFile: %v", err)
	}
	if len(loaded) != 2 || loaded[0].Name != "a" || loaded[1].Platform != "feishu" {
		t.Fatalf("loaded = %+v", loaded)
	}
}

func TestLoadBotsFile_RejectsDuplicates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bots.json")
	bots := []BotConfig{
		{Name: "a", Platform: "telegram", Token: "t", DefaultWorkingDirectory: "/w"},
		{Name: "a", Platform: "telegram", Token: "t2", DefaultWorkingDirectory: "/w"},
	}
	if err := SaveBotsFile(path, bots); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadBotsFile(path, dir); err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Fatalf("err = %v, want duplicate error", err)
	}
}
