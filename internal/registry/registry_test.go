package registry

import (
	"testing"

	"github.com/nextlevelbuilder/metabot/internal/config"
)

func testBot(name string) *Bot {
	return &Bot{
		Config: &config.BotConfig{Name: name, Platform: "telegram"},
	}
}

func TestRegisterAndGet(t *testing.T) {
	r := New()
	if err := r.Register(testBot("a")); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(testBot("a")); err == nil {
		t.Fatal("duplicate register must fail")
	}

	bot, ok := r.Get("a")
	if !ok || bot.Config.Name != "a" {
		t.Fatalf("Get = %v, %v", bot, ok)
	}
	if _, ok := r.Get("missing"); ok {
		t.Fatal("missing bot must not resolve")
	}
}

func TestListSorted(t *testing.T) {
	r := New()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		if err := r.Register(testBot(name)); err != nil {
			t.Fatal(err)
		}
	}
	infos := r.List()
	if len(infos) != 3 || infos[0].Name != "alpha" || infos[2].Name != "zeta" {
		t.Fatalf("infos = %+v", infos)
	}
}

func TestInfoCarriesPolicyFields(t *testing.T) {
	r := New()
	bot := &Bot{Config: &config.BotConfig{
		Name:                    "a",
		Platform:                "telegram",
		DefaultWorkingDirectory: "/srv/work",
		AllowedTools:            []string{"Bash"},
	}}
	if err := r.Register(bot); err != nil {
		t.Fatal(err)
	}
	info := r.List()[0]
	if info.WorkingDirectory != "/srv/work" || len(info.AllowedTools) != 1 {
		t.Fatalf("info = %+v", info)
	}
}

func TestRegisterRejectsNameless(t *testing.T) {
	r := New()
	if err := r.Register(&Bot{Config: &config.BotConfig{}}); err == nil {
		t.Fatal("nameless bot must be rejected")
	}
	if err := r.Register(nil); err == nil {
		t.Fatal("nil bot must be rejected")
	}
}
