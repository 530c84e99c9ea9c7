package session

import (
	"errors"
	"testing"

	"github.com/matheus3301/dmsync/internal/config"
)

func TestResolve(t *testing.T) {
	t.Setenv(homeEnv, t.TempDir())

	if got := Resolve(""); got != DefaultSessionName {
		t.Errorf("Resolve() without config = %q, want %q", got, DefaultSessionName)
	}
	if err := config.Save(GlobalConfigPath(), &config.Config{DefaultSession: "work"}); err != nil {
		t.Fatal(err)
	}
	if got := Resolve(""); got != "work" {
		t.Errorf("Resolve() = %q, want work", got)
	}
	if got := Resolve("other"); got != "other" {
		t.Errorf("Resolve(other) = %q, want other", got)
	}
}

func TestLoadConfig(t *testing.T) {
	t.Setenv(homeEnv, t.TempDir())

	if _, _, err := LoadConfig("Bad Name"); err == nil {
		t.Error("LoadConfig() accepted an invalid name")
	}

	s := config.DefaultSession()
	s.Account.UserID = "u1"
	if err := config.SaveSession(For("main").Config(), s); err != nil {
		t.Fatal(err)
	}
	if _, _, err := LoadConfig(""); !errors.Is(err, config.ErrMissingChannelURL) {
		t.Errorf("LoadConfig() = %v, want ErrMissingChannelURL", err)
	}

	s.Channel.URL = "ws://relay/ws"
	_ = config.SaveSession(For("main").Config(), s)
	name, cfg, err := LoadConfig("")
	if err != nil || name != "main" || cfg.Account.UserID != "u1" {
		t.Errorf("LoadConfig() = %q, %+v, %v", name, cfg, err)
	}
}
