package session

import (
	"os"
	"path/filepath"
	"testing"
)

func TestForDefaultHome(t *testing.T) {
	t.Setenv(homeEnv, "")
	home, _ := os.UserHomeDir()
	l := For("main")
	if want := filepath.Join(home, ".dmsync", "sessions", "main"); l.Root != want {
		t.Errorf("For(main).Root = %q, want %q", l.Root, want)
	}
	if l.Name != "main" {
		t.Errorf("Name = %q", l.Name)
	}
}

func TestLayout(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(homeEnv, dir)
	l := For("work")
	root := filepath.Join(dir, "sessions", "work")

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"socket", l.Socket(), filepath.Join(root, "daemon.sock")},
		{"lock", l.Lock(), filepath.Join(root, "LOCK")},
		{"db", l.DB(), filepath.Join(root, "dmsync.db")},
		{"session config", l.Config(), filepath.Join(root, "session.toml")},
		{"log", l.Log(), filepath.Join(root, "logs", "dmsyncd.log")},
		{"global config", GlobalConfigPath(), filepath.Join(dir, "config.toml")},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s path = %q, want %q", tt.name, tt.got, tt.want)
		}
	}
}

func TestEnsureTightensExistingRoot(t *testing.T) {
	t.Setenv(homeEnv, t.TempDir())
	l := For("test")
	if err := os.MkdirAll(l.Root, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := l.Ensure(); err != nil {
		t.Fatal(err)
	}
	for _, d := range []string{l.Root, l.Logs()} {
		info, err := os.Stat(d)
		if err != nil {
			t.Fatalf("%s not created: %v", d, err)
		}
		if !info.IsDir() || info.Mode().Perm() != 0o700 {
			t.Errorf("%s mode = %v", d, info.Mode())
		}
	}
}
