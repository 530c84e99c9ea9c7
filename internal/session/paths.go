package session

import (
	"os"
	"path/filepath"
)

// homeEnv overrides the base directory.
const homeEnv = "DMSYNC_HOME"

// BaseDir returns ~/.dmsync, or $DMSYNC_HOME when set.
func BaseDir() string {
	if dir := os.Getenv(homeEnv); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".dmsync")
}

// GlobalConfigPath returns the path of the file holding the default session.
func GlobalConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

func sessionsDir() string {
	return filepath.Join(BaseDir(), "sessions")
}

// Layout is where one session keeps its files.
type Layout struct {
	Name string
	Root string
}

// For returns the layout of the named session. The name is not validated.
func For(name string) Layout {
	return Layout{Name: name, Root: filepath.Join(sessionsDir(), name)}
}

func (l Layout) Socket() string { return filepath.Join(l.Root, "daemon.sock") }
func (l Layout) Lock() string   { return filepath.Join(l.Root, "LOCK") }
func (l Layout) DB() string     { return filepath.Join(l.Root, "dmsync.db") }
func (l Layout) Config() string { return filepath.Join(l.Root, "session.toml") }
func (l Layout) Logs() string   { return filepath.Join(l.Root, "logs") }
func (l Layout) Log() string    { return filepath.Join(l.Logs(), "dmsyncd.log") }

// Ensure creates the session tree, readable by the owner only.
func (l Layout) Ensure() error {
	if err := os.MkdirAll(l.Logs(), 0o700); err != nil {
		return err
	}
	// MkdirAll leaves existing directories alone.
	return os.Chmod(l.Root, 0o700)
}
