// Package config reads and writes the TOML files under the dmsync home:
// the global config.toml and each session's session.toml.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.dmsync/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session"`
}

// Load reads the global config. A missing file is an error matching
// fs.ErrNotExist.
func Load(path string) (*Config, error) {
	var cfg Config
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("%s: unknown key %q", path, undecoded[0].String())
	}
	return &cfg, nil
}

// Save writes the global config, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	return writeTOML(path, cfg)
}

// SetDefaultSession records name as the default session, keeping any other
// settings already in the file.
func SetDefaultSession(path, name string) error {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg, err = &Config{}, nil
	}
	if err != nil {
		return err
	}
	cfg.DefaultSession = name
	return Save(path, cfg)
}

// writeTOML encodes v to a temporary file and renames it over path.
func writeTOML(path string, v any) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer func() { _ = os.Remove(tmp) }()

	if err := f.Chmod(0600); err != nil {
		_ = f.Close()
		return err
	}
	encErr := toml.NewEncoder(f).Encode(v)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		encErr = closeErr
	}
	if encErr != nil {
		return encErr
	}
	return os.Rename(tmp, path)
}
