package session

import "github.com/matheus3301/dmsync/internal/config"

const DefaultSessionName = "main"

// Resolve determines the active session name using precedence:
// 1. flagOverride (--session flag)
// 2. config.toml default_session
// 3. "main"
func Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	cfg, err := config.Load(GlobalConfigPath())
	if err == nil && cfg.DefaultSession != "" {
		return cfg.DefaultSession
	}
	return DefaultSessionName
}

// LoadConfig resolves, validates and loads a session's settings.
func LoadConfig(flagOverride string) (string, *config.Session, error) {
	name := Resolve(flagOverride)
	if err := ValidateName(name); err != nil {
		return name, nil, err
	}
	cfg, err := config.LoadSession(For(name).Config())
	if err != nil {
		return name, nil, err
	}
	return name, cfg, cfg.Validate()
}
