package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/matheus3301/dmsync/internal/chat"
)

// Duration is a time.Duration written as a Go duration string ("10s").
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// D is shorthand for building a Duration.
func D(v time.Duration) Duration { return Duration{v} }

// Session represents a session's session.toml.
type Session struct {
	Account AccountSection `toml:"account"`
	Channel ChannelSection `toml:"channel"`
	Upload  UploadSection  `toml:"upload"`
	Cipher  CipherSection  `toml:"cipher"`
	Sync    SyncSection    `toml:"sync"`
	Log     LogSection     `toml:"log"`
}

type AccountSection struct {
	UserID      string `toml:"user_id"`
	DisplayName string `toml:"display_name"`
	Token       string `toml:"token"`
}

type ChannelSection struct {
	URL               string   `toml:"url"`
	AckTimeout        Duration `toml:"ack_timeout"`
	PingInterval      Duration `toml:"ping_interval"`
	InitialBackoff    Duration `toml:"initial_backoff"`
	MaxBackoff        Duration `toml:"max_backoff"`
	BackoffMultiplier float64  `toml:"backoff_multiplier"`
}

type UploadSection struct {
	URL      string   `toml:"url"`
	MaxRetry int      `toml:"max_retry"`
	Timeout  Duration `toml:"timeout"`
}

type CipherSection struct {
	Salt string `toml:"salt"`
}

type SyncSection struct {
	SeenIDs       int      `toml:"seen_ids"`
	TypingIdle    Duration `toml:"typing_idle"`
	TypingTTL     Duration `toml:"typing_ttl"`
	DrainInterval Duration `toml:"drain_interval"`
}

type LogSection struct {
	Level string `toml:"level"`
}

var (
	ErrMissingUserID     = errors.New("account.user_id is required")
	ErrMissingChannelURL = errors.New("channel.url is required")
)

// DefaultSession returns a session config with every tunable set.
func DefaultSession() *Session {
	return &Session{
		Channel: ChannelSection{
			AckTimeout:        D(10 * time.Second),
			PingInterval:      D(25 * time.Second),
			InitialBackoff:    D(time.Second),
			MaxBackoff:        D(30 * time.Second),
			BackoffMultiplier: 2,
		},
		Upload: UploadSection{MaxRetry: 3, Timeout: D(60 * time.Second)},
		Sync: SyncSection{
			SeenIDs:       4096,
			TypingIdle:    D(2 * time.Second),
			TypingTTL:     D(6 * time.Second),
			DrainInterval: D(30 * time.Second),
		},
		Log: LogSection{Level: "info"},
	}
}

// LoadSession reads a session.toml; unset values keep their defaults.
func LoadSession(path string) (*Session, error) {
	s := DefaultSession()
	if _, err := toml.DecodeFile(path, s); err != nil {
		return nil, err
	}
	s.fillDefaults()
	return s, nil
}

// SaveSession writes a session.toml with owner-only permissions.
func SaveSession(path string, s *Session) error {
	return writeTOML(path, s)
}

// fillDefaults repairs zero or negative values written explicitly.
func (s *Session) fillDefaults() {
	def := DefaultSession()
	fill := func(d *Duration, v Duration) {
		if d.Duration <= 0 {
			*d = v
		}
	}
	fill(&s.Channel.AckTimeout, def.Channel.AckTimeout)
	fill(&s.Channel.PingInterval, def.Channel.PingInterval)
	fill(&s.Channel.InitialBackoff, def.Channel.InitialBackoff)
	fill(&s.Channel.MaxBackoff, def.Channel.MaxBackoff)
	if s.Channel.BackoffMultiplier < 1 {
		s.Channel.BackoffMultiplier = def.Channel.BackoffMultiplier
	}
	if s.Upload.MaxRetry < 0 {
		s.Upload.MaxRetry = def.Upload.MaxRetry
	}
	fill(&s.Upload.Timeout, def.Upload.Timeout)
	if s.Sync.SeenIDs <= 0 {
		s.Sync.SeenIDs = def.Sync.SeenIDs
	}
	fill(&s.Sync.TypingIdle, def.Sync.TypingIdle)
	fill(&s.Sync.TypingTTL, def.Sync.TypingTTL)
	fill(&s.Sync.DrainInterval, def.Sync.DrainInterval)
	if s.Log.Level == "" {
		s.Log.Level = def.Log.Level
	}
}

// Validate reports the first missing required setting.
func (s *Session) Validate() error {
	if s.Account.UserID == "" {
		return ErrMissingUserID
	}
	if !chat.ValidUserID(s.Account.UserID) {
		return fmt.Errorf("account.user_id %q: must not contain %q, spaces or control characters", s.Account.UserID, chat.Separator)
	}
	if s.Channel.URL == "" {
		return ErrMissingChannelURL
	}
	if s.Channel.MaxBackoff.Duration < s.Channel.InitialBackoff.Duration {
		return fmt.Errorf("channel.max_backoff (%s) is shorter than channel.initial_backoff (%s)",
			s.Channel.MaxBackoff, s.Channel.InitialBackoff)
	}
	return nil
}
