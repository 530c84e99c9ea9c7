package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/matheus3301/dmsync/internal/config"
	"github.com/matheus3301/dmsync/internal/relay"
	"github.com/matheus3301/dmsync/internal/session"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(initCmd(), tokenCmd(), sessionsCmd())
}

// loadOrDefault reads a session.toml, or returns defaults when it is missing.
func loadOrDefault(path string) (*config.Session, error) {
	cfg, err := config.LoadSession(path)
	if errors.Is(err, fs.ErrNotExist) {
		return config.DefaultSession(), nil
	}
	return cfg, err
}

func initCmd() *cobra.Command {
	var (
		account   config.AccountSection
		url       string
		uploadURL string
		salt      string
		level     string
		makeDef   bool
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create or update a session's configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := sessionName()
			if err != nil {
				return err
			}
			path := session.For(name).Config()
			cfg, err := loadOrDefault(path)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("user") {
				cfg.Account.UserID = account.UserID
			}
			if flags.Changed("name") {
				cfg.Account.DisplayName = account.DisplayName
			}
			if flags.Changed("token") {
				cfg.Account.Token = account.Token
			}
			if flags.Changed("url") {
				cfg.Channel.URL = url
			}
			if flags.Changed("upload-url") {
				cfg.Upload.URL = uploadURL
			}
			if flags.Changed("salt") {
				cfg.Cipher.Salt = salt
			}
			if flags.Changed("log-level") {
				cfg.Log.Level = level
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := session.For(name).Ensure(); err != nil {
				return err
			}
			if err := config.SaveSession(path, cfg); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)

			if makeDef {
				if err := config.SetDefaultSession(session.GlobalConfigPath(), name); err != nil {
					return err
				}
				fmt.Printf("Default session is now %s\n", name)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&account.UserID, "user", "", "account user id")
	f.StringVar(&account.DisplayName, "name", "", "display name")
	f.StringVar(&account.Token, "token", "", "relay bearer token")
	f.StringVar(&url, "url", "", "channel websocket url")
	f.StringVar(&uploadURL, "upload-url", "", "upload endpoint (derived from --url when empty)")
	f.StringVar(&salt, "salt", "", "shared cipher salt")
	f.StringVar(&level, "log-level", "", "daemon log level")
	f.BoolVar(&makeDef, "default", false, "make this the default session")
	return cmd
}

func tokenCmd() *cobra.Command {
	var (
		secret string
		user   string
		ttl    time.Duration
		save   bool
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a relay token for a user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				secret = os.Getenv("DMRELAY_SECRET")
			}
			if secret == "" {
				return errors.New("--secret or DMRELAY_SECRET is required")
			}
			var (
				name string
				path string
				cfg  *config.Session
			)
			if user == "" || save {
				var err error
				if name, err = sessionName(); err != nil {
					return err
				}
				path = session.For(name).Config()
				if cfg, err = loadOrDefault(path); err != nil {
					return err
				}
				if user == "" {
					user = cfg.Account.UserID
				}
			}
			tok, err := relay.NewAuth(secret).Mint(user, ttl)
			if err != nil {
				return err
			}
			if !save {
				fmt.Println(tok)
				return nil
			}
			cfg.Account.Token = tok
			if err := session.For(name).Ensure(); err != nil {
				return err
			}
			if err := config.SaveSession(path, cfg); err != nil {
				return err
			}
			fmt.Printf("Token for %s saved to %s\n", user, path)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&secret, "secret", "", "relay signing secret (default $DMRELAY_SECRET)")
	f.StringVar(&user, "user", "", "user id (default: the session's account)")
	f.DurationVar(&ttl, "ttl", 0, "token lifetime (0 for no expiry)")
	f.BoolVar(&save, "save", false, "store the token in the session config")
	return cmd
}

func sessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List known sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := session.List()
			if err != nil {
				return err
			}
			if jsonOut {
				outputJSON(list)
				return nil
			}
			if len(list) == 0 {
				fmt.Println("No sessions found.")
				return nil
			}
			for _, s := range list {
				state := "stopped"
				if s.Running {
					state = fmt.Sprintf("running, PID %d", s.PID)
				}
				if !s.Configured {
					state += ", not configured"
				}
				mark := " "
				if s.Default {
					mark = "*"
				}
				fmt.Printf("%s %-20s %s (%s)\n", mark, s.Name, s.Path, state)
			}
			return nil
		},
	}
}
