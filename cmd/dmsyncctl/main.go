package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/matheus3301/dmsync/internal/client"
	"github.com/matheus3301/dmsync/internal/session"
	"github.com/spf13/cobra"
)

var (
	sessionFlag string
	jsonOut     bool
	timeout     time.Duration
)

var rootCmd = &cobra.Command{
	Use:           "dmsyncctl",
	Short:         "Control a dmsync session daemon",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&sessionFlag, "session", "", "session name (overrides config default)")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "per-call timeout")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// sessionName resolves and validates the target session.
func sessionName() (string, error) {
	name := session.Resolve(sessionFlag)
	if err := session.ValidateName(name); err != nil {
		return "", err
	}
	return name, nil
}

// withClient connects to the session daemon and runs fn under the call
// timeout.
func withClient(fn func(ctx context.Context, c *client.Client) error) error {
	name, err := sessionName()
	if err != nil {
		return err
	}
	c, err := client.New(session.For(name).Socket())
	if err != nil {
		return fmt.Errorf("cannot connect to daemon for session %q: %w", name, err)
	}
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return fn(ctx, c)
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}

func formatMs(ms int64) string {
	if ms == 0 {
		return "never"
	}
	return time.UnixMilli(ms).Local().Format("2006-01-02 15:04:05")
}
