package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/matheus3301/dmsync/internal/daemon"
	"github.com/matheus3301/dmsync/internal/lock"
	"github.com/matheus3301/dmsync/internal/session"
	"go.uber.org/fx"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	flag.Parse()

	sessionName, cfg, err := session.LoadConfig(*sessionFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: session %q: %v\n", sessionName, err)
		fmt.Fprintf(os.Stderr, "hint: dmsyncctl --session %s init --user <id> --url <ws-url>\n", sessionName)
		os.Exit(1)
	}

	app := fx.New(
		fx.NopLogger,
		daemon.Module(daemon.Params{SessionName: sessionName, Config: cfg}),
	)
	if err := app.Err(); err != nil {
		if errors.Is(err, lock.ErrHeld) {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app.Run()
}
