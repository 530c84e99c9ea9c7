package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/matheus3301/dmsync/internal/logging"
	"github.com/matheus3301/dmsync/internal/relay"
	"go.uber.org/zap"
)

func main() {
	addr := flag.String("addr", ":8080", "listen address")
	secret := flag.String("secret", os.Getenv("DMRELAY_SECRET"), "HS256 signing secret (default $DMRELAY_SECRET)")
	media := flag.String("media", "media", "directory for uploaded files")
	publicURL := flag.String("public-url", "", "base URL used in attachment links (default: request host)")
	sendRate := flag.Float64("rate", 10, "sends per second allowed per socket (0 for unlimited)")
	sendBurst := flag.Int("burst", 20, "send burst per socket")
	maxPending := flag.Int("max-pending", 1000, "frames held per offline user")
	level := flag.String("log-level", "info", "log level")
	flag.Parse()

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(logging.ParseLevel(*level))
	logger, err := cfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	srv, err := relay.New(relay.Config{
		Secret:     *secret,
		MediaDir:   *media,
		PublicURL:  *publicURL,
		SendRate:   *sendRate,
		SendBurst:  *sendBurst,
		MaxPending: *maxPending,
	}, logger)
	if err != nil {
		logger.Fatal("relay setup failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Listen(*addr) }()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Fatal("relay stopped", zap.Error(err))
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown", zap.Error(err))
		}
	}
}
