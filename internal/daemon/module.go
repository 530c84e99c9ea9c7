package daemon

import (
	"context"
	"net/url"
	"strings"

	"github.com/matheus3301/dmsync/internal/api"
	"github.com/matheus3301/dmsync/internal/bus"
	"github.com/matheus3301/dmsync/internal/channel"
	"github.com/matheus3301/dmsync/internal/cipher"
	"github.com/matheus3301/dmsync/internal/config"
	"github.com/matheus3301/dmsync/internal/lock"
	"github.com/matheus3301/dmsync/internal/logging"
	"github.com/matheus3301/dmsync/internal/outbox"
	"github.com/matheus3301/dmsync/internal/session"
	"github.com/matheus3301/dmsync/internal/status"
	"github.com/matheus3301/dmsync/internal/store"
	intsync "github.com/matheus3301/dmsync/internal/sync"
	"github.com/matheus3301/dmsync/internal/upload"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	Config      *config.Session
	SocketPath  string // optional override for testing; empty = use default
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideCipher,
			provideChannel,
			provideUploader,
			provideOutbox,
			provideSyncEngine,
			provideSessionService,
			provideSyncService,
			provideChatService,
			provideMessageService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, *logging.Tail, error) {
	return logging.New(session.For(p.SessionName).Log(), p.SessionName, p.Config.Account.UserID, logging.ParseLevel(p.Config.Log.Level))
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.For(p.SessionName).Ensure(); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.For(p.SessionName).Lock())
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

// provideStore depends on the lock so the database is never opened by two daemons.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	db, result, err := store.OpenMigrated(session.For(p.SessionName).DB())
	if err != nil {
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("from", result.From), zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", db.Path()))
	return db, nil
}

func provideCipher(p Params) *cipher.Cipher {
	return cipher.New(p.Config.Cipher.Salt)
}

func provideChannel(p Params, m *status.Machine, logger *zap.Logger) *channel.Client {
	c := p.Config
	return channel.New(channel.Config{
		URL:               c.Channel.URL,
		Token:             c.Account.Token,
		UserID:            c.Account.UserID,
		AckTimeout:        c.Channel.AckTimeout.Duration,
		PingInterval:      c.Channel.PingInterval.Duration,
		InitialBackoff:    c.Channel.InitialBackoff.Duration,
		MaxBackoff:        c.Channel.MaxBackoff.Duration,
		BackoffMultiplier: c.Channel.BackoffMultiplier,
	}, m, logger.Named("channel"))
}

func provideUploader(p Params, logger *zap.Logger) *upload.Client {
	c := p.Config
	endpoint := c.Upload.URL
	if endpoint == "" {
		endpoint = uploadURLFrom(c.Channel.URL)
	}
	return upload.New(upload.Config{
		URL:        endpoint,
		Token:      c.Account.Token,
		Timeout:    c.Upload.Timeout.Duration,
		MaxRetries: uint64(c.Upload.MaxRetry),
	}, logger.Named("upload"))
}

// uploadURLFrom derives the relay's upload endpoint from its websocket URL:
// ws://host/ws becomes http://host/upload.
func uploadURLFrom(channelURL string) string {
	u, err := url.Parse(channelURL)
	if err != nil || u.Host == "" {
		return ""
	}
	switch u.Scheme {
	case "wss":
		u.Scheme = "https"
	default:
		u.Scheme = "http"
	}
	u.Path = strings.TrimSuffix(u.Path, "/ws") + "/upload"
	u.RawQuery = ""
	return u.String()
}

func provideOutbox(db *store.DB, b *bus.Bus, logger *zap.Logger) *outbox.Queue {
	return outbox.New(db, b, logger.Named("outbox"))
}

func provideSyncEngine(p Params, db *store.DB, b *bus.Bus, c *cipher.Cipher, ch *channel.Client, up *upload.Client, q *outbox.Queue, logger *zap.Logger) *intsync.Engine {
	cfg := p.Config
	return intsync.NewEngine(intsync.Config{
		UserID:        cfg.Account.UserID,
		DisplayName:   cfg.Account.DisplayName,
		SeenIDs:       cfg.Sync.SeenIDs,
		TypingIdle:    cfg.Sync.TypingIdle.Duration,
		TypingTTL:     cfg.Sync.TypingTTL.Duration,
		DrainInterval: cfg.Sync.DrainInterval.Duration,
	}, db, b, c, ch, up, q, logger.Named("sync"))
}

func provideSessionService(p Params, m *status.Machine, engine *intsync.Engine, b *bus.Bus, db *store.DB, tail *logging.Tail) *api.SessionService {
	return api.NewSessionService(p.SessionName, m, engine, b, db, tail)
}

func provideSyncService(p Params, engine *intsync.Engine, b *bus.Bus, m *status.Machine) *api.SyncService {
	return api.NewSyncService(engine, b, m, p.SessionName)
}

func provideChatService(p Params, engine *intsync.Engine, b *bus.Bus) *api.ChatService {
	return api.NewChatService(engine, b, p.SessionName)
}

func provideMessageService(engine *intsync.Engine) *api.MessageService {
	return api.NewMessageService(engine)
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, lk *lock.Lock, db *store.DB, ch *channel.Client, engine *intsync.Engine, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			// Recover interrupted sends and subscribe before the channel dials.
			if err := engine.Start(ctx); err != nil {
				return err
			}

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			ch.Start(context.Background())
			return nil
		},
		OnStop: func(ctx context.Context) error {
			ch.Stop()
			engine.Stop()
			srv.Stop(ctx)
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
