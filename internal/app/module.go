// Package app wires one session's engine together with fx.
package app

import (
	"context"
	"fmt"

	"github.com/matheus3301/chatwave/internal/bus"
	"github.com/matheus3301/chatwave/internal/config"
	"github.com/matheus3301/chatwave/internal/conn"
	"github.com/matheus3301/chatwave/internal/lock"
	"github.com/matheus3301/chatwave/internal/logging"
	"github.com/matheus3301/chatwave/internal/onboarding"
	"github.com/matheus3301/chatwave/internal/session"
	"github.com/matheus3301/chatwave/internal/status"
	intsync "github.com/matheus3301/chatwave/internal/sync"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

// Params holds the resolved session passed to the fx modules.
type Params struct {
	SessionName string
}

// Base provides configuration, logging and the onboarding client. It is
// enough for the commands that never open the socket.
func Base(p Params) fx.Option {
	return fx.Options(
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideOnboarding,
		),
		fx.WithLogger(func(logger *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: logger.Named("fx")}
		}),
	)
}

// Module returns the full engine module: Base plus the connection, the sync
// engine, the session lock and their lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("chatwave",
		Base(p),
		fx.Provide(
			provideBus,
			provideStateMachine,
			provideLock,
			provideConn,
			provideEngine,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	cfg, err := config.LoadOrDefault(session.ConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	// The session's file wins over one in the working directory.
	if err := config.ApplyEnv(cfg, session.EnvPath(p.SessionName), ".env"); err != nil {
		return nil, err
	}
	if err := cfg.Engine.ResolveUserID(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func provideLogger(p Params, cfg *config.Config) (*zap.Logger, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	return logging.New(session.LogPath(p.SessionName), p.SessionName, cfg.Engine.LogLevel)
}

func provideOnboarding(cfg *config.Config, logger *zap.Logger) *onboarding.Client {
	return onboarding.New(cfg.Engine.APIBaseURL, 0, logger.Named("onboarding"))
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.LockPath(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired", zap.String("path", l.Path()))
	return l, nil
}

func provideConn(cfg *config.Config, machine *status.Machine, logger *zap.Logger) (*conn.Manager, error) {
	e := cfg.Engine
	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return conn.New(conn.Config{
		URL:          e.Endpoint,
		Token:        e.Token,
		SelfID:       e.UserID,
		PingInterval: e.PingInterval(),
		PongTimeout:  e.PongTimeout(),
		BackoffBase:  e.BackoffBase(),
		BackoffMax:   e.BackoffMax(),
		MaxRetries:   e.RetryCeiling,
	}, machine, logger.Named("conn")), nil
}

func provideEngine(cfg *config.Config, m *conn.Manager, b *bus.Bus, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(intsync.Config{
		SelfID:     cfg.Engine.UserID,
		AckTimeout: cfg.Engine.AckTimeout(),
	}, m, b, logger.Named("engine"))
}

func registerLifecycle(lc fx.Lifecycle, engine *intsync.Engine, lk *lock.Lock, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// The start context ends when OnStart returns; the connection
			// outlives it.
			return engine.Start(context.Background())
		},
		OnStop: func(_ context.Context) error {
			if err := engine.Close(); err != nil {
				logger.Warn("error closing engine", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("session stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
