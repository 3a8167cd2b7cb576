package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/m3rciful/chatbridge/app"
	"github.com/m3rciful/chatbridge/core/bootstrap"
	"github.com/m3rciful/chatbridge/core/botframework/state"
	coreconfig "github.com/m3rciful/chatbridge/core/config"
	"github.com/m3rciful/chatbridge/core/logger"
	"github.com/m3rciful/chatbridge/core/server"
)

// Options describe how to load configuration, bootstrap infrastructure and serve.
// Nil hooks select the real implementations.
type Options struct {
	ConfigPath string
	// ConfigEnvVar names the variable consulted when ConfigPath is empty.
	ConfigEnvVar string
	EnvFile      string

	LoadEnvFile func(path string) error
	LoadConfig  func(path string) (*coreconfig.Config, error)
	Bootstrap   func(bootstrap.Options) (*bootstrap.Result, error)
	BuildApp    func(ctx context.Context, cfg *coreconfig.Config, storage state.Storage) (*app.App, error)

	ShutdownLogger func() error
	RunServer      func(ctx context.Context, opts server.Options) error

	// Context replaces the signal-aware root context, mostly for tests.
	Context context.Context
}

// Run loads configuration, bootstraps storage, builds the bot and serves HTTP until
// SIGINT or SIGTERM.
func Run(opts Options) error {
	loadEnv := opts.LoadEnvFile
	if loadEnv == nil {
		loadEnv = coreconfig.LoadEnvFile
	}
	if err := loadEnv(opts.EnvFile); err != nil {
		return fmt.Errorf("cmd: %w", err)
	}

	cfgPath := opts.ConfigPath
	if cfgPath == "" {
		env := opts.ConfigEnvVar
		if env == "" {
			env = "CONFIG_PATH"
		}
		cfgPath = os.Getenv(env)
	}
	if cfgPath != "" {
		log.Printf("loading config: %s", cfgPath)
	}

	loadConfig := opts.LoadConfig
	if loadConfig == nil {
		loadConfig = coreconfig.Load
	}
	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("cmd: failed to load config: %w", err)
	}

	shutdownLogger := opts.ShutdownLogger
	if shutdownLogger == nil {
		shutdownLogger = logger.Shutdown
	}
	defer func() {
		if err := shutdownLogger(); err != nil {
			log.Printf("logger shutdown error: %v", err)
		}
	}()

	boot := opts.Bootstrap
	if boot == nil {
		boot = bootstrap.Run
	}
	infra, err := boot(bootstrap.Options{Config: cfg})
	if err != nil {
		return fmt.Errorf("cmd: bootstrap failed: %w", err)
	}
	defer func() {
		if err := infra.Close(); err != nil {
			logger.Error(logger.Background(), "db", "db.close",
				slog.String("status", "fail"),
				slog.String("err", err.Error()),
			)
		}
	}()

	ctx := opts.Context
	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
	}

	build := opts.BuildApp
	if build == nil {
		build = app.Build
	}
	application, err := build(ctx, cfg, infra.Storage)
	if err != nil {
		return fmt.Errorf("cmd: app build failed: %w", err)
	}

	startedAt := time.Now()
	srvOpts := server.Options{
		Config:    cfg,
		Processor: application.Adapter,
		Bot:       application.Bot,
		OnStart: func(ctx context.Context, addr net.Addr) error {
			logger.Info(ctx, "app", "ready",
				slog.String("listen", addr.String()),
				slog.Duration("startup_duration", logger.RoundMS(time.Since(startedAt))),
			)
			if !cfg.BotFramework.AuthEnabled() {
				logger.Warn(ctx, "app", "auth.disabled",
					slog.String("hint", "open the bot in the Bot Framework Emulator at http://"+addr.String()+"/api/messages"),
				)
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info(ctx, "app", "shutdown")
			return nil
		},
	}

	run := opts.RunServer
	if run == nil {
		run = server.Run
	}
	return run(ctx, srvOpts)
}
