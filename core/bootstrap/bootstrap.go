package bootstrap

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"

	"github.com/m3rciful/chatbridge/core/botframework/state"
	coreconfig "github.com/m3rciful/chatbridge/core/config"
	coredatabase "github.com/m3rciful/chatbridge/core/database"
	"github.com/m3rciful/chatbridge/core/logger"
)

// Options control the infrastructure pipeline. Nil hooks select the real implementations.
type Options struct {
	Config *coreconfig.Config

	LoggerInit func(*coreconfig.Config) error
	Connect    func(coredatabase.Config) (*sqlx.DB, error)
	Migrate    func(coredatabase.Config) error
}

// Result exposes infrastructure initialized by the bootstrap pipeline.
type Result struct {
	// DB is nil for the memory storage driver.
	DB      *sqlx.DB
	Storage state.Storage
}

// Close releases the database pool, if any.
func (r *Result) Close() error {
	if r == nil || r.DB == nil {
		return nil
	}
	return r.DB.Close()
}

// Run initializes the logger and the state storage selected by cfg.Storage.Driver.
// The postgres driver connects and applies migrations first.
func Run(opts Options) (*Result, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("bootstrap: nil config provided")
	}

	loggerInit := opts.LoggerInit
	if loggerInit == nil {
		loggerInit = logger.InitLogger
	}
	if err := loggerInit(opts.Config); err != nil {
		return nil, fmt.Errorf("bootstrap: logger init failed: %w", err)
	}

	if opts.Config.Storage.Driver != coreconfig.StoragePostgres {
		logger.Info(logger.Background(), "state", "storage.init",
			slog.String("status", "ok"),
			slog.String("storage", coreconfig.StorageMemory),
		)
		return &Result{Storage: state.NewMemoryStorage()}, nil
	}

	connect := opts.Connect
	if connect == nil {
		connect = coredatabase.Connect
	}
	db, err := connect(opts.Config.Database)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: database initialization failed: %w", err)
	}

	migrate := opts.Migrate
	if migrate == nil {
		migrate = coredatabase.RunMigrations
	}
	if err := migrate(opts.Config.Database); err != nil {
		if cerr := db.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
		return nil, fmt.Errorf("bootstrap: migrations failed: %w", err)
	}

	logger.Info(logger.Background(), "state", "storage.init",
		slog.String("status", "ok"),
		slog.String("storage", coreconfig.StoragePostgres),
		slog.String("db", opts.Config.Database.Name),
	)
	return &Result{DB: db, Storage: state.NewPostgresStorage(db)}, nil
}
