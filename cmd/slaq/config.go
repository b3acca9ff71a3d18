package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/nextseek-chat/server/internal/agent/graph"
	"github.com/nextseek-chat/server/internal/agent/graph/conversations"
	"github.com/nextseek-chat/server/internal/agent/graph/nodes"
	"github.com/nextseek-chat/server/internal/agent/model"
	"github.com/nextseek-chat/server/internal/agent/oracle"
	"github.com/nextseek-chat/server/internal/agent/tools"
	"github.com/nextseek-chat/server/internal/core"
	"github.com/nextseek-chat/server/internal/metadata"
	"github.com/nextseek-chat/server/internal/metadata/update"
	"github.com/nextseek-chat/server/internal/metrics"
	"github.com/nextseek-chat/server/internal/repo"
	logx "github.com/nextseek-chat/server/pkg/logger"
	pkgredis "github.com/nextseek-chat/server/pkg/redis"
	pkgsqlite "github.com/nextseek-chat/server/pkg/sqlite"
)

// AppConfig defines every configurable parameter of the service, sourced
// from environment variables (loaded from .env for local runs).
type AppConfig struct {
	Env      core.Environment `envconfig:"APP_ENV" default:"development"`
	LogLevel string           `envconfig:"LOG_LEVEL"`

	// Infrastructure
	HTTP   HTTPConfig
	Redis  pkgredis.Config
	SQLite pkgsqlite.Config

	// Agent configs
	Conversation model.ConversationConfig
	Oracle       model.OracleConfig
	Metadata     model.MetadataConfig
}

type HTTPConfig struct {
	Port            string        `envconfig:"HTTP_PORT" default:"8000"`
	ReadTimeout     time.Duration `envconfig:"HTTP_READ_TIMEOUT" default:"30s"`
	ShutdownTimeout time.Duration `envconfig:"HTTP_SHUTDOWN_TIMEOUT" default:"10s"`
}

// loadConfig reads the env file named by --env-file, then the environment,
// and initialises logging.
func loadConfig(cmd *cobra.Command) (*AppConfig, error) {
	envFile, _ := cmd.Flags().GetString("env-file")
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("process environment config: %w", err)
	}
	logx.Init(logx.LoggerOpts{Environment: cfg.Env, Level: cfg.LogLevel})
	return &cfg, nil
}

// openMetadata opens the SQLite metadata store and applies its schema.
func openMetadata(ctx context.Context, cfg *AppConfig) (*metadata.Store, *sql.DB, error) {
	db, err := cfg.SQLite.New()
	if err != nil {
		return nil, nil, fmt.Errorf("open metadata database: %w", err)
	}
	store := metadata.NewStore(db, cfg.Metadata)
	if err := store.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return store, db, nil
}

func newPipeline(store *metadata.Store, cfg *AppConfig, rec metrics.Recorder) *update.Pipeline {
	return update.New(store,
		update.WithBatchSize(cfg.Metadata.BatchSize),
		update.WithBatchPause(cfg.Metadata.BatchPause),
		update.WithMetrics(rec),
	)
}

// app is the fully wired conversation service.
type app struct {
	manager  *conversations.Manager
	gatherer prometheus.Gatherer
	closers  []func() error
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logx.Warn().Err(err).Msg("Error closing resource")
		}
	}
}

// newApp wires the session store, metadata store, oracle, tools and graph.
func newApp(ctx context.Context, cfg *AppConfig) (*app, error) {
	a := &app{gatherer: prometheus.DefaultGatherer}
	rec := metrics.NewPrometheusRecorder(prometheus.DefaultRegisterer)

	var sessions model.SessionStore
	if cfg.Redis.Enabled() {
		rdb, err := cfg.Redis.New()
		if err != nil {
			return nil, fmt.Errorf("initialise Redis client: %w", err)
		}
		a.closers = append(a.closers, rdb.Close)
		sessions = repo.NewRedisSessionStore(rdb, cfg.Conversation)
		logx.Info().Msg("Sessions stored in Redis")
	} else {
		sessions = repo.NewMemorySessionStore()
		logx.Warn().Msg("REDIS_URL not set, sessions are kept in memory")
	}

	store, db, err := openMetadata(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.closers = append(a.closers, db.Close)

	cm, err := oracle.NewChatModel(ctx, cfg.Oracle)
	if err != nil {
		a.Close()
		return nil, err
	}
	o := oracle.NewChatOracle(cm, cfg.Oracle.Provider, cfg.Oracle.Model, rec)
	executor := tools.NewExecutor(store, newPipeline(store, cfg, rec), rec)

	runner, err := graph.Build(ctx, graph.Config{
		Funcs:       nodes.New(o, executor, store, cfg.Metadata.SchemaTables).Funcs(),
		Metrics:     rec,
		MaxRunSteps: cfg.Conversation.MaxRunSteps,
		TurnTimeout: cfg.Conversation.TurnTimeout,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	a.manager = conversations.NewManager(sessions, runner, cfg.Conversation)
	return a, nil
}
