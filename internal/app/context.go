package app

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"squadline/internal/config"
	"squadline/internal/db"
	"squadline/internal/engine"
	"squadline/internal/logging"
	"squadline/internal/migrate"
)

// Options select the workspace and optional overrides.
type Options struct {
	Workspace string
	// ConfigPath overrides <workspace>/squadline.yml.
	ConfigPath string
	// ProjectOverride replaces config.project.id when set.
	ProjectOverride string
	LogLevel        string
	LogFormat       string
	// Logger, when set, is used instead of building one from config.
	Logger *zap.Logger
}

// Workspace is an opened workspace ready for dispatch.
type Workspace struct {
	DB     *sql.DB
	Config *config.Config
	Engine engine.Engine
	Logger *zap.Logger
}

func (w *Workspace) Close() error {
	_ = w.Logger.Sync()
	if w.DB == nil {
		return nil
	}
	return w.DB.Close()
}

// LoadConfig resolves config for a workspace, preferring an explicit path.
func LoadConfig(opts Options) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if opts.ConfigPath != "" {
		cfg, err = config.FromFile(opts.ConfigPath)
	} else {
		cfg, err = config.Load(opts.Workspace)
	}
	if err != nil {
		return nil, err
	}
	if opts.ProjectOverride != "" {
		cfg = cfg.Clone()
		cfg.Project.ID = opts.ProjectOverride
	}
	return cfg, nil
}

// Open loads config, migrates the workspace database and restores sessions.
func Open(ctx context.Context, opts Options) (*Workspace, error) {
	cfg, err := LoadConfig(opts)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		level, format := cfg.Logging.Level, cfg.Logging.Format
		if opts.LogLevel != "" {
			level = opts.LogLevel
		}
		if opts.LogFormat != "" {
			format = opts.LogFormat
		}
		logger, err = logging.New(level, format)
		if err != nil {
			return nil, err
		}
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, fmt.Errorf("open workspace db: %w", err)
	}
	version, err := migrate.Migrate(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	eng := engine.New(conn, cfg).WithLogger(logger)
	if err := eng.Restore(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	logger.Debug("workspace opened",
		zap.String("workspace", opts.Workspace),
		zap.String("project", cfg.Project.ID),
		zap.Int("schema_version", version),
		zap.Int("sessions", len(eng.ListSessions())),
	)
	return &Workspace{DB: conn, Config: cfg, Engine: eng, Logger: logger}, nil
}
