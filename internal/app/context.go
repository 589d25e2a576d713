package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"owleval/internal/config"
	"owleval/internal/db"
	"owleval/internal/engine"
	"owleval/internal/logging"
	"owleval/internal/metrics"
	"owleval/internal/migrate"
)

// EnvFile is the per-workspace dotenv file holding tokens and the current experiment.
const EnvFile = ".env"

// CurrentExperimentKey names the experiment commands act on when none is given.
const CurrentExperimentKey = "OWLEVAL_EXPERIMENT"

// Options select the workspace and logging for a process.
type Options struct {
	Workspace string
	LogLevel  string
	LogFormat string
	LogOutput io.Writer
	// RequireConfig fails when owleval.yml is missing instead of using defaults.
	RequireConfig bool
}

// Context bundles what a command or the server needs: an open, migrated database and an engine
// built from the workspace config.
type Context struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Engine    engine.Engine
	Log       *logrus.Logger
	Metrics   *metrics.Metrics
}

// Open loads the workspace .env and config, opens and migrates the database and builds the
// engine. A Prolific client is attached only when its token is set.
func Open(ctx context.Context, opts Options) (*Context, error) {
	if err := LoadEnv(opts.Workspace); err != nil {
		return nil, err
	}
	load := config.LoadOrDefault
	if opts.RequireConfig {
		load = config.Load
	}
	cfg, err := load(opts.Workspace)
	if err != nil {
		return nil, err
	}
	level, format := cfg.Log.Level, cfg.Log.Format
	if opts.LogLevel != "" {
		level = opts.LogLevel
	}
	if opts.LogFormat != "" {
		format = opts.LogFormat
	}
	log := logging.New(logging.Options{Level: level, Format: format, Output: opts.LogOutput})

	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	m := metrics.New(nil)
	e := engine.New(conn, cfg)
	e.Log = log
	e.Metrics = m
	if cfg.ProlificToken() != "" {
		e.Prolific = cfg.NewProlificClient()
	} else {
		log.WithField("env", cfg.Prolific.TokenEnv).Debug("prolific token not set; prolific commands disabled")
	}
	return &Context{
		Workspace: opts.Workspace,
		Config:    cfg,
		DB:        conn,
		Engine:    e,
		Log:       log,
		Metrics:   m,
	}, nil
}

func (c *Context) Close() error {
	if c == nil || c.DB == nil {
		return nil
	}
	return c.DB.Close()
}

func envPath(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, EnvFile)
}

// LoadEnv exports the workspace .env into the process environment. Variables already set win.
func LoadEnv(workspace string) error {
	path := envPath(workspace)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// SetEnvValue writes key=value into the workspace .env, keeping the other entries.
func SetEnvValue(workspace, key, value string) (string, error) {
	path := envPath(workspace)
	env := map[string]string{}
	if _, err := os.Stat(path); err == nil {
		if env, err = godotenv.Read(path); err != nil {
			return path, err
		}
	}
	env[key] = value
	return path, godotenv.Write(env, path)
}
