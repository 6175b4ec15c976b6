package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/juju/errors"
	"github.com/urfave/cli/v3"

	"github.com/livinlefevreloca/docfeed/internal/config"
	"github.com/livinlefevreloca/docfeed/internal/db"
)

// newRootCommand returns the top-level CLI command.
func newRootCommand() *cli.Command {
	return &cli.Command{
		Name:  "docfeed",
		Usage: "Change feed aggregator and task events for a document store",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to configuration file (TOML)",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging",
			},
		},
		Commands: []*cli.Command{
			newRunCommand(),
			newMigrateCommand(),
			newPollCommand(),
			newCheckpointsCommand(),
			newDatabaseCommand(),
		},
		DefaultCommand: "run",
	}
}

// loadConfig reads and validates the configuration named by --config.
func loadConfig(cmd *cli.Command) (*config.Config, error) {
	cfg, err := config.LoadConfig(cmd.String("config"))
	if err != nil {
		return nil, errors.Annotate(err, "loading configuration")
	}
	if cmd.Bool("debug") {
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Annotate(err, "invalid configuration")
	}
	return cfg, nil
}

// newLogger builds the process logger from the logging section and makes
// it the default.
func newLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// openStore connects to the document store and applies migrations unless
// the configuration skips them.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*db.DB, error) {
	logger.Info("connecting to document store",
		"driver", cfg.Store.Driver,
		"dsn", cfg.Store.DSN)

	database, err := db.OpenWithConfig(cfg.Store)
	if err != nil {
		return nil, errors.Annotate(err, "opening document store")
	}

	if cfg.Store.SkipMigrations {
		logger.Info("skipping migrations", "reason", "configured to skip")
		return database, nil
	}

	applied, err := database.Migrate(ctx, cfg.Store.MigrationsDir)
	if err != nil {
		database.Close()
		return nil, err
	}
	for _, v := range applied {
		logger.Info("applied migration", "version", v)
	}
	return database, nil
}

// setup is the common prelude of every command.
func setup(ctx context.Context, cmd *cli.Command) (*config.Config, *slog.Logger, *db.DB, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, nil, err
	}
	logger := newLogger(cfg.Logging, os.Stderr)

	database, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, logger, database, nil
}

func newMigrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply schema migrations and print the schema version",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			// Always migrate here, whatever skip_migrations says
			cfg.Store.SkipMigrations = false

			database, err := openStore(ctx, cfg, newLogger(cfg.Logging, os.Stderr))
			if err != nil {
				return err
			}
			defer database.Close()

			version, err := database.SchemaVersion(ctx)
			if err != nil {
				return errors.Trace(err)
			}
			fmt.Fprintf(cmd.Root().Writer, "schema version %d\n", version)
			return nil
		},
	}
}
