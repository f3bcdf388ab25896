package main

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/dan-strohschein/docmigrate/action"
	"github.com/dan-strohschein/docmigrate/config"
	"github.com/dan-strohschein/docmigrate/logging"
	"github.com/dan-strohschein/docmigrate/migration"
	"github.com/dan-strohschein/docmigrate/store"
	"github.com/dan-strohschein/docmigrate/store/mongostore"
	"github.com/dan-strohschein/docmigrate/updater"
)

// connectFunc opens the database described by cfg. The returned function
// closes it.
type connectFunc func(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.Database, func(), error)

type app struct {
	configPath  string
	metricsFile string

	cfg      *config.Config
	logger   *zap.Logger
	registry *prometheus.Registry
	connect  connectFunc
}

func newApp() *app {
	return &app{
		registry: prometheus.NewRegistry(),
		connect:  connectMongo,
	}
}

func connectMongo(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.Database, func(), error) {
	if err := cfg.ValidateConnection(); err != nil {
		return nil, nil, err
	}
	logger.Debug("connecting", zap.String("uri", logging.RedactURI(cfg.URI)), zap.String("database", cfg.Database))
	db, err := mongostore.Connect(ctx, cfg.URI, cfg.Database, mongostore.Options{
		ServerVersion: cfg.MongoVersion,
		Logger:        logger,
	})
	if err != nil {
		return nil, nil, err
	}
	return db, func() {
		if err := db.Close(context.Background()); err != nil {
			logger.Warn("failed to close database connection", zap.Error(err))
		}
	}, nil
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "docmigrate",
		Short:         "Schema migrations for MongoDB document models",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.teardown()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "configuration file (default ./"+config.DefaultFile+")")
	flags.String("uri", "", "MongoDB connection string")
	flags.String("database", "", "database name (default taken from the uri)")
	flags.String("dir", "", "migrations directory")
	flags.String("collection", "", "collection holding the migration state")
	flags.String("schema", "", "declared schema file (JSON or YAML)")
	flags.String("policy", "", "policy of generated migrations (strict or relaxed)")
	flags.Bool("dry-run", false, "log data modifications instead of running them")
	flags.Bool("schema-only", false, "change the stored schema without touching data")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.String("log-format", "", "log format (console or json)")
	flags.StringVar(&a.metricsFile, "metrics-file", "", "write Prometheus metrics to this file when the command ends")

	root.AddCommand(
		newInitCommand(a),
		newMakeMigrationsCommand(a),
		newUpgradeCommand(a),
		newDowngradeCommand(a),
		newMigrateCommand(a),
		newPlanCommand(a),
		newStatusCommand(a),
		newDiffCommand(a),
		newValidateCommand(a),
		newUnlockCommand(a),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath, cmd.Flags())
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	a.cfg = cfg

	if a.logger == nil {
		logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
		if err != nil {
			return err
		}
		a.logger = logger
	}
	return nil
}

func (a *app) teardown() error {
	var err error
	if a.metricsFile != "" {
		err = multierr.Append(err, prometheus.WriteToTextfile(a.metricsFile, a.registry))
	}
	if a.logger != nil {
		// stderr cannot be synced on some platforms
		_ = a.logger.Sync()
	}
	return err
}

// runner connects to the database and builds a runner configured from
// the loaded settings. The returned function releases the connection.
func (a *app) runner(ctx context.Context) (*migration.Runner, func(), error) {
	cfg := a.cfg
	db, closeDB, err := a.connect(ctx, cfg, a.logger)
	if err != nil {
		return nil, nil, err
	}

	policy, err := updater.ParsePolicy(cfg.Policy)
	if err != nil {
		closeDB()
		return nil, nil, err
	}

	opts := []migration.Option{
		migration.WithLogger(a.logger),
		migration.WithCollection(cfg.Collection),
		migration.WithDryRun(cfg.DryRun),
		migration.WithSchemaOnly(cfg.SchemaOnly),
		migration.WithPolicy(policy),
		migration.WithRegistered(),
		migration.WithMetrics(migration.NewMetrics(a.registry)),
		migration.WithRunOptions(action.WithUpdaterOptions(
			updater.WithBufferSize(cfg.BufferSize),
			updater.WithWriteRate(cfg.WriteRate),
			updater.WithMetrics(updater.NewMetrics(a.registry)),
		)),
	}
	if cfg.Lock.Enabled {
		lock, err := migration.NewLock(cfg.MigrationsDir, cfg.Lock.StaleTimeout, a.logger)
		if err != nil {
			closeDB()
			return nil, nil, err
		}
		if err := lock.SetRetry(cfg.Lock.Retries, cfg.Lock.Backoff); err != nil {
			closeDB()
			return nil, nil, err
		}
		opts = append(opts, migration.WithLock(lock))
	}

	return migration.NewRunner(db, cfg.MigrationsDir, opts...), closeDB, nil
}
