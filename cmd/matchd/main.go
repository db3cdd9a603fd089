package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/uhyunpark/stockmatch/params"
	"github.com/uhyunpark/stockmatch/pkg/storage"
	"github.com/uhyunpark/stockmatch/pkg/storage/memstore"
	"github.com/uhyunpark/stockmatch/pkg/storage/pebblestore"
	"github.com/uhyunpark/stockmatch/pkg/storage/pgstore"
	"github.com/uhyunpark/stockmatch/pkg/util"
)

type rootFlags struct {
	configPath string
	envPath    string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "matchd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	f := &rootFlags{}
	root := &cobra.Command{
		Use:           "matchd",
		Short:         "Order matching and settlement service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&f.configPath, "config", "", "optional TOML config file")
	root.PersistentFlags().StringVar(&f.envPath, "env", "", "optional .env file (default ./.env)")

	root.AddCommand(newServeCmd(f), newMigrateCmd(f), newSeedCmd(f))
	return root
}

// setup loads configuration and builds the logger shared by all commands.
func (f *rootFlags) setup() (params.Config, *zap.Logger, error) {
	cfg, err := params.Load(f.configPath, f.envPath)
	if err != nil {
		return cfg, nil, err
	}
	logger, err := util.LoggerFor(cfg.Log.Level, cfg.Log.File)
	if err != nil {
		return cfg, nil, errors.Wrap(err, "logger")
	}
	return cfg, logger, nil
}

func openStore(ctx context.Context, cfg params.Store) (storage.Store, error) {
	switch cfg.Backend {
	case params.BackendMemory:
		return memstore.New(cfg.LockTimeout), nil
	case params.BackendPebble:
		return pebblestore.Open(cfg.PebblePath, cfg.LockTimeout)
	case params.BackendPostgres:
		return pgstore.Open(ctx, cfg.PostgresDSN, cfg.LockTimeout)
	default:
		return nil, errors.Newf("unknown store backend %q", cfg.Backend)
	}
}

func newMigrateCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the PostgreSQL schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := f.setup()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			if cfg.Store.Backend != params.BackendPostgres {
				return errors.Newf("migrate needs the postgres backend, configured %q", cfg.Store.Backend)
			}
			s, err := pgstore.Open(cmd.Context(), cfg.Store.PostgresDSN, cfg.Store.LockTimeout)
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.Migrate(cmd.Context()); err != nil {
				return err
			}
			logger.Info("schema_migrated")
			return nil
		},
	}
}
