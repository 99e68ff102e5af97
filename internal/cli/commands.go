package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pageza/alchemorsel-v2/pipeline/internal/authz"
	"github.com/pageza/alchemorsel-v2/pipeline/internal/database"
	"github.com/pageza/alchemorsel-v2/pipeline/internal/server"
)

func newServeCommand() *cobra.Command {
	var withWorker bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := bootstrap()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			if cmd.Flags().Changed("worker") {
				cfg.Server.RunWorker = withWorker
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			srv := server.New(cfg.Server, a.apiDeps(), logger)
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return srv.Run(gctx) })
			if cfg.Server.RunWorker {
				g.Go(func() error { return a.worker.Run(gctx) })
			}
			err = g.Wait()

			// Enrichment re-requests run in the background; let them land.
			a.router.Wait()
			return ignoreCanceled(err)
		},
	}
	cmd.Flags().BoolVar(&withWorker, "worker", false, "also consume change events in this process")
	return cmd
}

func newWorkerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume change events and run pipeline stages",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := bootstrap()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			a, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			return ignoreCanceled(a.worker.Run(cmd.Context()))
		},
	}
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := bootstrap()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			db, err := database.Open(cfg.Database, logger)
			if err != nil {
				return err
			}
			if err := database.RunMigrations(db, cfg.Database.Migrations, logger); err != nil {
				return err
			}
			logger.Info("migrations applied", zap.String("driver", cfg.Database.Driver))
			return nil
		},
	}
}

func newHashServiceKeyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-service-key KEY",
		Short: "Print the bcrypt hash to configure as auth.service_key_hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := authz.HashServiceKey(args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), hash)
			return err
		},
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
