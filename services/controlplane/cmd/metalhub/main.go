package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"metalhub/pkg/db"
	"metalhub/pkg/telemetry"
	"metalhub/services/controlplane/internal/app"
	"metalhub/services/controlplane/internal/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "metalhub",
		Short:         "Bare-metal provisioning control plane",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newMigrateCommand())
	cmd.AddCommand(newProcessCommand("serve", "Run the HTTP API", (*app.App).Serve))
	cmd.AddCommand(newProcessCommand("worker", "Consume background tasks", (*app.App).Work))
	cmd.AddCommand(newProcessCommand("scheduler", "Publish periodic health checks and expiry sweeps", (*app.App).Schedule))
	cmd.AddCommand(newProcessCommand("run", "Run the API, worker and scheduler in one process", (*app.App).RunAll))
	return cmd
}

// setup loads configuration and starts telemetry. The returned func flushes
// pending spans.
func setup(ctx context.Context, service string) (config.Config, *telemetry.Telemetry, func(), error) {
	cfg, err := config.Load(ctx)
	if err != nil {
		return config.Config{}, nil, nil, err
	}
	tel, err := telemetry.Init(ctx, telemetry.Options{
		ServiceName: service,
		Endpoint:    cfg.OTLPEndpoint,
		Level:       cfg.Level(),
	})
	if err != nil {
		return config.Config{}, nil, nil, err
	}
	shutdown := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			tel.Logger.Error().Err(err).Msg("shutdown telemetry")
		}
	}
	return cfg, tel, shutdown, nil
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, tel, shutdown, err := setup(ctx, "metalhub-migrate")
			if err != nil {
				return err
			}
			defer shutdown()

			pool, err := db.Open(ctx, cfg.DBDSN)
			if err != nil {
				return fmt.Errorf("connect database: %w", err)
			}
			defer pool.Close()

			results, err := db.Migrate(ctx, pool)
			if err != nil {
				return fmt.Errorf("migrate database: %w", err)
			}
			for _, r := range results {
				tel.Logger.Info().Int64("version", r.Source.Version).Dur("duration", r.Duration).Msg("migration applied")
			}
			tel.Logger.Info().Int("applied", len(results)).Msg("migrations complete")
			return nil
		},
	}
}

func newProcessCommand(use, short string, run func(*app.App, context.Context) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, tel, shutdown, err := setup(ctx, "metalhub-"+use)
			if err != nil {
				return err
			}
			defer shutdown()

			a, err := app.New(ctx, cfg, tel)
			if err != nil {
				return err
			}
			defer a.Close()

			tel.Logger.Info().Str("command", use).Msg("metalhub starting")
			if err := run(a, ctx); err != nil {
				return err
			}
			tel.Logger.Info().Str("command", use).Msg("metalhub stopped")
			return nil
		},
	}
}
