package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"syncq/internal/app"
	"syncq/internal/config"
	"syncq/internal/job"
	logx "syncq/pkg/logx"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:           "syncq",
		Short:         "Persistent upload queue for library sync",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "./config.yaml", "path to config (json or yaml)")

	root.AddCommand(
		serveCmd(&cfgPath),
		jobsCmd(&cfgPath),
		purgeCmd(&cfgPath),
		checkCmd(&cfgPath),
	)
	return root
}

func serveCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the queues and the control API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := app.NewApp(*cfgPath)
			if err != nil {
				return err
			}
			if err := a.Start(ctx); err != nil {
				stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
				_ = a.Stop(stopCtx, app.StopFatalError)
				stopCancel()
				return fmt.Errorf("start: %w", err)
			}

			reason := app.StopSignal
			select {
			case <-ctx.Done():
			case <-a.Done():
				reason = app.StopFatalError
			}
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer stopCancel()
			_ = a.Stop(stopCtx, reason)
			return a.Err()
		},
	}
}

// openOffline loads the config and opens its store without starting queues.
func openOffline(cfgPath string, fn func(ctx context.Context, cfg *config.Config, stores map[job.Type]storeAPI) error) error {
	cfg, err := config.NewManager(cfgPath).Load()
	if err != nil {
		return err
	}
	backend, err := app.OpenStorage(cfg, logx.NewConsole(cfg.Logging.Level))
	if err != nil {
		return err
	}
	defer backend.Close()

	stores := map[job.Type]storeAPI{}
	for _, t := range app.JobTypes {
		stores[t] = backend.Jobs(string(t))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return fn(ctx, cfg, stores)
}

type storeAPI interface {
	ListAll(ctx context.Context) ([]job.Descriptor, error)
	ClearAll(ctx context.Context) error
}

func jobsCmd(cfgPath *string) *cobra.Command {
	jobs := &cobra.Command{Use: "jobs", Short: "Inspect persisted jobs"}
	jobs.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Print persisted jobs as JSON, one per line",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return openOffline(*cfgPath, func(ctx context.Context, _ *config.Config, stores map[job.Type]storeAPI) error {
				enc := json.NewEncoder(cmd.OutOrStdout())
				for _, t := range app.JobTypes {
					list, err := stores[t].ListAll(ctx)
					if err != nil {
						return fmt.Errorf("list %s: %w", t, err)
					}
					for _, d := range list {
						if err := enc.Encode(d); err != nil {
							return err
						}
					}
				}
				return nil
			})
		},
	})
	return jobs
}

func purgeCmd(cfgPath *string) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete every persisted job (offline logout)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return fmt.Errorf("refusing to purge without --yes")
			}
			return openOffline(*cfgPath, func(ctx context.Context, _ *config.Config, stores map[job.Type]storeAPI) error {
				for _, t := range app.JobTypes {
					if err := stores[t].ClearAll(ctx); err != nil {
						return fmt.Errorf("purge %s: %w", t, err)
					}
				}
				fmt.Fprintln(cmd.OutOrStdout(), "purged")
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the purge")
	return cmd
}

func checkCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the config file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.NewManager(*cfgPath).Load()
			if err != nil {
				return err
			}
			if err := config.RequireRemote(cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: storage=%s connectivity=%s\n", cfg.Storage.Driver, cfg.Connectivity.ModeOrDefault())
			return nil
		},
	}
}
