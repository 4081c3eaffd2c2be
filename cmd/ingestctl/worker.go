package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the ingestion worker without the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := os.Setenv("INGEST_RUN_WORKER", "true"); err != nil {
				return err
			}
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.Start(); err != nil {
				return err
			}
			a.Log.Info("Ingestion worker running", "dispatch_mode", a.Cfg.DispatchMode)
			<-ctx.Done()
			a.Log.Info("Ingestion worker stopping")
			return nil
		},
	}
}
