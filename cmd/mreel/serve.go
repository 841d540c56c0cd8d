package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/zulandar/mathreel/internal/dispatch"
	"github.com/zulandar/mathreel/internal/server"
)

func newServeCmd(g *globalFlags) *cobra.Command {
	var port int
	var noSweep bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Long: `Serves the image upload and session endpoints. Unless --no-sweep is set,
abandoned sessions are resumed on the dispatch.resume_schedule cron.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, g, port, noSweep)
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "port to listen on (overrides server.port)")
	cmd.Flags().BoolVar(&noSweep, "no-sweep", false, "do not resume abandoned sessions")
	return cmd
}

func runServe(cmd *cobra.Command, g *globalFlags, port int, noSweep bool) error {
	ctx, stop := signal.NotifyContext(contextOrBackground(cmd.Context()), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, g, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close()

	if port == 0 {
		port = a.cfg.Server.Port
	}

	if !noSweep && a.cfg.Dispatch.ResumeSchedule != "" {
		sweeper, err := dispatch.NewSweeper(dispatch.SweeperOpts{
			Store:      a.store,
			Submitter:  a.dispatcher,
			Schedule:   a.cfg.Dispatch.ResumeSchedule,
			StaleAfter: a.cfg.StaleAfter(),
			Limit:      a.cfg.Dispatch.SweepLimit,
			Logger:     a.logger,
		})
		if err != nil {
			return fmt.Errorf("resume sweeper: %w", err)
		}
		go sweeper.Run(ctx)
	}

	return server.Start(ctx, server.StartOpts{
		Service:        a.orch,
		Runner:         a.dispatcher,
		Gatherer:       a.registry,
		Port:           port,
		MaxUploadBytes: a.cfg.MaxUploadBytes(),
		UploadLimit:    rate.Limit(float64(a.cfg.Server.UploadsPerMinute) / 60),
		UploadBurst:    a.cfg.Server.UploadBurst,
		ServiceName:    a.cfg.Telemetry.ServiceName,
		Logger:         a.logger,
		Out:            cmd.OutOrStdout(),
	})
}

// contextOrBackground returns cmd's context, which is nil when a command
// is executed without ExecuteContext.
func contextOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
