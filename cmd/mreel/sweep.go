package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zulandar/mathreel/internal/dispatch"
)

func newSweepCmd(g *globalFlags) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Resume abandoned sessions once and wait for them",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := contextOrBackground(cmd.Context())
			a, err := buildApp(ctx, g, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			if limit == 0 {
				limit = a.cfg.Dispatch.SweepLimit
			}
			sweeper, err := dispatch.NewSweeper(dispatch.SweeperOpts{
				Store:      a.store,
				Submitter:  a.dispatcher,
				Schedule:   a.cfg.Dispatch.ResumeSchedule,
				StaleAfter: a.cfg.StaleAfter(),
				Limit:      limit,
				Logger:     a.logger,
			})
			if err != nil {
				return err
			}
			n, err := sweeper.SweepOnce(ctx)
			if err != nil {
				return err
			}
			a.dispatcher.Wait()
			fmt.Fprintf(cmd.OutOrStdout(), "Resumed %d session(s)\n", n)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "max sessions to resume (default from config)")
	return cmd
}
