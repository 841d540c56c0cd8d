package main

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/zulandar/mathreel/internal/pipeline"
)

func newRunCmd(g *globalFlags) *cobra.Command {
	var quality string

	cmd := &cobra.Command{
		Use:   "run <image>",
		Short: "Process one image end to end",
		Long:  "Creates a session for the image and drives it to a terminal status, printing the result as JSON.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, g, args[0], quality)
		},
	}
	cmd.Flags().StringVarP(&quality, "quality", "q", "", "render quality: low, medium, high (default from config)")
	return cmd
}

func runRun(cmd *cobra.Command, g *globalFlags, path, quality string) error {
	ctx := contextOrBackground(cmd.Context())
	image, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read image: %w", err)
	}

	a, err := buildApp(ctx, g, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close()

	s, err := a.orch.Intake(ctx, image, mime.TypeByExtension(filepath.Ext(path)), quality)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Session %s created\n", s.ID)

	res, err := a.dispatcher.Do(ctx, s.ID)
	if err != nil {
		return err
	}
	if err := printJSON(cmd.OutOrStdout(), res); err != nil {
		return err
	}
	return resultErr(res)
}

func newStatusCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status <session-id>",
		Short: "Show a session's current result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := loadResult(contextOrBackground(cmd.Context()), g, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
}

// loadResult reads a session's result from the store alone, so status works
// without generator or reviewer credentials.
func loadResult(ctx context.Context, g *globalFlags, sessionID string) (*pipeline.Result, error) {
	cfg, err := loadConfig(g.configPath)
	if err != nil {
		return nil, err
	}
	_, store, closer, err := openStore(ctx, cfg, cfg.SecretsFromEnv(os.Getenv))
	if err != nil {
		return nil, err
	}
	if closer != nil {
		defer closer.Close()
	}

	s, err := store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	reviews, err := store.Reviews(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return pipeline.BuildResult(s, reviews, store.URL), nil
}

func newResumeCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <session-id>",
		Short: "Continue an interrupted session from its last completed step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := contextOrBackground(cmd.Context())
			a, err := buildApp(ctx, g, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.dispatcher.Do(ctx, args[0])
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			return resultErr(res)
		},
	}
}

// resultErr turns a failed terminal status into a non-zero exit.
func resultErr(res *pipeline.Result) error {
	if res == nil || !pipeline.IsFailure(res.Status) {
		return nil
	}
	return fmt.Errorf("session %s ended in %s", res.SessionID, res.Status)
}
