package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

const defaultConfigPath = "mathreel.yaml"

// globalFlags are shared by every command that touches the pipeline.
type globalFlags struct {
	configPath string
	logLevel   string
	envFile    string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	cmd := &cobra.Command{
		Use:   "mreel",
		Short: "mathreel: turn a photo of a math problem into an explainer video",
		Long: `mathreel analyses an image of a math problem, writes a narrated
explanation, generates Manim animation code, renders it, reviews the video
and improves it when the review falls short.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// A missing .env file is normal in production.
			_ = godotenv.Load(g.envFile)
		},
	}
	cmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", defaultConfigPath, "path to mathreel config file")
	cmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&g.envFile, "env-file", ".env", "dotenv file with API keys")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newServeCmd(g))
	cmd.AddCommand(newRunCmd(g))
	cmd.AddCommand(newStatusCmd(g))
	cmd.AddCommand(newResumeCmd(g))
	cmd.AddCommand(newDBCmd(g))
	cmd.AddCommand(newSweepCmd(g))
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "mreel %s (commit: %s, built: %s)\n", Version, Commit, Date)
		},
	}
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(newRootCmd()))
}
