package cli

import (
	"context"
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"ebs-backup/src/awsapi"
	"ebs-backup/src/config"
	"ebs-backup/src/logging"
	"ebs-backup/src/report"
	"ebs-backup/src/safety"
)

// connectClient is a seam so tests can swap in the fake provider.
var connectClient = func(ctx context.Context) (awsapi.Client, error) {
	return awsapi.Connect(ctx)
}

// timeNow is a seam so tests can pin the planning clock.
var timeNow = time.Now

// addGlobalFlags adds the persistent flags shared by every subcommand.
func addGlobalFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().String("config", "", "Path to the config file (built-in defaults when omitted)")
	cmd.PersistentFlags().Bool("dry-run", false, "Show planned actions without making changes")
	cmd.PersistentFlags().BoolP("yes", "y", false, "Assume 'yes' to prompts and run non-interactively")
	cmd.PersistentFlags().String("log-level", "info", "Log level: debug, info, warn, error")
	cmd.PersistentFlags().String("output", "table", "Report format: table or json")
}

// getSafetyOptions reads global flags into a safety.Options struct.
func getSafetyOptions(cmd *cobra.Command) safety.Options {
	dry, _ := cmd.Root().PersistentFlags().GetBool("dry-run")
	yes, _ := cmd.Root().PersistentFlags().GetBool("yes")
	return safety.Options{DryRun: dry, Yes: yes}
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func newLogger(cmd *cobra.Command, stderr io.Writer) zerolog.Logger {
	level, _ := cmd.Root().PersistentFlags().GetString("log-level")
	return logging.New(stderr, level)
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func emitReport(cmd *cobra.Command, stdout io.Writer, rep *report.Report) error {
	output, _ := cmd.Root().PersistentFlags().GetString("output")
	if output == "json" {
		return rep.EncodeJSON(stdout)
	}
	return rep.Render(stdout)
}
