// Package cli holds the cobra commands of the trainer binary.
package cli

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/abk1969/ebios-rm-ai-manager-sub005/config"
	"github.com/abk1969/ebios-rm-ai-manager-sub005/pkg/logger"
)

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "trainer",
		Short:         "Linear training progression engine",
		Long:          "trainer serves five-step training sessions: checkpoints, navigation, progress and certificates.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error (overrides LOG_LEVEL)")
	root.PersistentFlags().String("log-format", "", "Log format: json or text (overrides LOG_FORMAT)")

	root.AddCommand(newServeCommand())
	root.AddCommand(newMigrateCommand())
	root.AddCommand(newSimulateCommand())
	return root
}

// Execute runs the root command.
func Execute() error {
	return NewRootCommand().Execute()
}

// loadConfig reads the environment and applies the persistent flags.
func loadConfig(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.Observability.LogLevel = v
	}
	if v, _ := cmd.Flags().GetString("log-format"); v != "" {
		cfg.Observability.LogFormat = v
	}

	log := logger.New(logger.Options{
		Level:  logger.ParseLevel(cfg.Observability.LogLevel),
		Format: logger.ParseFormat(cfg.Observability.LogFormat),
		Output: os.Stderr,
		Attrs: []slog.Attr{
			slog.String("service", cfg.App.Name),
			slog.String("env", string(cfg.App.Environment)),
		},
	})
	slog.SetDefault(log)
	return cfg, log, nil
}
