package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/missionloop/internal/config"
	"github.com/xkilldash9x/missionloop/internal/observability"
)

type contextKey string

const configKey contextKey = "config"

// flagBindings maps command-line flags onto configuration keys. Only flags a
// command actually defines are bound.
var flagBindings = map[string]string{
	"target-kind":    "target.kind",
	"target-name":    "target.name",
	"url":            "target.url",
	"max-iterations": "mission.max_iterations",
	"max-duration":   "mission.max_duration",
	"judge-every":    "mission.judge_every",
	"propose":        "mission.propose_actions",
	"output":         "artifacts.output_dir",
	"log-level":      "logger.level",
}

// NewRootCommand builds the missionloop command tree.
func NewRootCommand() *cobra.Command {
	var cfgFile string

	rootCmd := &cobra.Command{
		Use:   "missionloop",
		Short: "Missionloop drives an application until a judge accepts what it sees.",
		Long: `Missionloop opens a browser page, a desktop window or an Android app, exercises
its interactive elements, captures what happened and asks a vision-capable judge
whether the mission objective is met. Every iteration is written to a run directory.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v := viper.New()
			config.SetDefaults(v)

			if err := initializeConfig(cmd, v, cfgFile); err != nil {
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}

			// Validation is left to the commands that start a run.
			cfg, err := config.Decode(v)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			observability.InitializeLogger(cfg.Logger)
			observability.GetLogger().Debug("Starting missionloop", zap.String("version", Version), zap.String("command", cmd.Name()))

			cmd.SetContext(context.WithValue(cmd.Context(), configKey, cfg))
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./missionloop.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "Override the logger level (debug, info, warn, error)")
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	rootCmd.AddCommand(newRunCmd(defaultRunDeps()))
	rootCmd.AddCommand(newReportCmd(newStoreProvider()))
	rootCmd.AddCommand(newCredentialsCmd())
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

// Execute runs the root command with ctx. The caller owns the process exit code;
// see ExitCode.
func Execute(ctx context.Context) error {
	rootCmd := NewRootCommand()
	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return nil
	}

	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		observability.GetLogger().Error("Command execution failed", zap.Error(err))
		rootCmd.PrintErrln("Error:", err)
	}
	return err
}

// initializeConfig reads the config file, the MISSIONLOOP_ environment and the
// command's flags into v.
func initializeConfig(cmd *cobra.Command, v *viper.Viper, cfgFile string) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("missionloop")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("MISSIONLOOP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	var bindErr error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		key, ok := flagBindings[f.Name]
		if !ok || bindErr != nil {
			return
		}
		bindErr = v.BindPFlag(key, f)
	})
	return bindErr
}

// getConfigFromContext returns the configuration stored by the root command.
func getConfigFromContext(ctx context.Context) (*config.Config, error) {
	cfg, ok := ctx.Value(configKey).(*config.Config)
	if !ok || cfg == nil {
		return nil, errors.New("configuration not found in context")
	}
	return cfg, nil
}
