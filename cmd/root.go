package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/tokenbridge/internal/config"
	"github.com/xkilldash9x/tokenbridge/internal/observability"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:     "tokenbridge",
	Short:   "Tokenbridge captures advertising platform API tokens through real browser logins.",
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		v := config.NewViper(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return fmt.Errorf("error reading config file: %w", err)
			}
			// No config file; defaults and env vars carry the run.
		}

		cfg, err := config.Load(v)
		if err != nil {
			observability.InitializeLogger(config.LoggerConfig{
				Level: "info", Format: "console", ServiceName: "tokenbridge",
			})
			return err
		}
		loadedConfig = cfg

		observability.InitializeLogger(cfg.Logger)
		observability.GetLogger().Info("starting tokenbridge", zap.String("version", Version))
		return nil
	},
}

// loadedConfig is populated by the persistent pre-run for subcommands.
var loadedConfig *config.Config

// Execute runs the CLI.
func Execute() {
	defer observability.Sync()
	if err := rootCmd.Execute(); err != nil {
		if logger := observability.GetLogger(); logger != nil {
			logger.Error("command failed", zap.Error(err))
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yaml)")
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)
}
