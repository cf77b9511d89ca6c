package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sandpolis/agent/config"
)

type rootFlags struct {
	configPath string
	logLevel   string
	logFormat  string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	cmd := &cobra.Command{
		Use:           appName,
		Short:         "Sandpolis agent control plane",
		Long:          `Keeps an authenticated link to a Sandpolis server and serves the agent state tree.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "",
		"Path to configuration file (env: "+config.EnvPrefix+"_CONFIG)")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "",
		"Log level: debug, info, warn, error (overrides log.level)")
	cmd.PersistentFlags().StringVar(&flags.logFormat, "log-format", "",
		"Log format: json, text (overrides log.format)")

	cmd.AddCommand(newRunCmd(flags), newConfigCmd(flags), newVersionCmd())
	return cmd
}

// loadConfig resolves the configuration and applies flag overrides
func (f *rootFlags) loadConfig() (*config.Config, error) {
	src, err := config.NewViperSource(f.configFile())
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(src)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	if f.logFormat != "" {
		cfg.Log.Format = f.logFormat
	}
	return cfg, nil
}

func (f *rootFlags) configFile() string {
	if f.configPath != "" {
		return f.configPath
	}
	return getEnv(config.EnvPrefix+"_CONFIG", "")
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the agent version",
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (%s)\n", appName, Version, BuildTime)
		},
	}
}
