package main

import (
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/trifecta-ai/trifecta/pkg/config"
	"github.com/trifecta-ai/trifecta/pkg/logger"
	"github.com/trifecta-ai/trifecta/pkg/presenter"
)

func init() {
	config.SetDefaults(viper.GetViper())
	if err := config.BindEnv(viper.GetViper()); err != nil {
		presenter.Error(err, "failed to bind environment")
		os.Exit(1)
	}

	// Config file support
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("$HOME/.trifecta")
	viper.AddConfigPath(".")
}

var rootCmd = &cobra.Command{
	Use:   "trifecta",
	Short: "Trifecta AI agent gateway",
	Long: `Trifecta routes natural-language requests to curated skill documents,
answers them through an LLM with the matched skill as context, and fronts the
directory, document storage, telephony and accounting integrations.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if path, _ := cmd.Flags().GetString("config"); path != "" {
			viper.SetConfigFile(path)
			if err := viper.ReadInConfig(); err != nil {
				return errors.Wrapf(err, "failed to read config file %s", path)
			}
		} else {
			// Load config file if it exists (ignore errors if it doesn't)
			_ = viper.ReadInConfig()
		}
		return logger.Configure(viper.GetString("log.level"), viper.GetString("log.format"))
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// loadConfig decodes the merged flag, environment and file settings
func loadConfig() (*config.Config, error) {
	return config.Load(viper.GetViper())
}

func main() {
	rootCmd.PersistentFlags().String("config", "", "Path to a config file (default $HOME/.trifecta/config.yaml or ./config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (panic, fatal, error, warn, info, debug, trace)")
	rootCmd.PersistentFlags().String("log-format", "fmt", "Log format (fmt or json)")
	rootCmd.PersistentFlags().String("skills-dir", "./skills", "Directory containing skill documents")

	viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format"))
	viper.BindPFlag("skills.dir", rootCmd.PersistentFlags().Lookup("skills-dir"))

	rootCmd.AddCommand(withTracing(serveCmd))
	rootCmd.AddCommand(skillCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		presenter.Error(err, "")
		os.Exit(1)
	}
}
