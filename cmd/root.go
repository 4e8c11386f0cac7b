package cmd

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/hepio/xrdfed/internal/config"
	"github.com/hepio/xrdfed/internal/logger"
)

var (
	cfgFile  string
	logLevel string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "xrdfed",
	Short: "Redundant-read client for XRootD federations",
	Long: `xrdfed reads from a logical file hosted on federated storage through up to
two replica connections at once, steering traffic to whichever data servers
currently perform best and recovering transparently when one fails.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	defer logger.Sync()

	if err := rootCmd.Execute(); err != nil {
		logger.Error("Command execution failed", zap.Error(err))
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/xrdfed/xrdfed.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug|info|warn|error)")

	// Bind flags to viper
	viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		// Use config file from the flag.
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home + "/.config/xrdfed")
			viper.SetConfigType("yaml")
			viper.SetConfigName("xrdfed")
		}
	}

	viper.SetEnvPrefix("XRDFED")
	viper.AutomaticEnv() // read in environment variables that match

	if err := logger.Init(logLevel); err != nil {
		logger.Init("info")
	}

	if err := viper.ReadInConfig(); err == nil {
		logger.Debug("using config file", zap.String("path", viper.ConfigFileUsed()))
	}
}

// loadConfig resolves the effective client configuration for a command
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if path := viper.ConfigFileUsed(); path != "" {
		loaded, err := config.LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
