// Package cmd provides the CLI commands for redundant-set.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	natsURL string
	setID   string
	verbose bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "redundant-set",
	Short: "Run and control a set of redundant servers",
	Long: `redundant-set runs N redundant server instances of which exactly one
serves at a time. When the serving instance shuts down or fails, the next
eligible instance takes over.

Use redundant-set to run a set, inspect its redundancy directory and trigger
failovers.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "set config file, JSON or YAML (default $HOME/.redundant-set.yaml)")
	rootCmd.PersistentFlags().StringVarP(&natsURL, "nats", "n", "", "NATS server URL")
	rootCmd.PersistentFlags().StringVarP(&setID, "set", "s", "", "Redundant set ID")
	rootCmd.PersistentFlags().String("creds", "", "NATS credentials file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")

	// Bind flags to viper
	viper.BindPFlag("nats_url", rootCmd.PersistentFlags().Lookup("nats"))
	viper.BindPFlag("set_id", rootCmd.PersistentFlags().Lookup("set"))
	viper.BindPFlag("nats_creds", rootCmd.PersistentFlags().Lookup("creds"))
	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))

	// Environment variable bindings
	viper.BindEnv("nats_url", "NATS_URL")
	viper.BindEnv("set_id", "REDUNDANT_SET_ID")
	viper.BindEnv("nats_creds", "NATS_CREDS")
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintln(os.Stderr, "Warning: could not find home directory:", err)
		} else {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/redundant-set")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".redundant-set")
	}

	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		if verbose {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	}
}

// getNATSURL returns the NATS URL from flag or config.
func getNATSURL() string {
	if natsURL != "" {
		return natsURL
	}
	return viper.GetString("nats_url")
}

// getSetID returns the set ID from flag or config.
func getSetID() string {
	if setID != "" {
		return setID
	}
	if id := viper.GetString("set_id"); id != "" {
		return id
	}
	// Same key as the set config file.
	return viper.GetString("setId")
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if viper.GetBool("verbose") {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
