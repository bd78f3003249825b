package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/crew/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "crew",
	Short: "Multi-agent coordination engine",
	Long: `crew coordinates a team of agents working in a shared workspace.
It keeps a versioned task graph, routes agent events between peers and
streams them to observer sessions over SSE or WebSocket.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.config/crew/config.yaml)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
}

func initConfig() {
	// Defaults first so they apply even without a config file
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath(".")
	}

	// e.g. CREW_STORE_DRIVER for store.driver
	config.BindEnv()

	// A missing config file is fine
	_ = viper.ReadInConfig()
}
