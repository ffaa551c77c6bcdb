package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/songzhibin97/procurement-engine/config"
)

var configPath string

func defaultConfigPath() string {
	if p := os.Getenv("PROCUREMENT_CONFIG"); p != "" {
		return p
	}
	return "procurement.toml"
}

var rootCmd = &cobra.Command{
	Use:           "procurement <command>",
	Short:         "University procurement agents and approval workflows",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(), "path to the TOML config file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(agentsCmd)
}

func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
