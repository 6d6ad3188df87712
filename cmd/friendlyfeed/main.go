package main

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/friendlyfeed/friendlyfeed/internal/config"
)

var (
	version    = "dev"
	configPath string
)

func main() {
	_ = godotenv.Load(".env")

	root := &cobra.Command{
		Use:           "friendlyfeed",
		Short:         "Per-user realtime chat feed with a completion bot",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.toml (default: $CONFIG_PATH or config.toml)")

	root.AddCommand(serveCmd())
	root.AddCommand(tokenCmd())
	root.AddCommand(tailCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (config.Config, error) {
	path := configPath
	if path == "" {
		path = os.Getenv(config.EnvConfigPath)
	}
	return config.Load(path)
}
