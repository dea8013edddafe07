package main

import (
	"github.com/spf13/cobra"

	"github.com/matthias-trip/holms-sub001/internal/config"
	"github.com/matthias-trip/holms-sub001/internal/logging"
)

var envFileFlag string

var rootCmd = &cobra.Command{
	Use:   "holmsd",
	Short: "Process-isolated home-automation adapter substrate",
	Long: `holmsd supervises adapter child processes, persists the configured
space model, triages incoming device events, and fires reflex rules.
It exposes only a liveness/metrics surface (/healthz, /metrics), a
local WebSocket event feed (/bus), and this operator CLI — the outer
HTTP/tRPC API and LLM tool catalog are
out of scope for this daemon.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFileFlag, "env-file", ".env", "path to the daemon's .env configuration file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(adaptersCmd)
	rootCmd.AddCommand(configCmd)
}

func loadConfigAndLogging() (config.Config, error) {
	cfg, err := config.Load(envFileFlag)
	if err != nil {
		return config.Config{}, err
	}
	logging.Init(logging.Options{Level: cfg.LogLevel, Pretty: cfg.LogPretty})
	return cfg, nil
}
