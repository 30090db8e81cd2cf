package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/amora/chat-core/internal/config"
	"github.com/amora/chat-core/internal/logging"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:           "chatd",
	Short:         "Realtime 1:1 chat core: messages, presence, typing and notifications",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (default: ./chatd.yaml, ./configs/chatd.yaml, /etc/chatd/chatd.yaml)")
}

// loadRuntime loads configuration and builds the process logger.
func loadRuntime() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}
