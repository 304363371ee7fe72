// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/luxfi/peer"
	"github.com/luxfi/peer/internal/config"
	"github.com/luxfi/peer/internal/observability"
)

// GlobalFlags are shared by every subcommand.
type GlobalFlags struct {
	ConfigFile string
	Listen     string
	Transport  string
	LogLevel   string
}

var (
	globalFlags GlobalFlags
	cfg         *config.Config
	logger      *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "rpcpeer",
	Short: "Serve and call multiplexed peer endpoints",
	Long: `rpcpeer runs a peer server or sends requests to one.

Every connection multiplexes many request/response exchanges, including
streamed bodies and cancellation, over a single tcp, ws or grpc channel.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		var err error
		cfg, err = config.Load(globalFlags.ConfigFile)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("listen") {
			cfg.Listen = globalFlags.Listen
		}
		if cmd.Flags().Changed("transport") {
			cfg.Transport = globalFlags.Transport
		}
		if cmd.Flags().Changed("log-level") {
			cfg.Log.Level = globalFlags.LogLevel
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		if !peer.HasTransport(cfg.Transport) {
			return fmt.Errorf("transport %q is not available (have %v)", cfg.Transport, peer.AvailableTransports())
		}

		logger, err = observability.SetupLogger(cfg.Log)
		return err
	},
	PersistentPostRun: func(*cobra.Command, []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&globalFlags.ConfigFile, "config", "", "config file (default: ./rpcpeer.yaml or ~/.rpcpeer/rpcpeer.yaml)")
	rootCmd.PersistentFlags().StringVar(&globalFlags.Listen, "listen", "", "address to serve on or dial")
	rootCmd.PersistentFlags().StringVar(&globalFlags.Transport, "transport", "", "transport: tcp|ws|grpc")
	rootCmd.PersistentFlags().StringVar(&globalFlags.LogLevel, "log-level", "", "log level: debug|info|warn|error")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(callCmd)
}
