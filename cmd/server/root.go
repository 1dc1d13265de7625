package main

import (
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func newRootCmd() *cobra.Command {
	var configFile string
	cmd := &cobra.Command{
		Use:   "marketsim",
		Short: "Market simulation and real-time distribution engine",
		Long: `marketsim reprices a set of instruments on a fixed cadence from the net
order flow of the last window, keeps 5m/30m/2h candles per instrument and pushes
every cycle to WebSocket clients and an optional Redis or RabbitMQ sink.

Configuration comes from the environment; --config names an optional YAML file
that the environment overrides.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if configFile != "" {
				return os.Setenv("CONFIG_FILE", configFile)
			}
			return nil
		},
	}
	cmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to a YAML config file")

	cmd.AddCommand(
		newServeCmd(),
		newRebuildCmd(),
		newVersionCmd(),
	)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("marketsim version %s\n", version)
		},
	}
}
