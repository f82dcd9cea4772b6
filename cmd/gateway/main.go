// Package main is the entry point for the GigaCore gateway.
//
// Usage:
//
//	gateway serve [-c config.yaml]         Run the daemon for the device inventory
//	gateway watch --host <ip> [--gen1]     Follow one switch and log every change
//	gateway version                        Print version information
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/nexus-edge/gigacore-gateway/internal/adapter/config"
	"github.com/nexus-edge/gigacore-gateway/internal/service"
)

const serviceName = "gigacore-gateway"

// Set at build time with -ldflags "-X main.version=...".
var version = "dev"

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:               "gateway",
	Short:             "Bridge GigaCore switches to MQTT",
	SilenceUsage:      true,
	SilenceErrors:     true,
	CompletionOptions: cobra.CompletionOptions{HiddenDefaultCmd: true},
	Long: `The gateway keeps a live model of every configured GigaCore switch,
publishes state changes to MQTT and executes commands received over MQTT.

Both protocol generations are supported: the polled delimited-text API
(gen1) and the REST + WebSocket push API.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// A missing .env is normal outside development.
		_ = godotenv.Load()
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default: search ./config.yaml, ./config, /etc/gigacore-gateway)")

	rootCmd.AddCommand(
		newServeCmd(),
		newWatchCmd(),
		newVersionCmd(),
	)
}

func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFile(configPath)
	}
	return config.Load()
}

func transportConfig(t config.TransportConfig) service.TransportConfig {
	return service.TransportConfig{
		RequestTimeout:     t.RequestTimeout,
		PollInterval:       t.PollInterval,
		LongPollInterval:   t.LongPollInterval,
		PingInterval:       t.PingInterval,
		PongTimeout:        t.PongTimeout,
		ReconnectDelay:     t.ReconnectDelay,
		BreakerMaxFailures: t.BreakerMaxFailures,
		BreakerOpenTimeout: t.BreakerOpenTimeout,
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s %s\n", serviceName, version)
		},
	}
}
