package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/ocfd/client"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "ocfctl",
	Short: "Talk to an ocfd server over MQTT",
	Long: `Command-line client for the resources an ocfd server publishes on its
embedded MQTT broker.

Examples:
  # List the resources
  ocfctl list

  # Read the light level
  ocfctl get /a/illuminance

  # Follow button presses
  ocfctl observe /a/button

  # Set the LED colour
  ocfctl set /a/rgbled rgbValue=255,0,0`,
	Version: version,
}

var (
	brokerURL  string
	prefix     string
	username   string
	password   string
	timeout    time.Duration
	jsonOutput bool
	logLevel   string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.SilenceErrors = true

	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(setCmd)
	rootCmd.AddCommand(observeCmd)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&brokerURL, "broker", "mqtt://127.0.0.1:1883", "Broker URL")
	pf.StringVar(&prefix, "prefix", "oic", "Resource topic prefix")
	pf.StringVar(&username, "username", "", "MQTT username")
	pf.StringVar(&password, "password", "", "MQTT password")
	pf.DurationVar(&timeout, "timeout", 5*time.Second, "Connect and request timeout")
	pf.BoolVar(&jsonOutput, "json", false, "Print payloads as JSON")
	pf.StringVar(&logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
}

// connect dials the broker within --timeout.
func connect(cmd *cobra.Command) (*client.Client, error) {
	lvl, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", logLevel)
	}
	logger := logrus.New()
	logger.SetLevel(lvl)
	logger.SetOutput(cmd.ErrOrStderr())

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	return client.Dial(ctx, client.Options{
		Broker:   brokerURL,
		Prefix:   prefix,
		Username: username,
		Password: password,
		Logger:   logger,
	})
}
