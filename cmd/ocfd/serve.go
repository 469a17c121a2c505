package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/srg/ocfd/internal/config"
	"github.com/srg/ocfd/internal/devices"
	"github.com/srg/ocfd/internal/server"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve [device...]",
	Short: "Serve the devices until interrupted",
	Long: `Opens the devices and serves them over every enabled transport until
SIGINT or SIGTERM. Without arguments every enabled device is served; naming
devices (button, rgbled, illuminance) limits the server to those.

Devices whose hardware cannot be opened are simulated. A device that fails
to register is logged and skipped; the server only refuses to start when
nothing could be registered.

Examples:
  # Serve everything with the default config
  ocfd serve

  # Simulate all hardware, HTTP on another port, no MQTT
  ocfd serve --simulate --http-addr :9090 --mqtt=false

  # Serve the LED only, with its GATT service
  ocfd serve rgbled --gatt`,
	RunE: runServe,
}

var (
	serveSimulate bool
	serveMQTT     bool
	serveMQTTAddr string
	serveHTTP     bool
	serveHTTPAddr string
	serveGATT     bool
	serveHomie    bool
)

func init() {
	serveCmd.Flags().BoolVar(&serveSimulate, "simulate", false, "Simulate every device instead of opening hardware")
	serveCmd.Flags().BoolVar(&serveMQTT, "mqtt", true, "Serve over the embedded MQTT broker")
	serveCmd.Flags().StringVar(&serveMQTTAddr, "mqtt-addr", "", "MQTT listen address (overrides config)")
	serveCmd.Flags().BoolVar(&serveHTTP, "http", true, "Serve over HTTP")
	serveCmd.Flags().StringVar(&serveHTTPAddr, "http-addr", "", "HTTP listen address (overrides config)")
	serveCmd.Flags().BoolVar(&serveGATT, "gatt", false, "Serve as a BLE GATT peripheral")
	serveCmd.Flags().BoolVar(&serveHomie, "homie", false, "Mirror the devices to the Homie broker")
}

// applyServeFlags overlays the flags the user set on cfg.
func applyServeFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("simulate") {
		cfg.Simulate = serveSimulate
	}
	if flags.Changed("mqtt") {
		cfg.MQTT.Enabled = serveMQTT
	}
	if serveMQTTAddr != "" {
		cfg.MQTT.Address = serveMQTTAddr
	}
	if flags.Changed("http") {
		cfg.HTTP.Enabled = serveHTTP
	}
	if serveHTTPAddr != "" {
		cfg.HTTP.Address = serveHTTPAddr
	}
	if flags.Changed("gatt") {
		cfg.GATT.Enabled = serveGATT
	}
	if flags.Changed("homie") {
		cfg.Homie.Enabled = serveHomie
	}
}

func parseKinds(args []string) ([]devices.Kind, error) {
	kinds := make([]devices.Kind, 0, len(args))
	for _, a := range args {
		k, err := devices.ParseKind(a)
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	kinds, err := parseKinds(args)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	applyServeFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.New(cfg, server.WithLogger(logger), server.WithDevices(kinds...))
	if err := srv.Start(ctx); err != nil {
		return err
	}
	return srv.Run(ctx)
}
