package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ApfelPresse/scratchlink-fakehub/pkg/config"
	"github.com/ApfelPresse/scratchlink-fakehub/pkg/hub"
	"github.com/ApfelPresse/scratchlink-fakehub/pkg/microbit"
	"github.com/ApfelPresse/scratchlink-fakehub/pkg/peripheral"
	"github.com/ApfelPresse/scratchlink-fakehub/pkg/scenario"
	"github.com/ApfelPresse/scratchlink-fakehub/pkg/wedo"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var version = "dev"

var (
	configPath       string
	listenAddr       string
	logLevel         string
	sensorIntervalMS int
	heartbeatHz      float64
	demoMode         bool
	traceLevel       bool
	quietLevel       bool
)

var rootCmd = &cobra.Command{
	Use:   "scratchlink-fakehub",
	Short: "Scratch Link compatible hub serving emulated BLE peripherals",
	Long: `Emulates Scratch Link together with a LEGO WeDo 2.0 hub and a
BBC micro:bit, so Scratch extensions can be developed and tested without
any Bluetooth hardware.

Scratch connects to ws://127.0.0.1:20111/scratch/ble as usual; discovery,
notifications and writes behave like the real devices, and sensor values
can be driven from code or with the built-in demo scenario.`,
	Version: version,
	RunE:    runServe,
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration")
	rootCmd.Flags().StringVarP(&listenAddr, "listen", "l", "", "Listen address (host:port)")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")
	rootCmd.Flags().IntVar(&sensorIntervalMS, "sensor-interval-ms", 0, "WeDo sensor stream interval in milliseconds")
	rootCmd.Flags().Float64Var(&heartbeatHz, "heartbeat-hz", 0, "micro:bit heartbeat rate in Hz, 0 or less disables it")
	rootCmd.Flags().BoolVar(&demoMode, "demo", false, "Drive the WeDo sensors through a scripted demo")
	rootCmd.Flags().BoolVarP(&traceLevel, "verbose", "v", false, "verbose off by default, TraceLevel")
	rootCmd.Flags().BoolVarP(&quietLevel, "quiet", "q", false, "quiet off by default, WarnLevel")
	rootCmd.SilenceErrors = true
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cmd.SilenceUsage = true

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	applyFlagOverrides(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	cfg.SetupLogging()
	// if both verbose and quiet are chosen, e.g., -v -q, the verbose dominates
	if traceLevel {
		log.SetLevel(log.TraceLevel)
	} else if quietLevel {
		log.SetLevel(log.WarnLevel)
	}

	devices, wedoDev, err := buildDevices(cfg)
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		return fmt.Errorf("no devices enabled, check the configuration")
	}

	log.Info("Starting Scratch Link hub emulator")
	for _, dev := range devices {
		log.Infof("  %s (%s)", dev.Name(), dev.PeripheralID())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if demoMode {
		if wedoDev == nil {
			return fmt.Errorf("demo mode needs the WeDo device enabled")
		}
		demo := scenario.Start(wedoDev, scenario.Options{})
		defer demo.Stop()
	}

	return hub.New(cfg.Listen, devices...).Start(ctx)
}

// applyFlagOverrides lets command-line flags win over the config file.
func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("listen") {
		cfg.Listen = listenAddr
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	if cmd.Flags().Changed("sensor-interval-ms") {
		cfg.Wedo.SensorIntervalMS = sensorIntervalMS
	}
	if cmd.Flags().Changed("heartbeat-hz") {
		cfg.Microbit.HeartbeatHz = heartbeatHz
	}
}

// buildDevices assembles the shared device set from the configuration.
// The WeDo device is returned separately for the demo scenario.
func buildDevices(cfg *config.Config) ([]peripheral.Device, *wedo.Device, error) {
	var devices []peripheral.Device
	var wedoDev *wedo.Device

	if cfg.Wedo.Enabled {
		ports := make([]wedo.PortConfig, 0, len(cfg.Wedo.Ports))
		for _, p := range cfg.Wedo.Ports {
			kind, err := p.DeviceKind()
			if err != nil {
				return nil, nil, err
			}
			ports = append(ports, wedo.PortConfig{Port: p.Port, Kind: kind})
		}

		dev, err := wedo.New(wedo.Options{
			Name:           cfg.Wedo.Name,
			PeripheralID:   cfg.Wedo.PeripheralID,
			SensorInterval: cfg.Wedo.SensorInterval(),
		}, ports...)
		if err != nil {
			return nil, nil, err
		}
		dev.OnMotorPower(func(port, power, direction int) {
			spin := "cw"
			if direction < 0 {
				spin = "ccw"
			}
			log.Infof("Motor %d → %d %s", port, power, spin)
		})
		devices = append(devices, dev)
		wedoDev = dev
	}

	if cfg.Microbit.Enabled {
		devices = append(devices, microbit.New(microbit.Options{
			Name:              cfg.Microbit.Name,
			PeripheralID:      cfg.Microbit.PeripheralID,
			HeartbeatInterval: cfg.Microbit.HeartbeatInterval(),
		}))
	}

	return devices, wedoDev, nil
}
