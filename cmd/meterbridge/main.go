// Command meterbridge scrapes an inverter's meter telemetry and serves it
// as a SunSpec meter over Modbus TCP and optionally Modbus RTU.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/soypat/meterbridge/internal/config"
	"github.com/spf13/cobra"
	"golang.org/x/exp/slog"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "meterbridge",
	Short: "Inverter telemetry to SunSpec Modbus meter bridge",
	Long: `meterbridge polls the inverter's GetMeterRealtimeData endpoint and
republishes the measurements as a SunSpec model 213 meter.

Without --config the built-in defaults are used. --log-level overrides the
level from the configuration file.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "Log level: debug, info, warn or error")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads and validates the configuration selected by the flags.
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		cfg = *loaded
	}
	if logLevel != "" {
		cfg.Log.Level = strings.ToLower(logLevel)
	}
	if err := config.Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	lvl, _ := cfg.SlogLevel()
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: lvl,
	}))
}
