// Command sfdigo drives the SFDI rig: LED illumination over an MCP4922 DAC,
// a rotation stage and a machine vision camera, captured in a fixed cycle
// and exported after each run.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/cjeanneret/SFDIGo/internal/config"
	"github.com/cjeanneret/SFDIGo/internal/debug"
)

var (
	cfgPath    string
	debugLevel int
	envFiles   = []string{".env"}

	// cfg is loaded before any subcommand runs.
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "sfdigo",
	Short: "Acquisition sequencer for the SFDI imaging rig",
	Long: `sfdigo switches the LED on at a DAC level, homes the rotation stage and
captures one frame at each stage position, then switches the LED off and
exports the files. It also serves a small web page with a live preview.`,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", filepath.Join("configs", "default.yaml"), "path to config file")
	rootCmd.PersistentFlags().IntVar(&debugLevel, "debug", -1, "debug level 0-4, overrides the config (-1 = use config)")
}

func loadConfig(cmd *cobra.Command, _ []string) error {
	if err := config.LoadDotEnv(envFiles...); err != nil {
		return err
	}
	if err := config.ValidateConfigPath(cfgPath); err != nil {
		return err
	}
	c, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if debugLevel >= 0 {
		c.Defaults.DebugLevel = debugLevel
	}
	cfg = c

	debug.Init(cfg.Defaults.DebugLevel)
	debug.Section("Initialization")
	debug.Value("Config path", cfgPath)
	debug.Value("Debug level", cfg.Defaults.DebugLevel)
	debug.Value("Mock hardware", cfg.Defaults.MockHardware)
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
