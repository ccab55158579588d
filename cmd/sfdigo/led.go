package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/cjeanneret/SFDIGo/internal/debug"
	"github.com/cjeanneret/SFDIGo/internal/errors"
	"github.com/cjeanneret/SFDIGo/internal/hw/dac"
)

var holdDuration time.Duration

var ledCmd = &cobra.Command{
	Use:   "led",
	Short: "Drive the LED DAC directly",
}

var ledSetCmd = &cobra.Command{
	Use:   "set <level>",
	Short: "Write one DAC level and leave it",
	Long: `Writes a level (0-4095, 4095 = off) to the MCP4922 and exits. The DAC
keeps the level until the next write. Out of range values are clamped.`,
	Args: cobra.ExactArgs(1),
	RunE: runLEDSet,
}

var ledHoldCmd = &cobra.Command{
	Use:   "hold <level>",
	Short: "Hold a DAC level for a while, then switch the LED off",
	Long: `Holds the LED at a level for --duration (default from config) and then
writes the off level. Interrupting the command also switches the LED off.`,
	Args: cobra.ExactArgs(1),
	RunE: runLEDHold,
}

func init() {
	ledHoldCmd.Flags().DurationVar(&holdDuration, "duration", 0, "how long to hold the level")
	ledCmd.AddCommand(ledSetCmd, ledHoldCmd)
	rootCmd.AddCommand(ledCmd)
}

func parseLevel(arg string) (int, error) {
	v, err := strconv.Atoi(arg)
	if err != nil {
		return 0, fmt.Errorf("level must be an integer, got %q", arg)
	}
	return v, nil
}

func openLEDFromConfig() (*dac.MCP4922, error) {
	return dac.Open(dac.BusConfig{
		Device:  cfg.Illumination.SPIDevice,
		SpeedHz: cfg.Illumination.SpeedHz,
		Mock:    cfg.Defaults.MockHardware,
	})
}

func runLEDSet(cmd *cobra.Command, args []string) error {
	level, err := parseLevel(args[0])
	if err != nil {
		return err
	}
	led, err := openLEDFromConfig()
	if err != nil {
		return err
	}
	defer led.Close()
	if err := led.SetLevel(level); err != nil {
		return err
	}
	cmd.Printf("level %d\n", led.Level())
	return nil
}

func runLEDHold(cmd *cobra.Command, args []string) (err error) {
	level, err := parseLevel(args[0])
	if err != nil {
		return err
	}
	d := holdDuration
	if d <= 0 {
		d = cfg.HoldDuration()
	}
	led, err := openLEDFromConfig()
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, led.SetLevel(dac.LevelOff), led.Close())
	}()

	if err := led.SetLevel(level); err != nil {
		return err
	}
	cmd.Printf("holding level %d for %s\n", led.Level(), d)
	debug.Live("Holding LED at %d for %s", led.Level(), d)

	ctx, cancel := signalContext()
	defer cancel()
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
		cmd.Println("interrupted")
	}
	return nil
}
