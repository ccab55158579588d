package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cjeanneret/SFDIGo/internal/web"
)

var (
	runLevel    int
	runMode     string
	runExposure float64
	runGain     float64
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one acquisition cycle",
	Long: `Switches the LED on at the given DAC level, homes the stage and captures
one frame per position, rotating between captures. The LED is switched off
and the camera released whatever happens; captured files are then exported.`,
	Args: cobra.NoArgs,
	RunE: runAcquisition,
}

func init() {
	runCmd.Flags().IntVar(&runLevel, "level", 0, "DAC level 0-4095 (4095 = off), default from config")
	runCmd.Flags().StringVar(&runMode, "mode", "", "camera exposure mode: auto or manual")
	runCmd.Flags().Float64Var(&runExposure, "exposure", 0, "manual exposure in µs")
	runCmd.Flags().Float64Var(&runGain, "gain", 0, "manual gain in dB")
	rootCmd.AddCommand(runCmd)
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runAcquisition(cmd *cobra.Command, _ []string) error {
	req := web.RunRequest{Mode: runMode, ExposureUs: runExposure, GainDB: runGain}
	if cmd.Flags().Changed("level") {
		level := runLevel
		req.Level = &level
	}
	if err := web.ValidateRunRequest(req); err != nil {
		return err
	}

	r, err := newRig(cfg)
	if err != nil {
		return err
	}
	defer r.Close()

	release, err := r.arbiter.TryAcquire(web.RunOwner)
	if err != nil {
		return err
	}
	defer release()

	ctx, cancel := signalContext()
	defer cancel()

	res, runErr := r.run(ctx, req)
	for _, s := range res.Steps {
		switch {
		case s.OK:
			cmd.Printf("captured %s (%.1f°)\n", s.Path, s.Angle)
		case s.Attempted:
			cmd.Printf("capture %d failed: %v\n", s.Index+1, s.Err)
		}
	}
	for _, e := range res.Exports {
		if e.Err != nil {
			cmd.Printf("export %s failed: %v\n", e.Path, e.Err)
		} else {
			cmd.Printf("exported %s\n", e.Path)
		}
	}
	return runErr
}
