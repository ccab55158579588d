package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cjeanneret/SFDIGo/internal/debug"
	"github.com/cjeanneret/SFDIGo/internal/errors"
	"github.com/cjeanneret/SFDIGo/internal/hw/dac"
	"github.com/cjeanneret/SFDIGo/internal/logic/session"
	"github.com/cjeanneret/SFDIGo/internal/web"
)

var autoLevel int

var autoCmd = &cobra.Command{
	Use:   "auto",
	Short: "Let the camera resolve exposure and gain once and print them",
	Long: `Switches the LED on, runs a single-shot auto exposure and auto gain on
the camera and prints the values it settled on, with gamma pinned to 1.0.
Use them as manual values for later runs.`,
	Args: cobra.NoArgs,
	RunE: runAuto,
}

func init() {
	autoCmd.Flags().IntVar(&autoLevel, "level", 0, "DAC level during negotiation, default from config")
	rootCmd.AddCommand(autoCmd)
}

func runAuto(cmd *cobra.Command, _ []string) (err error) {
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

	level := cfg.Illumination.Level
	if cmd.Flags().Changed("level") {
		level = autoLevel
	}
	led, err := r.openLED()
	if err != nil {
		return fmt.Errorf("open illumination: %w", err)
	}
	defer func() {
		err = errors.Join(err, led.SetLevel(dac.LevelOff), led.Close())
	}()
	if err := led.SetLevel(level); err != nil {
		return err
	}
	time.Sleep(cfg.WarmupDelay())

	sess := r.newSession()
	defer func() { err = errors.Join(err, sess.Teardown()) }()

	settings, err := negotiate(sess, r.acquisition())
	if err != nil {
		return err
	}
	debug.PrintStruct("Auto settings", settings)
	cmd.Printf("exposure_us: %.1f\ngain_db: %.2f\ngamma: %.2f\n", settings.ExposureUs, settings.GainDB, settings.Gamma)
	return nil
}

func negotiate(sess *session.Session, acq session.AcquisitionConfig) (session.AutoSettings, error) {
	if err := sess.Connect(); err != nil {
		return session.AutoSettings{}, err
	}
	if _, err := sess.Configure(acq); err != nil {
		return session.AutoSettings{}, err
	}
	return sess.NegotiateAuto()
}
