package sequence

import (
	"context"
	"fmt"
	"time"

	"github.com/cjeanneret/SFDIGo/internal/debug"
	"github.com/cjeanneret/SFDIGo/internal/errors"
	"github.com/cjeanneret/SFDIGo/internal/logic/session"
)

// Exposure modes for a run.
const (
	ModeAuto   = "auto"
	ModeManual = "manual"
)

// SessionCamera drives a session.Session for the sequencer. Each capture
// runs its own acquisition so the settle frame always precedes the frame
// that is kept.
type SessionCamera struct {
	Session        *session.Session
	Capturer       *session.Capture
	Acquisition    session.AcquisitionConfig
	Mode           string
	ExposureUs     float64
	GainDB         float64
	CaptureTimeout time.Duration
}

// Prepare connects, configures and fixes the exposure. In auto mode the
// camera resolves exposure and gain once and keeps them for the whole run.
func (c *SessionCamera) Prepare(ctx context.Context) error {
	if err := c.Session.Connect(); err != nil {
		return err
	}
	if _, err := c.Session.Configure(c.Acquisition); err != nil {
		return err
	}
	switch c.Mode {
	case ModeAuto:
		if _, err := c.Session.NegotiateAuto(); err != nil {
			return err
		}
		return c.Session.DisableAuto()
	case ModeManual, "":
		if err := c.Session.DisableAuto(); err != nil {
			return err
		}
		return c.Session.SetManual(c.ExposureUs, c.GainDB)
	default:
		return fmt.Errorf("unknown camera mode %q", c.Mode)
	}
}

// Capture begins acquisition, saves one frame and ends acquisition again.
func (c *SessionCamera) Capture(name string) (string, error) {
	timeout := c.CaptureTimeout
	if timeout <= 0 {
		timeout = session.DefaultCaptureTimeout
	}
	if err := c.Session.BeginAcquisition(); err != nil {
		return "", err
	}
	saved, err := c.Capturer.Save(timeout, name)
	if endErr := c.Session.EndAcquisition(); endErr != nil {
		err = errors.Join(err, endErr)
	}
	if err != nil {
		return "", err
	}
	debug.Verbose("Captured %dx%d frame", saved.Width, saved.Height)
	return saved.Path, nil
}

// Teardown releases the camera.
func (c *SessionCamera) Teardown() error {
	return c.Session.Teardown()
}
