package session

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cjeanneret/SFDIGo/internal/errors"
	"github.com/cjeanneret/SFDIGo/internal/hw/camera"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rig struct {
	cam    *camera.SimCamera
	sys    *camera.SimSystem
	shared *camera.SharedSystem
}

func newRig(serial string) *rig {
	r := &rig{cam: camera.NewSimCamera(serial)}
	r.shared = camera.NewSharedSystem(func() (camera.System, error) {
		r.sys = camera.NewSimSystem(r.cam)
		return r.sys, nil
	})
	return r
}

func configured(t *testing.T, r *rig, opts ...Option) *Session {
	t.Helper()
	s := New(r.shared, opts...)
	require.NoError(t, s.Connect())
	_, err := s.Configure(AcquisitionConfig{PixelFormat: camera.FormatBayerRG8, BufferCountFloor: 20})
	require.NoError(t, err)
	return s
}

func lastWrite(cam *camera.SimCamera, st camera.Setting) (camera.Value, bool) {
	var v camera.Value
	found := false
	for _, w := range cam.Writes() {
		if w.Setting == st {
			v, found = w.Value, true
		}
	}
	return v, found
}

func TestConnectNoDevice(t *testing.T) {
	var sys *camera.SimSystem
	shared := camera.NewSharedSystem(func() (camera.System, error) {
		sys = camera.NewSimSystem()
		return sys, nil
	})
	s := New(shared)

	err := s.Connect()
	assert.ErrorIs(t, err, errors.ErrNoDevice)
	var devErr *errors.DeviceError
	assert.True(t, errors.As(err, &devErr))
	assert.Equal(t, Disconnected, s.State())
	assert.Zero(t, shared.Refs())
	assert.True(t, sys.Released())
	assert.NoError(t, s.Teardown())
}

func TestConnectInitFailureReleasesSystem(t *testing.T) {
	r := newRig("42")
	r.cam.FailInit(fmt.Errorf("usb reset"))
	s := New(r.shared)

	err := s.Connect()
	require.Error(t, err)
	assert.Zero(t, r.shared.Refs())
	assert.NoError(t, s.Teardown())
}

func TestConnectStreamModeByPlatform(t *testing.T) {
	cases := []struct {
		goos string
		want string
	}{
		{"windows", camera.StreamTeledyneGigeVision},
		{"linux", camera.StreamSocket},
		{"darwin", camera.StreamSocket},
		{"plan9", camera.StreamSocket},
	}
	for _, tc := range cases {
		t.Run(tc.goos, func(t *testing.T) {
			r := newRig("42")
			s := New(r.shared, WithPlatform(tc.goos))
			require.NoError(t, s.Connect())
			defer s.Teardown()
			assert.Equal(t, tc.want, r.cam.Value(camera.StreamMode).S)
		})
	}
}

func TestConnectStreamModeAbsentIsNotFatal(t *testing.T) {
	r := newRig("42")
	r.cam.SetAccess(camera.StreamMode, camera.NotAvailable)
	s := New(r.shared, WithPlatform("windows"))

	require.NoError(t, s.Connect())
	assert.Equal(t, Connected, s.State())
	_, wrote := lastWrite(r.cam, camera.StreamMode)
	assert.False(t, wrote)
	require.NoError(t, s.Teardown())
}

func TestConfigurePlan(t *testing.T) {
	r := newRig("42")
	r.cam.SetBounds(camera.BufferCount, camera.Bounds{Min: 30, Max: 100})
	r.cam.SetAccess(camera.FrameRateEnable, camera.NotAvailable)
	s := New(r.shared)
	require.NoError(t, s.Connect())
	defer s.Teardown()

	plan, err := s.Configure(AcquisitionConfig{
		PixelFormat:      camera.FormatBayerRG8,
		Binning:          2,
		FrameRate:        30,
		BufferCountFloor: 20,
	})
	require.NoError(t, err)
	assert.Equal(t, Configured, s.State())

	assert.Equal(t, camera.BufferNewestOnly, r.cam.Value(camera.BufferHandlingMode).S)
	assert.Equal(t, camera.AcquisitionContinuous, r.cam.Value(camera.AcquisitionMode).S)
	assert.Equal(t, int64(30), r.cam.Value(camera.BufferCount).I, "device minimum wins over a lower floor")
	assert.Equal(t, int64(2), r.cam.Value(camera.BinningVertical).I)
	assert.Equal(t, int64(1440), r.cam.Value(camera.Width).I, "ROI defaults to full sensor")
	assert.Equal(t, 30.0, r.cam.Value(camera.FrameRate).F)

	require.Len(t, plan.Skipped, 1)
	assert.Equal(t, camera.FrameRateEnable, plan.Skipped[0].Setting)
}

func TestConfigureBufferCountClampedToDeviceMax(t *testing.T) {
	r := newRig("42")
	r.cam.SetBounds(camera.BufferCount, camera.Bounds{Min: 1, Max: 8})
	s := New(r.shared)
	require.NoError(t, s.Connect())
	defer s.Teardown()

	_, err := s.Configure(AcquisitionConfig{PixelFormat: camera.FormatBayerRG8, BufferCountFloor: 20})
	require.NoError(t, err)
	assert.Equal(t, int64(8), r.cam.Value(camera.BufferCount).I)
}

func TestConfigureRequiredSettingNotWritable(t *testing.T) {
	r := newRig("42")
	r.cam.SetAccess(camera.PixelFormat, camera.ReadOnly)
	s := New(r.shared)
	require.NoError(t, s.Connect())
	defer s.Teardown()

	_, err := s.Configure(AcquisitionConfig{PixelFormat: camera.FormatMono8})
	require.Error(t, err)
	assert.True(t, errors.IsFatalConfig(err), "got %v", err)
	assert.Equal(t, Connected, s.State())
}

func TestNegotiateAutoPinsGamma(t *testing.T) {
	for _, auto := range [][2]float64{{8123.5, 3.2}, {120, 0}, {999999, 47}} {
		r := newRig("42")
		r.cam.SetAutoResult(auto[0], auto[1])
		s := configured(t, r)

		got, err := s.NegotiateAuto()
		require.NoError(t, err)
		assert.Equal(t, 1.0, got.Gamma)
		assert.Equal(t, 1.0, r.cam.Value(camera.Gamma).F)
		assert.Equal(t, auto[0], got.ExposureUs)
		assert.Equal(t, auto[1], got.GainDB)

		assert.Equal(t, Configured, s.State())
		assert.Equal(t, []time.Duration{DefaultSettleTimeout}, r.cam.Timeouts())
		assert.Zero(t, r.cam.Outstanding(), "settle frame must be released")
		require.NoError(t, s.Teardown())
	}
}

func TestNegotiateAutoSettleTimeout(t *testing.T) {
	r := newRig("42")
	s := configured(t, r)
	defer s.Teardown()
	r.cam.Script(camera.OutcomeTimeout)

	_, err := s.NegotiateAuto()
	assert.ErrorIs(t, err, errors.ErrTimeout)
	assert.Equal(t, Configured, s.State())
	assert.False(t, r.cam.Acquiring())
}

func TestSetManualRequiresAutoOff(t *testing.T) {
	r := newRig("42")
	s := configured(t, r)
	defer s.Teardown()

	err := s.SetManual(7372, 4.48)
	assert.ErrorIs(t, err, errors.ErrPrecedence)

	require.NoError(t, s.DisableAuto())
	require.NoError(t, s.SetManual(7372, 4.48))
	assert.Equal(t, 7372.0, r.cam.Value(camera.ExposureTime).F)
	assert.Equal(t, 4.48, r.cam.Value(camera.Gain).F)
}

func TestSetManualClampsExposure(t *testing.T) {
	r := newRig("42")
	r.cam.SetBounds(camera.ExposureTime, camera.Bounds{Min: 10, Max: 33000})
	s := configured(t, r)
	defer s.Teardown()
	require.NoError(t, s.DisableAuto())

	require.NoError(t, s.SetManual(5e6, 100))
	assert.Equal(t, 33000.0, r.cam.Value(camera.ExposureTime).F)
	assert.Equal(t, 47.99, r.cam.Value(camera.Gain).F)
}

func TestBeginAcquisitionDiscardsSettleFrame(t *testing.T) {
	r := newRig("42")
	s := configured(t, r)
	defer s.Teardown()

	require.NoError(t, s.BeginAcquisition())
	assert.Equal(t, Acquiring, s.State())
	assert.Equal(t, []time.Duration{15 * time.Second}, r.cam.Timeouts())
	assert.Zero(t, r.cam.Outstanding())

	require.NoError(t, s.EndAcquisition())
	assert.Equal(t, Configured, s.State())
}

func TestBeginAcquisitionSettleFailure(t *testing.T) {
	r := newRig("42")
	s := configured(t, r)
	defer s.Teardown()
	r.cam.Script(camera.OutcomeIncomplete)

	err := s.BeginAcquisition()
	assert.ErrorIs(t, err, errors.ErrIncompleteFrame)
	assert.Equal(t, Configured, s.State())
	assert.False(t, r.cam.Acquiring())
	assert.Zero(t, r.cam.Outstanding())
}

func TestWrongStateOperations(t *testing.T) {
	r := newRig("42")
	s := New(r.shared)

	_, err := s.Configure(AcquisitionConfig{})
	assert.ErrorIs(t, err, errors.ErrState)
	assert.ErrorIs(t, s.BeginAcquisition(), errors.ErrState)
	assert.ErrorIs(t, s.EndAcquisition(), errors.ErrState)
	_, err = s.NegotiateAuto()
	assert.ErrorIs(t, err, errors.ErrState)

	require.NoError(t, s.Connect())
	assert.ErrorIs(t, s.Connect(), errors.ErrState)
	require.NoError(t, s.Teardown())
}

func TestTeardownIdempotent(t *testing.T) {
	r := newRig("42")
	s := configured(t, r)
	require.NoError(t, s.BeginAcquisition())

	require.NoError(t, s.Teardown())
	assert.Equal(t, Disconnected, s.State())
	assert.False(t, r.cam.Initialized())
	assert.True(t, r.sys.Released())
	assert.Zero(t, r.shared.Refs())

	require.NoError(t, s.Teardown())
	require.NoError(t, s.Teardown())
}

func TestSharedSystemOutlivesFirstSession(t *testing.T) {
	r := newRig("42")
	other := camera.NewSimCamera("43")
	r.shared = camera.NewSharedSystem(func() (camera.System, error) {
		r.sys = camera.NewSimSystem(r.cam, other)
		return r.sys, nil
	})

	a := New(r.shared)
	b := New(r.shared)
	require.NoError(t, a.Connect())
	require.NoError(t, b.Connect())

	require.NoError(t, a.Teardown())
	assert.False(t, r.sys.Released())
	require.NoError(t, b.Teardown())
	assert.True(t, r.sys.Released())
}

func TestStreamModeFor(t *testing.T) {
	assert.Equal(t, camera.StreamTeledyneGigeVision, StreamModeFor("windows"))
	assert.Equal(t, camera.StreamSocket, StreamModeFor("linux"))
	assert.NotEmpty(t, StreamModeFor(""))
}

func TestArbiter(t *testing.T) {
	var a Arbiter
	release, err := a.TryAcquire("preview")
	require.NoError(t, err)
	assert.Equal(t, "preview", a.Owner())

	_, err = a.TryAcquire("run")
	assert.ErrorIs(t, err, errors.ErrBusy)

	release()
	release()
	assert.Empty(t, a.Owner())

	release2, err := a.TryAcquire("run")
	require.NoError(t, err)
	release2()
}

func TestNamer(t *testing.T) {
	dir := t.TempDir()
	n := NewNamer(dir, "", ".jpg")
	n.now = func() time.Time { return time.Date(2026, 10, 19, 14, 25, 1, 123e6, time.UTC) }

	assert.Equal(t, filepath.Join(dir, "Acquisition-0.jpg"), n.Next("", ""))
	assert.Equal(t, filepath.Join(dir, "Acquisition-1.jpg"), n.Next("", ""))

	stamped := n.Next("21290846", "")
	assert.Equal(t, filepath.Join(dir, "Acquisition-21290846-20261019-142501.123.jpg"), stamped)

	require.NoError(t, os.WriteFile(stamped, []byte("x"), 0o644))
	assert.Equal(t, filepath.Join(dir, "Acquisition-21290846-20261019-142501.123-1.jpg"), n.Next("21290846", ""))

	assert.Equal(t, filepath.Join(dir, "angle-120.jpg"), n.Next("21290846", "angle-120.png"))
}
