// Package cvcam exposes UVC cameras opened through OpenCV as camera.System.
//
// OpenCV only knows a handful of capture properties, so most GenICam
// settings report camera.NotAvailable and the acquisition session skips
// them. Frames are delivered as BGR8.
package cvcam

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cjeanneret/SFDIGo/internal/debug"
	"github.com/cjeanneret/SFDIGo/internal/errors"
	"github.com/cjeanneret/SFDIGo/internal/hw/camera"
	"gocv.io/x/gocv"
)

// V4L2 auto exposure values as reported through CAP_PROP_AUTO_EXPOSURE.
const (
	v4l2AutoOn  = 3
	v4l2AutoOff = 1
)

var props = map[camera.Setting]gocv.VideoCaptureProperties{
	camera.Width:        gocv.VideoCaptureFrameWidth,
	camera.Height:       gocv.VideoCaptureFrameHeight,
	camera.FrameRate:    gocv.VideoCaptureFPS,
	camera.ExposureTime: gocv.VideoCaptureExposure,
	camera.Gain:         gocv.VideoCaptureGain,
	camera.Gamma:        gocv.VideoCaptureGamma,
	camera.BufferCount:  gocv.VideoCaptureBufferSize,
}

// System enumerates the configured device indexes.
type System struct {
	devices []int
}

// NewSystem returns a system over the given /dev/video indexes.
func NewSystem(devices ...int) *System {
	if len(devices) == 0 {
		devices = []int{0}
	}
	return &System{devices: devices}
}

// Cameras lists the indexes that can be opened. Probing opens and closes each one.
func (s *System) Cameras() ([]camera.Device, error) {
	var out []camera.Device
	for _, idx := range s.devices {
		vc, err := gocv.OpenVideoCapture(idx)
		if err != nil {
			debug.Verbose("cvcam: device %d not available: %v", idx, err)
			continue
		}
		ok := vc.IsOpened()
		_ = vc.Close()
		if ok {
			out = append(out, &Device{index: idx})
		}
	}
	return out, nil
}

func (s *System) Release() error { return nil }

// Device is one OpenCV capture.
type Device struct {
	mu        sync.Mutex
	index     int
	vc        *gocv.VideoCapture
	acquiring bool
	exposure  string
	pending   chan gocv.Mat
}

// Serial returns "" because UVC devices expose no stable serial through OpenCV.
func (d *Device) Serial() string { return "" }

func (d *Device) Init() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	vc, err := gocv.OpenVideoCapture(d.index)
	if err != nil {
		return errors.NewDeviceError("open video capture "+strconv.Itoa(d.index), err)
	}
	d.vc = vc
	d.exposure = camera.AutoContinuous
	return nil
}

func (d *Device) DeInit() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.vc == nil {
		return nil
	}
	err := d.vc.Close()
	d.vc = nil
	d.acquiring = false
	return err
}

func (d *Device) Access(s camera.Setting) camera.Access {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.vc == nil {
		return camera.NotAvailable
	}
	switch s {
	case camera.ExposureAuto:
		return camera.ReadWrite
	case camera.PixelFormat, camera.AcquisitionMode:
		return camera.ReadOnly
	}
	if _, ok := props[s]; ok {
		return camera.ReadWrite
	}
	return camera.NotAvailable
}

func (d *Device) Get(s camera.Setting) (camera.Value, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.vc == nil {
		return camera.Value{}, errors.ErrState
	}
	switch s {
	case camera.ExposureAuto:
		return camera.Enum(d.exposure), nil
	case camera.PixelFormat:
		return camera.Enum(camera.FormatBGR8), nil
	case camera.AcquisitionMode:
		return camera.Enum(camera.AcquisitionContinuous), nil
	}
	p, ok := props[s]
	if !ok {
		return camera.Value{}, fmt.Errorf("read %s: not available", s)
	}
	v := d.vc.Get(p)
	if s.Kind() == camera.KindInt {
		return camera.Int(int64(v)), nil
	}
	return camera.Float(v), nil
}

func (d *Device) Set(s camera.Setting, v camera.Value) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.vc == nil {
		return errors.ErrState
	}
	if s == camera.ExposureAuto {
		// V4L2 has no single-shot mode: Once keeps auto on until the next frame.
		mode := v4l2AutoOn
		if v.S == camera.AutoOff {
			mode = v4l2AutoOff
		}
		d.vc.Set(gocv.VideoCaptureAutoExposure, float64(mode))
		d.exposure = v.S
		return nil
	}
	p, ok := props[s]
	if !ok {
		return fmt.Errorf("write %s: %w", s, errors.ErrNotWritable)
	}
	d.vc.Set(p, v.Number())
	debug.Node("set", s.String(), v)
	return nil
}

// Bounds are not reported by OpenCV; a wide range lets the device clamp.
func (d *Device) Bounds(s camera.Setting) (camera.Bounds, error) {
	if _, ok := props[s]; !ok {
		return camera.Bounds{}, fmt.Errorf("bounds of %s: not available", s)
	}
	if s == camera.BufferCount {
		return camera.Bounds{Min: 1, Max: 10}, nil
	}
	return camera.Bounds{Min: 0, Max: 1e7}, nil
}

func (d *Device) BeginAcquisition() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.vc == nil {
		return errors.ErrState
	}
	d.acquiring = true
	return nil
}

func (d *Device) EndAcquisition() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.acquiring {
		return errors.ErrState
	}
	d.acquiring = false
	return nil
}

// NextImage reads one frame. VideoCapture.Read has no timeout, so the read
// runs in its own goroutine; a read that outlives timeout is picked up by
// the next call instead of being started again.
func (d *Device) NextImage(timeout time.Duration) (camera.Image, error) {
	d.mu.Lock()
	if !d.acquiring {
		d.mu.Unlock()
		return nil, errors.ErrState
	}
	ch := d.pending
	if ch == nil {
		ch = make(chan gocv.Mat, 1)
		vc := d.vc
		go func() {
			m := gocv.NewMat()
			vc.Read(&m)
			ch <- m
		}()
		d.pending = ch
	}
	d.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case m := <-ch:
		d.mu.Lock()
		d.pending = nil
		if d.exposure == camera.AutoOnce {
			d.exposure = camera.AutoOff
			d.vc.Set(gocv.VideoCaptureAutoExposure, v4l2AutoOff)
		}
		d.mu.Unlock()
		return newImage(m), nil
	case <-timer.C:
		return nil, errors.NewTimeoutError("read frame", timeout)
	}
}

type image struct {
	mat  gocv.Mat
	data []byte
}

func newImage(m gocv.Mat) *image {
	img := &image{mat: m}
	if !m.Empty() {
		img.data = m.ToBytes()
	}
	return img
}

func (i *image) Data() []byte   { return i.data }
func (i *image) Width() int     { return i.mat.Cols() }
func (i *image) Height() int    { return i.mat.Rows() }
func (i *image) Format() string { return camera.FormatBGR8 }

// Status reports an empty read as incomplete.
func (i *image) Status() camera.Status {
	if i.mat.Empty() {
		return 1
	}
	return camera.StatusComplete
}

func (i *image) Release() error { return i.mat.Close() }
