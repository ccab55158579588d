package session

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/cjeanneret/SFDIGo/internal/debug"
	"github.com/cjeanneret/SFDIGo/internal/hw/camera"
)

// Output is a converted frame that owns its pixels.
type Output interface {
	Save(path string) error
	Close() error
}

// Converter turns a raw frame into an Output in the run's pixel format.
// It must not keep a reference to the raw frame.
type Converter interface {
	Convert(img camera.Image) (Output, error)
}

// ConverterFunc adapts a function to Converter.
type ConverterFunc func(img camera.Image) (Output, error)

func (f ConverterFunc) Convert(img camera.Image) (Output, error) { return f(img) }

// Saved describes a persisted frame.
type Saved struct {
	Path   string
	Width  int
	Height int
}

// Capture grabs single frames from an acquiring session and persists them.
type Capture struct {
	sess  *Session
	conv  Converter
	namer *Namer
}

// NewCapture returns a capture bound to sess. conv is used for every frame.
func NewCapture(sess *Session, conv Converter, namer *Namer) *Capture {
	return &Capture{sess: sess, conv: conv, namer: namer}
}

// Grab waits up to timeout for a complete frame. The caller owns the
// returned image and must Release it.
func (c *Capture) Grab(timeout time.Duration) (camera.Image, error) {
	return c.sess.grab(timeout)
}

// Save grabs one frame, converts it and writes it. name overrides the
// generated file name when not empty. The raw buffer goes back to the
// camera on every path.
func (c *Capture) Save(timeout time.Duration, name string) (Saved, error) {
	img, err := c.Grab(timeout)
	if err != nil {
		return Saved{}, err
	}
	defer func() {
		if rerr := img.Release(); rerr != nil {
			debug.Warn("Capture: release frame: %v", rerr)
		}
	}()

	out, err := c.conv.Convert(img)
	if err != nil {
		return Saved{}, fmt.Errorf("convert %s frame: %w", img.Format(), err)
	}
	defer out.Close()

	path := c.namer.Next(c.sess.Serial(), name)
	if err := out.Save(path); err != nil {
		return Saved{}, fmt.Errorf("save %s: %w", path, err)
	}
	return Saved{Path: path, Width: img.Width(), Height: img.Height()}, nil
}

// Namer generates output paths. With a device serial the name carries the
// capture time, otherwise an ordinal. Existing files are never overwritten.
type Namer struct {
	mu      sync.Mutex
	dir     string
	prefix  string
	ext     string
	now     func() time.Time
	ordinal int
}

// NewNamer returns a namer writing into dir. ext includes the dot.
func NewNamer(dir, prefix, ext string) *Namer {
	if prefix == "" {
		prefix = "Acquisition"
	}
	if ext == "" {
		ext = ".jpg"
	}
	return &Namer{dir: dir, prefix: prefix, ext: ext, now: time.Now}
}

// Next returns a free path. A non-empty name is used as the base name.
func (n *Namer) Next(serial, name string) string {
	n.mu.Lock()
	defer n.mu.Unlock()

	base := name
	switch {
	case base != "":
		base = trimExt(base)
	case serial != "":
		base = fmt.Sprintf("%s-%s-%s", n.prefix, serial, n.now().Format("20060102-150405.000"))
	default:
		base = n.prefix + "-" + strconv.Itoa(n.ordinal)
	}
	n.ordinal++

	path := filepath.Join(n.dir, base+n.ext)
	for i := 1; exists(path); i++ {
		path = filepath.Join(n.dir, base+"-"+strconv.Itoa(i)+n.ext)
	}
	return path
}

func trimExt(name string) string {
	return name[:len(name)-len(filepath.Ext(name))]
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
