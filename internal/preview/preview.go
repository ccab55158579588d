// Package preview runs the live camera preview: a polling task that grabs
// one frame per period, encodes it and fans it out to subscribers.
// While it runs it owns the camera; a sequence run must wait for Stop.
package preview

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/cjeanneret/SFDIGo/internal/debug"
	"github.com/cjeanneret/SFDIGo/internal/errors"
	"github.com/cjeanneret/SFDIGo/internal/hw/camera"
	"github.com/cjeanneret/SFDIGo/internal/logic/session"
)

// Owner is the arbiter name the poller claims the camera under.
const Owner = "preview"

// Defaults used when Config leaves a field at zero.
const (
	DefaultPeriod      = 33 * time.Millisecond
	DefaultGrabTimeout = time.Second
)

// Encoder turns a raw frame into bytes for the subscribers (JPEG in practice).
type Encoder interface {
	Encode(img camera.Image) ([]byte, error)
}

// EncoderFunc adapts a function to Encoder.
type EncoderFunc func(img camera.Image) ([]byte, error)

func (f EncoderFunc) Encode(img camera.Image) ([]byte, error) { return f(img) }

// Config describes the preview stream.
type Config struct {
	Acquisition session.AcquisitionConfig
	Period      time.Duration
	GrabTimeout time.Duration
}

// DefaultConfig is a light stream: half resolution, one buffer, newest frame only.
func DefaultConfig() Config {
	return Config{
		Acquisition: session.AcquisitionConfig{
			PixelFormat:      camera.FormatBayerRG8,
			Binning:          2,
			FrameRate:        30,
			BufferCountFloor: 1,
			BufferHandling:   camera.BufferNewestOnly,
		},
		Period:      DefaultPeriod,
		GrabTimeout: DefaultGrabTimeout,
	}
}

// Frame is one encoded preview frame.
type Frame struct {
	Seq    uint64
	Width  int
	Height int
	Data   []byte
}

// Poller is the preview task. Start and Stop may be called from any goroutine;
// the camera session itself is only touched by the polling goroutine.
type Poller struct {
	shared  *camera.SharedSystem
	arbiter *session.Arbiter
	enc     Encoder
	cfg     Config
	opts    []session.Option

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	subs    map[chan Frame]struct{}
	dropped uint64
}

// New returns a stopped poller.
func New(shared *camera.SharedSystem, arbiter *session.Arbiter, enc Encoder, cfg Config, opts ...session.Option) *Poller {
	if cfg.Period <= 0 {
		cfg.Period = DefaultPeriod
	}
	if cfg.GrabTimeout <= 0 {
		cfg.GrabTimeout = DefaultGrabTimeout
	}
	return &Poller{
		shared:  shared,
		arbiter: arbiter,
		enc:     enc,
		cfg:     cfg,
		opts:    opts,
		subs:    make(map[chan Frame]struct{}),
	}
}

// Running reports whether the polling goroutine is active.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done != nil
}

// Start claims the camera, configures it for preview and starts polling.
// It fails with ErrBusy when a run holds the camera. Starting a running
// poller is a no-op.
func (p *Poller) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done != nil {
		return nil
	}

	release, err := p.arbiter.TryAcquire(Owner)
	if err != nil {
		return err
	}
	sess := session.New(p.shared, p.opts...)
	if err := p.open(sess); err != nil {
		if terr := sess.Teardown(); terr != nil {
			debug.Warn("Preview: teardown after failed start: %v", terr)
		}
		release()
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.loop(ctx, sess, release, p.done)
	debug.Info("Preview started (period %v)", p.cfg.Period)
	return nil
}

func (p *Poller) open(sess *session.Session) error {
	if err := sess.Connect(); err != nil {
		return fmt.Errorf("preview connect: %w", err)
	}
	if _, err := sess.Configure(p.cfg.Acquisition); err != nil {
		return fmt.Errorf("preview configure: %w", err)
	}
	if err := sess.BeginAcquisition(); err != nil {
		return fmt.Errorf("preview acquisition: %w", err)
	}
	return nil
}

// Stop ends polling, tears the session down and gives the camera back.
// It blocks until the camera is free. Stopping a stopped poller is a no-op.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.mu.Unlock()
	if done == nil {
		return
	}
	cancel()
	<-done

	p.mu.Lock()
	if p.done == done {
		p.cancel, p.done = nil, nil
	}
	p.mu.Unlock()
	debug.Info("Preview stopped")
}

// Subscribe returns a channel of frames and a func to unsubscribe. Slow
// subscribers miss frames rather than stall the poller.
func (p *Poller) Subscribe() (<-chan Frame, func()) {
	ch := make(chan Frame, 2)
	p.mu.Lock()
	p.subs[ch] = struct{}{}
	p.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.subs, ch)
			p.mu.Unlock()
		})
	}
}

// Dropped returns how many frame deliveries were skipped for slow subscribers.
func (p *Poller) Dropped() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

func (p *Poller) loop(ctx context.Context, sess *session.Session, release func(), done chan struct{}) {
	defer close(done)
	defer func() {
		// the loop may end on its own; the poller is stopped then too
		p.mu.Lock()
		if p.done == done {
			p.cancel()
			p.cancel, p.done = nil, nil
		}
		p.mu.Unlock()
	}()
	defer release()
	defer func() {
		if err := sess.Teardown(); err != nil {
			debug.Warn("Preview: teardown: %v", err)
		}
	}()

	grabber := session.NewCapture(sess, nil, nil)
	limiter := rate.NewLimiter(rate.Every(p.cfg.Period), 1)
	var seq uint64
	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		frame, err := p.poll(grabber)
		switch {
		case err == nil:
			seq++
			frame.Seq = seq
			p.publish(frame)
		case errors.Is(err, errors.ErrTimeout), errors.Is(err, errors.ErrIncompleteFrame):
			debug.Trace("Preview: %v", err)
		default:
			debug.Warn("Preview: %v", err)
			if errors.Is(err, errors.ErrState) {
				return
			}
		}
	}
}

// poll grabs and encodes one frame; the raw buffer is released before returning.
func (p *Poller) poll(grabber *session.Capture) (Frame, error) {
	img, err := grabber.Grab(p.cfg.GrabTimeout)
	if err != nil {
		return Frame{}, err
	}
	defer func() {
		if rerr := img.Release(); rerr != nil {
			debug.Warn("Preview: release frame: %v", rerr)
		}
	}()
	data, err := p.enc.Encode(img)
	if err != nil {
		return Frame{}, fmt.Errorf("encode preview: %w", err)
	}
	return Frame{Width: img.Width(), Height: img.Height(), Data: data}, nil
}

func (p *Poller) publish(f Frame) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for ch := range p.subs {
		select {
		case ch <- f:
		default:
			p.dropped++
		}
	}
}
