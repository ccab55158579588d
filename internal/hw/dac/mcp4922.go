// Package dac drives the MCP4922 12-bit DAC that sets the illumination intensity.
package dac

import (
	"fmt"
	"io"
	"sync"

	"github.com/cjeanneret/SFDIGo/internal/debug"
	"github.com/cjeanneret/SFDIGo/internal/errors"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
)

const (
	// LevelMin is the lowest DAC code (maximum LED drive on this rig).
	LevelMin = 0
	// LevelMax is the highest 12-bit DAC code.
	LevelMax = 4095
	// LevelOff is the code the rig uses to switch the illumination off.
	LevelOff = LevelMax

	// control is the MCP4922 config nibble: channel A, unbuffered Vref, gain x1, output active.
	control = 0b0011
)

// Encode packs a 12-bit level into the two bytes the MCP4922 latches.
// The level is clamped to [LevelMin, LevelMax] so the control nibble is never touched.
func Encode(level int) [2]byte {
	v := Clamp(level)
	return [2]byte{
		byte(control<<4 | (v>>8)&0x0f),
		byte(v & 0xff),
	}
}

// Decode returns the data bits of an encoded word.
func Decode(w [2]byte) int {
	return int(w[0]&0x0f)<<8 | int(w[1])
}

// Clamp bounds level to the representable DAC range.
func Clamp(level int) int {
	switch {
	case level < LevelMin:
		return LevelMin
	case level > LevelMax:
		return LevelMax
	}
	return level
}

// MCP4922 is channel A of an MCP4922 on an SPI connection.
// Writes are fire-and-forget: the chip has no readback.
type MCP4922 struct {
	mu     sync.Mutex
	conn   spi.Conn
	port   io.Closer
	level  int
	closed bool
}

// New connects to the DAC on port. speed 0 selects 4 MHz.
// The port is closed by Close when it implements io.Closer.
func New(port spi.Port, speed physic.Frequency) (*MCP4922, error) {
	if speed <= 0 {
		speed = 4 * physic.MegaHertz
	}
	c, err := port.Connect(speed, spi.Mode0, 8)
	if err != nil {
		return nil, errors.NewDeviceError("spi connect", err)
	}
	d := &MCP4922{conn: c, level: LevelOff}
	if closer, ok := port.(io.Closer); ok {
		d.port = closer
	}
	debug.Verbose("DAC: connected on %s at %s", port, speed)
	return d, nil
}

// SetLevel clamps level and writes it in a single two-byte transaction.
func (d *MCP4922) SetLevel(level int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return fmt.Errorf("set level %d: %w", level, errors.ErrClosed)
	}
	if c := Clamp(level); c != level {
		debug.Warn("DAC: level %d out of range, clamped to %d", level, c)
		level = c
	}
	w := Encode(level)
	debug.SPI(w[:])
	if err := d.conn.Tx(w[:], nil); err != nil {
		return errors.NewDeviceError("spi write", err)
	}
	d.level = level
	debug.LED(level)
	return nil
}

// Level returns the last level written. It is bookkeeping, not a readback.
func (d *MCP4922) Level() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.level
}

// Close releases the bus. Later calls are no-ops.
func (d *MCP4922) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	debug.Trace("DAC: closing bus")
	if d.port != nil {
		return d.port.Close()
	}
	return nil
}
