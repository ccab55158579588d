package dac

import (
	"io"

	"github.com/cjeanneret/SFDIGo/internal/debug"
	"github.com/cjeanneret/SFDIGo/internal/errors"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/conn/v3/spi/spitest"
	"periph.io/x/host/v3"
)

// BusConfig selects the SPI port the DAC hangs off.
type BusConfig struct {
	Device  string // spireg name, e.g. "SPI0.0". Empty picks the first port.
	SpeedHz int64
	Mock    bool
}

// Open returns a DAC on the configured bus. In mock mode the transfers go to
// the trace log instead of hardware.
func Open(cfg BusConfig) (*MCP4922, error) {
	speed := physic.Frequency(cfg.SpeedHz) * physic.Hertz
	if cfg.Mock {
		debug.Info("Using MOCK SPI bus for the DAC")
		return New(spitest.NewRecordRaw(traceWriter{}), speed)
	}

	if _, err := host.Init(); err != nil {
		return nil, errors.NewDeviceError("periph host init", err)
	}
	port, err := spireg.Open(cfg.Device)
	if err != nil {
		return nil, errors.NewDeviceError("open spi "+cfg.Device, err)
	}
	d, err := New(port, speed)
	if err != nil {
		_ = port.Close()
		return nil, err
	}
	return d, nil
}

type traceWriter struct{}

var _ io.Writer = traceWriter{}

func (traceWriter) Write(p []byte) (int, error) {
	debug.Trace("SPI mock bus <- % x", p)
	return len(p), nil
}
