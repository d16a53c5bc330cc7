// Package uart16550 drives 16550-compatible UARTs at the register windows
// assigned by device hints. Register access is abstracted behind IO so the
// same driver serves memory-mapped windows, port windows and simulations.
package uart16550

import (
	"context"
	"time"

	"devhints-go/errcode"
	"devhints-go/x/mathx"
)

// Register offsets relative to the start of the device window.
const (
	regRBR = 0 // read: receive buffer
	regTHR = 0 // write: transmit holding
	regDLL = 0 // divisor latch low (DLAB=1)
	regIER = 1
	regDLM = 1 // divisor latch high (DLAB=1)
	regFCR = 2 // write: FIFO control
	regIIR = 2 // read: interrupt ident
	regLCR = 3
	regMCR = 4
	regLSR = 5
	regMSR = 6
	regSCR = 7
)

// Bits we use.
const (
	lcr8N1  = 0x03
	lcrDLAB = 0x80

	lsrDataReady = 0x01
	lsrTHREmpty  = 0x20

	fcrEnable    = 0x01
	fcrClearFifo = 0x06

	ierRxAvail = 0x01
)

// Window is the number of registers a 16550 occupies.
const Window = 8

// IO accesses the device registers, offsets 0..Window-1.
type IO interface {
	Read8(off uint8) uint8
	Write8(off uint8, v uint8)
}

// Baud limits and the classic ISA UART input clock.
const (
	DefaultClockHz = 1_843_200
	MinBaud        = 300
	MaxBaud        = 115_200
)

// Config controls line parameters. Zero values pick defaults.
type Config struct {
	BaudRate uint32 // clamped to [MinBaud, MaxBaud]; 0 => MaxBaud
	ClockHz  uint32 // 0 => DefaultClockHz
}

// Port is the byte-stream view of a UART; satisfied by *Device and by the
// hardware adaptors on MCU targets.
type Port interface {
	Write(p []byte) (int, error)
	RecvSome(ctx context.Context, buf []byte) (int, error)
}

// Device is a register-level 16550 driver.
type Device struct {
	io   IO
	baud uint32
	poll time.Duration
}

// New wraps a register window. Call Configure before use.
func New(io IO) *Device {
	return &Device{io: io, poll: time.Millisecond}
}

// Configure programs the divisor latch, frame format and FIFOs.
func (d *Device) Configure(cfg Config) error {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = MaxBaud
	}
	if cfg.ClockHz == 0 {
		cfg.ClockHz = DefaultClockHz
	}
	baud := mathx.Clamp(cfg.BaudRate, MinBaud, MaxBaud)
	div := mathx.RoundDiv(cfg.ClockHz, 16*baud)
	if div == 0 {
		return errcode.InvalidParams
	}

	d.io.Write8(regLCR, lcrDLAB)
	d.io.Write8(regDLL, uint8(div))
	d.io.Write8(regDLM, uint8(div>>8))
	d.io.Write8(regLCR, lcr8N1)
	d.io.Write8(regFCR, fcrEnable|fcrClearFifo)
	d.io.Write8(regIER, ierRxAvail)

	d.baud = baud
	return nil
}

// Baud returns the configured line rate.
func (d *Device) Baud() uint32 { return d.baud }

// txSpins bounds the transmit-ready busy wait.
const txSpins = 100_000

// WriteByte waits for transmitter space and sends one byte.
func (d *Device) WriteByte(b byte) error {
	for i := 0; i < txSpins; i++ {
		if d.io.Read8(regLSR)&lsrTHREmpty != 0 {
			d.io.Write8(regTHR, b)
			return nil
		}
	}
	return errcode.Timeout
}

// Write sends p, returning the count sent before any error.
func (d *Device) Write(p []byte) (int, error) {
	for i, b := range p {
		if err := d.WriteByte(b); err != nil {
			return i, err
		}
	}
	return len(p), nil
}

// ReadByte returns the next received byte, if one is pending.
func (d *Device) ReadByte() (byte, bool) {
	if d.io.Read8(regLSR)&lsrDataReady == 0 {
		return 0, false
	}
	return d.io.Read8(regRBR), true
}

// RecvSome blocks until at least one byte arrives or ctx ends, then drains
// up to len(buf) pending bytes.
func (d *Device) RecvSome(ctx context.Context, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	for {
		n := 0
		for n < len(buf) {
			b, ok := d.ReadByte()
			if !ok {
				break
			}
			buf[n] = b
			n++
		}
		if n > 0 {
			return n, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(d.poll):
		}
	}
}
