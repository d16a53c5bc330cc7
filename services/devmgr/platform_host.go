//go:build !rp2040 && !rp2350

// services/devmgr/platform_host.go
package devmgr

import (
	"sync"

	"devhints-go/devhint"
	"devhints-go/drivers/uart16550"
	"devhints-go/emmc"
)

// HostPlatform backs the hint table with simulated hardware: loopback 16550
// register files for the serial records and a RAM card behind the eMMC
// controller. Used by tests and the host daemon.
type HostPlatform struct {
	card *emmc.Sim
}

func NewHostPlatform(blocks int) *HostPlatform {
	return &HostPlatform{
		card: emmc.NewSim(emmc.SimConfig{
			Blocks:             blocks,
			HighCapacity:       true,
			SupportsBlockCount: true,
		}),
	}
}

// ExtraHints adds the SD node; the card sits behind a controller rather than
// an ISA window, so the static table has no record for it.
func (p *HostPlatform) ExtraHints() []devhint.Hint {
	return []devhint.Hint{{Path: "/rootdev/emmc@0/sd@0"}}
}

func (p *HostPlatform) UARTPort(h devhint.Hint, baud uint32) (uart16550.Port, error) {
	dev := uart16550.New(newLoopIO())
	if err := dev.Configure(uart16550.Config{BaudRate: baud}); err != nil {
		return nil, err
	}
	return dev, nil
}

func (p *HostPlatform) EMMC() (emmc.Controller, bool) { return p.card, true }

// -----------------------------------------------------------------------------
// Loopback register file
// -----------------------------------------------------------------------------

// loopIO is a minimal 16550 register file whose transmitter feeds its own
// receiver.
type loopIO struct {
	mu       sync.Mutex
	dll, dlm uint8
	lcr, ier uint8
	rx       []byte
}

func newLoopIO() *loopIO { return &loopIO{} }

func (io *loopIO) dlab() bool { return io.lcr&0x80 != 0 }

func (io *loopIO) Read8(off uint8) uint8 {
	io.mu.Lock()
	defer io.mu.Unlock()
	switch off {
	case 0:
		if io.dlab() {
			return io.dll
		}
		if len(io.rx) == 0 {
			return 0
		}
		b := io.rx[0]
		io.rx = io.rx[1:]
		return b
	case 1:
		if io.dlab() {
			return io.dlm
		}
		return io.ier
	case 3:
		return io.lcr
	case 5:
		lsr := uint8(0x60) // transmitter idle
		if len(io.rx) > 0 {
			lsr |= 0x01
		}
		return lsr
	}
	return 0
}

func (io *loopIO) Write8(off, v uint8) {
	io.mu.Lock()
	defer io.mu.Unlock()
	switch off {
	case 0:
		if io.dlab() {
			io.dll = v
			return
		}
		io.rx = append(io.rx, v)
	case 1:
		if io.dlab() {
			io.dlm = v
			return
		}
		io.ier = v
	case 3:
		io.lcr = v
	}
}
