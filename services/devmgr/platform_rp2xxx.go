//go:build rp2040 || rp2350

// services/devmgr/platform_rp2xxx.go
package devmgr

import (
	"tinygo.org/x/drivers"

	"devhints-go/devhint"
	"devhints-go/drivers/uart16550"
	"devhints-go/emmc"
	"devhints-go/errcode"
)

// RP2Platform maps hint records onto the chip's hardware UARTs and, when an
// SPI bus with a chip select is supplied, an SD card in SPI mode.
type RP2Platform struct {
	spi  drivers.SPI
	cs   func(bool)
	ctrl *emmc.SPIMode
}

// NewRP2Platform wires the board. spi may be nil on boards without a card
// slot.
func NewRP2Platform(spi drivers.SPI, cs func(bool)) *RP2Platform {
	return &RP2Platform{spi: spi, cs: cs}
}

func (p *RP2Platform) ExtraHints() []devhint.Hint {
	if p.spi == nil {
		return nil
	}
	return []devhint.Hint{{Path: "/rootdev/emmc@0/sd@0"}}
}

func (p *RP2Platform) UARTPort(h devhint.Hint, baud uint32) (uart16550.Port, error) {
	port, ok := uart16550.HWPort(h.Unit(), baud)
	if !ok {
		return nil, &errcode.E{C: errcode.NoDriver, Op: "platform.uart", Msg: "no hardware uart for unit"}
	}
	return port, nil
}

func (p *RP2Platform) EMMC() (emmc.Controller, bool) {
	if p.spi == nil {
		return nil, false
	}
	if p.ctrl == nil {
		p.ctrl = emmc.NewSPIMode(p.spi, p.cs)
	}
	return p.ctrl, true
}
