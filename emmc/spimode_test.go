// emmc/spimode_test.go
package emmc_test

import (
	"bytes"
	"context"
	"testing"

	"devhints-go/drivers/sd"
	"devhints-go/emmc"
)

// fakeSPICard is a byte-level SPI-mode SD card. Transfer shifts one byte in
// each direction; command frames, data tokens and busy windows follow the
// simplified SPI-mode protocol.
type fakeSPICard struct {
	mem        []byte
	hc         bool
	readyAfter int
	polls      int

	frame   []byte
	appNext bool
	outQ    []byte

	mode      int // card state
	tokenSeen bool
	wrBuf     []byte
	wrLBA     uint32
	wrMulti   bool
	rdLBA     uint32
	rdLeft    int
}

const (
	cardCmd = iota
	cardRead
	cardWrite
)

func newFakeSPICard(blocks int, hc bool, readyAfter int) *fakeSPICard {
	return &fakeSPICard{
		mem:        make([]byte, blocks*emmc.BlockSize),
		hc:         hc,
		readyAfter: readyAfter,
	}
}

func (f *fakeSPICard) Transfer(in byte) (byte, error) {
	out := f.pop()
	f.feed(in)
	return out, nil
}

func (f *fakeSPICard) Tx(w, r []byte) error {
	for i := range w {
		b, _ := f.Transfer(w[i])
		if i < len(r) {
			r[i] = b
		}
	}
	return nil
}

func (f *fakeSPICard) pop() byte {
	if len(f.outQ) == 0 && f.mode == cardRead && f.rdLeft > 0 {
		// Lazily queue the next data block: start token, payload, CRC.
		off := int(f.rdLBA) * emmc.BlockSize
		f.outQ = append(f.outQ, 0xFE)
		f.outQ = append(f.outQ, f.mem[off:off+emmc.BlockSize]...)
		f.outQ = append(f.outQ, 0x00, 0x00)
		f.rdLBA++
		f.rdLeft--
		if f.rdLeft == 0 {
			f.mode = cardCmd
		}
	}
	if len(f.outQ) == 0 {
		return 0xFF
	}
	b := f.outQ[0]
	f.outQ = f.outQ[1:]
	return b
}

func (f *fakeSPICard) feed(in byte) {
	switch f.mode {
	case cardWrite:
		f.feedWrite(in)
		return
	}

	if len(f.frame) == 0 {
		if in&0xC0 != 0x40 {
			return // idle clocking
		}
		// New command aborts any pending read stream.
		f.outQ = nil
		f.rdLeft = 0
	}
	f.frame = append(f.frame, in)
	if len(f.frame) < 6 {
		return
	}
	idx := f.frame[0] & 0x3F
	arg := uint32(f.frame[1])<<24 | uint32(f.frame[2])<<16 | uint32(f.frame[3])<<8 | uint32(f.frame[4])
	f.frame = nil
	f.exec(idx, arg)
}

func (f *fakeSPICard) lba(arg uint32) uint32 {
	if f.hc {
		return arg
	}
	return arg / emmc.BlockSize
}

func (f *fakeSPICard) exec(idx uint8, arg uint32) {
	app := f.appNext
	f.appNext = false

	switch {
	case idx == 0:
		f.queue(0x01)
	case idx == 55:
		f.appNext = true
		f.queue(0x01)
	case idx == 8:
		f.queue(0x01, 0x00, 0x00, 0x01, byte(arg))
	case idx == 41 && app:
		f.polls++
		if f.polls > f.readyAfter {
			f.queue(0x00)
		} else {
			f.queue(0x01)
		}
	case idx == 58:
		ocr := byte(0x80)
		if f.hc {
			ocr |= 0x40
		}
		f.queue(0x00, ocr, 0xFF, 0x80, 0x00)
	case idx == 17:
		f.queue(0x00)
		f.mode = cardRead
		f.rdLBA = f.lba(arg)
		f.rdLeft = 1
	case idx == 18:
		f.queue(0x00)
		f.mode = cardRead
		f.rdLBA = f.lba(arg)
		f.rdLeft = 1 << 30 // until CMD12
	case idx == 24, idx == 25:
		f.queue(0x00)
		f.mode = cardWrite
		f.wrLBA = f.lba(arg)
		f.wrMulti = idx == 25
		f.tokenSeen = false
	case idx == 12:
		f.queue(0x00, 0x00, 0xFF) // R1, busy, ready
	default:
		f.queue(0x04) // illegal command
	}
}

func (f *fakeSPICard) feedWrite(in byte) {
	if !f.tokenSeen {
		switch in {
		case 0xFE, 0xFC:
			f.tokenSeen = true
			f.wrBuf = f.wrBuf[:0]
		case 0xFD: // stop tran
			f.queue(0x00, 0xFF)
			f.mode = cardCmd
		}
		return
	}
	f.wrBuf = append(f.wrBuf, in)
	if len(f.wrBuf) < emmc.BlockSize+2 {
		return
	}
	off := int(f.wrLBA) * emmc.BlockSize
	copy(f.mem[off:], f.wrBuf[:emmc.BlockSize])
	f.wrLBA++
	f.tokenSeen = false
	f.queue(0x05, 0x00, 0xFF) // accepted, busy, ready
	if !f.wrMulti {
		f.mode = cardCmd
	}
}

func (f *fakeSPICard) queue(b ...byte) { f.outQ = append(f.outQ, b...) }

// -----------------------------------------------------------------------------
// tests
// -----------------------------------------------------------------------------

func TestSPIModeHighCapacityRoundtrip(t *testing.T) {
	card := newFakeSPICard(16, true, 2)
	ctrl := emmc.NewSPIMode(card, nil)
	ctx := context.Background()

	c, err := sd.Attach(ctx, ctrl)
	if err != nil {
		t.Fatalf("Attach over SPI: %v", err)
	}
	if !c.HighCapacity() {
		t.Fatal("SDHC card reported standard capacity")
	}

	out := make([]byte, 3*emmc.BlockSize)
	for i := range out {
		out[i] = byte(i * 7)
	}
	if _, err := c.WriteBlocks(ctx, 1, out); err != nil {
		t.Fatalf("WriteBlocks: %v", err)
	}
	in := make([]byte, len(out))
	if _, err := c.ReadBlocks(ctx, 1, in); err != nil {
		t.Fatalf("ReadBlocks: %v", err)
	}
	if !bytes.Equal(in, out) {
		t.Fatal("readback differs from written data")
	}
	// Data landed where it was addressed.
	if !bytes.Equal(card.mem[emmc.BlockSize:4*emmc.BlockSize], out) {
		t.Fatal("card memory does not match written blocks")
	}
}

func TestSPIModeStandardCardSingleBlocks(t *testing.T) {
	card := newFakeSPICard(8, false, 0)
	ctrl := emmc.NewSPIMode(card, nil)
	ctx := context.Background()

	c, err := sd.Attach(ctx, ctrl)
	if err != nil {
		t.Fatalf("Attach over SPI: %v", err)
	}
	if c.HighCapacity() {
		t.Fatal("standard card reported high capacity")
	}

	out := make([]byte, 2*emmc.BlockSize)
	for i := range out {
		out[i] = byte(255 - i%251)
	}
	if _, err := c.WriteBlocks(ctx, 3, out); err != nil {
		t.Fatalf("WriteBlocks: %v", err)
	}
	in := make([]byte, len(out))
	if _, err := c.ReadBlocks(ctx, 3, in); err != nil {
		t.Fatalf("ReadBlocks: %v", err)
	}
	if !bytes.Equal(in, out) {
		t.Fatal("readback differs from written data")
	}
}

func TestSPIModeChipSelectToggled(t *testing.T) {
	card := newFakeSPICard(8, true, 0)
	asserts := 0
	ctrl := emmc.NewSPIMode(card, func(on bool) {
		if on {
			asserts++
		}
	})
	if _, err := sd.Attach(context.Background(), ctrl); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if asserts == 0 {
		t.Fatal("chip select never asserted")
	}
}
