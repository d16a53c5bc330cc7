package emmc

import (
	"context"
	"sync"

	"tinygo.org/x/drivers"

	"devhints-go/errcode"
)

// SPIMode presents an SD card wired to an SPI bus as a Controller, so the
// block layer runs unchanged on boards without a native SD/eMMC host.
// The SET_BLOCK_COUNT preset is never advertised; multi-block transfers end
// with STOP_TRANSMISSION, as SPI-mode cards expect.
type SPIMode struct {
	mu  sync.Mutex
	bus drivers.SPI
	cs  func(assert bool)

	props map[Prop]uint64

	xfer struct {
		active bool
		write  bool
		multi  bool
		left   uint32
	}

	// Shape of the most recent data transfer, for STOP_TRANSMISSION routing.
	lastWrite bool
	lastMulti bool
}

// NewSPIMode wraps an SPI bus and a chip-select control. The bus must already
// run at an SD-compatible clock.
func NewSPIMode(bus drivers.SPI, cs func(bool)) *SPIMode {
	if cs == nil {
		cs = func(bool) {}
	}
	return &SPIMode{
		bus: bus,
		cs:  cs,
		props: map[Prop]uint64{
			PropVoltageSupply: 0x1,
		},
	}
}

// SPI-mode framing.
const (
	spiTokenSingle = 0xFE // start token, single block and reads
	spiTokenMulti  = 0xFC // start token, multi-block writes
	spiTokenStop   = 0xFD // stop tran token (unused; we use CMD12)

	spiR1Idle = 0x01

	spiRespPolls  = 8
	spiTokenPolls = 1024
	spiBusyPolls  = 4096
)

func (s *SPIMode) xfer1(out byte) (byte, error) {
	return s.bus.Transfer(out)
}

func (s *SPIMode) clock(n int) error {
	for i := 0; i < n; i++ {
		if _, err := s.xfer1(0xFF); err != nil {
			return err
		}
	}
	return nil
}

// cmdFrame sends one 6-byte command frame and waits for the R1 byte.
func (s *SPIMode) cmdFrame(idx uint8, arg uint32) (uint8, error) {
	crc := uint8(0x01) // stop bit only; CRC checking is off in SPI mode
	switch idx {
	case 0:
		crc = 0x95
	case 8:
		crc = 0x87
	}
	frame := [6]byte{0x40 | idx, byte(arg >> 24), byte(arg >> 16), byte(arg >> 8), byte(arg), crc}
	for _, b := range frame {
		if _, err := s.xfer1(b); err != nil {
			return 0xFF, err
		}
	}
	for i := 0; i < spiRespPolls; i++ {
		b, err := s.xfer1(0xFF)
		if err != nil {
			return 0xFF, err
		}
		if b&0x80 == 0 {
			return b, nil
		}
	}
	return 0xFF, &errcode.E{C: errcode.CardTimeout, Op: "spimode.cmd", Msg: "no response"}
}

func (s *SPIMode) read4() (uint32, error) {
	var v uint32
	for i := 0; i < 4; i++ {
		b, err := s.xfer1(0xFF)
		if err != nil {
			return 0, err
		}
		v = v<<8 | uint32(b)
	}
	return v, nil
}

func (s *SPIMode) SendCmd(ctx context.Context, cmd Cmd, arg uint32) (Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var resp Response
	s.cs(true)

	if cmd.Idx == CmdStopTransmit.Idx && s.lastWrite && s.lastMulti {
		// Multi-block writes end with the stop-tran token, not CMD12.
		if _, err := s.xfer1(spiTokenStop); err != nil {
			return resp, err
		}
		if err := s.clock(1); err != nil { // skip byte
			return resp, err
		}
		if err := s.waitNotBusy(); err != nil {
			return resp, err
		}
		s.xfer.active = false
		s.cs(false)
		_ = s.clock(1)
		return resp, nil
	}

	if cmd.App {
		if _, err := s.cmdFrame(CmdAppPrefix.Idx, 0); err != nil {
			return resp, err
		}
	}
	addr := arg
	switch cmd.Idx {
	case CmdReadBlock.Idx, CmdReadMultiple.Idx, CmdWriteBlock.Idx, CmdWriteMultiple.Idx:
		// Standard-capacity cards take byte addresses in SPI mode.
		if s.props[PropSuppCCS] == 0 {
			addr = arg * BlockSize
		}
	}
	r1, err := s.cmdFrame(cmd.Idx, addr)
	if err != nil {
		return resp, err
	}

	switch cmd.Idx {
	case CmdSendIfCond.Idx:
		// R7: R1 plus 4 trailing bytes; the last echoes the check pattern.
		echo, err := s.read4()
		if err != nil {
			return resp, err
		}
		resp.SetField(IfCondCheckOffset, IfCondCheckWidth, uint64(echo&0xFF))

	case CmdSendOpCond.Idx:
		if r1&spiR1Idle == 0 {
			// Card left idle: ready. Fetch the OCR for the capacity bit.
			resp.SetField(OpCondBusyOffset, 1, 1)
			if _, err := s.cmdFrame(58, 0); err != nil {
				return resp, err
			}
			ocr, err := s.read4()
			if err != nil {
				return resp, err
			}
			if ocr&(1<<30) != 0 {
				resp.SetField(OpCondCCSOffset, 1, 1)
				s.props[PropSuppCCS] = 1
			}
		}

	case CmdReadBlock.Idx:
		s.beginXfer(false, false, 1)
	case CmdReadMultiple.Idx:
		s.beginXfer(false, true, uint32(s.props[PropBlockCount]))
	case CmdWriteBlock.Idx:
		s.beginXfer(true, false, 1)
	case CmdWriteMultiple.Idx:
		s.beginXfer(true, true, uint32(s.props[PropBlockCount]))

	case CmdStopTransmit.Idx:
		// Skip the stuff byte, then outwait the busy window.
		if _, err := s.xfer1(0xFF); err != nil {
			return resp, err
		}
		if err := s.waitNotBusy(); err != nil {
			return resp, err
		}
		s.xfer.active = false
		s.cs(false)
		_ = s.clock(1)
	}
	return resp, nil
}

func (s *SPIMode) beginXfer(write, multi bool, count uint32) {
	if count == 0 {
		count = 1
	}
	s.xfer.active = true
	s.xfer.write = write
	s.xfer.multi = multi
	s.xfer.left = count
	s.lastWrite = write
	s.lastMulti = multi
}

func (s *SPIMode) waitToken(want byte) error {
	for i := 0; i < spiTokenPolls; i++ {
		b, err := s.xfer1(0xFF)
		if err != nil {
			return err
		}
		if b == want {
			return nil
		}
	}
	return &errcode.E{C: errcode.CardTimeout, Op: "spimode.token", Msg: "start token missing"}
}

func (s *SPIMode) waitNotBusy() error {
	for i := 0; i < spiBusyPolls; i++ {
		b, err := s.xfer1(0xFF)
		if err != nil {
			return err
		}
		if b == 0xFF {
			return nil
		}
	}
	return &errcode.E{C: errcode.CardTimeout, Op: "spimode.busy", Msg: "card busy"}
}

func (s *SPIMode) Read(ctx context.Context, buf []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := uint32(len(buf) / BlockSize)
	if !s.xfer.active || s.xfer.write || n == 0 || n > s.xfer.left {
		return &errcode.E{C: errcode.IOFailed, Op: "spimode.read", Msg: "no matching transfer"}
	}
	for blk := uint32(0); blk < n; blk++ {
		if err := s.waitToken(spiTokenSingle); err != nil {
			return err
		}
		off := int(blk) * BlockSize
		for i := 0; i < BlockSize; i++ {
			b, err := s.xfer1(0xFF)
			if err != nil {
				return err
			}
			buf[off+i] = b
		}
		// Discard the block CRC.
		if err := s.clock(2); err != nil {
			return err
		}
	}
	s.xfer.left -= n
	if s.xfer.left == 0 && !s.xfer.multi {
		s.xfer.active = false
		s.cs(false)
		_ = s.clock(1)
	}
	return nil
}

func (s *SPIMode) Write(ctx context.Context, buf []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := uint32(len(buf) / BlockSize)
	if !s.xfer.active || !s.xfer.write || n == 0 || n > s.xfer.left {
		return &errcode.E{C: errcode.IOFailed, Op: "spimode.write", Msg: "no matching transfer"}
	}
	token := byte(spiTokenSingle)
	if s.xfer.multi {
		token = spiTokenMulti
	}
	for blk := uint32(0); blk < n; blk++ {
		if _, err := s.xfer1(token); err != nil {
			return err
		}
		off := int(blk) * BlockSize
		for i := 0; i < BlockSize; i++ {
			if _, err := s.xfer1(buf[off+i]); err != nil {
				return err
			}
		}
		if err := s.clock(2); err != nil { // dummy CRC
			return err
		}
		dr, err := s.xfer1(0xFF)
		if err != nil {
			return err
		}
		if dr&0x1F != 0x05 {
			return &errcode.E{C: errcode.IOFailed, Op: "spimode.write", Msg: "data rejected"}
		}
		if err := s.waitNotBusy(); err != nil {
			return err
		}
	}
	s.xfer.left -= n
	if s.xfer.left == 0 && !s.xfer.multi {
		s.xfer.active = false
		s.cs(false)
		_ = s.clock(1)
	}
	return nil
}

func (s *SPIMode) GetProp(p Prop) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.props[p]
	return v, ok
}

func (s *SPIMode) SetProp(p Prop, v uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch p {
	case PropRespLow, PropBlockCount, PropBlockSize:
		s.props[p] = v
		return true
	}
	return false
}

// Wait completes immediately: SPI transactions are synchronous, so the data
// phase finished inside Read/Write.
func (s *SPIMode) Wait(ctx context.Context, intr Intr) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

var _ Controller = (*SPIMode)(nil)
