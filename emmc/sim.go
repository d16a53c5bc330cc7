package emmc

import (
	"context"
	"sync"

	"devhints-go/errcode"
)

// SimConfig sizes and shapes a simulated card.
type SimConfig struct {
	Blocks             int    // capacity in BlockSize units
	HighCapacity       bool   // CCS set in ACMD41, controller CCS support on
	SupportsBlockCount bool   // SET_BLOCK_COUNT preset available
	VoltageSupply      uint64 // 0 => 0x1
	ReadyAfter         int    // ACMD41 polls before the busy bit reads ready
	BrokenIfCond       bool   // corrupt the CMD8 check-pattern echo
}

// Sim is a RAM-backed card and controller pair. It backs host builds of the
// device manager and the sd driver tests; one Sim serves one card.
type Sim struct {
	mu    sync.Mutex
	cfg   SimConfig
	mem   []byte
	props map[Prop]uint64
	cmds  []uint8 // command indices in send order
	polls int

	xfer struct {
		active bool
		write  bool
		lba    uint32
		left   uint32
	}
}

// NewSim builds a simulated controller with a blank card.
func NewSim(cfg SimConfig) *Sim {
	if cfg.Blocks <= 0 {
		cfg.Blocks = 64
	}
	if cfg.VoltageSupply == 0 {
		cfg.VoltageSupply = 0x1
	}
	s := &Sim{
		cfg: cfg,
		mem: make([]byte, cfg.Blocks*BlockSize),
		props: map[Prop]uint64{
			PropVoltageSupply: cfg.VoltageSupply,
		},
	}
	if cfg.HighCapacity {
		s.props[PropSuppCCS] = 1
	}
	if cfg.SupportsBlockCount {
		s.props[PropSuppBlockCount] = 1
	}
	return s
}

// Commands returns the command indices seen so far, in order.
func (s *Sim) Commands() []uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint8, len(s.cmds))
	copy(out, s.cmds)
	return out
}

func (s *Sim) SendCmd(ctx context.Context, cmd Cmd, arg uint32) (Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cmd.App {
		s.cmds = append(s.cmds, CmdAppPrefix.Idx)
	}
	s.cmds = append(s.cmds, cmd.Idx)

	var resp Response
	switch cmd.Idx {
	case CmdGoIdle.Idx:
		s.polls = 0
		s.xfer.active = false

	case CmdSendIfCond.Idx:
		echo := uint64(arg) & 0xFF
		if s.cfg.BrokenIfCond {
			echo = ^echo & 0xFF
		}
		resp.SetField(IfCondCheckOffset, IfCondCheckWidth, echo)

	case CmdSendOpCond.Idx:
		s.polls++
		if s.polls > s.cfg.ReadyAfter {
			resp.SetField(OpCondBusyOffset, 1, 1)
			if s.cfg.HighCapacity {
				resp.SetField(OpCondCCSOffset, 1, 1)
			}
		}

	case CmdSetBlockCount.Idx:
		s.props[PropBlockCount] = uint64(arg)

	case CmdReadBlock.Idx:
		s.beginXfer(false, arg, 1)
	case CmdReadMultiple.Idx:
		s.beginXfer(false, arg, uint32(s.props[PropBlockCount]))
	case CmdWriteBlock.Idx:
		s.beginXfer(true, arg, 1)
	case CmdWriteMultiple.Idx:
		s.beginXfer(true, arg, uint32(s.props[PropBlockCount]))

	case CmdStopTransmit.Idx:
		s.xfer.active = false
	}
	return resp, nil
}

func (s *Sim) beginXfer(write bool, lba, count uint32) {
	if count == 0 {
		count = 1
	}
	s.xfer.active = true
	s.xfer.write = write
	s.xfer.lba = lba
	s.xfer.left = count
}

func (s *Sim) Read(ctx context.Context, buf []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.io(buf, false)
}

func (s *Sim) Write(ctx context.Context, buf []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.io(buf, true)
}

func (s *Sim) io(buf []byte, write bool) error {
	n := uint32(len(buf) / BlockSize)
	if !s.xfer.active || s.xfer.write != write || n == 0 || n > s.xfer.left {
		return &errcode.E{C: errcode.IOFailed, Op: "sim.io", Msg: "no matching transfer"}
	}
	end := uint64(s.xfer.lba) + uint64(n)
	if end > uint64(s.cfg.Blocks) {
		return &errcode.E{C: errcode.IOFailed, Op: "sim.io", Msg: "lba out of range"}
	}
	off := int(s.xfer.lba) * BlockSize
	if write {
		copy(s.mem[off:], buf)
	} else {
		copy(buf, s.mem[off:off+len(buf)])
	}
	s.xfer.lba += n
	s.xfer.left -= n
	if s.xfer.left == 0 {
		s.xfer.active = false
	}
	return nil
}

func (s *Sim) GetProp(p Prop) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.props[p]
	return v, ok
}

func (s *Sim) SetProp(p Prop, v uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch p {
	case PropRespLow, PropBlockCount, PropBlockSize:
		s.props[p] = v
		return true
	}
	return false
}

// Wait completes immediately: the simulated card is always ready.
func (s *Sim) Wait(ctx context.Context, intr Intr) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

var _ Controller = (*Sim)(nil)
