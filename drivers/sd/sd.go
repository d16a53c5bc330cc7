// Package sd drives SD/SDHC cards behind an emmc.Controller. It covers the
// Version 2.0+ identification handshake and 512-byte block transfers:
//
//	card, err := sd.Attach(ctx, ctrl)   // GO_IDLE, IF_COND, op-cond polling
//	n, err := card.ReadBlocks(ctx, lba, buf)
//
// The attach routine follows SD Specifications Part 1, Physical Layer
// Simplified Specification, Version 6.0 (see page 30).
package sd

import (
	"context"

	"devhints-go/emmc"
	"devhints-go/errcode"
)

// ACMD41 argument polling a 2.0 card for readiness (HCS + voltage window).
const opCondPollArg = 0x51ff8000

// opCondTrials bounds the ACMD41 poll loop.
const opCondTrials = 12

// Capacity classes reported by the card during attach.
const (
	ClassStandard = "Ver 2.0 or later, Standard Capacity SD Memory Card"
	ClassHigh     = "Ver 2.0 or later, High Capacity or Extended Capacity SD Memory Card"
)

// Card is an attached SD/SDHC card.
type Card struct {
	ctrl emmc.Controller

	// Capacity class from the op-cond handshake.
	highCap bool

	// Controller capabilities, read once at attach.
	supCCS    bool
	supBlkCnt bool
}

// Class returns the capacity classification string for the attached card.
func (c *Card) Class() string {
	if c.highCap {
		return ClassHigh
	}
	return ClassStandard
}

// HighCapacity reports whether the card addresses blocks (SDHC/SDXC) rather
// than bytes.
func (c *Card) HighCapacity() bool { return c.highCap }

// Attach identifies a Version 2.0+ card on the controller and returns a Card
// ready for block I/O.
func Attach(ctx context.Context, ctrl emmc.Controller) (*Card, error) {
	if _, err := ctrl.SendCmd(ctx, emmc.CmdGoIdle, 0); err != nil {
		return nil, &errcode.E{C: errcode.IOFailed, Op: "sd.attach", Err: err}
	}

	supply, ok := ctrl.GetProp(emmc.PropVoltageSupply)
	if !ok {
		return nil, &errcode.E{C: errcode.IOFailed, Op: "sd.attach", Msg: "voltage supply unknown"}
	}
	chkpat := uint8(^supply + 1)
	if !ctrl.SetProp(emmc.PropRespLow, uint64(chkpat-1)) {
		return nil, &errcode.E{C: errcode.IOFailed, Op: "sd.attach", Msg: "response shadow rejected"}
	}

	resp, err := ctrl.SendCmd(ctx, emmc.CmdSendIfCond, uint32(supply)<<8|uint32(chkpat))
	if err != nil {
		return nil, &errcode.E{C: errcode.IOFailed, Op: "sd.attach", Err: err}
	}
	if resp.Field(emmc.IfCondCheckOffset, emmc.IfCondCheckWidth) != uint64(chkpat) {
		// Mismatched voltage window, or a Version 1.x card.
		return nil, &errcode.E{C: errcode.NoCard, Op: "sd.attach", Msg: "if-cond check pattern mismatch"}
	}

	// Poll ACMD41 until the card leaves the busy state. Counter-intuitively,
	// the busy bit reads 0 while the card is not yet ready.
	resp.SetField(emmc.OpCondBusyOffset, 1, 0)
	trials := opCondTrials
	for trials > 0 && resp.Field(emmc.OpCondBusyOffset, 1) == 0 {
		resp, err = ctrl.SendCmd(ctx, emmc.CmdSendOpCond, opCondPollArg)
		if err != nil {
			return nil, &errcode.E{C: errcode.IOFailed, Op: "sd.attach", Err: err}
		}
		trials--
	}
	if resp.Field(emmc.OpCondBusyOffset, 1) == 0 {
		return nil, &errcode.E{C: errcode.CardTimeout, Op: "sd.attach", Msg: "op-cond poll exhausted"}
	}

	card := &Card{
		ctrl:    ctrl,
		highCap: resp.Field(emmc.OpCondCCSOffset, 1) == 1,
	}
	if v, ok := ctrl.GetProp(emmc.PropSuppCCS); ok {
		card.supCCS = v != 0
	}
	if v, ok := ctrl.GetProp(emmc.PropSuppBlockCount); ok {
		card.supBlkCnt = v != 0
	}
	return card, nil
}

// ReadBlocks reads len(buf)/512 blocks starting at lba into buf and returns
// the number of bytes read. len(buf) must be a whole number of blocks.
func (c *Card) ReadBlocks(ctx context.Context, lba uint32, buf []byte) (int, error) {
	num := uint32(len(buf) / emmc.BlockSize)
	if num < 1 || len(buf)%emmc.BlockSize != 0 {
		return 0, errcode.InvalidParams
	}

	if c.supCCS {
		// Multi-block transfers end either after a preset count or via
		// STOP_TRANSMISSION.
		if num > 1 && c.supBlkCnt {
			if _, err := c.ctrl.SendCmd(ctx, emmc.CmdSetBlockCount, num); err != nil {
				return 0, &errcode.E{C: errcode.IOFailed, Op: "sd.read", Err: err}
			}
		}
		c.ctrl.SetProp(emmc.PropBlockCount, uint64(num))
		c.ctrl.SetProp(emmc.PropBlockSize, emmc.BlockSize)

		cmd := emmc.CmdReadBlock
		if num > 1 {
			cmd = emmc.CmdReadMultiple
		}
		if _, err := c.ctrl.SendCmd(ctx, cmd, lba); err != nil {
			return 0, &errcode.E{C: errcode.IOFailed, Op: "sd.read", Err: err}
		}
		if err := c.ctrl.Wait(ctx, emmc.IntrReadReady); err != nil {
			return 0, &errcode.E{C: errcode.IOFailed, Op: "sd.read", Err: err}
		}
		if err := c.ctrl.Read(ctx, buf); err != nil {
			return 0, &errcode.E{C: errcode.IOFailed, Op: "sd.read", Err: err}
		}
		if err := c.ctrl.Wait(ctx, emmc.IntrDataDone); err != nil {
			return 0, &errcode.E{C: errcode.IOFailed, Op: "sd.read", Err: err}
		}
	} else {
		c.ctrl.SetProp(emmc.PropBlockCount, uint64(num))
		c.ctrl.SetProp(emmc.PropBlockSize, emmc.BlockSize)
		for blk := uint32(0); blk < num; blk++ {
			off := int(blk) * emmc.BlockSize
			if _, err := c.ctrl.SendCmd(ctx, emmc.CmdReadBlock, lba+blk); err != nil {
				return 0, &errcode.E{C: errcode.IOFailed, Op: "sd.read", Err: err}
			}
			if err := c.ctrl.Read(ctx, buf[off:off+emmc.BlockSize]); err != nil {
				return 0, &errcode.E{C: errcode.IOFailed, Op: "sd.read", Err: err}
			}
			if err := c.ctrl.Wait(ctx, emmc.IntrDataDone); err != nil {
				return 0, &errcode.E{C: errcode.IOFailed, Op: "sd.read", Err: err}
			}
		}
	}

	if num > 1 && !c.supBlkCnt && c.supCCS {
		if _, err := c.ctrl.SendCmd(ctx, emmc.CmdStopTransmit, 0); err != nil {
			return 0, &errcode.E{C: errcode.IOFailed, Op: "sd.read", Err: err}
		}
	}
	return int(num) * emmc.BlockSize, nil
}

// WriteBlocks writes len(buf)/512 blocks starting at lba and returns the
// number of bytes written. len(buf) must be a whole number of blocks.
func (c *Card) WriteBlocks(ctx context.Context, lba uint32, buf []byte) (int, error) {
	num := uint32(len(buf) / emmc.BlockSize)
	if num < 1 || len(buf)%emmc.BlockSize != 0 {
		return 0, errcode.InvalidParams
	}

	if c.supCCS {
		if num > 1 && c.supBlkCnt {
			if _, err := c.ctrl.SendCmd(ctx, emmc.CmdSetBlockCount, num); err != nil {
				return 0, &errcode.E{C: errcode.IOFailed, Op: "sd.write", Err: err}
			}
		}
		c.ctrl.SetProp(emmc.PropBlockCount, uint64(num))
		c.ctrl.SetProp(emmc.PropBlockSize, emmc.BlockSize)

		cmd := emmc.CmdWriteBlock
		if num > 1 {
			cmd = emmc.CmdWriteMultiple
		}
		if _, err := c.ctrl.SendCmd(ctx, cmd, lba); err != nil {
			return 0, &errcode.E{C: errcode.IOFailed, Op: "sd.write", Err: err}
		}
		if err := c.ctrl.Wait(ctx, emmc.IntrWriteReady); err != nil {
			return 0, &errcode.E{C: errcode.IOFailed, Op: "sd.write", Err: err}
		}
	} else {
		c.ctrl.SetProp(emmc.PropBlockCount, uint64(num))
		c.ctrl.SetProp(emmc.PropBlockSize, emmc.BlockSize)
	}

	for blk := uint32(0); blk < num; blk++ {
		if !c.supCCS {
			if _, err := c.ctrl.SendCmd(ctx, emmc.CmdWriteBlock, lba+blk); err != nil {
				return 0, &errcode.E{C: errcode.IOFailed, Op: "sd.write", Err: err}
			}
			if err := c.ctrl.Wait(ctx, emmc.IntrWriteReady); err != nil {
				return 0, &errcode.E{C: errcode.IOFailed, Op: "sd.write", Err: err}
			}
		}
		off := int(blk) * emmc.BlockSize
		if err := c.ctrl.Write(ctx, buf[off:off+emmc.BlockSize]); err != nil {
			return 0, &errcode.E{C: errcode.IOFailed, Op: "sd.write", Err: err}
		}
		if err := c.ctrl.Wait(ctx, emmc.IntrDataDone); err != nil {
			return 0, &errcode.E{C: errcode.IOFailed, Op: "sd.write", Err: err}
		}
	}

	if num > 1 && !c.supBlkCnt && c.supCCS {
		if _, err := c.ctrl.SendCmd(ctx, emmc.CmdStopTransmit, 0); err != nil {
			return 0, &errcode.E{C: errcode.IOFailed, Op: "sd.write", Err: err}
		}
	}
	return int(num) * emmc.BlockSize, nil
}
