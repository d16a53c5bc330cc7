// Package emmc defines the contract between block-device drivers and an
// SD/eMMC host controller: command descriptors, 48-bit response accessors,
// controller properties and interrupt waits.
package emmc

import "context"

// -----------------------------------------------------------------------------
// Commands
// -----------------------------------------------------------------------------

// RespType selects the response class a command expects.
type RespType uint8

const (
	RespNone RespType = iota
	RespR1            // normal 48-bit
	RespR1b           // 48-bit with busy
	RespR2            // 136-bit (CID/CSD), unused here
	RespR3            // 48-bit OCR
)

// R7 (interface condition) is handled like R1 but with different bitfields.
const RespR7 = RespR1

// Cmd describes one SD/MMC command.
type Cmd struct {
	Idx     uint8
	App     bool // prefix with CMD55 APP_CMD
	ExpResp RespType
}

// Standard command set used by the block layer.
var (
	CmdGoIdle        = Cmd{Idx: 0, ExpResp: RespNone}
	CmdSendIfCond    = Cmd{Idx: 8, ExpResp: RespR7}
	CmdStopTransmit  = Cmd{Idx: 12, ExpResp: RespR1b}
	CmdReadBlock     = Cmd{Idx: 17, ExpResp: RespR1}
	CmdReadMultiple  = Cmd{Idx: 18, ExpResp: RespR1}
	CmdSetBlockCount = Cmd{Idx: 23, ExpResp: RespR1}
	CmdWriteBlock    = Cmd{Idx: 24, ExpResp: RespR1}
	CmdWriteMultiple = Cmd{Idx: 25, ExpResp: RespR1}
	CmdSendOpCond    = Cmd{Idx: 41, App: true, ExpResp: RespR3}
	CmdAppPrefix     = Cmd{Idx: 55, ExpResp: RespR1}
)

// -----------------------------------------------------------------------------
// Responses
// -----------------------------------------------------------------------------

// Response holds a 48-bit command response in the low bits of Raw.
type Response struct {
	Raw uint64
}

// Field extracts width bits starting at offset.
func (r Response) Field(offset, width uint) uint64 {
	return (r.Raw >> offset) & ((1 << width) - 1)
}

// SetField overwrites width bits starting at offset.
func (r *Response) SetField(offset, width uint, v uint64) {
	mask := uint64((1<<width)-1) << offset
	r.Raw = (r.Raw &^ mask) | ((v << offset) & mask)
}

// ACMD41 (SEND_OP_COND) response bitfields.
const (
	OpCondBusyOffset  = 31 // 0 while the card is still powering up
	OpCondCCSOffset   = 30 // card capacity status
	OpCondUHSIIOffset = 29
	OpCondSw18aOffset = 24
)

// CMD8 (SEND_IF_COND) response: echoed check pattern.
const IfCondCheckOffset, IfCondCheckWidth = 0, 8

// -----------------------------------------------------------------------------
// Controller
// -----------------------------------------------------------------------------

// Prop identifies a controller property.
type Prop uint8

const (
	PropVoltageSupply Prop = iota // r: supported voltage window code
	PropRespLow                   // rw: low word of the last response shadow
	PropSuppCCS                   // r: controller handles high-capacity cards
	PropSuppBlockCount            // r: SET_BLOCK_COUNT preset supported
	PropBlockCount                // rw: blocks in the next transfer
	PropBlockSize                 // rw: bytes per block
)

// Intr identifies a controller interrupt condition to wait on.
type Intr uint8

const (
	IntrReadReady Intr = iota
	IntrWriteReady
	IntrDataDone
)

// BlockSize is the transfer unit of the block layer.
const BlockSize = 512

// Controller is the host-controller surface a block driver needs. SendCmd
// handles the CMD55 APP_CMD prefix internally for app commands.
type Controller interface {
	SendCmd(ctx context.Context, cmd Cmd, arg uint32) (Response, error)
	Read(ctx context.Context, buf []byte) error
	Write(ctx context.Context, buf []byte) error
	GetProp(p Prop) (uint64, bool)
	SetProp(p Prop, v uint64) bool
	Wait(ctx context.Context, intr Intr) error
}
