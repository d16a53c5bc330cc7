// drivers/uart16550/hw_rp2xxx.go
//go:build rp2040 || rp2350

package uart16550

import (
	"context"

	uartx "github.com/jangala-dev/tinygo-uartx/uartx"
)

// hwPort adapts a uartx UART to Port on RP2 targets, where the on-chip
// UARTs replace the hinted ISA register windows.
type hwPort struct{ u *uartx.UART }

func (p hwPort) Write(b []byte) (int, error) { return p.u.Write(b) }
func (p hwPort) RecvSome(ctx context.Context, buf []byte) (int, error) {
	return p.u.RecvSomeContext(ctx, buf)
}

// HWPort returns the hardware UART for a hint unit, configured at baud.
// Pin defaults inside uartx apply.
func HWPort(unit int, baud uint32) (Port, bool) {
	var hw *uartx.UART
	switch unit {
	case 0:
		hw = uartx.UART0
	case 1:
		hw = uartx.UART1
	default:
		return nil, false
	}
	_ = hw.Configure(uartx.UARTConfig{BaudRate: baud})
	return hwPort{u: hw}, true
}
