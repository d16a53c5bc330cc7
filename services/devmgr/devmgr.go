// services/devmgr/devmgr.go
package devmgr

import (
	"context"

	"devhints-go/devhint"
	"devhints-go/drivers/uart16550"
	"devhints-go/emmc"
)

// Platform supplies the board-specific pieces a driver needs to reach its
// hardware: extra hint records for devices the static table does not cover,
// serial ports resolved from hint resources, and the eMMC controller if the
// board has one.
type Platform interface {
	ExtraHints() []devhint.Hint
	UARTPort(h devhint.Hint, baud uint32) (uart16550.Port, error)
	EMMC() (emmc.Controller, bool)
}

// AttachInput is handed to a driver when the manager walks the hint table.
type AttachInput struct {
	Ctx    context.Context
	Hint   devhint.Hint
	Params map[string]any
	Plat   Platform
	Res    *Resources

	// Emit publishes a non-retained event under the device's topic,
	// e.g. Emit("rx", payload) -> devmgr/device/<id>/event/rx.
	Emit func(event string, payload any)
}

// Device is a successfully attached device instance.
type Device interface {
	ID() string
	Info() map[string]any
	Control(ctx context.Context, verb string, payload any) (any, error)
	Detach()
}

// Driver attaches devices of one node type ("uart", "sd", ...).
type Driver interface {
	Attach(in AttachInput) (Device, error)
}
