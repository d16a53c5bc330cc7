// services/devmgr/devices/uartdev/uartdev.go
//
// Serial driver for 16550-style hint records. Transmit goes through the
// control surface ("tx"), receive is pumped onto the bus as rx events.
package uartdev

import (
	"context"
	"strconv"

	"devhints-go/devhint"
	"devhints-go/drivers/uart16550"
	"devhints-go/errcode"
	"devhints-go/services/devmgr"
	"devhints-go/x/strx"
)

const defaultBaud = 115_200

const rxChunk = 64

func init() {
	devmgr.RegisterDriver("uart", driver{})
}

type driver struct{}

func (driver) Attach(in devmgr.AttachInput) (devmgr.Device, error) {
	baud := uint32(defaultBaud)
	if v, ok := in.Params["baud"]; ok {
		f, ok := v.(float64)
		if !ok || f <= 0 {
			return nil, &errcode.E{C: errcode.InvalidParams, Op: "uartdev.attach", Msg: "bad baud"}
		}
		baud = uint32(f)
	}
	port, err := in.Plat.UARTPort(in.Hint, baud)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(in.Ctx)
	d := &device{
		id:     strx.Coalesce(in.Hint.Type(), "uart") + strconv.Itoa(in.Hint.Unit()),
		hint:   in.Hint,
		port:   port,
		baud:   baud,
		cancel: cancel,
	}
	go d.rxPump(ctx, in.Emit)
	return d, nil
}

type device struct {
	id     string
	hint   devhint.Hint
	port   uart16550.Port
	baud   uint32
	cancel context.CancelFunc
}

func (d *device) ID() string { return d.id }

func (d *device) Info() map[string]any {
	return map[string]any{
		"type": "uart",
		"path": d.hint.Path,
		"baud": d.baud,
		"irq":  d.hint.IRQ,
	}
}

func (d *device) Control(ctx context.Context, verb string, payload any) (any, error) {
	switch verb {
	case "tx":
		data, ok := payloadBytes(payload)
		if !ok {
			return nil, errcode.InvalidPayload
		}
		n, err := d.port.Write(data)
		if err != nil {
			return nil, err
		}
		return map[string]any{"n": n}, nil
	default:
		return nil, errcode.Unsupported
	}
}

func (d *device) Detach() { d.cancel() }

// rxPump forwards received bytes as devmgr/device/<id>/event/rx until the
// device is detached.
func (d *device) rxPump(ctx context.Context, emit func(string, any)) {
	buf := make([]byte, rxChunk)
	for {
		n, err := d.port.RecvSome(ctx, buf)
		if err != nil {
			return
		}
		if n > 0 {
			emit("rx", map[string]any{"data": string(buf[:n])})
		}
	}
}

func payloadBytes(p any) ([]byte, bool) {
	switch v := p.(type) {
	case []byte:
		return v, true
	case string:
		return []byte(v), true
	case map[string]any:
		if s, ok := v["data"].(string); ok {
			return []byte(s), true
		}
	}
	return nil, false
}
