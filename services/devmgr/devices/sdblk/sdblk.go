// services/devmgr/devices/sdblk/sdblk.go
//
// SD card block device. Attaches the card behind the platform's eMMC
// controller and exposes block reads and writes over the control surface.
package sdblk

import (
	"context"
	"strconv"

	"devhints-go/devhint"
	"devhints-go/drivers/sd"
	"devhints-go/emmc"
	"devhints-go/errcode"
	"devhints-go/services/devmgr"
)

func init() {
	devmgr.RegisterDriver("sd", driver{})
}

type driver struct{}

func (driver) Attach(in devmgr.AttachInput) (devmgr.Device, error) {
	ctrl, ok := in.Plat.EMMC()
	if !ok {
		return nil, &errcode.E{C: errcode.NotAttached, Op: "sdblk.attach", Msg: "no emmc controller"}
	}
	card, err := sd.Attach(in.Ctx, ctrl)
	if err != nil {
		return nil, err
	}
	println("Info: [sdblk]", card.Class())
	return &device{
		id:   in.Hint.Type() + strconv.Itoa(in.Hint.Unit()),
		hint: in.Hint,
		card: card,
	}, nil
}

type device struct {
	id   string
	hint devhint.Hint
	card *sd.Card
}

func (d *device) ID() string { return d.id }

func (d *device) Info() map[string]any {
	return map[string]any{
		"type":       "sd",
		"path":       d.hint.Path,
		"class":      d.card.Class(),
		"block_size": emmc.BlockSize,
	}
}

func (d *device) Control(ctx context.Context, verb string, payload any) (any, error) {
	switch verb {
	case "read":
		lba, count, ok := blockArgs(payload)
		if !ok {
			return nil, errcode.InvalidPayload
		}
		buf := make([]byte, int(count)*emmc.BlockSize)
		n, err := d.card.ReadBlocks(ctx, lba, buf)
		if err != nil {
			return nil, err
		}
		return map[string]any{"n": n, "data": buf[:n]}, nil
	case "write":
		lba, data, ok := writeArgs(payload)
		if !ok {
			return nil, errcode.InvalidPayload
		}
		n, err := d.card.WriteBlocks(ctx, lba, data)
		if err != nil {
			return nil, err
		}
		return map[string]any{"n": n}, nil
	default:
		return nil, errcode.Unsupported
	}
}

func (d *device) Detach() {}

func blockArgs(p any) (lba, count uint32, ok bool) {
	m, isMap := p.(map[string]any)
	if !isMap {
		return 0, 0, false
	}
	l, okL := asU32(m["lba"])
	c, okC := asU32(m["count"])
	if !okL || !okC || c == 0 {
		return 0, 0, false
	}
	return l, c, true
}

func writeArgs(p any) (lba uint32, data []byte, ok bool) {
	m, isMap := p.(map[string]any)
	if !isMap {
		return 0, nil, false
	}
	l, okL := asU32(m["lba"])
	if !okL {
		return 0, nil, false
	}
	switch v := m["data"].(type) {
	case []byte:
		return l, v, true
	case string:
		return l, []byte(v), true
	}
	return 0, nil, false
}

func asU32(v any) (uint32, bool) {
	switch n := v.(type) {
	case int:
		if n < 0 {
			return 0, false
		}
		return uint32(n), true
	case uint32:
		return n, true
	case float64:
		if n < 0 {
			return 0, false
		}
		return uint32(n), true
	}
	return 0, false
}
