// services/devmgr/service.go
package devmgr

import (
	"context"
	"encoding/json"
	"strconv"

	"devhints-go/bus"
	"devhints-go/devhint"
	"devhints-go/errcode"
	"devhints-go/x/timex"
)

// Config is the payload of config/devmgr.
type Config struct {
	// IRQZeroMeansNone controls whether hint IRQ 0 means "no interrupt"
	// (legacy encoding) or a real line-0 claim.
	IRQZeroMeansNone bool `json:"irq_zero_means_none"`
	// Params carries per-device driver parameters keyed by device id
	// ("uart0", "sd0", ...).
	Params map[string]map[string]any `json:"params"`
}

// -----------------------------------------------------------------------------
// Entry point
// -----------------------------------------------------------------------------

func Run(ctx context.Context, conn *bus.Connection, plat Platform) {
	s := &service{
		conn:    conn,
		plat:    plat,
		res:     NewResources(),
		devices: map[string]Device{},
	}
	s.loop(ctx)
}

type service struct {
	conn *bus.Connection
	plat Platform
	res  *Resources

	devices map[string]Device
}

// -----------------------------------------------------------------------------
// Main loop
// -----------------------------------------------------------------------------

func (s *service) loop(ctx context.Context) {
	cfgSub := s.conn.Subscribe(bus.T("config", "devmgr"))
	ctrlSub := s.conn.Subscribe(bus.T("devmgr", "device", "+", "control", "+"))
	defer s.conn.Unsubscribe(cfgSub)
	defer s.conn.Unsubscribe(ctrlSub)

	s.publishState("idle", "awaiting_config", nil)

	for {
		select {
		case <-ctx.Done():
			s.detachAll()
			s.publishState("stopped", "context_cancelled", nil)
			return

		case msg := <-cfgSub.Channel():
			var cfg Config
			if err := decodeJSON(msg.Payload, &cfg); err != nil {
				s.publishState("error", "config_decode_failed", err)
				continue
			}
			s.res.IRQZeroMeansNone = cfg.IRQZeroMeansNone
			attached, failed := s.attachAll(ctx, cfg)
			if failed > 0 {
				s.publishState("degraded", "attach_pass_incomplete", nil)
			} else {
				s.publishState("ready", "configured", nil)
			}
			println("Info: devmgr attach pass:", attached, "attached,", failed, "failed")

		case msg := <-ctrlSub.Channel():
			// devmgr/device/<id>/control/<verb>
			if len(msg.Topic) < 5 {
				continue
			}
			id := msg.Topic[2]
			verb := msg.Topic[4]
			dev, ok := s.devices[id]
			if !ok {
				s.replyErr(msg, string(errcode.UnknownDevice))
				continue
			}
			res, err := dev.Control(ctx, verb, msg.Payload)
			if err != nil {
				s.replyErr(msg, err.Error())
				continue
			}
			s.replyOK(msg, map[string]any{"result": res})
		}
	}
}

// -----------------------------------------------------------------------------
// Attach pass
// -----------------------------------------------------------------------------

// attachAll walks the static hint table plus the platform's extra hints in
// order and attaches every record a registered driver claims. Records already
// attached are left alone, so reapplying config is idempotent.
func (s *service) attachAll(ctx context.Context, cfg Config) (attached, failed int) {
	hints, err := devhint.Hints()
	if err != nil {
		s.publishState("error", "hint_table_invalid", err)
		return 0, 1
	}
	all := make([]devhint.Hint, 0, len(hints)+2)
	all = append(all, hints...)
	all = append(all, s.plat.ExtraHints()...)

	for _, h := range all {
		id := h.Type() + strconv.Itoa(h.Unit())
		if _, ok := s.devices[id]; ok {
			continue
		}
		drv, ok := findDriver(h.Type())
		if !ok {
			s.pubDevState(id, "ignored", "no_driver", nil)
			continue
		}
		s.pubDevState(id, "attaching", "", nil)

		if err := s.res.ClaimHint(id, h); err != nil {
			s.pubDevState(id, "failed", "resource_conflict", err)
			failed++
			continue
		}
		dev, err := drv.Attach(AttachInput{
			Ctx:    ctx,
			Hint:   h,
			Params: cfg.Params[id],
			Plat:   s.plat,
			Res:    s.res,
			Emit: func(event string, payload any) {
				s.conn.Publish(s.conn.NewMessage(
					bus.T("devmgr", "device", id, "event", event), payload, false))
			},
		})
		if err != nil {
			s.res.Release(id)
			s.pubDevState(id, "failed", "attach_failed", err)
			failed++
			continue
		}
		s.devices[id] = dev
		s.pubRet(bus.T("devmgr", "device", id, "info"), dev.Info())
		s.pubDevState(id, "ready", "", nil)
		attached++
	}
	return attached, failed
}

func (s *service) detachAll() {
	for id, dev := range s.devices {
		dev.Detach()
		s.res.Release(id)
		s.pubRet(bus.T("devmgr", "device", id, "info"), nil)
		s.pubDevState(id, "detached", "", nil)
		delete(s.devices, id)
	}
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func (s *service) publishState(level, status string, err error) {
	payload := map[string]any{"level": level, "status": status, "ts_ms": timex.NowMs()}
	if err != nil {
		payload["error"] = err.Error()
	}
	s.conn.Publish(s.conn.NewMessage(bus.T("devmgr", "state"), payload, true))
}

func (s *service) pubDevState(id, level, status string, err error) {
	payload := map[string]any{"level": level, "ts_ms": timex.NowMs()}
	if status != "" {
		payload["status"] = status
	}
	if err != nil {
		payload["error"] = err.Error()
	}
	s.pubRet(bus.T("devmgr", "device", id, "state"), payload)
}

func (s *service) pubRet(t bus.Topic, p any) {
	s.conn.Publish(s.conn.NewMessage(t, p, true))
}

func (s *service) replyOK(req *bus.Message, extra map[string]any) {
	if len(req.ReplyTo) == 0 {
		return
	}
	m := map[string]any{"ok": true}
	for k, v := range extra {
		m[k] = v
	}
	s.conn.Reply(req, m, false)
}

func (s *service) replyErr(req *bus.Message, e string) {
	if len(req.ReplyTo) == 0 {
		return
	}
	s.conn.Reply(req, map[string]any{"ok": false, "error": e}, false)
}

func decodeJSON[T any](src any, dst *T) error {
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, dst)
	case string:
		return json.Unmarshal([]byte(v), dst)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return json.Unmarshal(b, dst)
	}
}
