package heartbeat

import (
	"context"
	"time"

	"devhints-go/bus"
	"devhints-go/x/timex"
)

var (
	topicConfig = bus.T("config", "heartbeat")
	topicState  = bus.T("heartbeat", "state")
	topicBeat   = bus.T("heartbeat", "beat")
)

const defaultInterval = time.Second

// Service emits a periodic liveness beat and mirrors its own settings on a
// retained state topic, so late subscribers see the current interval.
type Service struct{}

func (s *Service) serviceLoop(ctx context.Context, conn *bus.Connection) {
	cfgSub := conn.Subscribe(topicConfig)
	defer conn.Unsubscribe(cfgSub)

	interval := defaultInterval
	tick := time.NewTicker(interval)
	defer tick.Stop()

	publishState(conn, "up", interval)

	for {
		select {
		case <-ctx.Done():
			println("Info: heartbeat service stopping")
			publishState(conn, "stopped", interval)
			return
		case t := <-tick.C:
			conn.Publish(conn.NewMessage(topicBeat, map[string]any{
				"ts_ms": t.UnixMilli(),
			}, false))
		case msg := <-cfgSub.Channel():
			next, ok := intervalFrom(msg.Payload)
			if !ok {
				continue
			}
			interval = next
			tick.Reset(interval)
			println("Info: heartbeat interval set to", interval.String())
			publishState(conn, "up", interval)
		}
	}
}

// intervalFrom pulls "interval" (seconds, fractional allowed) out of a
// decoded config payload. Non-positive values are rejected.
func intervalFrom(p any) (time.Duration, bool) {
	m, ok := p.(map[string]any)
	if !ok {
		return 0, false
	}
	secs, ok := m["interval"].(float64)
	if !ok || secs <= 0 {
		return 0, false
	}
	return time.Duration(secs * float64(time.Second)), true
}

func publishState(conn *bus.Connection, level string, interval time.Duration) {
	conn.Publish(conn.NewMessage(topicState, map[string]any{
		"level":      level,
		"interval_s": interval.Seconds(),
		"ts_ms":      timex.NowMs(),
	}, true))
}

// Start the heartbeat service.
func (s *Service) Start(ctx context.Context, conn *bus.Connection) error {
	go s.serviceLoop(ctx, conn)
	return nil
}
