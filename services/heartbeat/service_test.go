// services/heartbeat/service_test.go
package heartbeat_test

import (
	"context"
	"testing"
	"time"

	"devhints-go/bus"
	"devhints-go/services/heartbeat"
)

const waitFor = 2 * time.Second

func startService(t *testing.T) (*bus.Connection, context.CancelFunc) {
	t.Helper()
	b := bus.NewBus(16)
	ctx, cancel := context.WithCancel(context.Background())
	hb := &heartbeat.Service{}
	if err := hb.Start(ctx, b.NewConnection("heartbeat")); err != nil {
		t.Fatalf("start: %v", err)
	}
	return b.NewConnection("test"), cancel
}

func TestStatePublishedRetained(t *testing.T) {
	cli, cancel := startService(t)
	defer cancel()

	sub := cli.Subscribe(bus.T("heartbeat", "state"))
	defer cli.Unsubscribe(sub)
	select {
	case msg := <-sub.Channel():
		m, ok := msg.Payload.(map[string]any)
		if !ok {
			t.Fatalf("unexpected state payload %T", msg.Payload)
		}
		if m["level"] != "up" {
			t.Fatalf("level = %v, want up", m["level"])
		}
		if _, ok := m["ts_ms"].(int64); !ok {
			t.Fatalf("state missing ts_ms: %v", m)
		}
		if m["interval_s"] != 1.0 {
			t.Fatalf("interval_s = %v, want 1", m["interval_s"])
		}
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for retained state")
	}
}

func TestConfigShortensBeatInterval(t *testing.T) {
	cli, cancel := startService(t)
	defer cancel()

	sub := cli.Subscribe(bus.T("heartbeat", "beat"))
	defer cli.Unsubscribe(sub)

	cli.Publish(cli.NewMessage(bus.T("config", "heartbeat"),
		map[string]any{"interval": 0.05}, true))

	select {
	case msg := <-sub.Channel():
		m, ok := msg.Payload.(map[string]any)
		if !ok {
			t.Fatalf("unexpected beat payload %T", msg.Payload)
		}
		if _, ok := m["ts_ms"].(int64); !ok {
			t.Fatalf("beat missing ts_ms: %v", m)
		}
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for beat after reconfigure")
	}
}

func TestBadIntervalIgnored(t *testing.T) {
	cli, cancel := startService(t)
	defer cancel()

	stateSub := cli.Subscribe(bus.T("heartbeat", "state"))
	defer cli.Unsubscribe(stateSub)
	<-stateSub.Channel() // initial retained state

	cli.Publish(cli.NewMessage(bus.T("config", "heartbeat"),
		map[string]any{"interval": -3.0}, true))

	// A rejected interval must not produce a fresh state publish.
	select {
	case msg := <-stateSub.Channel():
		t.Fatalf("unexpected state after bad config: %v", msg.Payload)
	case <-time.After(200 * time.Millisecond):
	}
}
