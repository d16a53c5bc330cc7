// config/config_test.go
package config

import (
	"context"
	"testing"
	"time"

	"devhints-go/bus"
)

func TestConfig_PublishEmbedded_RetainedPerKey(t *testing.T) {
	// Override lookup for this test.
	oldLookup := EmbeddedConfigLookup
	EmbeddedConfigLookup = func(board string) ([]byte, bool) {
		if board != "host" {
			return nil, false
		}
		return []byte(`{
			"mode": "dev",
			"debug": true,
			"devmgr": {"irq_zero_means_none": true}
		}`), true
	}
	t.Cleanup(func() { EmbeddedConfigLookup = oldLookup })

	// Arrange bus and service.
	b := bus.NewBus(16)
	conn := b.NewConnection("test-config")
	svc := NewConfigService()

	// Start publisher with board ID in context.
	ctx := context.WithValue(context.Background(), CtxDeviceKey, "host")
	svc.Start(ctx, conn)

	// Subscribe; retained messages should arrive immediately.
	sub := conn.Subscribe(bus.T(configPrefix, "#"))

	wantCount := 3 // mode, debug, devmgr
	got := map[string]any{}

	deadline := time.Now().Add(600 * time.Millisecond)
	for len(got) < wantCount && time.Now().Before(deadline) {
		select {
		case m := <-sub.Channel():
			if len(m.Topic) < 2 {
				t.Fatalf("unexpected topic length: %#v", m.Topic)
			}
			if m.Topic[0] != configPrefix {
				t.Fatalf("unexpected prefix: %q", m.Topic[0])
			}
			got[m.Topic[1]] = m.Payload
		case <-time.After(10 * time.Millisecond):
		}
	}
	if len(got) != wantCount {
		t.Fatalf("expected %d retained messages, got %d (%v)", wantCount, len(got), got)
	}

	// Assert payloads without reflect.
	// mode
	if v, ok := got["mode"]; !ok {
		t.Fatal("missing 'mode' message")
	} else if s, ok := v.(string); !ok || s != "dev" {
		t.Fatalf("mode payload = %#v, want \"dev\"", v)
	}
	// debug
	if v, ok := got["debug"]; !ok {
		t.Fatal("missing 'debug' message")
	} else if bval, ok := v.(bool); !ok || bval != true {
		t.Fatalf("debug payload = %#v, want true", v)
	}
	// devmgr section
	if v, ok := got["devmgr"]; !ok {
		t.Fatal("missing 'devmgr' message")
	} else if m, ok := v.(map[string]any); !ok {
		t.Fatalf("devmgr payload type = %T, want map[string]any", v)
	} else if flag, ok := m["irq_zero_means_none"].(bool); !ok || !flag {
		t.Fatalf("devmgr.irq_zero_means_none = %#v, want true", m["irq_zero_means_none"])
	}
}

func TestConfig_PublishConfig_MissingBoard(t *testing.T) {
	b := bus.NewBus(4)
	conn := b.NewConnection("test-missing-board")
	svc := NewConfigService()

	// No board ID in context
	if err := svc.publishConfig(context.Background(), conn); err == nil {
		t.Fatal("expected error for missing board ID, got nil")
	}
}

func TestConfig_PublishConfig_NoConfigFound(t *testing.T) {
	// Override lookup to simulate absence.
	oldLookup := EmbeddedConfigLookup
	EmbeddedConfigLookup = func(board string) ([]byte, bool) { return nil, false }
	t.Cleanup(func() { EmbeddedConfigLookup = oldLookup })

	b := bus.NewBus(4)
	conn := b.NewConnection("test-no-config")
	svc := NewConfigService()

	ctx := context.WithValue(context.Background(), CtxDeviceKey, "unknown-board")
	if err := svc.publishConfig(ctx, conn); err == nil {
		t.Fatal("expected error for missing embedded config, got nil")
	}
}
