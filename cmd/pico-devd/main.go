//go:build rp2040 || rp2350

// cmd/pico-devd/main.go
package main

import (
	"context"
	"runtime"
	"strings"
	"time"

	"devhints-go/bus"
	"devhints-go/services/config"
	"devhints-go/services/devmgr"
	"devhints-go/services/heartbeat"

	_ "devhints-go/services/devmgr/devices/sdblk"
	_ "devhints-go/services/devmgr/devices/uartdev"
)

func main() {
	// Allow USB CDC to enumerate before we print.
	time.Sleep(3 * time.Second)
	ctx := context.Background()

	println("[main] bootstrapping bus ...")
	b := bus.NewBus(4)

	ui := b.NewConnection("ui")
	println("[main] subscribing to devmgr/# for diagnostics ...")
	mon := ui.Subscribe(bus.T("devmgr", "#"))
	go func() {
		for m := range mon.Channel() {
			println("[monitor] <-", strings.Join(m.Topic, "/"))
		}
	}()

	println("[main] starting devmgr.Run ...")
	go devmgr.Run(ctx, b.NewConnection("devmgr"), devmgr.NewRP2Platform(nil, nil))

	hb := &heartbeat.Service{}
	_ = hb.Start(ctx, b.NewConnection("heartbeat"))

	println("[main] publishing embedded config ...")
	cfgCtx := context.WithValue(ctx, config.CtxDeviceKey, "pico")
	config.NewConfigService().Start(cfgCtx, b.NewConnection("config"))

	time.Sleep(250 * time.Millisecond)

	// Exercise uart0 periodically so activity shows on the monitor.
	tx := bus.T("devmgr", "device", "uart0", "control", "tx")
	for {
		if _, err := ui.RequestWait(ctx, ui.NewMessage(tx, "ping\r\n", false)); err != nil {
			println("[main] tx error:", err.Error())
		}
		printMem()
		time.Sleep(2 * time.Second)
	}
}

// printMem prints a compact snapshot of TinyGo runtime memory stats.
// Uses builtin println to avoid fmt overhead/allocations.
func printMem() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	println(
		"[mem]",
		"alloc:", uint32(ms.Alloc),
		"heapInuse:", uint32(ms.HeapInuse),
		"heapSys:", uint32(ms.HeapSys),
		"mallocs:", uint32(ms.Mallocs),
		"frees:", uint32(ms.Frees),
	)
}
