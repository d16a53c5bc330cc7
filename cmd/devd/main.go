//go:build !rp2040 && !rp2350

// cmd/devd/main.go
//
// Host daemon: brings up the bus, config, heartbeat, and the device manager
// over simulated hardware, then reads commands from stdin.
//
//	tx <id> <text>            send bytes out a serial device
//	read <id> <lba> <count>   read blocks from a block device
//	write <id> <lba> <text>   write one block (text zero-padded to 512)
//	quit
package main

import (
	"bufio"
	"context"
	"os"
	"strings"
	"time"

	"github.com/google/shlex"

	"devhints-go/bus"
	"devhints-go/services/bridge"
	"devhints-go/services/config"
	"devhints-go/services/devmgr"
	"devhints-go/services/heartbeat"
	"devhints-go/x/fmtx"
	"devhints-go/x/strconvx"

	_ "devhints-go/services/devmgr/devices/sdblk"
	_ "devhints-go/services/devmgr/devices/uartdev"
)

const replyTimeout = 2 * time.Second

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	println("[devd] bootstrapping bus ...")
	b := bus.NewBus(16)

	ui := b.NewConnection("console")
	mon := ui.Subscribe(bus.T("devmgr", "#"))
	go func() {
		for m := range mon.Channel() {
			println("[monitor] <-", strings.Join(m.Topic, "/"))
		}
	}()

	println("[devd] starting services ...")
	go devmgr.Run(ctx, b.NewConnection("devmgr"), devmgr.NewHostPlatform(1024))
	go bridge.Start(ctx, b.NewConnection("bridge"))
	hb := &heartbeat.Service{}
	_ = hb.Start(ctx, b.NewConnection("heartbeat"))

	cfgCtx := context.WithValue(ctx, config.CtxDeviceKey, "host")
	config.NewConfigService().Start(cfgCtx, b.NewConnection("config"))

	sc := bufio.NewScanner(os.Stdin)
	for {
		print("devd> ")
		if !sc.Scan() {
			return
		}
		args, err := shlex.Split(sc.Text())
		if err != nil {
			println("[devd] parse error:", err.Error())
			continue
		}
		if len(args) == 0 {
			continue
		}
		switch args[0] {
		case "quit", "exit":
			return
		case "tx":
			if len(args) < 3 {
				println("usage: tx <id> <text>")
				continue
			}
			doControl(ctx, ui, args[1], "tx", strings.Join(args[2:], " "))
		case "read":
			if len(args) != 4 {
				println("usage: read <id> <lba> <count>")
				continue
			}
			lba, err1 := strconvx.ParseUint(args[2], 10, 32)
			count, err2 := strconvx.ParseUint(args[3], 10, 32)
			if err1 != nil || err2 != nil {
				println("read: lba and count must be numbers")
				continue
			}
			doControl(ctx, ui, args[1], "read",
				map[string]any{"lba": uint32(lba), "count": uint32(count)})
		case "write":
			if len(args) < 4 {
				println("usage: write <id> <lba> <text>")
				continue
			}
			lba, err := strconvx.ParseUint(args[2], 10, 32)
			if err != nil {
				println("write: lba must be a number")
				continue
			}
			block := make([]byte, 512)
			copy(block, strings.Join(args[3:], " "))
			doControl(ctx, ui, args[1], "write",
				map[string]any{"lba": uint32(lba), "data": block})
		default:
			println("unknown command:", args[0])
		}
	}
}

func doControl(ctx context.Context, ui *bus.Connection, id, verb string, payload any) {
	rctx, cancel := context.WithTimeout(ctx, replyTimeout)
	defer cancel()
	reply, err := ui.RequestWait(rctx,
		ui.NewMessage(bus.T("devmgr", "device", id, "control", verb), payload, false))
	if err != nil {
		println("[devd]", verb, "error:", err.Error())
		return
	}
	fmtx.Printf("[devd] %s reply: %v\n", verb, reply.Payload)
}
