// cmd/hintdump/main.go
//
// Prints the compiled device hint table. Handy for checking what a firmware
// image will try to attach without flashing it.
package main

import (
	"devhints-go/devhint"
	"devhints-go/x/conv"
)

func hex32(n uint64) string {
	var buf [8]byte
	return string(conv.U32Hex(buf[:], uint32(n)))
}

func printRanges(label string, rs []devhint.Range) {
	if len(rs) == 0 {
		return
	}
	print("  ", label, ":")
	for _, r := range rs {
		print(" ", hex32(r.Start), "-", hex32(r.End))
	}
	println()
}

func main() {
	hints, err := devhint.Hints()
	if err != nil {
		println("hintdump:", err.Error())
		return
	}
	println("hint table:", len(hints), "records")
	for _, h := range hints {
		println(h.Path)
		printRanges("iomem ", h.IOMem)
		printRanges("ioport", h.IOPort)
		println("  irq   :", h.IRQ)
	}
}
