// Device hints internal representation.
//
// WARNING: This file is autogenerated and should NOT be modified directly.
// Please refer to the `device_hints.dts` file in case you would like to
// change any of the values.
package devhint

var rawHints = []rawHint{
	{
		iomem: [hintSlots]uint64{1016, 1023, 760, 767},
		irq:   0x4,
		path:  "/rootdev/pci@0/isab@0/isa@0/uart@0",
	},
	{
		ioport: [hintSlots]uint64{96, 96, 100, 100},
		iomem:  [hintSlots]uint64{760, 767},
		irq:    0x3,
		path:   "/rootdev/pci@0/isab@0/isa@0/uart@1",
	},
}
