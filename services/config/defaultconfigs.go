package config

// -----------------------------------------------------------------------------
// Embedded configuration
//
// Populate embeddedConfigs at build time (e.g. via code generation) or
// manually during development.
// Key: board ID (same value placed in ctx under CtxDeviceKey)
// Val: raw JSON bytes for that board
// -----------------------------------------------------------------------------

const cfgHost = `{
  "devmgr": {
    "irq_zero_means_none": true,
    "params": {
      "uart0": { "baud": 115200 },
      "uart1": { "baud": 9600 }
    }
  },
  "heartbeat": {
      "interval": 2
  }
}`

const cfgPico = `{
  "devmgr": {
    "irq_zero_means_none": true,
    "params": {
      "uart0": { "baud": 115200 }
    }
  },
  "heartbeat": {
      "interval": 2
  }
}`

var embeddedConfigs = map[string][]byte{
	"host": []byte(cfgHost),
	"pico": []byte(cfgPico),
}
