// services/devmgr/registry.go
package devmgr

import (
	"fmt"
	"sync"
)

var (
	muDrivers sync.RWMutex
	drivers   = map[string]Driver{}
)

// RegisterDriver installs a driver for a hint node type (the name part of the
// path leaf, so "uart" for /pci@0/isab@2/isa@0/uart@1). It panics on duplicate
// registration to catch mistakes at start-up.
func RegisterDriver(nodeType string, d Driver) {
	muDrivers.Lock()
	defer muDrivers.Unlock()
	if nodeType == "" {
		panic("devmgr: empty node type for driver")
	}
	if _, exists := drivers[nodeType]; exists {
		panic(fmt.Sprintf("devmgr: driver already registered for type %q", nodeType))
	}
	drivers[nodeType] = d
}

func findDriver(nodeType string) (Driver, bool) {
	muDrivers.RLock()
	defer muDrivers.RUnlock()
	d, ok := drivers[nodeType]
	return d, ok
}
