// Package devhint exposes the static device hint table compiled from
// device_hints.dts. Each record binds a device-tree path to the hardware
// resources assigned to that node: memory-mapped I/O ranges, port I/O
// ranges and an interrupt line.
//
// The table is decoded once and read-only afterwards; concurrent readers
// need no synchronisation.
package devhint

import (
	"strconv"
	"strings"
	"sync"

	"devhints-go/errcode"
)

// Range is one inclusive [Start, End] address range.
type Range struct {
	Start uint64
	End   uint64
}

// Hint describes the resource assignments of one device-tree node.
//
// IOMem and IOPort keep the generator's pair order and values. The fixed
// 32-slot zero-padded arrays the generator emits are stripped during decode;
// strict binary layout with the generated table is therefore not preserved,
// only the live pairs.
type Hint struct {
	Path   string
	IOMem  []Range
	IOPort []Range
	IRQ    uint32
}

// Leaf returns the final node of the path, e.g. "uart@0".
func (h Hint) Leaf() string {
	if i := strings.LastIndexByte(h.Path, '/'); i >= 0 {
		return h.Path[i+1:]
	}
	return h.Path
}

// Type returns the node type of the leaf, the part before '@'.
func (h Hint) Type() string {
	leaf := h.Leaf()
	if i := strings.IndexByte(leaf, '@'); i >= 0 {
		return leaf[:i]
	}
	return leaf
}

// Unit returns the instance number of the leaf (after '@'), or -1 when the
// leaf carries none.
func (h Hint) Unit() int {
	leaf := h.Leaf()
	i := strings.IndexByte(leaf, '@')
	if i < 0 {
		return -1
	}
	n, err := strconv.Atoi(leaf[i+1:])
	if err != nil {
		return -1
	}
	return n
}

// -----------------------------------------------------------------------------
// Raw generator shape
// -----------------------------------------------------------------------------

// hintSlots is the scalar capacity of each resource array in the generated
// table: 16 (start, end) pairs.
const hintSlots = 32

// rawHint mirrors one generated record: fixed zero-padded arrays, raw IRQ.
type rawHint struct {
	path   string
	iomem  [hintSlots]uint64
	ioport [hintSlots]uint64
	irq    uint32
}

// -----------------------------------------------------------------------------
// Decode
// -----------------------------------------------------------------------------

var (
	once    sync.Once
	hints   []Hint
	byPath  map[string]Hint
	initErr error
)

// decode turns raw generated records into the public table, rejecting empty
// or duplicate paths. Zero-padding ends a resource list: the first all-zero
// pair is not a range at address 0.
func decode(raws []rawHint) ([]Hint, map[string]Hint, error) {
	out := make([]Hint, 0, len(raws))
	index := make(map[string]Hint, len(raws))

	for _, r := range raws {
		if r.path == "" {
			return nil, nil, &errcode.E{C: errcode.BadHint, Op: "decode", Msg: "empty path"}
		}
		if _, dup := index[r.path]; dup {
			return nil, nil, &errcode.E{C: errcode.DuplicateHint, Op: "decode", Msg: r.path}
		}
		h := Hint{
			Path:   r.path,
			IOMem:  ranges(r.iomem),
			IOPort: ranges(r.ioport),
			IRQ:    r.irq,
		}
		out = append(out, h)
		index[r.path] = h
	}
	return out, index, nil
}

func ranges(slots [hintSlots]uint64) []Range {
	var out []Range
	for i := 0; i+1 < len(slots); i += 2 {
		if slots[i] == 0 && slots[i+1] == 0 {
			break
		}
		out = append(out, Range{Start: slots[i], End: slots[i+1]})
	}
	return out
}

func build() {
	hints, byPath, initErr = decode(rawHints)
}

// -----------------------------------------------------------------------------
// Accessors
// -----------------------------------------------------------------------------

// Hints returns the ordered hint table. The slice and its ranges are shared;
// callers must treat them as read-only.
func Hints() ([]Hint, error) {
	once.Do(build)
	return hints, initErr
}

// ByPath returns the table keyed by path, built once alongside Hints.
func ByPath() (map[string]Hint, error) {
	once.Do(build)
	return byPath, initErr
}
