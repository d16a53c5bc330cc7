// services/devmgr/resources.go
package devmgr

import (
	"sync"

	"devhints-go/devhint"
	"devhints-go/errcode"
)

// Space identifies the address space a range claim lives in.
type Space uint8

const (
	SpaceMem Space = iota
	SpacePort
)

func (s Space) String() string {
	if s == SpacePort {
		return "ioport"
	}
	return "iomem"
}

type rangeClaim struct {
	space Space
	rng   devhint.Range
	owner string
}

// Resources arbitrates iomem/ioport ranges and interrupt lines between
// attached devices. Claims are released as a group per owner on detach.
type Resources struct {
	mu sync.Mutex

	// IRQZeroMeansNone treats hint IRQ line 0 as "no interrupt" rather
	// than a claimable line.
	IRQZeroMeansNone bool

	ranges []rangeClaim
	irqs   map[uint32]string
}

func NewResources() *Resources {
	return &Resources{irqs: map[uint32]string{}}
}

func overlaps(a, b devhint.Range) bool {
	return a.Start <= b.End && b.Start <= a.End
}

// ClaimRange reserves an inclusive address range for owner. An identical
// window may be claimed by several owners: sibling nodes behind the same
// bridge hint the shared bridge window they sit in. Partial overlap is a
// conflict.
func (r *Resources) ClaimRange(owner string, space Space, rng devhint.Range) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.ranges {
		if c.space != space || !overlaps(c.rng, rng) {
			continue
		}
		if c.rng == rng {
			continue
		}
		return &errcode.E{C: errcode.RangeInUse, Op: "devmgr.claim",
			Msg: space.String() + " range held by " + c.owner}
	}
	r.ranges = append(r.ranges, rangeClaim{space: space, rng: rng, owner: owner})
	return nil
}

// ClaimIRQ reserves an interrupt line for owner. Line 0 is a no-op when
// IRQZeroMeansNone is set.
func (r *Resources) ClaimIRQ(owner string, line uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if line == 0 && r.IRQZeroMeansNone {
		return nil
	}
	if holder, taken := r.irqs[line]; taken {
		return &errcode.E{C: errcode.IRQInUse, Op: "devmgr.claim", Msg: "irq held by " + holder}
	}
	r.irqs[line] = owner
	return nil
}

// ClaimHint reserves everything a hint record names. On any conflict nothing
// is kept.
func (r *Resources) ClaimHint(owner string, h devhint.Hint) error {
	for _, rng := range h.IOMem {
		if err := r.ClaimRange(owner, SpaceMem, rng); err != nil {
			r.Release(owner)
			return err
		}
	}
	for _, rng := range h.IOPort {
		if err := r.ClaimRange(owner, SpacePort, rng); err != nil {
			r.Release(owner)
			return err
		}
	}
	if err := r.ClaimIRQ(owner, h.IRQ); err != nil {
		r.Release(owner)
		return err
	}
	return nil
}

// Release drops every claim held by owner.
func (r *Resources) Release(owner string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.ranges[:0]
	for _, c := range r.ranges {
		if c.owner != owner {
			kept = append(kept, c)
		}
	}
	r.ranges = kept
	for line, holder := range r.irqs {
		if holder == owner {
			delete(r.irqs, line)
		}
	}
}
