package device

import (
	"github.com/slaclab/axisgen2/internal/reg"
	"github.com/slaclab/axisgen2/ring"
)

// Card stands in for the PCIe resource this driver would otherwise probe
// (spec.md §1 non-goal: "PCI probe/MMIO mapping specifics"): a
// byte-addressed register window sized to the bounded MMIO window chardev
// exposes to userspace. Real attachment would instead obtain this slice
// from an mmap of the card's sysfs resource file; here it is a plain
// allocation, the same simplification dma.DefaultAllocator makes for
// buffer memory.
type Card struct {
	BAR *reg.BAR
}

// NewCard allocates a register window of the standard MMIO window size
// with the descriptor width bit of the version register pre-set as a real
// card's firmware would have it fixed at build time (spec.md §4.3: "read
// from a hardware version register at initialization and fixed for the
// device's lifetime") — Probe discovers width by reading it back via
// ring.DetectWidth rather than being told it through Config.
func NewCard(width ring.Width) *Card {
	c := &Card{BAR: reg.NewBAR(make([]byte, ring.MMIOWindowSize))}
	if width == ring.Width128 {
		c.BAR.Set(ring.RegEnableVersion, 16)
	}
	return c
}
