// Package device wires the lower layers (dma, ring, demux, session,
// chardev) into one AXIS Gen2 card: register-map programming at probe
// time, the drain-loop goroutine, and the Config/Probe/Remove lifecycle
// the original driver's module load/unload does (spec.md §6
// "Environment / config").
//
// Generalized from the teacher's compile-time board Config/Init() pair
// (board/usbarmory/mk2/usbarmory.go's Init, linked in at boot) to a
// runtime value constructed per device, since there is no per-board Go
// build here — one binary can drive any number of cards.
package device

import (
	"github.com/slaclab/axisgen2/dma"
	"github.com/slaclab/axisgen2/ring"
)

// Config collects the load-time parameters of spec.md §6's "Environment /
// config" list.
type Config struct {
	// DeviceName is the device-node naming style, e.g. "axisgen2_0".
	DeviceName string

	RXBufferCount int
	TXBufferCount int
	BufferSize    int
	Mode          dma.Mode

	RingLength int

	ContinueEnable bool
	DropEnable     bool

	// Polled selects spec.md §4.3's ServicePolled variant (IRQ-disable /
	// polled mode) over the default IRQ-driven one.
	Polled bool

	IRQHoldOff uint32
	Timeout    uint32

	// BGThresholds holds the eight buffer-group threshold values
	// programmed into RegBGThresholdBase..+NumBufferGroups*4.
	BGThresholds [ring.NumBufferGroups]uint32

	// DrainCap overrides ring.DefaultDrainCap; zero keeps the default.
	DrainCap int
}

// DefaultConfig returns a Config with reasonable standalone defaults: 64
// buffers per direction, 4096-byte buffers, coherent mode, a 256-entry
// ring, IRQ-driven service, no buffer-group thresholds programmed.
func DefaultConfig(name string) Config {
	return Config{
		DeviceName:    name,
		RXBufferCount: 64,
		TXBufferCount: 64,
		BufferSize:    4096,
		Mode:          dma.ModeCoherent,
		RingLength:    256,
	}
}
