package ring

// HardwareModel simulates the AXIS Gen2 card's side of the descriptor
// rings for tests and the example daemon: depositing completion descriptors
// into ring slots and signaling the Engine's IRQ channel, standing in for a
// live device (spec.md §9 design note: "model the IRQ path as a function
// over a descriptor stream ... testability does not require a live
// device").
//
// It tracks its own hardware-side cursor per ring, independent of the
// Engine's software cursor, exactly as a real card would advance its own
// hw-write-index/hw-read-index registers (spec.md §6) without knowledge of
// how far the driver has drained.
type HardwareModel struct {
	e *Engine

	writeCursor int // next write-ring slot hardware will fill (receive)
	readCursor  int // next read-ring slot hardware will fill (transmit)
}

// NewHardwareModel creates a simulated card bound to e's rings.
func NewHardwareModel(e *Engine) *HardwareModel {
	return &HardwareModel{e: e}
}

func (h *HardwareModel) signal() {
	select {
	case h.e.IRQ <- struct{}{}:
	default:
	}
}

// DepositReceive simulates hardware completing a receive descriptor: it
// writes c into the next write-ring slot and signals the interrupt.
func (h *HardwareModel) DepositReceive(c Completion) {
	h.e.writeRing.Deposit(h.writeCursor, c, h.e.width)
	h.writeCursor = (h.writeCursor + 1) % h.e.writeRing.Len()
	h.signal()
}

// DepositTransmit simulates hardware completing a transmit descriptor.
func (h *HardwareModel) DepositTransmit(c Completion) {
	h.e.readRing.Deposit(h.readCursor, c, h.e.width)
	h.readCursor = (h.readCursor + 1) % h.e.readRing.Len()
	h.signal()
}
