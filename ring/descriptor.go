package ring

import (
	"encoding/binary"

	"github.com/slaclab/axisgen2/internal/bits"
)

// Width selects the hardware descriptor width, read from the hardware
// version register at init and fixed for the device's lifetime (spec.md
// §4.3). 128-bit mode is mandatory when per-buffer handles exceed 32 bits
// of DMA address.
type Width int

const (
	Width64 Width = iota
	Width128
)

// SlotSize returns the ring slot size in bytes for this width.
func (w Width) SlotSize() int {
	if w == Width128 {
		return 16
	}
	return 8
}

// Result codes reported in a completion's 3-bit result field (spec.md §7:
// "non-zero result in a completion encodes FIFO overflow, length, EOFE,
// bus").
const (
	ResultOK       uint8 = 0
	ResultOverflow uint8 = 1
	ResultLength   uint8 = 2
	ResultEOFE     uint8 = 3
	ResultBus      uint8 = 4
)

// Completion is the decoded form of a hardware-produced completion
// descriptor, common to both widths (spec.md §4.3, §6).
type Completion struct {
	Index        uint32
	Size         uint32
	Dest         uint8
	Channel      uint8
	FirstUser    uint8
	LastUser     uint8
	Continuation bool
	Result       uint8
	GroupID      uint8
}

// isZero reports whether every byte of s is zero — the "slot's non-zero
// marker" freshness test of spec.md §4.3/§6 ("a slot of zero means not yet
// written").
func isZero(s []byte) bool {
	for _, b := range s {
		if b != 0 {
			return false
		}
	}
	return true
}

func zeroSlot(s []byte) {
	for i := range s {
		s[i] = 0
	}
}

// DecodeCompletion decodes a ring slot of the given width. ok is false if
// the slot is all-zero (not yet written by hardware).
func DecodeCompletion(slot []byte, w Width) (c Completion, ok bool) {
	if isZero(slot) {
		return Completion{}, false
	}

	if w == Width128 {
		word0 := binary.LittleEndian.Uint32(slot[0:4])
		word1 := binary.LittleEndian.Uint32(slot[4:8])
		word2 := binary.LittleEndian.Uint32(slot[8:12])
		word3 := binary.LittleEndian.Uint32(slot[12:16])

		c.FirstUser = uint8(bits.GetN(word0, 24, 0xFF))
		c.LastUser = uint8(bits.GetN(word0, 16, 0xFF))
		c.GroupID = uint8(bits.GetN(word0, 8, 0xFF))
		c.Continuation = bits.Get(word0, 3)
		c.Result = uint8(bits.GetN(word0, 0, 0x7))
		c.Index = word1
		c.Size = word2
		c.Channel = uint8(bits.GetN(word3, 8, 0xFF))
		c.Dest = uint8(bits.GetN(word3, 0, 0xFF))

		return c, true
	}

	word0 := binary.LittleEndian.Uint32(slot[0:4])
	word1 := binary.LittleEndian.Uint32(slot[4:8])

	c.FirstUser = uint8(bits.GetN(word0, 24, 0xFF))
	c.LastUser = uint8(bits.GetN(word0, 16, 0xFF))
	c.Index = bits.GetN(word0, 4, 0xFFF)
	c.Continuation = bits.Get(word0, 3)
	c.Result = uint8(bits.GetN(word0, 0, 0x7))
	c.Dest = uint8(bits.GetN(word1, 24, 0xFF))
	c.Size = bits.GetN(word1, 0, 0xFFFFFF)

	return c, true
}

// EncodeCompletion serializes c into a slot-sized byte slice of the given
// width; used by the hardware-side test/demo model to deposit completions.
func EncodeCompletion(c Completion, w Width) []byte {
	slot := make([]byte, w.SlotSize())

	if w == Width128 {
		var word0, word3 uint32
		word0 = bits.SetN(word0, 24, 0xFF, uint32(c.FirstUser))
		word0 = bits.SetN(word0, 16, 0xFF, uint32(c.LastUser))
		word0 = bits.SetN(word0, 8, 0xFF, uint32(c.GroupID))
		word0 = bits.SetTo(word0, 3, c.Continuation)
		word0 = bits.SetN(word0, 0, 0x7, uint32(c.Result))

		word3 = bits.SetN(word3, 8, 0xFF, uint32(c.Channel))
		word3 = bits.SetN(word3, 0, 0xFF, uint32(c.Dest))

		binary.LittleEndian.PutUint32(slot[0:4], word0)
		binary.LittleEndian.PutUint32(slot[4:8], c.Index)
		binary.LittleEndian.PutUint32(slot[8:12], c.Size)
		binary.LittleEndian.PutUint32(slot[12:16], word3)

		return slot
	}

	var word0, word1 uint32
	word0 = bits.SetN(word0, 24, 0xFF, uint32(c.FirstUser))
	word0 = bits.SetN(word0, 16, 0xFF, uint32(c.LastUser))
	word0 = bits.SetN(word0, 4, 0xFFF, c.Index)
	word0 = bits.SetTo(word0, 3, c.Continuation)
	word0 = bits.SetN(word0, 0, 0x7, uint32(c.Result))

	word1 = bits.SetN(word1, 24, 0xFF, uint32(c.Dest))
	word1 = bits.SetN(word1, 0, 0xFFFFFF, c.Size)

	binary.LittleEndian.PutUint32(slot[0:4], word0)
	binary.LittleEndian.PutUint32(slot[4:8], word1)

	return slot
}

// ReceivePost is the descriptor the driver writes to the write-fifo
// registers to hand a free buffer to hardware for receive (spec.md §4.3
// step 1).
type ReceivePost struct {
	Index      uint32
	HandleHigh uint32 // only meaningful in 128-bit mode
}

// TransmitPost is the descriptor the driver writes to the read-fifo
// registers to post a buffer for transmit (spec.md §4.3 step 2). Per
// spec.md §6, the flags field here is reinterpreted relative to a
// completion's flags: bit16 is continue, bits 15..8 are last-user, bits
// 7..0 are first-user.
type TransmitPost struct {
	Index        uint32
	Size         uint32
	Dest         uint8
	Channel      uint8
	FirstUser    uint8
	LastUser     uint8
	Continuation bool
	HandleHigh   uint32 // only meaningful in 128-bit mode
}

// flagsWord packs the 128-bit-mode flags word (RegReadFifoC): bit16 is
// continue, bits 15..8 are last-user, bits 7..0 are first-user. Index
// travels unpacked in its own full-width register in this mode.
func (p TransmitPost) flagsWord() uint32 {
	var v uint32
	v = bits.SetN(v, 0, 0xFF, uint32(p.FirstUser))
	v = bits.SetN(v, 8, 0xFF, uint32(p.LastUser))
	v = bits.SetTo(v, 16, p.Continuation)
	return v
}

// indexFlagsWord packs the 64-bit-mode RegReadFifoA word, mirroring the
// 64-bit completion's word0 layout (spec.md §6): first-user/last-user
// occupy the same high bytes, continuation the same bit, and the 12-bit
// index takes the place of the completion's result field's neighboring
// bits rather than riding in a separate register.
func (p TransmitPost) indexFlagsWord() uint32 {
	var v uint32
	v = bits.SetN(v, 24, 0xFF, uint32(p.FirstUser))
	v = bits.SetN(v, 16, 0xFF, uint32(p.LastUser))
	v = bits.SetN(v, 4, 0xFFF, p.Index)
	v = bits.SetTo(v, 3, p.Continuation)
	return v
}
