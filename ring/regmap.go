package ring

// Register offsets for the AXIS Gen2 hardware block, per spec.md §6. All
// registers are 32-bit, little-endian, accessed through internal/reg.BAR.
const (
	RegEnableVersion    uint32 = 0x0000 // bit0 enable; byte3 driver-load counter; bit16 = 128-bit mode
	RegIntEnable        uint32 = 0x0004
	RegContinuousEnable uint32 = 0x0008
	RegDropEnable       uint32 = 0x000C
	RegWriteRingBaseLo  uint32 = 0x0010
	RegWriteRingBaseHi  uint32 = 0x0014
	RegReadRingBaseLo   uint32 = 0x0018
	RegReadRingBaseHi   uint32 = 0x001C
	RegFifoReset        uint32 = 0x0020
	RegMaxSize          uint32 = 0x0028
	RegOnline           uint32 = 0x002C
	RegAcknowledge      uint32 = 0x0030
	RegAddrWidth        uint32 = 0x0038
	RegCacheConfig      uint32 = 0x003C
	RegReadFifoA        uint32 = 0x0040
	RegReadFifoB        uint32 = 0x0044
	RegWriteFifoA       uint32 = 0x0048
	RegIntAckAndEnable  uint32 = 0x004C
	RegIntReqCount      uint32 = 0x0050
	RegHWWriteIndex     uint32 = 0x0054
	RegHWReadIndex      uint32 = 0x0058
	RegWrReqMissed      uint32 = 0x005C
	RegReadFifoC        uint32 = 0x0060
	RegReadFifoD        uint32 = 0x0064
	RegWriteFifoB       uint32 = 0x0070
	RegForceInt         uint32 = 0x0080
	RegIRQHoldOff       uint32 = 0x0084
	RegTimeout          uint32 = 0x0088
	RegBGThresholdBase  uint32 = 0x0090 // [0x0090..0x00AC], 8 entries, 4 bytes apart
	RegBGCountBase      uint32 = 0x00B0 // [0x00B0..0x00CC], 8 entries, 4 bytes apart
	RegDMAAddrTableBase uint32 = 0x4000 // [0x4000..0x7FFC], 64-bit-desc mode only
)

// NumBufferGroups is the number of buffer-group threshold/count register
// pairs (spec.md §6).
const NumBufferGroups = 8

// IntAckBase is the base value the handled-completion count is added to when
// writing RegIntAckAndEnable ("write 0x30000 + N to ack N completions and
// re-enable interrupt").
const IntAckBase = 0x30000

// BGThresholdOffset returns the register offset of buffer-group g's
// threshold register (g in [0, NumBufferGroups)).
func BGThresholdOffset(g int) uint32 {
	return RegBGThresholdBase + uint32(g)*4
}

// BGCountOffset returns the register offset of buffer-group g's credit
// register.
func BGCountOffset(g int) uint32 {
	return RegBGCountBase + uint32(g)*4
}

// DMAAddrTableOffset returns the register offset of the per-index DMA
// address table entry for the given buffer index (64-bit-descriptor mode
// only, where the 64-bit completion/post format has no room to carry a
// full bus address inline).
func DMAAddrTableOffset(index uint32) uint32 {
	return RegDMAAddrTableBase + index*4
}

// Bounded MMIO window exposed to userspace via the ioctl register
// read/write passthrough (spec.md §4.6, §7): addresses outside this range
// are rejected as invalid-argument.
const MMIOWindowSize = 0x8000
