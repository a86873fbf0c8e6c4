// Package reg provides primitives for retrieving and modifying hardware
// registers addressed by byte offset within a card's BAR.
//
// The AXIS Gen2 register map (the offsets enumerated in ring/regmap.go) is
// exclusively 32-bit, little-endian. This package
// is the hosted-process translation of tamago's internal/reg: instead of
// dereferencing an unsafe.Pointer onto physical memory, it indexes into a
// byte slice standing in for a PCI BAR obtained from the kernel's mmap of
// the card's register space.
package reg

import (
	"encoding/binary"
	"runtime"
	"sync"
	"time"
)

// BAR is a byte-addressed register window, guarded by a single mutex the
// same way tamago's reg package serializes all register access behind one
// package-level lock.
type BAR struct {
	mu   sync.Mutex
	mem  []byte
}

// NewBAR wraps an existing byte slice (e.g. one obtained via mmap of a PCI
// resource file) as a register window.
func NewBAR(mem []byte) *BAR {
	return &BAR{mem: mem}
}

// Len returns the size in bytes of the register window.
func (b *BAR) Len() int {
	return len(b.mem)
}

// Bytes exposes the BAR's raw backing slice, for callers that need to hand a
// bounded window of it out directly (chardev's mmap entrypoint) rather than
// go through the bitfield accessors. Callers must not retain the slice past
// the BAR's lifetime and must not resize it.
func (b *BAR) Bytes() []byte {
	return b.mem
}

func (b *BAR) word(off uint32) uint32 {
	return binary.LittleEndian.Uint32(b.mem[off : off+4])
}

func (b *BAR) setWord(off uint32, val uint32) {
	binary.LittleEndian.PutUint32(b.mem[off:off+4], val)
}

// Get returns the masked bitfield at pos within the register at off.
func (b *BAR) Get(off uint32, pos int, mask uint32) uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()

	return (b.word(off) >> uint(pos)) & mask
}

// Set sets an individual bit at pos within the register at off.
func (b *BAR) Set(off uint32, pos int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.setWord(off, b.word(off)|(1<<uint(pos)))
}

// Clear clears an individual bit at pos within the register at off.
func (b *BAR) Clear(off uint32, pos int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.setWord(off, b.word(off)&^(1<<uint(pos)))
}

// SetN sets a masked bitfield at pos within the register at off.
func (b *BAR) SetN(off uint32, pos int, mask uint32, val uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()

	w := b.word(off)
	w = (w &^ (mask << uint(pos))) | ((val & mask) << uint(pos))
	b.setWord(off, w)
}

// ClearN clears a masked bitfield at pos within the register at off.
func (b *BAR) ClearN(off uint32, pos int, mask uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.setWord(off, b.word(off)&^(mask<<uint(pos)))
}

// Read32 returns the full 32-bit register at off.
func (b *BAR) Read32(off uint32) uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.word(off)
}

// Write32 writes the full 32-bit register at off.
func (b *BAR) Write32(off uint32, val uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.setWord(off, val)
}

// Or ors val into the register at off.
func (b *BAR) Or(off uint32, val uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.setWord(off, b.word(off)|val)
}

// Wait busy-waits for a specific register bit to match a value. Unlike
// tamago's single-threaded bare-metal Wait, this runs as an ordinary hosted
// goroutine, so it yields with runtime.Gosched() between polls rather than
// relying on preemption to let other goroutines run.
func (b *BAR) Wait(off uint32, pos int, mask uint32, val uint32) {
	for b.Get(off, pos, mask) != val {
		runtime.Gosched()
	}
}

// WaitFor waits, until timeout expires, for a specific register bit to match
// a value. The returned bool reports whether the condition was observed
// (true) or the wait timed out (false).
func (b *BAR) WaitFor(timeout time.Duration, off uint32, pos int, mask uint32, val uint32) bool {
	start := time.Now()

	for b.Get(off, pos, mask) != val {
		runtime.Gosched()

		if time.Since(start) >= timeout {
			return false
		}
	}

	return true
}
