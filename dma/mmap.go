package dma

import (
	"reflect"

	"golang.org/x/sys/unix"
)

// MmapAllocator obtains each buffer's backing memory through an anonymous,
// shared mmap (golang.org/x/sys/unix.Mmap) instead of the Go heap. This is
// the primitive a real character-device mmap entrypoint uses to map pinned
// pages into a user process, so routing a pool's own backing store through
// it means chardev's mmap operation (spec.md §4.6) can hand a session back
// a genuine zero-copy view of the same mapping rather than a plain Go slice
// wearing a zero-copy label.
func MmapAllocator(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_SHARED)
}

func isMmapAllocator(alloc Allocator) bool {
	return reflect.ValueOf(alloc).Pointer() == reflect.ValueOf(Allocator(MmapAllocator)).Pointer()
}
