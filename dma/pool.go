package dma

import (
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// ChunkThreshold is the pool size above which the buffer list is stored as a
// list of equal-length sub-lists, to bound the size of any single
// contiguous allocation. This is purely an allocation strategy: it never
// changes a Buffer's Index or Handle.
const ChunkThreshold = 100000

// Allocator obtains a DMA-capable backing region of the given size. Tests
// inject a failing Allocator to exercise the rollback-on-failure path
// described in spec.md §4.1; production use is DefaultAllocator.
type Allocator func(size int) ([]byte, error)

// DefaultAllocator allocates ordinary host memory. A real PCIe driver would
// instead obtain a region mapped and pinned for the device (e.g. through a
// kernel DMA API); this port treats that distinction as the concern of the
// (out-of-scope, per spec.md §1) PCI probing layer and allocates plain
// memory here, mirroring how tamago's dma.Region ultimately also just
// carves up a flat byte range reserved at boot.
func DefaultAllocator(size int) ([]byte, error) {
	return make([]byte, size), nil
}

var handleCounter uint64 = 0x4000_0000

func nextHandle(size int) uint64 {
	// Handles are assigned from one process-wide, monotonically increasing
	// counter, advanced by the buffer size per buffer, standing in for a
	// real IOVA/bus address space.
	return atomic.AddUint64(&handleCounter, uint64(size))
}

// Pool is an ordered collection of Buffers for one direction on one device,
// plus an optional sorted-by-handle index for O(log N) reverse lookup.
type Pool struct {
	mu sync.RWMutex

	baseIndex uint32
	dir       Direction
	mode      Mode
	bufSize   int

	chunks [][]*Buffer
	total  int

	// mmapBacked records whether this pool's buffers were obtained via
	// MmapAllocator, so Free knows to munmap rather than simply drop the
	// Go-heap reference.
	mmapBacked bool

	// sorted holds every buffer ordered by ascending Handle, populated
	// only when the pool fits in a single chunk and is not streaming
	// (spec.md §4.1: streaming handles may be remapped between uses and
	// therefore cannot be safely sorted once).
	sorted []*Buffer
}

// BaseIndex returns the device-wide index of this pool's first buffer.
func (p *Pool) BaseIndex() uint32 { return p.baseIndex }

// Direction returns the pool's direction.
func (p *Pool) Direction() Direction { return p.dir }

// Mode returns the pool's acquisition mode.
func (p *Pool) Mode() Mode { return p.mode }

// BufferSize returns the fixed per-buffer size in bytes.
func (p *Pool) BufferSize() int { return p.bufSize }

// Len returns the number of buffers in the pool.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.total
}

// Allocate allocates count Buffers of bufSize bytes each, in direction dir,
// starting at device-wide index baseIndex. It returns the pool and the
// number of buffers actually allocated; per spec.md §4.1 a partial failure
// rolls back every prior successful allocation in this call and returns a
// nil pool with count 0 — callers must treat a requested count > 0 that
// comes back as 0 as fatal.
func Allocate(baseIndex uint32, dir Direction, mode Mode, bufSize, count int, alloc Allocator) (*Pool, int, error) {
	if alloc == nil {
		alloc = DefaultAllocator
	}

	if count == 0 {
		return &Pool{baseIndex: baseIndex, dir: dir, mode: mode, bufSize: bufSize}, 0, nil
	}

	chunkLen := count
	numChunks := 1
	if count > ChunkThreshold {
		numChunks = (count + ChunkThreshold - 1) / ChunkThreshold
		chunkLen = (count + numChunks - 1) / numChunks
	}

	chunks := make([][]*Buffer, 0, numChunks)
	allocated := 0
	seq := uint64(0)

	for c := 0; c < numChunks && allocated < count; c++ {
		n := chunkLen
		if remaining := count - allocated; n > remaining {
			n = remaining
		}

		chunk := make([]*Buffer, 0, n)

		for i := 0; i < n; i++ {
			data, err := alloc(bufSize)
			if err != nil {
				// Roll back everything allocated so far in this
				// call, across all chunks, and fail the whole pool.
				// Heap-backed buffers are released by dropping them;
				// mmap-backed ones are unmapped here.
				if isMmapAllocator(alloc) {
					for _, done := range append(chunks, chunk) {
						for _, b := range done {
							_ = unix.Munmap(b.Data)
						}
					}
				}
				return nil, 0, err
			}

			buf := &Buffer{
				Index:  baseIndex + uint32(allocated),
				Handle: nextHandle(bufSize),
				Data:   data,
				Dir:    dir,
				Mode:   mode,
				Seq:    seq,
			}

			chunk = append(chunk, buf)
			allocated++
			seq++
		}

		chunks = append(chunks, chunk)
	}

	p := &Pool{
		baseIndex:  baseIndex,
		dir:        dir,
		mode:       mode,
		bufSize:    bufSize,
		chunks:     chunks,
		total:      allocated,
		mmapBacked: isMmapAllocator(alloc),
	}

	if len(chunks) == 1 && mode != ModeStreaming {
		p.sorted = append([]*Buffer(nil), chunks[0]...)
		sort.Slice(p.sorted, func(i, j int) bool { return p.sorted[i].Handle < p.sorted[j].Handle })
	}

	return p, allocated, nil
}

// LookupByIndex returns the Buffer with the given device-wide index, or
// (nil, false) if it does not belong to this pool. Constant time: the
// chunk and offset are derived directly from index-baseIndex.
func (p *Pool) LookupByIndex(index uint32) (*Buffer, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if index < p.baseIndex {
		return nil, false
	}

	off := int(index - p.baseIndex)
	if off >= p.total {
		return nil, false
	}

	// Every chunk but the last holds exactly len(p.chunks[0]) buffers.
	chunkLen := len(p.chunks[0])
	return p.chunks[off/chunkLen][off%chunkLen], true
}

// LookupByHandle resolves a DMA bus address back to its Buffer: a binary
// search if the pool built a sorted index, otherwise a linear scan.
func (p *Pool) LookupByHandle(handle uint64) (*Buffer, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.sorted != nil {
		i := sort.Search(len(p.sorted), func(i int) bool { return p.sorted[i].Handle >= handle })
		if i < len(p.sorted) && p.sorted[i].Handle == handle {
			return p.sorted[i], true
		}
		return nil, false
	}

	for _, chunk := range p.chunks {
		for _, b := range chunk {
			if b.Handle == handle {
				return b, true
			}
		}
	}

	return nil, false
}

// ForEach visits every buffer in the pool in index order. Used at device
// init to arm the receive ring and, in 64-bit-descriptor mode, to program
// the per-index DMA address table.
func (p *Pool) ForEach(fn func(*Buffer)) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, chunk := range p.chunks {
		for _, b := range chunk {
			fn(b)
		}
	}
}

// ToHW prepares a buffer for handoff to hardware. For streaming pools this
// issues the sync-for-device step; coherent and ACP buffers need no sync.
// It sets in_hw and only reports failure if the sync itself fails (a real
// driver's sync can fail if the mapping was torn down concurrently; this
// host port cannot observe that, so it always succeeds).
func (p *Pool) ToHW(b *Buffer) error {
	if p.mode == ModeStreaming {
		b.mu.Lock()
		b.syncedForDevice = true
		b.syncedForCPU = false
		b.mu.Unlock()
	}

	b.SetInHW(true)
	return nil
}

// FromHW reverses ToHW on a completed buffer: for streaming pools it issues
// sync-for-cpu, then clears in_hw.
func (p *Pool) FromHW(b *Buffer) {
	if p.mode == ModeStreaming {
		b.mu.Lock()
		b.syncedForCPU = true
		b.mu.Unlock()
	}

	b.SetInHW(false)
}

// Synced reports the streaming sync state of a buffer, exposed for tests
// asserting the sync-for-device/sync-for-cpu pairing invariant.
func (b *Buffer) Synced() (forDevice, forCPU bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.syncedForDevice, b.syncedForCPU
}

// Free releases the pool's buffers. The caller must ensure the pool is no
// longer in use and that no buffer is currently posted to hardware.
func (p *Pool) Free() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, chunk := range p.chunks {
		for _, b := range chunk {
			if b.InHW() {
				return ErrBufferInHW
			}
		}
	}

	for _, chunk := range p.chunks {
		for _, b := range chunk {
			if p.mmapBacked && b.Data != nil {
				_ = unix.Munmap(b.Data)
			}
			b.Data = nil
		}
	}

	p.chunks = nil
	p.sorted = nil
	p.total = 0

	return nil
}
