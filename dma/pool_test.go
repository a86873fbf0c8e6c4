package dma

import (
	"errors"
	"testing"
)

func TestAllocateZeroCountIsValidNoOp(t *testing.T) {
	p, n, err := Allocate(0, DirRX, ModeCoherent, 4096, 0, nil)
	if err != nil {
		t.Fatalf("Allocate(count=0): %v", err)
	}
	if n != 0 {
		t.Fatalf("n = %d, want 0", n)
	}
	if p.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", p.Len())
	}
}

func TestAllocateAssignsStableIndicesAndHandles(t *testing.T) {
	p, n, err := Allocate(100, DirRX, ModeCoherent, 4096, 4, nil)
	if err != nil || n != 4 {
		t.Fatalf("Allocate: n=%d err=%v", n, err)
	}

	seen := map[uint64]bool{}
	for i := 0; i < 4; i++ {
		b, ok := p.LookupByIndex(uint32(100 + i))
		if !ok {
			t.Fatalf("LookupByIndex(%d) not found", 100+i)
		}
		if b.Index != uint32(100+i) {
			t.Fatalf("buffer at offset %d has Index %d", i, b.Index)
		}
		if seen[b.Handle] {
			t.Fatalf("duplicate handle %d", b.Handle)
		}
		seen[b.Handle] = true
	}

	if _, ok := p.LookupByIndex(99); ok {
		t.Fatalf("LookupByIndex(99) should miss (before base_index)")
	}
	if _, ok := p.LookupByIndex(104); ok {
		t.Fatalf("LookupByIndex(104) should miss (past the pool)")
	}
}

func TestAllocateRollsBackOnFailure(t *testing.T) {
	calls := 0
	failing := func(size int) ([]byte, error) {
		calls++
		if calls == 3 {
			return nil, errors.New("injected allocation failure")
		}
		return make([]byte, size), nil
	}

	p, n, err := Allocate(0, DirTX, ModeCoherent, 128, 5, failing)
	if err == nil {
		t.Fatalf("expected an error from a failing allocator")
	}
	if p != nil || n != 0 {
		t.Fatalf("failed Allocate must return (nil, 0, err), got (%v, %d, %v)", p, n, err)
	}
}

func TestLookupByHandleSortedAndLinear(t *testing.T) {
	coherent, _, _ := Allocate(0, DirRX, ModeCoherent, 64, 8, nil)
	streaming, _, _ := Allocate(0, DirRX, ModeStreaming, 64, 8, nil)

	target, _ := coherent.LookupByIndex(5)
	if b, ok := coherent.LookupByHandle(target.Handle); !ok || b != target {
		t.Fatalf("sorted LookupByHandle failed to find an allocated buffer")
	}
	if _, ok := coherent.LookupByHandle(0); ok {
		t.Fatalf("LookupByHandle(0) should miss for a handle that was never assigned")
	}

	target, _ = streaming.LookupByIndex(5)
	if b, ok := streaming.LookupByHandle(target.Handle); !ok || b != target {
		t.Fatalf("linear-scan LookupByHandle failed for a streaming pool")
	}
}

func TestChunkThresholdPartitionsAllocation(t *testing.T) {
	p, n, err := Allocate(0, DirRX, ModeCoherent, 16, ChunkThreshold+10, nil)
	if err != nil || n != ChunkThreshold+10 {
		t.Fatalf("Allocate: n=%d err=%v", n, err)
	}

	if len(p.chunks) < 2 {
		t.Fatalf("expected allocation above ChunkThreshold to be split into multiple chunks, got %d", len(p.chunks))
	}

	// A chunked pool never builds the sorted index (spec.md §4.1: "if and
	// only if the pool fits in a single sub-list").
	if p.sorted != nil {
		t.Fatalf("a chunked pool should not build a sorted index")
	}

	b, ok := p.LookupByIndex(uint32(ChunkThreshold + 5))
	if !ok || b.Index != uint32(ChunkThreshold+5) {
		t.Fatalf("LookupByIndex across a chunk boundary failed")
	}
}

func TestStreamingSyncPairing(t *testing.T) {
	p, _, _ := Allocate(0, DirRX, ModeStreaming, 64, 1, nil)
	b, _ := p.LookupByIndex(0)

	if err := p.ToHW(b); err != nil {
		t.Fatalf("ToHW: %v", err)
	}
	forDevice, forCPU := b.Synced()
	if !forDevice || forCPU {
		t.Fatalf("after ToHW: forDevice=%v forCPU=%v, want true/false", forDevice, forCPU)
	}

	p.FromHW(b)
	forDevice, forCPU = b.Synced()
	if !forCPU {
		t.Fatalf("after FromHW: forCPU=%v, want true", forCPU)
	}
}

func TestFreeFailsWhileBufferInHW(t *testing.T) {
	p, _, _ := Allocate(0, DirRX, ModeCoherent, 64, 2, nil)
	b, _ := p.LookupByIndex(0)
	_ = p.ToHW(b)

	if err := p.Free(); err != ErrBufferInHW {
		t.Fatalf("Free() with a buffer in_hw = %v, want ErrBufferInHW", err)
	}

	p.FromHW(b)
	if err := p.Free(); err != nil {
		t.Fatalf("Free() after clearing in_hw: %v", err)
	}
	if p.Len() != 0 {
		t.Fatalf("Len() after Free() = %d, want 0", p.Len())
	}
}

func TestBufferStateInvariant(t *testing.T) {
	p, _, _ := Allocate(0, DirRX, ModeCoherent, 64, 1, nil)
	b, _ := p.LookupByIndex(0)

	if b.InHW() || b.InQueue() || b.OnTXFree() {
		t.Fatalf("a freshly allocated buffer should start in none of the mutually-exclusive states")
	}

	_ = p.ToHW(b)
	if !b.InHW() {
		t.Fatalf("expected in_hw after ToHW")
	}

	b.SetInQueue(true)
	b.SetInQueue(false)
	if b.InQueue() {
		t.Fatalf("SetInQueue(false) should clear in_queue")
	}
}
