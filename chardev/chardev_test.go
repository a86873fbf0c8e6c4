package chardev

import (
	"context"
	"testing"
	"time"

	"github.com/slaclab/axisgen2/demux"
	"github.com/slaclab/axisgen2/dma"
	"github.com/slaclab/axisgen2/internal/reg"
	"github.com/slaclab/axisgen2/ring"
	"github.com/slaclab/axisgen2/session"
)

func newTestRig(t *testing.T, rxCount, txCount, bufSize, ringLen int) (*ring.Engine, *dma.Pool, *dma.Pool, *demux.Demux, *reg.BAR) {
	t.Helper()

	bar := reg.NewBAR(make([]byte, ring.MMIOWindowSize))

	rxPool, n, err := dma.Allocate(0, dma.DirRX, dma.ModeCoherent, bufSize, rxCount, nil)
	if err != nil || n != rxCount {
		t.Fatalf("rx pool allocate: n=%d err=%v", n, err)
	}

	txPool, n, err := dma.Allocate(uint32(rxCount), dma.DirTX, dma.ModeCoherent, bufSize, txCount, nil)
	if err != nil || n != txCount {
		t.Fatalf("tx pool allocate: n=%d err=%v", n, err)
	}

	d := demux.New()

	e := ring.NewEngine(ring.Config{
		BAR:        bar,
		Width:      ring.Width128,
		RingLength: ringLen,
		RXPool:     rxPool,
		TXPool:     txPool,
		Demux:      d,
		DrainCap:   64,
	})

	return e, rxPool, txPool, d, bar
}

// S1 (happy-path receive): a 128-bit completion lands on dest 0, the
// session claiming dest 0 observes it, and a copying read drains it and
// re-arms the buffer.
func TestReadHappyPath(t *testing.T) {
	e, rxPool, txPool, d, _ := newTestRig(t, 4, 2, 4096, 16)
	s := session.Open(e, d, rxPool, txPool)

	mask := demux.Mask{}
	mask.Set(0)
	if err := s.ClaimDestinations(mask); err != nil {
		t.Fatalf("ClaimDestinations: %v", err)
	}

	e.ArmReceive()

	hw := ring.NewHardwareModel(e)
	target, _ := rxPool.LookupByIndex(1)
	hw.DepositReceive(ring.Completion{
		Index: target.Index, Size: 123, Dest: 0,
		FirstUser: 0xAB, LastUser: 0xCD, Result: ring.ResultOK,
	})
	e.Drain()

	out := make([]byte, 4096)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	results, err := Read(ctx, s, []ReadRequest{{Buf: out}})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if results[0].Size != 123 {
		t.Fatalf("Size = %d, want 123", results[0].Size)
	}
	if results[0].Err != nil {
		t.Fatalf("unexpected Err: %v", results[0].Err)
	}

	if !target.InHW() {
		t.Fatalf("buffer should be re-posted to the write-ring after a copying read")
	}
	if _, owned := target.Owner(); owned {
		t.Fatalf("buffer should not remain owned by the session after a copying read")
	}
}

// S2 (channel not open): a completion for a destination no session holds
// must not be delivered to any session.
func TestReadNoSessionForDestination(t *testing.T) {
	e, rxPool, txPool, d, _ := newTestRig(t, 4, 2, 4096, 16)
	s := session.Open(e, d, rxPool, txPool)

	mask := demux.Mask{}
	mask.Set(0)
	if err := s.ClaimDestinations(mask); err != nil {
		t.Fatalf("ClaimDestinations: %v", err)
	}

	e.ArmReceive()

	hw := ring.NewHardwareModel(e)
	target, _ := rxPool.LookupByIndex(0)
	hw.DepositReceive(ring.Completion{Index: target.Index, Size: 10, Dest: 7, Result: ring.ResultOK})
	e.Drain()

	if s.RXQueue().NotEmpty() {
		t.Fatalf("a completion for an unclaimed destination must not wake any session")
	}
	if !target.InHW() {
		t.Fatalf("an unowned completion should be re-posted to hardware")
	}
}

// S4 (user-buffer too small): the read sets the max-size error, returns
// size -1 for that entry, and still re-posts the buffer to hardware.
func TestReadUserBufferTooSmall(t *testing.T) {
	e, rxPool, txPool, d, _ := newTestRig(t, 4, 2, 4096, 16)
	s := session.Open(e, d, rxPool, txPool)

	mask := demux.Mask{}
	mask.Set(0)
	_ = s.ClaimDestinations(mask)

	e.ArmReceive()

	hw := ring.NewHardwareModel(e)
	target, _ := rxPool.LookupByIndex(1)
	hw.DepositReceive(ring.Completion{Index: target.Index, Size: 500, Dest: 0, Result: ring.ResultOK})
	e.Drain()

	small := make([]byte, 128)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	results, err := Read(ctx, s, []ReadRequest{{Buf: small}})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if results[0].Size != -1 {
		t.Fatalf("Size = %d, want -1", results[0].Size)
	}
	if results[0].Err != ErrBufferTooSmall {
		t.Fatalf("Err = %v, want ErrBufferTooSmall", results[0].Err)
	}
	if target.Error&dma.ErrMax == 0 {
		t.Fatalf("expected the max-error bit set on the buffer")
	}
	if !target.InHW() {
		t.Fatalf("the oversize buffer must still be returned to hardware")
	}

	// A subsequent receive on dest 0 must still succeed.
	hw.DepositReceive(ring.Completion{Index: target.Index, Size: 20, Dest: 0, Result: ring.ResultOK})
	e.Drain()
	if !s.RXQueue().NotEmpty() {
		t.Fatalf("a subsequent receive on dest 0 should still be delivered")
	}
}

// S5 (signal during wait): a context cancellation aborts a blocked read
// without consuming a buffer.
func TestReadInterruptedByContext(t *testing.T) {
	e, rxPool, txPool, d, _ := newTestRig(t, 2, 2, 4096, 8)
	s := session.Open(e, d, rxPool, txPool)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results, err := Read(ctx, s, []ReadRequest{{Buf: make([]byte, 64)}})
	if err == nil {
		t.Fatalf("expected an interrupted-wait error")
	}
	if results != nil {
		t.Fatalf("an interrupted read must return no results")
	}
	if s.RXQueue().NotEmpty() {
		t.Fatalf("queue should remain empty after an interrupted wait")
	}
}

// S3 (tx echo) exercised through the Write entrypoint: get-tx-index,
// copying write, transmit completion returns the buffer to tx_free.
func TestWriteCopyModeEcho(t *testing.T) {
	e, rxPool, txPool, d, _ := newTestRig(t, 2, 1, 256, 8)
	s := session.Open(e, d, rxPool, txPool)

	mask := demux.Mask{}
	mask.Set(0)
	_ = s.ClaimDestinations(mask)

	payload := []byte("hello axis gen2")
	n, err := Write(s, WriteRequest{Buf: payload, Dest: 0, Size: uint32(len(payload))})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != uint32(len(payload)) {
		t.Fatalf("Write returned %d, want %d", n, len(payload))
	}

	if _, err := s.GetTXIndex(); err != session.ErrTXQueueEmpty {
		t.Fatalf("a second GetTXIndex before completion = %v, want ErrTXQueueEmpty", err)
	}

	hw := ring.NewHardwareModel(e)
	hw.DepositTransmit(ring.Completion{Index: 2, Size: n, Result: ring.ResultOK})
	e.Drain()

	if !s.TXFree().NotEmpty() {
		t.Fatalf("the TX buffer should return to the free-queue after completion")
	}
}

func TestWriteRejectsUnclaimedDestination(t *testing.T) {
	e, rxPool, txPool, d, _ := newTestRig(t, 2, 1, 256, 8)
	s := session.Open(e, d, rxPool, txPool)

	_, err := Write(s, WriteRequest{Buf: []byte("x"), Dest: 3, Size: 1})
	if err != ErrInvalidDestination {
		t.Fatalf("Write to an unclaimed destination = %v, want ErrInvalidDestination", err)
	}
}

func TestWriteCopyModeEmptyFreeQueueReturnsZero(t *testing.T) {
	e, rxPool, txPool, d, _ := newTestRig(t, 2, 1, 256, 8)
	s := session.Open(e, d, rxPool, txPool)

	mask := demux.Mask{}
	mask.Set(0)
	_ = s.ClaimDestinations(mask)

	// Drain the only TX buffer.
	if _, err := s.GetTXIndex(); err != nil {
		t.Fatalf("GetTXIndex: %v", err)
	}

	n, err := Write(s, WriteRequest{Buf: []byte("x"), Dest: 0, Size: 1})
	if err != nil {
		t.Fatalf("Write on an empty tx free-queue should not error: %v", err)
	}
	if n != 0 {
		t.Fatalf("Write on an empty tx free-queue = %d, want 0", n)
	}
}

func TestPollReflectsQueueState(t *testing.T) {
	e, rxPool, txPool, d, _ := newTestRig(t, 2, 1, 256, 8)
	s := session.Open(e, d, rxPool, txPool)

	status := Poll(s)
	if status.Readable {
		t.Fatalf("Readable should be false on a freshly opened session")
	}
	if !status.Writable {
		t.Fatalf("Writable should be true with a non-empty tx free-queue")
	}
}

// TestPollDrainsNotifyFD exercises the eventfd path: a delivered buffer
// signals the session's notify fd, and Poll (via drainNotifyFD) consumes it
// through unix.Poll without affecting the NotEmpty()-derived readiness
// result.
func TestPollDrainsNotifyFD(t *testing.T) {
	e, rxPool, txPool, d, _ := newTestRig(t, 2, 1, 256, 8)
	s := session.Open(e, d, rxPool, txPool)

	mask := demux.Mask{}
	mask.Set(0)
	_ = s.ClaimDestinations(mask)

	e.ArmReceive()
	hw := ring.NewHardwareModel(e)
	target, _ := rxPool.LookupByIndex(0)
	hw.DepositReceive(ring.Completion{Index: target.Index, Size: 10, Dest: 0, Result: ring.ResultOK})
	e.Drain()

	status := Poll(s)
	if !status.Readable {
		t.Fatalf("Readable should be true once a buffer has been delivered")
	}

	// The notify fd should now be drained; polling again must not error or
	// block, and readability should still reflect the still-queued buffer.
	status = Poll(s)
	if !status.Readable {
		t.Fatalf("Readable should remain true until the buffer is popped")
	}
}

// TestWaitReadableWakesOnDeliver exercises WaitReadable's epoll path end to
// end: it blocks until a completion lands, then returns promptly.
func TestWaitReadableWakesOnDeliver(t *testing.T) {
	e, rxPool, txPool, d, _ := newTestRig(t, 2, 1, 256, 8)
	s := session.Open(e, d, rxPool, txPool)

	mask := demux.Mask{}
	mask.Set(0)
	_ = s.ClaimDestinations(mask)

	e.ArmReceive()

	done := make(chan error, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go func() { done <- WaitReadable(ctx, s) }()

	hw := ring.NewHardwareModel(e)
	target, _ := rxPool.LookupByIndex(0)
	hw.DepositReceive(ring.Completion{Index: target.Index, Size: 10, Dest: 0, Result: ring.ResultOK})
	e.Drain()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("WaitReadable: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("WaitReadable did not wake within the deadline")
	}
}

// TestWaitReadableRespectsContext confirms WaitReadable returns promptly
// with ctx.Err() when nothing ever arrives.
func TestWaitReadableRespectsContext(t *testing.T) {
	e, rxPool, txPool, d, _ := newTestRig(t, 2, 1, 256, 8)
	s := session.Open(e, d, rxPool, txPool)

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()

	err := WaitReadable(ctx, s)
	if err != context.DeadlineExceeded {
		t.Fatalf("WaitReadable = %v, want context.DeadlineExceeded", err)
	}
}

func TestDispatcherIoctlCore(t *testing.T) {
	e, rxPool, txPool, d, bar := newTestRig(t, 3, 2, 256, 8)
	s := session.Open(e, d, rxPool, txPool)

	disp := &Dispatcher{RXCount: 3, TXCount: 2, RXBase: 0, TXBase: 3, BufSize: 256, BAR: bar}

	res, err := disp.Ioctl(s, CmdPoolCounts, IoctlArg{})
	if err != nil || res.RXCount != 3 || res.TXCount != 2 {
		t.Fatalf("CmdPoolCounts = %+v, err=%v", res, err)
	}

	res, err = disp.Ioctl(s, CmdBufferSize, IoctlArg{})
	if err != nil || res.BufSize != 256 {
		t.Fatalf("CmdBufferSize = %+v, err=%v", res, err)
	}

	res, err = disp.Ioctl(s, CmdAPIVersion, IoctlArg{})
	if err != nil || res.Version != APIVersion {
		t.Fatalf("CmdAPIVersion = %+v, err=%v", res, err)
	}

	mask := demux.Mask{}
	mask.Set(5)
	if _, err := disp.Ioctl(s, CmdSetMask, IoctlArg{Mask: mask}); err != nil {
		t.Fatalf("CmdSetMask: %v", err)
	}
	if !s.HasDestination(5) {
		t.Fatalf("expected destination 5 to be claimed after CmdSetMask")
	}

	if _, err := disp.Ioctl(s, CmdRegWrite, IoctlArg{Offset: 0x20, Value: 1}); err != nil {
		t.Fatalf("CmdRegWrite: %v", err)
	}
	res, err = disp.Ioctl(s, CmdRegRead, IoctlArg{Offset: 0x20})
	if err != nil || res.Value != 1 {
		t.Fatalf("CmdRegRead = %+v, err=%v", res, err)
	}
}

func TestDispatcherRegAccessOutOfWindow(t *testing.T) {
	e, rxPool, txPool, d, bar := newTestRig(t, 1, 1, 256, 8)
	s := session.Open(e, d, rxPool, txPool)
	disp := &Dispatcher{RXCount: 1, TXCount: 1, RXBase: 0, TXBase: 1, BufSize: 256, BAR: bar}

	if _, err := disp.Ioctl(s, CmdRegRead, IoctlArg{Offset: ring.MMIOWindowSize}); err != ErrOutOfRange {
		t.Fatalf("out-of-window RegRead = %v, want ErrOutOfRange", err)
	}
	if _, err := disp.Ioctl(s, CmdRegRead, IoctlArg{Offset: 3}); err != ErrMisaligned {
		t.Fatalf("misaligned RegRead = %v, want ErrMisaligned", err)
	}
}

func TestDispatcherUnknownCommandWithoutHandler(t *testing.T) {
	e, rxPool, txPool, d, bar := newTestRig(t, 1, 1, 256, 8)
	s := session.Open(e, d, rxPool, txPool)
	disp := &Dispatcher{RXCount: 1, TXCount: 1, RXBase: 0, TXBase: 1, BufSize: 256, BAR: bar}

	if _, err := disp.Ioctl(s, Command(999), IoctlArg{}); err != ErrUnknownCommand {
		t.Fatalf("unrouted command without a handler = %v, want ErrUnknownCommand", err)
	}
}

type stubHandler struct {
	gotCmd uint32
	gotArg uint64
}

func (h *stubHandler) DeviceCommand(s *session.Session, cmd uint32, arg uint64) (uint64, error) {
	h.gotCmd = cmd
	h.gotArg = arg
	return arg + 1, nil
}

func TestDispatcherRoutesUtilityCommandToHandler(t *testing.T) {
	e, rxPool, txPool, d, bar := newTestRig(t, 1, 1, 256, 8)
	s := session.Open(e, d, rxPool, txPool)
	h := &stubHandler{}
	disp := &Dispatcher{RXCount: 1, TXCount: 1, RXBase: 0, TXBase: 1, BufSize: 256, BAR: bar, Handler: h}

	res, err := disp.Ioctl(s, Command(500), IoctlArg{Raw: 41})
	if err != nil {
		t.Fatalf("Ioctl: %v", err)
	}
	if res.Raw != 42 {
		t.Fatalf("Raw = %d, want 42", res.Raw)
	}
	if h.gotCmd != 500 || h.gotArg != 41 {
		t.Fatalf("handler saw cmd=%d arg=%d, want 500/41", h.gotCmd, h.gotArg)
	}
}

func TestMMapBufferRegionZeroCopy(t *testing.T) {
	e, rxPool, txPool, d, bar := newTestRig(t, 2, 2, 256, 8)
	s := session.Open(e, d, rxPool, txPool)
	disp := &Dispatcher{RXCount: 2, TXCount: 2, RXBase: 0, TXBase: 2, BufSize: 256, BAR: bar}

	mem, err := disp.MMap(s, 256, 256) // ordinal 1 -> RX buffer index 1
	if err != nil {
		t.Fatalf("MMap: %v", err)
	}
	rxBuf, _ := rxPool.LookupByIndex(1)
	if &mem[0] != &rxBuf.Data[0] {
		t.Fatalf("MMap of a buffer-region offset should return that buffer's own backing store")
	}
}

func TestMMapMisalignedOffsetRejected(t *testing.T) {
	e, rxPool, txPool, d, bar := newTestRig(t, 2, 2, 256, 8)
	s := session.Open(e, d, rxPool, txPool)
	disp := &Dispatcher{RXCount: 2, TXCount: 2, RXBase: 0, TXBase: 2, BufSize: 256, BAR: bar}

	if _, err := disp.MMap(s, 10, 256); err != ErrMisaligned {
		t.Fatalf("misaligned MMap offset = %v, want ErrMisaligned", err)
	}
}

func TestMMapMMIOWindowPassthrough(t *testing.T) {
	e, rxPool, txPool, d, bar := newTestRig(t, 2, 2, 256, 8)
	s := session.Open(e, d, rxPool, txPool)
	disp := &Dispatcher{RXCount: 2, TXCount: 2, RXBase: 0, TXBase: 2, BufSize: 256, BAR: bar}

	bufRegion := uint64(4) * 256
	mem, err := disp.MMap(s, bufRegion, 64)
	if err != nil {
		t.Fatalf("MMap of the MMIO window: %v", err)
	}
	if len(mem) != 64 {
		t.Fatalf("len(mem) = %d, want 64", len(mem))
	}

	if _, err := disp.MMap(s, bufRegion+uint64(ring.MMIOWindowSize)-32, 64); err != ErrOutOfRange {
		t.Fatalf("an MMIO mmap exceeding the window = %v, want ErrOutOfRange", err)
	}
}
