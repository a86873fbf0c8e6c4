// Package chardev implements the read/write/poll/ioctl/mmap entrypoint
// surface of spec.md §4.6: the boundary between a user process and one
// open session. A "user-space pointer" in the original ABI is modeled here
// as a plain []byte slice (nil standing in for the zero-pointer sentinel
// that selects zero-copy index mode), since this driver runs as an ordinary
// hosted process rather than a kernel module copying to/from a separate
// address space.
//
// Grounded on the teacher's register access idiom (internal/reg.BAR's
// Get/Set/SetN/Clear) generalized from "poke a real hardware address" to
// "poke an offset inside a simulated BAR exposed over a file-like handle".
package chardev

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/slaclab/axisgen2/demux"
	"github.com/slaclab/axisgen2/dma"
	"github.com/slaclab/axisgen2/internal/reg"
	"github.com/slaclab/axisgen2/ring"
	"github.com/slaclab/axisgen2/session"
)

// APIVersion is returned verbatim by the api-version ioctl.
const APIVersion uint32 = 1

// ErrUnknownCommand is returned when an ioctl number outside the core
// range has no registered CommandHandler (spec.md §9 "utility command"
// shadow namespace).
var ErrUnknownCommand = errors.New("chardev: unknown command")

// ErrOutOfRange is returned by the MMIO passthrough and by mmap when the
// requested offset/length falls outside the allowed window (spec.md §7
// "Address out of window").
var ErrOutOfRange = errors.New("chardev: offset out of range")

// ErrMisaligned is returned when an offset is not aligned to the unit the
// operation requires (buffer size for mmap's buffer region, 4 bytes for
// register access).
var ErrMisaligned = errors.New("chardev: misaligned offset")

// ErrInvalidDestination is returned by write when dest is not held by the
// calling session's mask (spec.md §7 "Protocol violation").
var ErrInvalidDestination = errors.New("chardev: destination not held by session")

// ErrInvalidIndex re-exports session's error so callers need not import
// package session solely to compare against it.
var ErrInvalidIndex = session.ErrInvalidIndex

// ReadRequest is one element of a read() call's request vector (spec.md
// §4.6): Buf nil selects zero-copy index-handoff mode, matching the
// original ABI's "user-space pointer or 0".
type ReadRequest struct {
	Buf []byte
}

// ReadResult is the outcome of satisfying one ReadRequest.
type ReadResult struct {
	// Index is valid only in zero-copy mode (Buf == nil on the request):
	// the buffer is now owned by the session and must eventually be
	// returned via Session.ReturnIndex.
	Index uint32

	// Size is the number of bytes copied into Buf, or -1 if Buf was
	// too small to hold the received frame (spec.md §7 "User-buffer too
	// small").
	Size int32

	// Err is non-nil only for the too-small case; the buffer is still
	// returned to hardware either way.
	Err error
}

// ErrBufferTooSmall is the per-descriptor soft error carried in
// ReadResult.Err, distinct from a syscall-level error: the call as a whole
// still succeeds, this one entry did not.
var ErrBufferTooSmall = errors.New("chardev: user buffer smaller than received frame")

func deliverOne(s *session.Session, buf *dma.Buffer, req ReadRequest) ReadResult {
	if req.Buf == nil {
		// The ring engine already set the session as owner when it
		// delivered buf onto this session's RX queue.
		return ReadResult{Index: buf.Index, Size: int32(buf.Size)}
	}

	size := buf.Size
	if uint32(len(req.Buf)) < size {
		buf.Error |= dma.ErrMax
		buf.ClearOwner()
		s.Recycle(buf)
		return ReadResult{Size: -1, Err: ErrBufferTooSmall}
	}

	n := copy(req.Buf, buf.Data[:size])
	buf.ClearOwner()
	s.Recycle(buf)
	return ReadResult{Index: buf.Index, Size: int32(n)}
}

// Read pops up to len(reqs) buffers from s's receive queue and satisfies
// each request in order (spec.md §4.6 read). It blocks, interruptibly via
// ctx, only to obtain the first buffer; once at least one buffer has
// arrived it drains whatever else is already queued without blocking
// again. A context cancellation before any buffer arrives returns
// (nil, queue's interrupted error) having consumed nothing (spec.md §5, §7,
// §8 S5).
func Read(ctx context.Context, s *session.Session, reqs []ReadRequest) ([]ReadResult, error) {
	if len(reqs) == 0 {
		return nil, nil
	}

	first, err := s.RXQueue().Wait(ctx)
	if err != nil {
		return nil, err
	}

	results := make([]ReadResult, 0, len(reqs))
	results = append(results, deliverOne(s, first, reqs[0]))

	for _, req := range reqs[1:] {
		buf := s.RXQueue().Pop()
		if buf == nil {
			break
		}
		results = append(results, deliverOne(s, buf, req))
	}

	return results, nil
}

// WriteRequest is the write() descriptor of spec.md §4.6: Buf nil selects
// index mode (post a buffer the session already owns), otherwise a fresh
// TX buffer is drawn from the free-queue and Buf is copied into it.
type WriteRequest struct {
	Buf     []byte
	Index   uint32
	Dest    uint8
	Channel uint8
	Flags   dma.Flags
	Size    uint32
}

// Write validates dest against the session's claimed mask, then posts for
// transmit either the buffer named by Index (index mode) or a freshly
// drawn and populated TX buffer (copy mode), returning the number of bytes
// posted. A non-blocking draw against an empty TX free-queue returns
// (0, nil), not an error (spec.md §7 "TX free-queue empty on a copying
// write → return zero bytes").
func Write(s *session.Session, req WriteRequest) (uint32, error) {
	if !s.HasDestination(req.Dest) {
		return 0, ErrInvalidDestination
	}

	if req.Buf == nil {
		buf, _, err := s.TakeOwned(req.Index)
		if err != nil {
			return 0, err
		}
		if err := s.PostTransmit(buf, req.Dest, req.Channel, req.Flags, req.Size); err != nil {
			if err == ring.ErrRingFull {
				// Treated the same as an empty TX free-queue
				// (spec.md §7): give the buffer back to the
				// session rather than losing track of it, and
				// report zero bytes written.
				s.Reclaim(buf)
				return 0, nil
			}
			return 0, err
		}
		return req.Size, nil
	}

	idx, err := s.GetTXIndex()
	if err == session.ErrTXQueueEmpty {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	buf, ok := s.BufferByIndex(idx)
	if !ok {
		return 0, ErrInvalidIndex
	}

	n := copy(buf.Data, req.Buf)
	if err := s.PostTransmit(buf, req.Dest, req.Channel, req.Flags, uint32(n)); err != nil {
		if err == ring.ErrRingFull {
			s.ReleaseTX(buf)
			return 0, nil
		}
		return 0, err
	}

	return uint32(n), nil
}

// PollStatus is the outcome of a poll() call (spec.md §4.6).
type PollStatus struct {
	Readable bool
	Writable bool
}

// Poll reports readability (session RX queue non-empty) and writability
// (device TX free-queue non-empty), never blocking beyond fasync
// subscription (spec.md §5). Before checking, it drains any pending
// notification on the session's eventfd through golang.org/x/sys/unix.Poll,
// the same primitive a real poll(2)/epoll(7) caller would register against
// via Session.NotifyFD; NotEmpty() remains the source of truth for the
// returned status so a coalesced or already-drained notification never
// produces a false negative.
func Poll(s *session.Session) PollStatus {
	drainNotifyFD(s)
	return PollStatus{
		Readable: s.RXQueue().NotEmpty(),
		Writable: s.TXFree().NotEmpty(),
	}
}

// drainNotifyFD consumes a pending signal on s's eventfd, if any, using a
// zero-timeout unix.Poll the way an edge-triggered epoll consumer would
// check readiness before arming the next wait.
func drainNotifyFD(s *session.Session) {
	fd := s.NotifyFD()
	if fd < 0 {
		return
	}

	pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	n, err := unix.Poll(pfd, 0)
	if err != nil || n == 0 {
		return
	}

	var buf [8]byte
	_, _ = unix.Read(fd, buf[:])
}

// WaitReadable blocks until s's RX queue is non-empty or ctx is done. It is
// built on golang.org/x/sys/unix.EpollWait against s's notify eventfd
// (polled in short slices so ctx cancellation is observed promptly) rather
// than the queue's own condition variable, exercising the same
// readiness-notification path a real epoll-based event loop would use; the
// RXQueue()/queue.Queue-based Wait remains the primitive Read itself blocks
// on, since a blocking read() has no equivalent epoll registration step.
func WaitReadable(ctx context.Context, s *session.Session) error {
	if s.RXQueue().NotEmpty() {
		return nil
	}

	fd := s.NotifyFD()
	if fd < 0 {
		// No eventfd: check the queue in short slices without popping, so
		// no buffer is consumed here.
		for !s.RXQueue().NotEmpty() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(50 * time.Millisecond):
			}
		}
		return nil
	}

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return err
	}
	defer unix.Close(epfd)

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return err
	}

	events := make([]unix.EpollEvent, 1)
	const pollSliceMS = 50

	for {
		if s.RXQueue().NotEmpty() {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := unix.EpollWait(epfd, events, pollSliceMS)
		if err != nil && err != unix.EINTR {
			return err
		}
		if n > 0 {
			drainNotifyFD(s)
		}
	}
}

// CommandHandler implements the "utility command" shadow namespace of
// spec.md §9: a single extension point for card-specific ioctls that the
// core driver does not interpret, only routes.
type CommandHandler interface {
	DeviceCommand(s *session.Session, cmd uint32, arg uint64) (uint64, error)
}

// Command enumerates the core ioctl operations (spec.md §4.6); any other
// value is routed to the Dispatcher's CommandHandler if one is set.
type Command uint32

const (
	CmdPoolCounts Command = iota
	CmdBufferSize
	CmdReadReady
	CmdSetDebug
	CmdSetMask
	CmdReturnIndex
	CmdGetTXIndex
	CmdAPIVersion
	CmdRegRead
	CmdRegWrite
)

// IoctlArg carries the command-specific input of an Ioctl call, standing
// in for the kernel's copy_from_user of a command-shaped struct.
type IoctlArg struct {
	Mask   demux.Mask
	Index  uint32
	Offset uint32
	Value  uint32
	Debug  bool
	Raw    uint64
}

// IoctlResult carries the command-specific output of an Ioctl call,
// standing in for copy_to_user.
type IoctlResult struct {
	RXCount, TXCount int
	BufSize          uint32
	Ready            bool
	Index            uint32
	Version          uint32
	Value            uint32
	Raw              uint64
}

// Dispatcher binds the core ioctl surface and the mmap region layout to
// one device's pools, ring engine register window, and optional
// card-specific command handler.
type Dispatcher struct {
	RXCount int
	TXCount int
	RXBase  uint32
	TXBase  uint32
	BufSize uint32

	BAR     *reg.BAR
	Handler CommandHandler

	debug int32
}

// PoolCounts returns the RX and TX buffer counts (ioctl "get pool counts").
func (d *Dispatcher) PoolCounts() (rx, tx int) { return d.RXCount, d.TXCount }

// BufferSize returns the configured per-buffer size (ioctl "get buffer
// size").
func (d *Dispatcher) BufferSize() uint32 { return d.BufSize }

// ReadReady reports whether s has a buffer waiting (ioctl "check
// read-ready").
func (d *Dispatcher) ReadReady(s *session.Session) bool { return s.RXQueue().NotEmpty() }

// SetDebug toggles the device-wide debug flag (ioctl "set debug").
func (d *Dispatcher) SetDebug(on bool) {
	v := int32(0)
	if on {
		v = 1
	}
	atomic.StoreInt32(&d.debug, v)
}

// Debug reports the current debug flag.
func (d *Dispatcher) Debug() bool { return atomic.LoadInt32(&d.debug) != 0 }

// SetMask claims s's destination mask (ioctl "set destination-mask").
func (d *Dispatcher) SetMask(s *session.Session, mask demux.Mask) error {
	return s.ClaimDestinations(mask)
}

// ReturnIndex returns a buffer s owns to its natural home (ioctl "return
// index").
func (d *Dispatcher) ReturnIndex(s *session.Session, index uint32) error {
	return s.ReturnIndex(index)
}

// GetTXIndex draws a TX buffer for s (ioctl "get index (TX)").
func (d *Dispatcher) GetTXIndex(s *session.Session) (uint32, error) {
	return s.GetTXIndex()
}

// APIVersion returns the driver's API version (ioctl "read API version").
func (d *Dispatcher) APIVersion() uint32 { return APIVersion }

// RegRead reads one 32-bit register from the bounded MMIO window (spec.md
// §7 "Address out of window").
func (d *Dispatcher) RegRead(off uint32) (uint32, error) {
	if off%4 != 0 {
		return 0, ErrMisaligned
	}
	if off+4 > ring.MMIOWindowSize {
		return 0, ErrOutOfRange
	}
	return d.BAR.Read32(off), nil
}

// RegWrite writes one 32-bit register within the bounded MMIO window.
func (d *Dispatcher) RegWrite(off uint32, val uint32) error {
	if off%4 != 0 {
		return ErrMisaligned
	}
	if off+4 > ring.MMIOWindowSize {
		return ErrOutOfRange
	}
	d.BAR.Write32(off, val)
	return nil
}

// Command routes a card-specific ioctl number to the registered handler
// (spec.md §9 "utility command" shadow namespace).
func (d *Dispatcher) Command(s *session.Session, cmd uint32, arg uint64) (uint64, error) {
	if d.Handler == nil {
		return 0, ErrUnknownCommand
	}
	return d.Handler.DeviceCommand(s, cmd, arg)
}

// Ioctl is the single dispatch point for the core ioctl surface, routing
// any command number outside Command's enumerated range to Command (and
// from there to the optional CommandHandler).
func (d *Dispatcher) Ioctl(s *session.Session, cmd Command, arg IoctlArg) (IoctlResult, error) {
	switch cmd {
	case CmdPoolCounts:
		rx, tx := d.PoolCounts()
		return IoctlResult{RXCount: rx, TXCount: tx}, nil
	case CmdBufferSize:
		return IoctlResult{BufSize: d.BufferSize()}, nil
	case CmdReadReady:
		return IoctlResult{Ready: d.ReadReady(s)}, nil
	case CmdSetDebug:
		d.SetDebug(arg.Debug)
		return IoctlResult{}, nil
	case CmdSetMask:
		if err := d.SetMask(s, arg.Mask); err != nil {
			return IoctlResult{}, err
		}
		return IoctlResult{}, nil
	case CmdReturnIndex:
		if err := d.ReturnIndex(s, arg.Index); err != nil {
			return IoctlResult{}, err
		}
		return IoctlResult{}, nil
	case CmdGetTXIndex:
		idx, err := d.GetTXIndex(s)
		if err != nil {
			return IoctlResult{}, err
		}
		return IoctlResult{Index: idx}, nil
	case CmdAPIVersion:
		return IoctlResult{Version: d.APIVersion()}, nil
	case CmdRegRead:
		v, err := d.RegRead(arg.Offset)
		if err != nil {
			return IoctlResult{}, err
		}
		return IoctlResult{Value: v}, nil
	case CmdRegWrite:
		if err := d.RegWrite(arg.Offset, arg.Value); err != nil {
			return IoctlResult{}, err
		}
		return IoctlResult{}, nil
	default:
		v, err := d.Command(s, uint32(cmd), arg.Raw)
		if err != nil {
			return IoctlResult{}, err
		}
		return IoctlResult{Raw: v}, nil
	}
}

func (d *Dispatcher) indexForOrdinal(ordinal uint32) uint32 {
	if ordinal < uint32(d.RXCount) {
		return d.RXBase + ordinal
	}
	return d.TXBase + (ordinal - uint32(d.RXCount))
}

// MMap resolves an mmap(offset, length) request against either the buffer
// region (zero-copy view of one pool buffer) or, past that range, the
// bounded MMIO window (spec.md §4.6 mmap). Offsets into the buffer region
// must be buffer-size-aligned.
func (d *Dispatcher) MMap(s *session.Session, offset, length uint64) ([]byte, error) {
	bufRegion := uint64(d.RXCount+d.TXCount) * uint64(d.BufSize)

	if offset < bufRegion {
		if offset%uint64(d.BufSize) != 0 {
			return nil, ErrMisaligned
		}
		if length > uint64(d.BufSize) || offset+length > bufRegion {
			return nil, ErrOutOfRange
		}

		ordinal := uint32(offset / uint64(d.BufSize))
		buf, ok := s.BufferByIndex(d.indexForOrdinal(ordinal))
		if !ok {
			return nil, ErrOutOfRange
		}
		return buf.Data[:length], nil
	}

	winOff := offset - bufRegion
	if winOff+length > uint64(ring.MMIOWindowSize) || winOff+length > uint64(d.BAR.Len()) {
		return nil, ErrOutOfRange
	}
	return d.BAR.Bytes()[winOff : winOff+length], nil
}
