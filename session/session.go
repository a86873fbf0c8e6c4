// Package session implements the per-open-file state of spec.md §4.4: the
// destination-mask claim, the per-session receive queue, and the lifecycle
// that ties a user's open file descriptor to buffers it currently owns.
//
// Generalized from tamago's imx6/usb/ethernet/cdc_ecm.go NIC struct — one
// attachment's lifecycle (Init, per-instance Rx/Tx state, explicit
// teardown) — from "one USB attachment" to "one open character-device
// session".
package session

import (
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/slaclab/axisgen2/demux"
	"github.com/slaclab/axisgen2/dma"
	"github.com/slaclab/axisgen2/queue"
	"github.com/slaclab/axisgen2/ring"
)

// ErrAlreadyClaimed is returned by ClaimDestinations on a second call
// (spec.md §4.4: "A session may call this at most once").
var ErrAlreadyClaimed = errors.New("session: destinations already claimed")

// ErrNotOwned is returned by ReturnIndex/TakeOwned when the buffer is not
// currently owned by this session.
var ErrNotOwned = errors.New("session: buffer not owned by this session")

// ErrInvalidIndex is returned when an index names no buffer in either pool.
var ErrInvalidIndex = errors.New("session: invalid buffer index")

// ErrTXQueueEmpty is returned by GetTXIndex when the TX free-queue is empty
// (spec.md §4.4: "Returns failure (not block) if the queue is empty").
var ErrTXQueueEmpty = errors.New("session: tx free-queue empty")

// ErrDestinationClaimed re-exports demux's claim-conflict error so callers
// need not import package demux solely to compare against it.
var ErrDestinationClaimed = demux.ErrDestinationClaimed

var sessionCounter uint64

// Session is the per-open state described by spec.md §3/§4.4.
type Session struct {
	mu sync.Mutex

	id uint64

	engine *ring.Engine
	demux  *demux.Demux
	rxPool *dma.Pool
	txPool *dma.Pool

	rx *queue.Queue

	mask    demux.Mask
	claimed bool

	notify   []func()
	notifyFD int
}

// Open allocates a session with an empty RX wait-queue sized to the RX
// pool's buffer count and an all-zero destination mask (spec.md §4.4).
//
// It also opens a nonblocking eventfd that Deliver signals alongside the
// fasync-style notify callbacks: poll's readiness wait is built on this fd
// (golang.org/x/sys/unix.Poll/EpollWait) rather than a bare condition
// variable, so a real readiness-notification primitive backs it. Eventfd
// creation failing (it does not on Linux) degrades to notifyFD == -1, and
// Poll falls back to checking queue state directly.
func Open(engine *ring.Engine, d *demux.Demux, rxPool, txPool *dma.Pool) *Session {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		fd = -1
	}

	var rxLen int
	if rxPool != nil {
		rxLen = rxPool.Len()
	}

	return &Session{
		id:       atomic.AddUint64(&sessionCounter, 1),
		engine:   engine,
		demux:    d,
		rxPool:   rxPool,
		txPool:   txPool,
		rx:       queue.New(rxLen),
		notifyFD: fd,
	}
}

// NotifyFD returns the eventfd that Deliver signals on arrival, or -1 if
// none is available. Used by package chardev's poll implementation.
func (s *Session) NotifyFD() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notifyFD
}

// SessionID implements demux.Owner.
func (s *Session) SessionID() uint64 { return s.id }

// Deliver implements demux.Owner: it is called by the ring engine, under
// the demultiplexer lock, to hand a completed receive buffer to its owning
// session (spec.md §4.3: "enqueue into the session's RX queue and wake").
// The buffer's owner field was already set by the caller before Deliver is
// invoked.
func (s *Session) Deliver(buf *dma.Buffer) {
	_ = s.rx.PushIRQ(buf)
	s.fireNotify()
	s.signalNotifyFD()
}

// signalNotifyFD bumps the eventfd's counter by one. EAGAIN (counter
// already at the max nonblocking value) just means a prior signal has not
// been drained yet, which is fine: the reader only cares that it is
// nonzero.
func (s *Session) signalNotifyFD() {
	s.mu.Lock()
	fd := s.notifyFD
	s.mu.Unlock()

	if fd < 0 {
		return
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	_, _ = unix.Write(fd, buf[:])
}

// RXQueue returns the session's receive wait-queue, used by the read
// entrypoint to pop or block for buffers.
func (s *Session) RXQueue() *queue.Queue { return s.rx }

// TXFree returns the device's shared TX free-queue, used by the write
// entrypoint to draw a buffer to populate.
func (s *Session) TXFree() *queue.Queue { return s.engine.TXFree() }

// Mask returns the session's current destination-claim mask.
func (s *Session) Mask() demux.Mask {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mask
}

// HasDestination reports whether this session's mask includes dest
// (spec.md §4.6 write: "Validate dest against this session's mask").
func (s *Session) HasDestination(dest uint8) bool {
	return s.Mask().Has(dest)
}

// ClaimDestinations attempts to claim every destination set in mask for
// this session (spec.md §4.4). A session may claim only once; a second call
// fails with ErrAlreadyClaimed regardless of the demultiplexer's state.
func (s *Session) ClaimDestinations(mask demux.Mask) error {
	s.mu.Lock()
	if s.claimed {
		s.mu.Unlock()
		return ErrAlreadyClaimed
	}
	s.mu.Unlock()

	if err := s.demux.Claim(s, mask); err != nil {
		return err
	}

	s.mu.Lock()
	s.mask = mask
	s.claimed = true
	s.mu.Unlock()

	return nil
}

func (s *Session) lookup(index uint32) (buf *dma.Buffer, fromTX bool, ok bool) {
	if b, found := s.txPool.LookupByIndex(index); found {
		return b, true, true
	}
	if b, found := s.rxPool.LookupByIndex(index); found {
		return b, false, true
	}
	return nil, false, false
}

// TakeOwned looks up index, verifies it is currently owned by this session,
// clears ownership, and returns the buffer. Used by both ReturnIndex and
// the write entrypoint's index-mode path (spec.md §4.6: "look up the buffer
// by index (must be owned by session), clear owner").
func (s *Session) TakeOwned(index uint32) (buf *dma.Buffer, fromTX bool, err error) {
	buf, fromTX, ok := s.lookup(index)
	if !ok {
		return nil, false, ErrInvalidIndex
	}

	id, has := buf.Owner()
	if !has || id != s.id {
		return nil, false, ErrNotOwned
	}

	buf.ClearOwner()

	return buf, fromTX, nil
}

// Reclaim restores this session's ownership of buf, undoing a preceding
// TakeOwned when the operation that was about to consume the buffer (e.g.
// a transmit post that hit ring.ErrRingFull) did not go through — the
// buffer stays exactly where the caller found it, available to retry.
func (s *Session) Reclaim(buf *dma.Buffer) {
	buf.SetOwner(s.id)
}

// ReleaseTX clears ownership of a TX-pool buffer drawn via GetTXIndex and
// returns it to the free-queue, undoing the draw when the transmit it was
// drawn for did not go through (e.g. ring.ErrRingFull).
func (s *Session) ReleaseTX(buf *dma.Buffer) {
	buf.ClearOwner()
	_ = s.engine.TXFree().Push(buf)
}

// ReturnIndex releases a buffer this session owns back to its natural home:
// an RX buffer returns to hardware, a TX buffer returns to the free-queue
// (spec.md §4.4 return_index).
func (s *Session) ReturnIndex(index uint32) error {
	buf, fromTX, err := s.TakeOwned(index)
	if err != nil {
		return err
	}

	if fromTX {
		buf.ResetMeta()
		_ = s.engine.TXFree().Push(buf)
		return nil
	}

	s.engine.PostReceive(buf)
	return nil
}

// Recycle reposts buf to hardware without requiring that it be owned by
// this session first — used by the read entrypoint's copy-out path, where a
// buffer popped off the RX queue is copied into the caller's request and
// immediately handed back rather than being taken into session ownership.
func (s *Session) Recycle(buf *dma.Buffer) {
	s.engine.PostReceive(buf)
}

// BufferByIndex looks up index in either pool without touching ownership,
// used by the write entrypoint's copy-mode path and by mmap to resolve a
// buffer's backing memory.
func (s *Session) BufferByIndex(index uint32) (*dma.Buffer, bool) {
	buf, _, ok := s.lookup(index)
	return buf, ok
}

// PostTransmit posts buf for transmission, delegating to the shared ring
// engine. Exposed on Session so the write entrypoint never needs to hold a
// direct reference to the engine.
func (s *Session) PostTransmit(buf *dma.Buffer, dest, channel uint8, flags dma.Flags, size uint32) error {
	return s.engine.PostTransmit(buf, dest, channel, flags, size)
}

// GetTXIndex pops a buffer from the TX free-queue and marks it owned by
// this session (spec.md §4.4 get_tx_index).
func (s *Session) GetTXIndex() (uint32, error) {
	buf := s.engine.TXFree().Pop()
	if buf == nil {
		return 0, ErrTXQueueEmpty
	}

	buf.SetOwner(s.id)

	return buf.Index, nil
}

// RegisterNotify subscribes fn to be invoked (non-blocking, best-effort)
// whenever a buffer is delivered to this session's RX queue — the hosted
// analogue of kernel fasync_helper/kill_fasync (spec.md §4.6 fasync).
func (s *Session) RegisterNotify(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notify = append(s.notify, fn)
}

func (s *Session) fireNotify() {
	s.mu.Lock()
	fns := append([]func(){}, s.notify...)
	s.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// Close releases all resources the session holds (spec.md §4.4 close):
// clears its destination-mask entries in the demultiplexer, drains its RX
// queue back to hardware, and scans both pools for buffers still carrying
// this session as owner (handed out via zero-copy read or get_tx_index but
// never returned) and returns those appropriately.
func (s *Session) Close() {
	mask := s.Mask()
	s.demux.Release(s, mask)

	for {
		buf := s.rx.Pop()
		if buf == nil {
			break
		}
		buf.ClearOwner()
		s.engine.PostReceive(buf)
	}

	s.rxPool.ForEach(func(b *dma.Buffer) {
		if id, has := b.Owner(); has && id == s.id {
			b.ClearOwner()
			s.engine.PostReceive(b)
		}
	})

	s.txPool.ForEach(func(b *dma.Buffer) {
		if id, has := b.Owner(); has && id == s.id {
			b.ClearOwner()
			b.ResetMeta()
			_ = s.engine.TXFree().Push(b)
		}
	})

	s.mu.Lock()
	fd := s.notifyFD
	s.notifyFD = -1
	s.mu.Unlock()

	if fd >= 0 {
		_ = unix.Close(fd)
	}
}
