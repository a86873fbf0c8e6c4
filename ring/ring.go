package ring

import "sync"

// Ring is a fixed-size circular array of descriptor slots shared with
// hardware (spec.md §3: "Descriptor Ring"). Length is a power of two, taken
// from the engine's Config.RingLength. The ring memory itself needs no lock:
// the driver owns a slot exclusively between "hardware cleared the marker"
// and "driver zeroed the marker" (spec.md §5); the mutex here only guards
// the software cursor and posted-count bookkeeping against concurrent
// Drain/Post calls.
type Ring struct {
	mu sync.Mutex

	mem      []byte
	slots    int
	slotSize int
	cursor   int // next slot the driver will inspect
	posted   int // buffers currently posted to hardware for this ring
}

// NewRing allocates a ring of the given length (must be a power of two,
// per spec.md §3) and slot size.
func NewRing(length int, w Width) *Ring {
	return &Ring{
		mem:      make([]byte, length*w.SlotSize()),
		slots:    length,
		slotSize: w.SlotSize(),
	}
}

// Len returns the ring length (number of slots).
func (r *Ring) Len() int {
	return r.slots
}

func (r *Ring) slot(i int) []byte {
	return r.mem[i*r.slotSize : (i+1)*r.slotSize]
}

// Posted returns the number of buffers currently posted to hardware for
// this ring.
func (r *Ring) Posted() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.posted
}

// Capacity is the maximum number of buffers postable at once: testable
// property 3 in spec.md §8 bounds this at ring length minus one.
func (r *Ring) Capacity() int {
	return r.slots - 1
}

func (r *Ring) hasRoomLocked() bool {
	return r.posted < r.Capacity()
}

func (r *Ring) incPostedLocked() {
	r.posted++
}

func (r *Ring) decPostedLocked() {
	if r.posted > 0 {
		r.posted--
	}
}

// TryReserve atomically checks for a free posted-to-hardware slot and, if
// one exists, reserves it. Callers that get true back must follow through
// with the matching register write; the check and the bookkeeping share one
// critical section so two concurrent posters can never both believe the
// last slot is theirs.
func (r *Ring) TryReserve() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.hasRoomLocked() {
		return false
	}

	r.incPostedLocked()
	return true
}

// Unreserve gives back a slot reserved by TryReserve that was never actually
// posted.
func (r *Ring) Unreserve() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decPostedLocked()
}

// Deposit writes a completion into the ring slot at pos, as the hardware
// side of the ring would. Exported only for the simulated-hardware test
// model (ring/card.go); the driver itself only ever reads via next().
func (r *Ring) Deposit(pos int, c Completion, w Width) {
	r.mu.Lock()
	defer r.mu.Unlock()
	copy(r.slot(pos%r.slots), EncodeCompletion(c, w))
}

// next consumes the slot at the current cursor if it is fresh (hardware
// has written a non-zero completion there), zeroing it and advancing the
// cursor modulo the ring length. ok is false if the slot is still empty.
func (r *Ring) next(w Width) (c Completion, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.slot(r.cursor)

	c, ok = DecodeCompletion(s, w)
	if !ok {
		return Completion{}, false
	}

	zeroSlot(s)
	r.cursor = (r.cursor + 1) % r.slots
	r.decPostedLocked()

	return c, true
}
