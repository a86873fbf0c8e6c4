package ring

import "errors"

// ErrRingFull is returned by PostTransmit when the read-ring has no spare
// posted-to-hardware slots and, in 64-bit-descriptor mode, there is no
// read-staging queue to fall back to (spec.md §3: the read-staging queue
// exists "when operating in 128-bit-descriptor mode"). Callers treat this
// the same as an empty TX free-queue: a non-blocking write returns zero
// bytes rather than propagating an error (spec.md §7).
var ErrRingFull = errors.New("ring: full")
