package demux

import (
	"testing"

	"github.com/slaclab/axisgen2/dma"
)

type stubOwner struct {
	id uint64
}

func (o *stubOwner) SessionID() uint64        { return o.id }
func (o *stubOwner) Deliver(buf *dma.Buffer) {}

func TestClaimAndLookup(t *testing.T) {
	d := New()
	o := &stubOwner{id: 1}

	m := Mask{}
	m.Set(10)
	m.Set(20)

	if err := d.Claim(o, m); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	got, ok := d.Lookup(10)
	if !ok || got != o {
		t.Fatalf("Lookup(10) = (%v, %v), want (%v, true)", got, ok, o)
	}
	if _, ok := d.Lookup(11); ok {
		t.Fatalf("Lookup(11) should miss; it was never claimed")
	}
}

// S6 (claim conflict): a conflicting claim fails atomically, leaving the
// pre-claim state untouched.
func TestClaimConflictIsAtomic(t *testing.T) {
	d := New()
	s1 := &stubOwner{id: 1}
	s2 := &stubOwner{id: 2}

	m1 := Mask{}
	m1.Set(0)
	m1.Set(1)
	m1.Set(2)
	if err := d.Claim(s1, m1); err != nil {
		t.Fatalf("s1 Claim: %v", err)
	}

	m2 := Mask{}
	m2.Set(2)
	m2.Set(3)
	if err := d.Claim(s2, m2); err != ErrDestinationClaimed {
		t.Fatalf("conflicting Claim = %v, want ErrDestinationClaimed", err)
	}

	if owner, _ := d.Lookup(2); owner != s1 {
		t.Fatalf("destination 2 should remain held by s1 after a failed conflicting claim")
	}
	if _, ok := d.Lookup(3); ok {
		t.Fatalf("destination 3 should remain unclaimed after a failed atomic claim")
	}
}

func TestReleaseOnlyClearsOwnEntries(t *testing.T) {
	d := New()
	s1 := &stubOwner{id: 1}
	s2 := &stubOwner{id: 2}

	m1 := Mask{}
	m1.Set(5)
	_ = d.Claim(s1, m1)

	m2 := Mask{}
	m2.Set(6)
	_ = d.Claim(s2, m2)

	// s1 releasing a mask that also names destination 6 must not disturb
	// s2's claim on it.
	releaseMask := Mask{}
	releaseMask.Set(5)
	releaseMask.Set(6)
	d.Release(s1, releaseMask)

	if _, ok := d.Lookup(5); ok {
		t.Fatalf("destination 5 should be released")
	}
	if owner, ok := d.Lookup(6); !ok || owner != s2 {
		t.Fatalf("destination 6 should remain held by s2")
	}
}

func TestClaimAfterReleaseRoundTrip(t *testing.T) {
	// spec.md §8: "claim_destinations(s, M); close(s) leaves the
	// demultiplexer state identical to before the claim."
	d := New()
	o := &stubOwner{id: 9}

	m := Mask{}
	m.Set(42)

	_ = d.Claim(o, m)
	d.Release(o, m)

	if _, ok := d.Lookup(42); ok {
		t.Fatalf("destination should be unclaimed after release, restoring pre-claim state")
	}

	other := &stubOwner{id: 10}
	if err := d.Claim(other, m); err != nil {
		t.Fatalf("a different owner should be able to claim the released destination: %v", err)
	}
}
