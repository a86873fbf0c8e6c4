// Package diag exposes the driver's running diagnostic counters (spec.md
// §4.3's missed-irq/continuation-count, the number of buffers each pool has
// posted to hardware, and the number of claimed destinations) both as a
// plain accessor (Take) and as a plaintext net/http handler (Handler). It
// also blank-imports debugcharts, which registers its own charts on
// http.DefaultServeMux; the counters above are not fed into those charts.
//
// Grounded on example/web_server.go's use of github.com/mkevac/debugcharts
// to mount a live charts UI onto net/http; the teacher's go.mod carries the
// dependency but no teacher file actually imports it, so this is its first
// real use.
package diag

import (
	"fmt"
	"net/http"

	_ "github.com/mkevac/debugcharts"

	"github.com/slaclab/axisgen2/demux"
	"github.com/slaclab/axisgen2/dma"
	"github.com/slaclab/axisgen2/ring"
)

// Snapshot is a point-in-time view of one device's diagnostic counters.
type Snapshot struct {
	MissedIRQ         uint64
	ContinuationCount uint64

	RXPoolLen int
	TXPoolLen int

	ClaimedDestinations int
}

// poolOccupancy counts buffers posted to hardware within a pool, the
// "per-pool occupancy" figure of the diagnostics surface.
func poolOccupancy(p *dma.Pool) int {
	n := 0
	p.ForEach(func(b *dma.Buffer) {
		if b.InHW() {
			n++
		}
	})
	return n
}

func claimedCount(d *demux.Demux) int {
	n := 0
	for dest := 0; dest < demux.MaxDest; dest++ {
		if _, ok := d.Lookup(uint8(dest)); ok {
			n++
		}
	}
	return n
}

// Take builds a Snapshot from one device's live components.
func Take(e *ring.Engine, rxPool, txPool *dma.Pool, d *demux.Demux) Snapshot {
	return Snapshot{
		MissedIRQ:           e.MissedIRQ(),
		ContinuationCount:   e.ContinuationCount(),
		RXPoolLen:           poolOccupancy(rxPool),
		TXPoolLen:           poolOccupancy(txPool),
		ClaimedDestinations: claimedCount(d),
	}
}

// Source is the live state Take reads from; device.Device implements it,
// keeping diag free of any dependency on package device.
type Source interface {
	Engine() *ring.Engine
	RXPool() *dma.Pool
	TXPool() *dma.Pool
	Demux() *demux.Demux
}

// Handler returns an http.Handler serving the current Snapshot as the
// mount point for a device's own diagnostics endpoint; debugcharts mounts
// its own handlers on http.DefaultServeMux at import time, so this is kept
// as a distinct, explicitly-wired endpoint rather than also registering on
// the default mux.
func Handler(s Source) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		snap := Take(s.Engine(), s.RXPool(), s.TXPool(), s.Demux())
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintf(w, "missed_irq %d\ncontinuation_count %d\nrx_posted %d\ntx_posted %d\nclaimed_destinations %d\n",
			snap.MissedIRQ, snap.ContinuationCount, snap.RXPoolLen, snap.TXPoolLen, snap.ClaimedDestinations)
	})
}
