// Command axisgen2d wires one simulated AXIS Gen2 card end to end — probe,
// a session claiming one destination, a synthetic traffic
// generator standing in for real hardware, and a diagnostics endpoint —
// the runtime counterpart to a kernel module's insmod/rmmod, run as an
// ordinary process.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/slaclab/axisgen2/chardev"
	"github.com/slaclab/axisgen2/demux"
	"github.com/slaclab/axisgen2/device"
	"github.com/slaclab/axisgen2/diag"
	"github.com/slaclab/axisgen2/ring"
	"github.com/slaclab/axisgen2/session"
)

func main() {
	log.SetFlags(0)

	var (
		name        = flag.String("name", "axisgen2_0", "device name")
		rxBuffers   = flag.Int("rx-buffers", 64, "receive buffer pool size")
		txBuffers   = flag.Int("tx-buffers", 64, "transmit buffer pool size")
		bufSize     = flag.Int("buffer-size", 4096, "per-buffer size in bytes")
		ringLen     = flag.Int("ring-length", 256, "descriptor ring length")
		width128    = flag.Bool("128bit-desc", true, "simulate 128-bit descriptor hardware")
		polled      = flag.Bool("polled", false, "run the drain loop polled instead of IRQ-driven")
		dest        = flag.Int("dest", 0, "destination the sample session claims")
		diagAddr    = flag.String("diag-addr", "127.0.0.1:6060", "diagnostics HTTP listen address")
		synthPeriod = flag.Duration("synth-period", time.Second, "period between synthetic receive completions; 0 disables")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	width := ring.Width64
	if *width128 {
		width = ring.Width128
	}

	card := device.NewCard(width)

	cfg := device.DefaultConfig(*name)
	cfg.RXBufferCount = *rxBuffers
	cfg.TXBufferCount = *txBuffers
	cfg.BufferSize = *bufSize
	cfg.RingLength = *ringLen
	cfg.Polled = *polled

	dev, err := device.Probe(cfg, card, nil, logger)
	if err != nil {
		log.Fatalf("axisgen2d: probe: %v", err)
	}
	defer dev.Remove()

	s := dev.Open()
	defer dev.CloseSession(s)

	mask := demux.Mask{}
	mask.Set(uint8(*dest))
	if err := s.ClaimDestinations(mask); err != nil {
		log.Fatalf("axisgen2d: claim destination %d: %v", *dest, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down")
		cancel()
	}()

	if *synthPeriod > 0 {
		hw := ring.NewHardwareModel(dev.Engine())
		go runSyntheticTraffic(ctx, hw, uint8(*dest), *synthPeriod)
	}

	go serveDiagnostics(ctx, *diagAddr, dev, logger)

	logger.Info("ready", "device", dev.Name(), "diag_addr", *diagAddr)

	logDeliveries(ctx, s, uint32(*bufSize), logger)
}

// runSyntheticTraffic deposits a small receive completion on a fixed period,
// standing in for a live card (ring.HardwareModel is the same primitive the
// package's own tests use to drive the Engine without real hardware).
func runSyntheticTraffic(ctx context.Context, hw *ring.HardwareModel, dest uint8, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	var index uint32
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hw.DepositReceive(ring.Completion{
				Index: index, Size: 16, Dest: dest, Result: ring.ResultOK,
			})
		}
	}
}

// logDeliveries repeatedly drives the chardev read entrypoint in copying
// mode, logging each delivered frame, until ctx is cancelled — a minimal
// stand-in for whatever userspace consumer would otherwise read() the
// character device.
func logDeliveries(ctx context.Context, s *session.Session, bufSize uint32, logger *slog.Logger) {
	buf := make([]byte, bufSize)

	for {
		results, err := chardev.Read(ctx, s, []chardev.ReadRequest{{Buf: buf}})
		if err != nil {
			logger.Info("stopped", "reason", err)
			return
		}
		for _, r := range results {
			if r.Err != nil {
				logger.Warn("read error", "err", r.Err)
				continue
			}
			logger.Info("delivered", "size", r.Size)
		}
	}
}

// serveDiagnostics mounts diag's plaintext snapshot handler and blocks
// until ctx is cancelled, matching the teacher's startWebServer pattern
// (example/web_server.go) translated to log/slog and graceful shutdown via
// context instead of log.Fatal on the first Serve error.
func serveDiagnostics(ctx context.Context, addr string, dev diag.Source, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/diag", diag.Handler(dev))

	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("diagnostics server stopped", "err", err)
	}
}
