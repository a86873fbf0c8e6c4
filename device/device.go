package device

import (
	"context"
	"fmt"
	"log/slog"
	"math/bits"
	"sync"

	"github.com/slaclab/axisgen2/chardev"
	"github.com/slaclab/axisgen2/demux"
	"github.com/slaclab/axisgen2/diag"
	"github.com/slaclab/axisgen2/dma"
	"github.com/slaclab/axisgen2/ring"
	"github.com/slaclab/axisgen2/session"
)

// Device implements diag.Source without an adapter: it already exposes
// exactly the four accessors diag.Take needs.
var _ diag.Source = (*Device)(nil)

// NullCommandHandler is the zero-value CommandHandler: every utility
// command is reported unknown. It is both the default wired in by Probe
// when it is given no hardware-specific handler and the template a real
// one (e.g. an MCS/PROM flash programmer, out of scope here per spec.md
// §1) would follow.
type NullCommandHandler struct{}

// DeviceCommand implements chardev.CommandHandler.
func (NullCommandHandler) DeviceCommand(s *session.Session, cmd uint32, arg uint64) (uint64, error) {
	return 0, chardev.ErrUnknownCommand
}

// Device binds one Card to its buffer pools, ring engine, destination
// demultiplexer and chardev dispatcher, and owns the drain-loop goroutine
// started at Probe and stopped at Remove — the runtime equivalent of the
// original driver's module probe/remove pair (spec.md §5 "open/close/
// remove" context).
type Device struct {
	name string
	cfg  Config
	log  *slog.Logger

	card   *Card
	engine *ring.Engine
	demux  *demux.Demux
	rxPool *dma.Pool
	txPool *dma.Pool

	dispatcher *chardev.Dispatcher

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[*session.Session]struct{}
}

// Probe allocates the buffer pools, builds the ring engine, programs the
// register map, arms the receive ring, and starts the drain-loop goroutine
// — the sequence a real driver's probe() entry point runs once per card.
// handler may be nil, in which case NullCommandHandler is wired in.
func Probe(cfg Config, card *Card, handler chardev.CommandHandler, logger *slog.Logger) (*Device, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("device", cfg.DeviceName)

	rxPool, n, err := dma.Allocate(0, dma.DirRX, cfg.Mode, cfg.BufferSize, cfg.RXBufferCount, nil)
	if err != nil {
		logger.Error("rx pool allocation failed", "err", err, "requested", cfg.RXBufferCount, "got", n)
		return nil, fmt.Errorf("device: rx pool: %w", err)
	}

	txPool, n, err := dma.Allocate(uint32(cfg.RXBufferCount), dma.DirTX, cfg.Mode, cfg.BufferSize, cfg.TXBufferCount, nil)
	if err != nil {
		rxPool.Free()
		logger.Error("tx pool allocation failed", "err", err, "requested", cfg.TXBufferCount, "got", n)
		return nil, fmt.Errorf("device: tx pool: %w", err)
	}

	d := demux.New()

	width := ring.DetectWidth(card.BAR)

	engine := ring.NewEngine(ring.Config{
		BAR:        card.BAR,
		Width:      width,
		RingLength: cfg.RingLength,
		RXPool:     rxPool,
		TXPool:     txPool,
		Demux:      d,
		DrainCap:   cfg.DrainCap,
	})

	if handler == nil {
		handler = NullCommandHandler{}
	}

	dev := &Device{
		name:   cfg.DeviceName,
		cfg:    cfg,
		log:    logger,
		card:   card,
		engine: engine,
		demux:  d,
		rxPool: rxPool,
		txPool: txPool,
		dispatcher: &chardev.Dispatcher{
			RXCount: cfg.RXBufferCount,
			TXCount: cfg.TXBufferCount,
			RXBase:  0,
			TXBase:  uint32(cfg.RXBufferCount),
			BufSize: uint32(cfg.BufferSize),
			BAR:     card.BAR,
			Handler: handler,
		},
		sessions: make(map[*session.Session]struct{}),
	}

	dev.programRegisters()
	engine.InitDMAAddrTable()
	engine.ArmReceive()

	ctx, cancel := context.WithCancel(context.Background())
	dev.cancel = cancel

	mode := ring.ServiceIRQDriven
	if cfg.Polled {
		mode = ring.ServicePolled
	}

	dev.wg.Add(1)
	go func() {
		defer dev.wg.Done()
		engine.Serve(ctx, mode)
	}()

	logger.Info("probed",
		"rx_buffers", cfg.RXBufferCount, "tx_buffers", cfg.TXBufferCount,
		"buffer_size", cfg.BufferSize, "ring_length", cfg.RingLength,
		"width", width, "polled", cfg.Polled)

	return dev, nil
}

// programRegisters writes the load-time register-map fields spec.md §6
// lists under "Environment / config" plus the interrupt-enable/online
// handshake, mirroring a real probe()'s register setup sequence. The
// ring-base registers are not written.
func (d *Device) programRegisters() {
	bar := d.card.BAR

	bar.Write32(ring.RegFifoReset, 1)
	bar.Write32(ring.RegFifoReset, 0)

	if d.cfg.ContinueEnable {
		bar.Write32(ring.RegContinuousEnable, 1)
	}
	if d.cfg.DropEnable {
		bar.Write32(ring.RegDropEnable, 1)
	}

	bar.Write32(ring.RegMaxSize, uint32(d.cfg.BufferSize))
	bar.Write32(ring.RegIRQHoldOff, d.cfg.IRQHoldOff)
	bar.Write32(ring.RegTimeout, d.cfg.Timeout)

	logRingLen := bits.Len(uint(d.cfg.RingLength)) - 1
	bar.Write32(ring.RegAddrWidth, uint32(logRingLen))

	for g := 0; g < ring.NumBufferGroups; g++ {
		bar.Write32(ring.BGThresholdOffset(g), d.cfg.BGThresholds[g])
	}

	bar.Write32(ring.RegIntEnable, 1)
	bar.Write32(ring.RegOnline, 1)
	bar.Set(ring.RegEnableVersion, 0)
}

// Open starts a new session against this device, the chardev-level
// open() entrypoint (spec.md §4.4).
func (d *Device) Open() *session.Session {
	s := session.Open(d.engine, d.demux, d.rxPool, d.txPool)

	d.mu.Lock()
	d.sessions[s] = struct{}{}
	d.mu.Unlock()

	d.log.Debug("session opened", "session", s.SessionID())
	return s
}

// CloseSession closes s and forgets it, the chardev-level close()
// entrypoint (spec.md §4.4).
func (d *Device) CloseSession(s *session.Session) {
	s.Close()

	d.mu.Lock()
	delete(d.sessions, s)
	d.mu.Unlock()

	d.log.Debug("session closed", "session", s.SessionID())
}

// Remove stops the drain-loop goroutine and releases both buffer pools —
// the module remove() entry point's counterpart to Probe.
func (d *Device) Remove() {
	d.cancel()
	d.wg.Wait()

	// With the drain loop stopped nothing posted to the card completes any
	// more; take every buffer back from hardware so the pools can be freed.
	d.rxPool.ForEach(d.rxPool.FromHW)
	d.txPool.ForEach(d.txPool.FromHW)

	if err := d.rxPool.Free(); err != nil {
		d.log.Error("rx pool free failed", "err", err)
	}
	if err := d.txPool.Free(); err != nil {
		d.log.Error("tx pool free failed", "err", err)
	}

	d.log.Info("removed")
}

// Engine exposes the ring engine, for the example daemon's simulated
// hardware model and for diag.Source.
func (d *Device) Engine() *ring.Engine { return d.engine }

// RXPool implements diag.Source.
func (d *Device) RXPool() *dma.Pool { return d.rxPool }

// TXPool implements diag.Source.
func (d *Device) TXPool() *dma.Pool { return d.txPool }

// Demux implements diag.Source.
func (d *Device) Demux() *demux.Demux { return d.demux }

// Dispatcher returns the chardev ioctl/mmap dispatcher bound to this
// device's pools and register window.
func (d *Device) Dispatcher() *chardev.Dispatcher { return d.dispatcher }

// Name returns the device's configured name.
func (d *Device) Name() string { return d.name }
