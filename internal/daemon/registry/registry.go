// Package registry implements the Device Registry (C9): USB enumeration,
// lowest-free-ID assignment, worker spawn/reap, the control socket, and
// the rescan triggers (hot-plug channel, timer, SIGHUP), per spec.md
// section 4.9.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/gousb"

	"iguanaird/internal/daemon"
	"iguanaird/internal/daemon/logging"
	"iguanaird/internal/daemon/worker"
	"iguanaird/internal/protocol"
	"iguanaird/internal/protocol/framing"
	"iguanaird/internal/transport"
	"iguanaird/internal/usbtransport"
)

// CtlList and CtlSubscribe are the control socket's opcodes. They live
// outside the device-protocol opcode bands reserved in spec.md section 3
// (0x01..0x2F, 0x30..0x3F, 0xFE, 0xFF) since the control socket speaks a
// daemon-internal protocol, not the device protocol.
const (
	CtlList      protocol.Opcode = 0x40
	CtlSubscribe protocol.Opcode = 0x41
	CtlEvent     protocol.Opcode = 0x42
)

// DeviceInfo is the JSON shape returned by CtlList, pushed on CtlEvent,
// and read by internal/daemon/diagnostics.
type DeviceInfo struct {
	ID       int                  `json:"id"`
	Location string               `json:"location"`
	Stats    daemon.StatsSnapshot `json:"stats"`
}

// entry tracks one spawned worker so it can be reaped and its ID reused.
type entry struct {
	id     int
	loc    usbtransport.Location
	dev    *daemon.Device
	cancel context.CancelFunc
	done   chan struct{}
}

// Registry owns every active device worker and the control socket.
type Registry struct {
	root     string
	settings daemon.Settings
	log      *logging.Logger

	// discover is overridden in tests to avoid depending on real USB
	// hardware; production callers leave it nil and New wires the real
	// gousb-backed implementation.
	discover func() ([]usbtransport.Transceiver, error)

	mu      sync.Mutex
	entries map[string]*entry // keyed by Location.String()
	usedIDs map[int]bool

	ctlListener *transport.Listener
	ctlMu       sync.Mutex
	ctlClients  map[uint64]*transport.FrameConn
	nextCtlID   uint64
}

// New builds a Registry bound to root's control socket, discovering
// devices via gousbCtx.
func New(root string, gousbCtx *gousb.Context, settings daemon.Settings, logger *logging.Logger) (*Registry, error) {
	if logger == nil {
		logger = logging.Default
	}
	if err := transport.EnsureSocketRoot(root); err != nil {
		return nil, err
	}
	ctl, err := transport.Listen(root, "ctl")
	if err != nil {
		return nil, err
	}

	r := &Registry{
		root:        root,
		settings:    settings,
		log:         logger,
		entries:     make(map[string]*entry),
		usedIDs:     make(map[int]bool),
		ctlListener: ctl,
		ctlClients:  make(map[uint64]*transport.FrameConn),
	}
	r.discover = func() ([]usbtransport.Transceiver, error) { return discoverViaGousb(gousbCtx) }
	go r.acceptCtl()
	return r, nil
}

func discoverViaGousb(ctx *gousb.Context) ([]usbtransport.Transceiver, error) {
	devices, err := usbtransport.Enumerate(ctx)
	if err != nil {
		return nil, err
	}
	var out []usbtransport.Transceiver
	for _, d := range devices {
		t, err := usbtransport.Open(ctx, d)
		if err != nil {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// Scan performs one enumeration pass, spawning a worker for every
// discovered transceiver whose location is not already tracked. Devices
// that disappeared since the last scan are left alone: the reader
// detects their removal and the worker reaps itself (spec.md section
// 4.9).
func (r *Registry) Scan(ctx context.Context) error {
	transceivers, err := r.discover()
	if err != nil {
		return fmt.Errorf("registry: scan: %w", err)
	}

	for _, t := range transceivers {
		loc := t.Location()
		r.mu.Lock()
		_, tracked := r.entries[loc.String()]
		r.mu.Unlock()
		if tracked {
			t.Close()
			continue
		}
		r.spawn(ctx, t)
	}
	return nil
}

func (r *Registry) spawn(ctx context.Context, t usbtransport.Transceiver) {
	r.mu.Lock()
	id := r.lowestFreeIDLocked()
	r.usedIDs[id] = true
	r.mu.Unlock()

	dev := daemon.NewDevice(id, t, r.settings)
	w, err := worker.New(dev, r.root, "", r.log)
	if err != nil {
		r.log.Error("registry: spawning worker for device %d: %v", id, err)
		r.mu.Lock()
		delete(r.usedIDs, id)
		r.mu.Unlock()
		return
	}

	workerCtx, cancel := context.WithCancel(ctx)
	e := &entry{id: id, loc: t.Location(), dev: dev, cancel: cancel, done: make(chan struct{})}

	r.mu.Lock()
	r.entries[e.loc.String()] = e
	r.mu.Unlock()

	r.log.Info("registry: device %d attached at %s", id, e.loc)
	r.broadcastEvent(r.infoFor(e))

	go func() {
		w.Run(workerCtx)
		r.reap(e)
		close(e.done)
	}()
}

func (r *Registry) reap(e *entry) {
	r.mu.Lock()
	delete(r.entries, e.loc.String())
	delete(r.usedIDs, e.id)
	r.mu.Unlock()
	r.log.Info("registry: device %d at %s reaped", e.id, e.loc)
}

// lowestFreeIDLocked returns the smallest non-negative integer not
// currently assigned (TESTABLE PROPERTY #6: IDs are reused after
// removal). Caller holds r.mu.
func (r *Registry) lowestFreeIDLocked() int {
	for id := 0; ; id++ {
		if !r.usedIDs[id] {
			return id
		}
	}
}

// RunRescanLoop repeats Scan whenever the timer fires, a hot-plug event
// arrives, or the hangup channel fires (SIGHUP), until ctx is cancelled.
func (r *Registry) RunRescanLoop(ctx context.Context, scanTimer time.Duration, hotplug <-chan struct{}, hangup <-chan struct{}) {
	var timerC <-chan time.Time
	if scanTimer > 0 {
		ticker := time.NewTicker(scanTimer)
		defer ticker.Stop()
		timerC = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-timerC:
		case <-hotplug:
		case <-hangup:
		}
		if err := r.Scan(ctx); err != nil {
			r.log.Warn("registry: rescan failed: %v", err)
		}
	}
}

// Shutdown implements spec.md section 4.9's shutdown sequence: cancel
// every worker, wait up to timeout per device for its reap, then return.
func (r *Registry) Shutdown(timeout time.Duration) {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	for _, e := range entries {
		e.cancel()
	}
	for _, e := range entries {
		select {
		case <-e.done:
		case <-time.After(timeout):
			r.log.Warn("registry: device %d did not shut down within %s", e.id, timeout)
		}
	}

	r.ctlListener.Close()
	r.ctlMu.Lock()
	for _, c := range r.ctlClients {
		c.Close()
	}
	r.ctlMu.Unlock()
}

// Devices returns a stable snapshot of the currently attached devices,
// including each device's request/error counters for the diagnostics
// server.
func (r *Registry) Devices() []DeviceInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]DeviceInfo, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, r.infoFor(e))
	}
	return out
}

func (r *Registry) infoFor(e *entry) DeviceInfo {
	info := DeviceInfo{ID: e.id, Location: e.loc.String()}
	if e.dev != nil {
		info.Stats = e.dev.Stats.Snapshot()
	}
	return info
}

func (r *Registry) acceptCtl() {
	for {
		conn, err := r.ctlListener.Accept()
		if err != nil {
			return
		}
		id := r.nextCtlIDAndStore(conn)
		go r.serveCtl(id, conn)
	}
}

func (r *Registry) nextCtlIDAndStore(conn *transport.FrameConn) uint64 {
	r.ctlMu.Lock()
	defer r.ctlMu.Unlock()
	id := r.nextCtlID
	r.nextCtlID++
	r.ctlClients[id] = conn
	return id
}

func (r *Registry) serveCtl(id uint64, conn *transport.FrameConn) {
	defer func() {
		r.ctlMu.Lock()
		delete(r.ctlClients, id)
		r.ctlMu.Unlock()
		conn.Close()
	}()

	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			return
		}
		switch frame.Opcode {
		case CtlList:
			payload, _ := json.Marshal(r.Devices())
			conn.WriteFrame(framing.WireFrame{Opcode: CtlList, DataLen: int32(len(payload)), Payload: payload})
		case CtlSubscribe:
			conn.WriteFrame(framing.WireFrame{Opcode: CtlSubscribe})
		default:
			conn.WriteFrame(framing.WireFrame{Opcode: protocol.OpDevError, DataLen: -22})
		}
	}
}

func (r *Registry) broadcastEvent(info DeviceInfo) {
	payload, err := json.Marshal(info)
	if err != nil {
		return
	}
	frame := framing.WireFrame{Opcode: CtlEvent, DataLen: int32(len(payload)), Payload: payload}

	r.ctlMu.Lock()
	conns := make([]*transport.FrameConn, 0, len(r.ctlClients))
	for _, c := range r.ctlClients {
		conns = append(conns, c)
	}
	r.ctlMu.Unlock()

	for _, c := range conns {
		c.WriteFrame(frame)
	}
}
