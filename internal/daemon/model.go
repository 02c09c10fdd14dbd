// Package daemon holds the shared data model (spec.md section 3) used by
// the reader, transactor, session, worker, and registry sub-packages:
// the in-memory Device and Client records, and the small synchronized
// primitives (response slot, receive queue) the protocol depends on.
// Grounded on iguanaDev/deviceSettings in
// original_source/software/usb_ir/device-interface.h and on the Device
// struct's stats/mutex conventions in
// _examples/guiperry-HASHER/internal/driver/device/controller.go.
package daemon

import (
	"sync"
	"time"

	"iguanaird/internal/protocol"
	"iguanaird/internal/usbtransport"
)

// Settings are the daemon-wide defaults every Device inherits unless a
// per-device override applies, grounded on deviceSettings in
// device-interface.h.
type Settings struct {
	RecvTimeout time.Duration
	SendTimeout time.Duration
}

// DefaultSettings mirrors the original daemon's 1000ms/1000ms defaults
// (spec.md section 5, Cancellation and timeouts).
func DefaultSettings() Settings {
	return Settings{RecvTimeout: time.Second, SendTimeout: time.Second}
}

// Stats tracks per-device transaction counters for the diagnostics HTTP
// endpoint, following DeviceStats/DeviceStatsSnapshot's split between a
// mutex-guarded accumulator and a plain copyable snapshot.
type Stats struct {
	mu             sync.RWMutex
	TotalRequests  uint64
	TotalBytes     uint64
	TotalErrors    uint64
	PeakLatencyNs  uint64
	TotalLatencyNs uint64
}

// StatsSnapshot is a copyable, unlocked view of Stats.
type StatsSnapshot struct {
	TotalRequests  uint64
	TotalBytes     uint64
	TotalErrors    uint64
	PeakLatencyNs  uint64
	TotalLatencyNs uint64
}

func (s *Stats) Record(bytes int, latency time.Duration, failed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.TotalRequests++
	s.TotalBytes += uint64(bytes)
	s.TotalLatencyNs += uint64(latency.Nanoseconds())
	if uint64(latency.Nanoseconds()) > s.PeakLatencyNs {
		s.PeakLatencyNs = uint64(latency.Nanoseconds())
	}
	if failed {
		s.TotalErrors++
	}
}

func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return StatsSnapshot{
		TotalRequests:  s.TotalRequests,
		TotalBytes:     s.TotalBytes,
		TotalErrors:    s.TotalErrors,
		PeakLatencyNs:  s.PeakLatencyNs,
		TotalLatencyNs: s.TotalLatencyNs,
	}
}

// ResponseSlot holds at most one device-originated ack packet, guarded by
// its own lock as spec.md's "response_slot holds at most one packet"
// invariant requires. A second arrival before the slot is drained flushes
// the stale one and the caller is expected to log a warning.
type ResponseSlot struct {
	mu     sync.Mutex
	packet *ResponsePacket
}

// ResponsePacket is a decoded device-originated packet awaiting pickup by
// the transactor that is waiting on it.
type ResponsePacket struct {
	Opcode  protocol.Opcode
	Payload []byte
}

// Store replaces the slot's contents, returning the previously stored
// packet if one was present and undrained (a protocol violation).
func (r *ResponseSlot) Store(p ResponsePacket) (stale *ResponsePacket, hadStale bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.packet != nil {
		stale = r.packet
		hadStale = true
	}
	cp := p
	r.packet = &cp
	return stale, hadStale
}

// Take removes and returns the stored packet, if any.
func (r *ResponseSlot) Take() (ResponsePacket, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.packet == nil {
		return ResponsePacket{}, false
	}
	p := *r.packet
	r.packet = nil
	return p, true
}

// RecvQueue is the FIFO of device-initiated RECV/OVERRECV packets handed
// from the reader to the worker's fan-out loop.
type RecvQueue struct {
	mu    sync.Mutex
	items []ResponsePacket
}

func (q *RecvQueue) Push(p ResponsePacket) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, p)
}

func (q *RecvQueue) Pop() (ResponsePacket, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return ResponsePacket{}, false
	}
	p := q.items[0]
	q.items = q.items[1:]
	return p, true
}

// Device is the daemon's in-memory record for one attached transceiver:
// its transport, negotiated firmware state, cached session parameters,
// and the structures the reader/transactor/worker coordinate through.
type Device struct {
	ID       int
	Location usbtransport.Location

	Transceiver usbtransport.Transceiver
	Settings    Settings

	// Negotiated once via EXCH_VERSIONS-equivalent GETVERSION, then fixed
	// for the device's lifetime.
	FirmwareVersion uint16
	Features        byte
	Cycles          byte

	// Cached session parameters applied by C7's locally-handled opcodes.
	mu       sync.Mutex
	Channels byte
	CarrierHz int

	ReceiverRefcount int

	ResponseNotify chan struct{}
	ReaderNotify   chan struct{}
	Response       ResponseSlot
	RecvList       RecvQueue

	// WriteMu serializes the transactor's interrupt-OUT writes; the
	// reader does not take it.
	WriteMu sync.Mutex

	Stats Stats

	Stopped bool
}

// NewDevice builds a Device with fresh notification channels and the
// daemon-wide default carrier (38kHz, IguanaIR's historical default).
func NewDevice(id int, t usbtransport.Transceiver, settings Settings) *Device {
	return &Device{
		ID:             id,
		Location:       t.Location(),
		Transceiver:    t,
		Settings:       settings,
		CarrierHz:      38000,
		ResponseNotify: make(chan struct{}, 1),
		ReaderNotify:   make(chan struct{}, 1),
	}
}

// Carrier returns the cached transmit carrier frequency in Hz.
func (d *Device) Carrier() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.CarrierHz
}

// SetCarrier clamps and caches hz, returning the clamped value actually
// stored (spec.md's SET_CARRIER local semantics: "Clamp to
// [25_000, 150_000]; cache; echo back clamped value").
func (d *Device) SetCarrier(hz int) int {
	if hz < protocol.MinCarrierHz {
		hz = protocol.MinCarrierHz
	} else if hz > protocol.MaxCarrierHz {
		hz = protocol.MaxCarrierHz
	}
	d.mu.Lock()
	d.CarrierHz = hz
	d.mu.Unlock()
	return hz
}

// ChannelMask returns the cached channel nibble shifted into the high
// four bits, the form the firmware's SEND header takes.
func (d *Device) ChannelMask() byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Channels
}

// SetChannelMask caches value, rejecting anything above the 4-bit nibble
// the firmware understands.
func (d *Device) SetChannelMask(value byte) bool {
	if value > 0x0F {
		return false
	}
	d.mu.Lock()
	d.Channels = value << 4
	d.mu.Unlock()
	return true
}

// IncrReceiverRefcount bumps the shared receiver refcount and returns the
// new value, guarded by the same mutex as the cached session parameters.
func (d *Device) IncrReceiverRefcount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ReceiverRefcount++
	return d.ReceiverRefcount
}

// DecrReceiverRefcount drops the shared receiver refcount (floored at 0)
// and returns the new value.
func (d *Device) DecrReceiverRefcount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ReceiverRefcount > 0 {
		d.ReceiverRefcount--
	}
	return d.ReceiverRefcount
}

// NotifyReader signals the reader-notify pipe with one "byte" (a
// non-blocking channel send, the Go analogue of notify(pipe[WRITE])).
func (d *Device) NotifyReader() {
	select {
	case d.ReaderNotify <- struct{}{}:
	default:
	}
}

// NotifyResponse signals the response-notify pipe the same way.
func (d *Device) NotifyResponse() {
	select {
	case d.ResponseNotify <- struct{}{}:
	default:
	}
}

// Client is the daemon's per-connection state, implementing the
// AwaitingVersion -> Active -> Closing machine from spec.md section 4.7.
type ClientState int

const (
	AwaitingVersion ClientState = iota
	Active
	Closing
)

func (s ClientState) String() string {
	switch s {
	case AwaitingVersion:
		return "AwaitingVersion"
	case Active:
		return "Active"
	case Closing:
		return "Closing"
	default:
		return "Unknown"
	}
}

// Receiving describes what a client subscribed to via RECVON/RAWRECVON.
type Receiving int

const (
	ReceivingOff Receiving = iota
	ReceivingCooked
	ReceivingRaw
)

type Client struct {
	ID              uint64
	ProtocolVersion uint16
	State           ClientState
	Receiving       Receiving
	IDsEnabled      bool
}
