// Package tracer is an optional eBPF-backed packet counter for the
// daemon: a ring-buffer reader attached to a kprobe on the host USB
// stack, counting IR packets in/out per device without touching the
// hot path of the reader or transactor. Grounded on the
// rlimit.RemoveMemlock/ringbuf.NewReader/link.Attach* idiom in
// _examples/guiperry-HASHER/internal/driver/device/eBPF_driver.go,
// adapted from that file's conceptual ASIC nonce-ring-buffer design to
// a USB-packet counting one. It is diagnostic only: nothing in the
// reader/session/worker/registry path depends on it, and a Tracer that
// fails to load degrades to a disabled no-op rather than failing the
// daemon.
package tracer

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/cilium/ebpf/rlimit"

	"iguanaird/internal/daemon/logging"
)

// PacketEvent matches the struct the kprobe program writes into the
// packet_events ring buffer map: one entry per USB transfer the host
// stack completes against a traced device.
type PacketEvent struct {
	DeviceID  uint32
	Direction uint8 // 0 = device->host (RECV), 1 = host->device (SEND)
	_         [3]byte
	Length    uint32
}

// objects are the eBPF program and map this package expects an
// externally compiled and pinned object file to provide. Loading is
// delegated to ebpf.CollectionSpec so no bpf2go-generated skeleton is
// required here.
type objects struct {
	UsbTraceHook *ebpf.Program `ebpf:"usb_trace_hook"`
	PacketEvents *ebpf.Map     `ebpf:"packet_events"`
}

func (o *objects) Close() error {
	var errs []error
	if o.UsbTraceHook != nil {
		errs = append(errs, o.UsbTraceHook.Close())
	}
	if o.PacketEvents != nil {
		errs = append(errs, o.PacketEvents.Close())
	}
	return errors.Join(errs...)
}

// Tracer owns the loaded eBPF program, its kprobe attachment, and the
// ring buffer reader. A Tracer built by New always has a working Run
// and Close even when the underlying eBPF load failed: in that case
// Run returns immediately and Close is a no-op, so callers never need
// to branch on whether tracing is actually active.
type Tracer struct {
	log     *logging.Logger
	enabled bool
	objs    objects
	kprobe  link.Link
	reader  *ringbuf.Reader
}

// New attempts to load objPath (a compiled eBPF object file implementing
// usb_trace_hook/packet_events) and attach it to symbol as a kprobe. Any
// failure - missing CAP_BPF, no object file, kernel too old - produces a
// disabled Tracer and a logged warning rather than an error, since
// tracing is an optional diagnostic, never required for the daemon to
// serve clients.
func New(objPath, symbol string, logger *logging.Logger) *Tracer {
	if logger == nil {
		logger = logging.Default
	}
	t := &Tracer{log: logger}

	if objPath == "" {
		logger.Info("tracer: no eBPF object configured, packet tracing disabled")
		return t
	}

	if err := t.load(objPath, symbol); err != nil {
		logger.Warn("tracer: disabled: %v", err)
		return t
	}

	t.enabled = true
	logger.Info("tracer: attached usb_trace_hook to %s", symbol)
	return t
}

func (t *Tracer) load(objPath, symbol string) error {
	if err := rlimit.RemoveMemlock(); err != nil {
		return fmt.Errorf("remove memlock rlimit: %w", err)
	}

	spec, err := ebpf.LoadCollectionSpec(objPath)
	if err != nil {
		return fmt.Errorf("load collection spec: %w", err)
	}

	var objs objects
	if err := spec.LoadAndAssign(&objs, nil); err != nil {
		return fmt.Errorf("load and assign: %w", err)
	}
	t.objs = objs

	kp, err := link.Kprobe(symbol, objs.UsbTraceHook, nil)
	if err != nil {
		objs.Close()
		return fmt.Errorf("attach kprobe %s: %w", symbol, err)
	}
	t.kprobe = kp

	reader, err := ringbuf.NewReader(objs.PacketEvents)
	if err != nil {
		kp.Close()
		objs.Close()
		return fmt.Errorf("open ring buffer: %w", err)
	}
	t.reader = reader
	return nil
}

// Run reads events until ctx is cancelled or the ring buffer closes,
// invoking onEvent for each one. Run returns immediately, without
// invoking onEvent, when the Tracer is disabled.
func (t *Tracer) Run(ctx context.Context, onEvent func(PacketEvent)) {
	if !t.enabled {
		return
	}

	go func() {
		<-ctx.Done()
		t.reader.Close()
	}()

	for {
		record, err := t.reader.Read()
		if err != nil {
			if errors.Is(err, ringbuf.ErrClosed) {
				return
			}
			t.log.Warn("tracer: ring buffer read failed: %v", err)
			return
		}

		var ev PacketEvent
		if err := binary.Read(bytes.NewReader(record.RawSample), binary.LittleEndian, &ev); err != nil {
			t.log.Warn("tracer: decoding packet event: %v", err)
			continue
		}
		onEvent(ev)
	}
}

// Close releases the kprobe attachment and eBPF objects. Safe to call
// on a disabled Tracer.
func (t *Tracer) Close() {
	if !t.enabled {
		return
	}
	if t.kprobe != nil {
		t.kprobe.Close()
	}
	t.objs.Close()
}
