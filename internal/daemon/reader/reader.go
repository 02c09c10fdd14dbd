// Package reader implements the Device Reader (C5): the single goroutine
// per device that drains interrupt-IN, classifies packets, and dispatches
// them into the device's response slot or receive queue. Grounded
// directly on handleIncomingPackets in
// original_source/software/usb_ir/protocol.c.
package reader

import (
	"context"
	"errors"

	"iguanaird/internal/daemon"
	"iguanaird/internal/daemon/logging"
	"iguanaird/internal/protocol"
	"iguanaird/internal/protocol/catalog"
	"iguanaird/internal/protocol/framing"
	"iguanaird/internal/protocol/versionmap"
)

// Reader drains one device's interrupt-IN endpoint until the device is
// marked stopped or the transport reports it is gone.
type Reader struct {
	dev *daemon.Device
	log *logging.Logger
}

// New builds a Reader bound to dev.
func New(dev *daemon.Device, logger *logging.Logger) *Reader {
	if logger == nil {
		logger = logging.Default
	}
	return &Reader{dev: dev, log: logger}
}

// Run blocks, reading and dispatching packets until ctx is cancelled or
// the device is stopped. On exit it closes the reader-notify channel so
// the worker's select wakes up and observes the device going away, per
// spec.md's termination clause.
func (r *Reader) Run(ctx context.Context) {
	defer close(r.dev.ReaderNotify)

	maxPacket := r.dev.Transceiver.MaxPacketSize()
	buf := make([]byte, maxPacket)

	for {
		if r.dev.Stopped {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}

		readCtx, cancel := context.WithTimeout(ctx, r.dev.Settings.RecvTimeout)
		n, err := r.dev.Transceiver.Read(readCtx, buf)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			r.log.Warn("device %d: reader exiting after transport error: %v", r.dev.ID, err)
			return
		}
		if n == 0 {
			continue
		}

		r.dispatch(ctx, append([]byte(nil), buf[:n]...))
	}
}

// dispatch classifies one read, accumulates a short read up to the
// catalog's expected response length, translates the opcode, and routes
// it into the response slot (an ack) or the recv queue (everything else).
func (r *Reader) dispatch(ctx context.Context, data []byte) {
	isControl, opcode, payload := framing.ParseControlHeader(data)
	if !isControl {
		r.dev.RecvList.Push(daemon.ResponsePacket{Opcode: protocol.OpRecv, Payload: payload})
		r.dev.NotifyReader()
		return
	}

	wireOpcode := opcode
	translated := versionmap.TranslateForDevice(&wireOpcode, r.dev.FirmwareVersion, false)
	if !translated {
		r.log.Warn("device %d: could not translate device opcode 0x%02x, storing verbatim", r.dev.ID, byte(opcode))
		wireOpcode = opcode
	}

	row, lookupErr := catalog.Lookup(wireOpcode, r.dev.FirmwareVersion)
	if lookupErr == nil {
		payload = r.accumulate(ctx, payload, row.ResponseLen)
	} else {
		r.log.Debug("device %d: unknown opcode 0x%02x in response, storing verbatim", r.dev.ID, byte(wireOpcode))
	}

	packet := daemon.ResponsePacket{Opcode: wireOpcode, Payload: payload}

	if lookupErr == nil && row.Direction == protocol.ToDevice {
		if stale, had := r.dev.Response.Store(packet); had {
			r.log.Warn("device %d: flushed undrained response for opcode %v", r.dev.ID, stale.Opcode)
		}
		r.dev.NotifyResponse()
		return
	}

	r.dev.RecvList.Push(packet)
	r.dev.NotifyReader()
}

// accumulate performs additional blocking reads to fill out a short read,
// up to the catalog's expected response length, bounded by maxPacketSize
// per read, matching handleIncomingPackets's
// `while(type->inData > current->dataLen)` loop.
func (r *Reader) accumulate(ctx context.Context, payload []byte, wantLen int) []byte {
	if wantLen < 0 {
		return payload
	}
	maxPacket := r.dev.Transceiver.MaxPacketSize()
	chunk := make([]byte, maxPacket)

	for len(payload) < wantLen {
		readCtx, cancel := context.WithTimeout(ctx, r.dev.Settings.RecvTimeout)
		n, err := r.dev.Transceiver.Read(readCtx, chunk)
		cancel()
		if err != nil {
			r.log.Warn("device %d: short read accumulating response, got %d of %d bytes: %v", r.dev.ID, len(payload), wantLen, err)
			break
		}
		if n == 0 {
			break
		}
		payload = append(payload, chunk[:n]...)
	}
	return payload
}
