// Package session implements the Client Session (C7): the per-client
// AwaitingVersion -> Active -> Closing state machine, the table of
// opcodes handled entirely inside the daemon, and SEND re-encoding via
// the cached carrier. Grounded on the client dispatch loop described in
// spec.md section 4.7 and on checkIncomingProtocol/clientIO in
// original_source/software/usb_ir/server.c.
package session

import (
	"context"
	"encoding/binary"
	"errors"
	"time"

	"iguanaird/internal/daemon"
	"iguanaird/internal/daemon/logging"
	"iguanaird/internal/daemon/transactor"
	"iguanaird/internal/protocol"
	"iguanaird/internal/protocol/codec"
	"iguanaird/internal/protocol/framing"
	"iguanaird/internal/protocol/versionmap"
)

// Posix-ish errno values used in synthesized IG_DEV_ERROR payloads,
// matching the original daemon's -errno convention (spec.md section 7).
const (
	errnoEINVAL    = 22
	errnoETIMEDOUT = 110
	errnoEIO       = 5
	errnoEPIPE     = 32
)

// Session holds one client connection's protocol state and the device it
// is attached to.
type Session struct {
	dev    *daemon.Device
	tx     *transactor.Transactor
	client *daemon.Client
	log    *logging.Logger
}

// New builds a Session for a freshly accepted client, starting in
// AwaitingVersion.
func New(dev *daemon.Device, tx *transactor.Transactor, clientID uint64, logger *logging.Logger) *Session {
	if logger == nil {
		logger = logging.Default
	}
	return &Session{
		dev:    dev,
		tx:     tx,
		client: &daemon.Client{ID: clientID, State: daemon.AwaitingVersion, Receiving: daemon.ReceivingOff},
		log:    logger,
	}
}

// Client exposes the session's client record, read-only for the worker's
// bookkeeping (subscription fan-out, client list).
func (s *Session) Client() *daemon.Client { return s.client }

// Handle processes one client request and returns the frame to write
// back. Protocol-level failures become a synthesized IG_DEV_ERROR frame
// per spec.md section 4.7; a request that ends the connection also marks
// the client Closing, for the caller to release it.
func (s *Session) Handle(req framing.WireFrame) framing.WireFrame {
	if s.client.State == daemon.AwaitingVersion {
		return s.handshake(req)
	}
	return s.dispatch(req)
}

// handshake processes the mandatory first packet: any opcode other than
// EXCH_VERSIONS closes the client (spec.md section 4.7).
func (s *Session) handshake(req framing.WireFrame) framing.WireFrame {
	if req.Opcode != protocol.OpExchVersions || len(req.Payload) != 2 {
		s.client.State = daemon.Closing
		return errorFrame(protocol.OpExchVersions, errnoEINVAL)
	}

	version := binary.LittleEndian.Uint16(req.Payload)
	if !versionmap.Supported(version) {
		s.client.State = daemon.Closing
		return errorFrame(protocol.OpExchVersions, errnoEINVAL)
	}

	s.client.ProtocolVersion = version
	s.client.State = daemon.Active

	reply := make([]byte, 2)
	binary.LittleEndian.PutUint16(reply, versionmap.CurrentProtocolVersion)
	return framing.WireFrame{Opcode: protocol.OpExchVersions, DataLen: 2, Payload: reply}
}

// dispatch handles an Active-state request: local opcodes are satisfied
// directly, everything else is forwarded to the transactor.
func (s *Session) dispatch(req framing.WireFrame) framing.WireFrame {
	opcode := req.Opcode
	if !versionmap.Translate(&opcode, s.client.ProtocolVersion, false) {
		return s.translateAndReturn(req.Opcode, errorFrame(req.Opcode, errnoEINVAL))
	}

	switch opcode {
	case protocol.OpGetChannels:
		return s.translateAndReturn(opcode, framing.WireFrame{
			Opcode: opcode, DataLen: 1, Payload: []byte{s.dev.ChannelMask() >> 4},
		})

	case protocol.OpSetChannels:
		if len(req.Payload) != 1 {
			return s.translateAndReturn(opcode, errorFrame(opcode, errnoEINVAL))
		}
		if !s.dev.SetChannelMask(req.Payload[0]) {
			return s.translateAndReturn(opcode, errorFrame(opcode, errnoEINVAL))
		}
		return s.translateAndReturn(opcode, framing.WireFrame{Opcode: opcode})

	case protocol.OpGetCarrier:
		payload := make([]byte, 4)
		binary.LittleEndian.PutUint32(payload, uint32(s.dev.Carrier()))
		return s.translateAndReturn(opcode, framing.WireFrame{Opcode: opcode, DataLen: 4, Payload: payload})

	case protocol.OpSetCarrier:
		if len(req.Payload) != 4 {
			return s.translateAndReturn(opcode, errorFrame(opcode, errnoEINVAL))
		}
		hz := s.dev.SetCarrier(int(binary.LittleEndian.Uint32(req.Payload)))
		payload := make([]byte, 4)
		binary.LittleEndian.PutUint32(payload, uint32(hz))
		return s.translateAndReturn(opcode, framing.WireFrame{Opcode: opcode, DataLen: 4, Payload: payload})

	case protocol.OpIDsOff:
		s.client.IDsEnabled = false
		return s.translateAndReturn(opcode, framing.WireFrame{Opcode: opcode})

	case protocol.OpIDsOn:
		s.client.IDsEnabled = true
		return s.translateAndReturn(opcode, framing.WireFrame{Opcode: opcode})

	case protocol.OpRecvOn, protocol.OpRawRecvOn:
		return s.translateAndReturn(opcode, s.recvOn(opcode))

	case protocol.OpRecvOff:
		return s.translateAndReturn(opcode, s.recvOff())

	case protocol.OpSend:
		return s.translateAndReturn(opcode, s.send(req.Payload))

	case protocol.OpGetID:
		return s.translateAndReturn(opcode, s.getID())

	case protocol.OpSetID:
		return s.translateAndReturn(opcode, s.forward(transactor.Request{Opcode: opcode, Payload: req.Payload, IDLabel: string(req.Payload)}))

	default:
		return s.translateAndReturn(opcode, s.forward(transactor.Request{Opcode: opcode, Payload: req.Payload}))
	}
}

// recvOn implements the refcounted RECVON/RAWRECVON local semantics: only
// the transition from 0 actually reaches the device.
func (s *Session) recvOn(opcode protocol.Opcode) framing.WireFrame {
	if s.dev.IncrReceiverRefcount() == 1 {
		if resp := s.forward(transactor.Request{Opcode: opcode}); resp.Opcode == protocol.OpDevError {
			s.dev.DecrReceiverRefcount()
			return resp
		}
	}
	if opcode == protocol.OpRawRecvOn {
		s.client.Receiving = daemon.ReceivingRaw
	} else {
		s.client.Receiving = daemon.ReceivingCooked
	}
	return framing.WireFrame{Opcode: opcode}
}

// recvOff implements RECVOFF: decrement, and forward only once the shared
// refcount reaches zero.
func (s *Session) recvOff() framing.WireFrame {
	if s.client.Receiving == daemon.ReceivingOff {
		return framing.WireFrame{Opcode: protocol.OpRecvOff}
	}
	s.client.Receiving = daemon.ReceivingOff
	if s.dev.DecrReceiverRefcount() == 0 {
		if resp := s.forward(transactor.Request{Opcode: protocol.OpRecvOff}); resp.Opcode == protocol.OpDevError {
			return resp
		}
	}
	return framing.WireFrame{Opcode: protocol.OpRecvOff}
}

// send re-encodes the client's pulse array into firmware bytes via the
// codec, using the cached carrier, before forwarding to the transactor
// (spec.md section 4.7's "SEND is pre-processed" clause).
func (s *Session) send(payload []byte) framing.WireFrame {
	if len(payload)%4 != 0 {
		return errorFrame(protocol.OpSend, errnoEINVAL)
	}
	pulses := make([]protocol.Pulse, 0, len(payload)/4)
	for i := 0; i+4 <= len(payload); i += 4 {
		pulses = append(pulses, protocol.Pulse(binary.LittleEndian.Uint32(payload[i:i+4])))
	}
	encoded, err := codec.Encode(pulses, s.dev.Carrier())
	if err != nil {
		return errorFrame(protocol.OpSend, errnoEINVAL)
	}
	return s.forward(transactor.Request{Opcode: protocol.OpSend, Payload: encoded})
}

// getID forwards GET_ID and applies the NUL-termination supplement (from
// dataPackets.c): a missing trailing NUL on the 12-byte label is filled
// in rather than left as firmware garbage.
func (s *Session) getID() framing.WireFrame {
	resp := s.forward(transactor.Request{Opcode: protocol.OpGetID})
	if resp.Opcode == protocol.OpGetID && len(resp.Payload) > 0 && resp.Payload[len(resp.Payload)-1] != 0 {
		resp.Payload[len(resp.Payload)-1] = 0
	}
	return resp
}

// forward hands a request to the transactor and synthesizes an
// IG_DEV_ERROR frame on failure, per spec.md section 4.7. Each call is
// recorded in the device's Stats.
func (s *Session) forward(req transactor.Request) framing.WireFrame {
	start := time.Now()
	resp, err := s.tx.Transact(context.Background(), req, true)
	s.dev.Stats.Record(len(req.Payload), time.Since(start), err != nil)
	if err != nil {
		return errorFrame(req.Opcode, errnoFor(err))
	}
	if resp == nil {
		return framing.WireFrame{Opcode: req.Opcode}
	}
	return framing.WireFrame{Opcode: resp.Opcode, DataLen: int32(len(resp.Payload)), Payload: resp.Payload}
}

// translateAndReturn applies C3 a second time, outbound, to the client's
// negotiated protocol version (spec.md section 4.7's closing clause).
func (s *Session) translateAndReturn(_ protocol.Opcode, resp framing.WireFrame) framing.WireFrame {
	out := resp.Opcode
	if versionmap.Translate(&out, s.client.ProtocolVersion, true) {
		resp.Opcode = out
	}
	return resp
}

// Close releases a disconnecting client's receiver subscription, sending
// RECVOFF to the device if this was the last subscriber (spec.md section
// 4.7, Closing state).
func (s *Session) Close() {
	s.client.State = daemon.Closing
	if s.client.Receiving == daemon.ReceivingOff {
		return
	}
	s.client.Receiving = daemon.ReceivingOff
	if s.dev.DecrReceiverRefcount() == 0 {
		s.forward(transactor.Request{Opcode: protocol.OpRecvOff})
	}
}

func errorFrame(_ protocol.Opcode, errno int32) framing.WireFrame {
	return framing.WireFrame{Opcode: protocol.OpDevError, DataLen: -errno}
}

func errnoFor(err error) int32 {
	switch {
	case errors.Is(err, transactor.ErrTimeout):
		return errnoETIMEDOUT
	case errors.Is(err, transactor.ErrInvalidRequest):
		return errnoEINVAL
	case errors.Is(err, transactor.ErrPayloadMismatch), errors.Is(err, transactor.ErrOpcodeMismatch):
		return errnoEIO
	case errors.Is(err, transactor.ErrTransportFailure):
		return errnoEPIPE
	default:
		return errnoEIO
	}
}
