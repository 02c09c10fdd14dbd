// Package transactor implements the Device Transactor (C6): the eight
// numbered steps of spec.md section 4.6, grounded directly on
// deviceTransaction/checkIncomingProtocol in
// original_source/software/usb_ir/protocol.c.
package transactor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"iguanaird/internal/daemon"
	"iguanaird/internal/daemon/logging"
	"iguanaird/internal/protocol"
	"iguanaird/internal/protocol/catalog"
	"iguanaird/internal/protocol/codec"
	"iguanaird/internal/protocol/framing"
	"iguanaird/internal/protocol/versionmap"
)

// Sentinel errors, matching the taxonomy in spec.md section 7.
var (
	ErrInvalidRequest   = errors.New("transactor: invalid request")
	ErrTimeout          = errors.New("transactor: ack timeout")
	ErrPayloadMismatch  = errors.New("transactor: response payload length mismatch")
	ErrOpcodeMismatch   = errors.New("transactor: response opcode mismatch")
	ErrTransportFailure = errors.New("transactor: transport failure")
)

// Request is one transaction the session layer (or the transactor itself,
// for SET_ID/GET_PIN_CONFIG decomposition) wants performed against a
// device.
type Request struct {
	Opcode  protocol.Opcode
	Payload []byte

	// IDLabel is consulted only for OpSetID, to build its WRITEBLOCK
	// payload via generateIDBlock.
	IDLabel string
}

// Transactor executes requests against one Device, serializing its
// interrupt-OUT writes via Device.WriteMu so a control packet and its
// streamed chunks are never interleaved with another transaction's.
type Transactor struct {
	dev *daemon.Device
	log *logging.Logger
}

// New builds a Transactor bound to dev.
func New(dev *daemon.Device, logger *logging.Logger) *Transactor {
	if logger == nil {
		logger = logging.Default
	}
	return &Transactor{dev: dev, log: logger}
}

// Transact performs request against the device and, if wantResponse is
// true, waits for and returns its response packet. This is the direct
// translation of deviceTransaction's eight steps.
func (tx *Transactor) Transact(ctx context.Context, req Request, wantResponse bool) (*daemon.ResponsePacket, error) {
	// Special case: GET_PIN_CONFIG/SET_PIN_CONFIG decompose on firmware <= 3
	// (Open Question resolved in DESIGN.md: always decompose on that range).
	// This must run before the catalog lookup below: the catalog only
	// carries GET_PIN_CONFIG/SET_PIN_CONFIG rows starting at firmware
	// 0x101, so a firmware <= 3 device would otherwise always fail step 1
	// with ErrUnknownOpcode before ever reaching this decomposition.
	if tx.dev.FirmwareVersion <= 3 {
		if req.Opcode == protocol.OpGetPinConfig {
			return tx.getPinConfigLegacy(ctx)
		}
		if req.Opcode == protocol.OpSetPinConfig {
			return tx.setPinConfigLegacy(ctx, req.Payload)
		}
	}

	// Step 1: catalog lookup and request-shape validation.
	row, err := catalog.Lookup(req.Opcode, tx.dev.FirmwareVersion)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if row.Direction != protocol.ToDevice {
		return nil, fmt.Errorf("%w: opcode %v is device-originated", ErrInvalidRequest, req.Opcode)
	}
	if !catalog.PayloadMatch(row.RequestLen, len(req.Payload)) {
		return nil, fmt.Errorf("%w: payload length %d does not match catalog spec %d", ErrInvalidRequest, len(req.Payload), row.RequestLen)
	}
	if row.ResponseLen != catalog.NoPayload && !wantResponse {
		return nil, fmt.Errorf("%w: opcode %v requires a response but none was requested", ErrInvalidRequest, req.Opcode)
	}

	wireOpcode := req.Opcode
	payload := req.Payload

	// Step 2: client-invisible opcode substitutions.
	switch req.Opcode {
	case protocol.OpGetID:
		wireOpcode = protocol.OpExecute
	case protocol.OpSetID:
		wireOpcode = protocol.OpWriteBlock
		payload = generateIDBlock(req.IDLabel, tx.dev.FirmwareVersion)
	}

	// Step 3: translate for the device's firmware/legacy protocol.
	deviceOpcode := wireOpcode
	if !versionmap.TranslateForDevice(&deviceOpcode, tx.dev.FirmwareVersion, true) {
		return nil, fmt.Errorf("%w: cannot translate opcode %v for firmware 0x%04x", ErrInvalidRequest, wireOpcode, tx.dev.FirmwareVersion)
	}

	// Step 4: build inline/streamed split. SEND/RESEND/PINBURST/REPEATER
	// never inline payload bytes into the control packet (device-interface.c
	// excludes them from the memcpy and streams all their data); firmware
	// >= 3 instead carries length+channel header bytes inline, plus the
	// carrier-delay pair when both firmware version bytes are non-zero,
	// and firmware < 3 SEND needs a trailing stream terminator.
	var inline []byte
	streamTerminator := false
	switch req.Opcode {
	case protocol.OpSend, protocol.OpResend, protocol.OpPinBurst, protocol.OpRepeater:
		if tx.dev.FirmwareVersion >= 3 {
			inline = append(inline, byte(len(payload)))
			inline = append(inline, tx.dev.ChannelMask())
			if tx.dev.FirmwareVersion&0x00FF != 0 && tx.dev.FirmwareVersion&0xFF00 != 0 {
				loopCycles := codec.DefaultLoopCycles
				if tx.dev.Cycles != 0 {
					loopCycles = int(tx.dev.Cycles)
				}
				o7, o4, _ := codec.CarrierDelays(tx.dev.Carrier(), loopCycles)
				inline = append(inline, o7, o4)
			}
		} else {
			streamTerminator = req.Opcode == protocol.OpSend
		}
	default:
		n := len(payload)
		if n > framing.MaxInlinePayload {
			n = framing.MaxInlinePayload
		}
		inline = append(inline, payload[:n]...)
		payload = payload[n:]
	}

	maxPacket := tx.dev.Transceiver.MaxPacketSize()
	packet, _ := framing.BuildControlPacket(deviceOpcode, inline, maxPacket)
	chunks := framing.SplitStreamedChunks(payload, maxPacket, streamTerminator)
	if len(payload) == 0 && !streamTerminator {
		chunks = nil
	}

	// Step 5: flush a stale, orphaned ack from a prior transaction.
	if stale, had := tx.dev.Response.Take(); had {
		tx.log.Warn("discarding orphaned ack from device %d: opcode %v", tx.dev.ID, stale.Opcode)
	}
	select {
	case <-tx.dev.ResponseNotify:
	default:
	}

	// Step 6: write the control packet and its chunks under WriteMu.
	tx.dev.WriteMu.Lock()
	writeErr := tx.write(ctx, packet, chunks)
	tx.dev.WriteMu.Unlock()
	if writeErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransportFailure, writeErr)
	}

	// Step 7: no-ack opcodes return immediately.
	if !row.ExpectsAck {
		return nil, nil
	}

	// Step 8: wait for the ack.
	return tx.awaitAck(ctx, row, req.Opcode, wireOpcode)
}

func (tx *Transactor) write(ctx context.Context, packet []byte, chunks [][]byte) error {
	sendCtx, cancel := context.WithTimeout(ctx, tx.dev.Settings.SendTimeout)
	defer cancel()

	if _, err := tx.dev.Transceiver.Write(sendCtx, packet); err != nil {
		return err
	}
	for _, chunk := range chunks {
		if _, err := tx.dev.Transceiver.Write(sendCtx, chunk); err != nil {
			return err
		}
	}
	return nil
}

func (tx *Transactor) awaitAck(ctx context.Context, row catalog.Row, clientOpcode, wireOpcode protocol.Opcode) (*daemon.ResponsePacket, error) {
	timer := time.NewTimer(tx.dev.Settings.SendTimeout)
	defer timer.Stop()

	select {
	case <-tx.dev.ResponseNotify:
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	packet, ok := tx.dev.Response.Take()
	if !ok {
		return nil, ErrTimeout
	}

	expected := wireOpcode
	if clientOpcode == protocol.OpGetID {
		expected = protocol.OpExecute
	} else if clientOpcode == protocol.OpSetID {
		expected = protocol.OpWriteBlock
	}
	if packet.Opcode != expected {
		return nil, fmt.Errorf("%w: got %v, want %v", ErrOpcodeMismatch, packet.Opcode, expected)
	}
	if !catalog.PayloadMatch(row.ResponseLen, len(packet.Payload)) {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrPayloadMismatch, len(packet.Payload), row.ResponseLen)
	}

	return &daemon.ResponsePacket{Opcode: clientOpcode, Payload: packet.Payload}, nil
}

// getPinConfigLegacy decomposes a single GET_PIN_CONFIG into CONFIG0 then
// CONFIG1 sub-transactions, concatenating their 4-byte payloads into an
// 8-byte result.
func (tx *Transactor) getPinConfigLegacy(ctx context.Context) (*daemon.ResponsePacket, error) {
	r0, err := tx.Transact(ctx, Request{Opcode: protocol.OpGetConfig0}, true)
	if err != nil {
		return nil, fmt.Errorf("GET_PIN_CONFIG (config0 half): %w", err)
	}
	r1, err := tx.Transact(ctx, Request{Opcode: protocol.OpGetConfig1}, true)
	if err != nil {
		return nil, fmt.Errorf("GET_PIN_CONFIG (config1 half): %w", err)
	}
	payload := append(append([]byte{}, r0.Payload...), r1.Payload...)
	return &daemon.ResponsePacket{Opcode: protocol.OpGetPinConfig, Payload: payload}, nil
}

// setPinConfigLegacy splits an 8-byte SET_PIN_CONFIG payload into two
// 4-byte CONFIG0/CONFIG1 sub-transactions.
func (tx *Transactor) setPinConfigLegacy(ctx context.Context, payload []byte) (*daemon.ResponsePacket, error) {
	if len(payload) != 8 {
		return nil, fmt.Errorf("%w: SET_PIN_CONFIG on legacy firmware requires 8 bytes, got %d", ErrInvalidRequest, len(payload))
	}
	if _, err := tx.Transact(ctx, Request{Opcode: protocol.OpSetConfig0, Payload: payload[:4]}, false); err != nil {
		return nil, fmt.Errorf("SET_PIN_CONFIG (config0 half): %w", err)
	}
	if _, err := tx.Transact(ctx, Request{Opcode: protocol.OpSetConfig1, Payload: payload[4:]}, false); err != nil {
		return nil, fmt.Errorf("SET_PIN_CONFIG (config1 half): %w", err)
	}
	return nil, nil
}
