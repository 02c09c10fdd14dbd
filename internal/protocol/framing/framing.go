// Package framing implements the Framing component (C4): the 3-byte
// control headers exchanged with the USB transceiver, the inline/streamed
// payload split for control packets, and the client<->daemon wire frame
// used over internal/transport's Unix-domain sockets. Grounded on
// sendData/MIN_CODE_LENGTH/CODE_OFFSET in
// original_source/software/usb_ir/protocol.c and on spec.md's client wire
// frame in section 6.
package framing

import (
	"encoding/binary"
	"fmt"
	"io"

	"iguanaird/internal/protocol"
)

// Control-packet header bytes, as CTL_TODEV/CTL_FROMDEV in protocol.c.
const (
	ctlStart  byte = 0x00
	CtlToDev  byte = 0xCD
	CtlFromDev byte = 0xDC
)

// MinCodeLength is the minimum control-packet length: two start bytes,
// the direction byte, and the opcode.
const MinCodeLength = 4

// MaxInlinePayload is the number of payload bytes that fit inline in a
// control packet once the 4-byte header is accounted for, for devices
// whose USB max packet size is 8 (the common case for this transceiver).
const MaxInlinePayload = 4

// BuildControlPacket assembles a host->device control packet:
// [0x00, 0x00, CTL_TODEV, opcode] followed by up to maxPacketSize-4 bytes
// of inline payload. It returns the assembled packet and any payload
// bytes that must instead be streamed as raw data packets.
func BuildControlPacket(opcode protocol.Opcode, payload []byte, maxPacketSize int) (packet []byte, streamed []byte) {
	inlineCap := maxPacketSize - MinCodeLength
	if inlineCap < 0 {
		inlineCap = 0
	}
	inlineLen := len(payload)
	if inlineLen > inlineCap {
		inlineLen = inlineCap
	}

	packet = make([]byte, MinCodeLength+inlineLen)
	packet[0] = ctlStart
	packet[1] = ctlStart
	packet[2] = CtlToDev
	packet[3] = byte(opcode)
	copy(packet[MinCodeLength:], payload[:inlineLen])

	if inlineLen < len(payload) {
		streamed = payload[inlineLen:]
	}
	return packet, streamed
}

// SplitStreamedChunks divides data into maxPacketSize-sized chunks as
// sendData does, optionally appending a 0x00 terminator byte to the final
// chunk for firmware older than body version 3 sending SEND payloads.
func SplitStreamedChunks(data []byte, maxPacketSize int, addTerminator bool) [][]byte {
	if maxPacketSize <= 0 {
		maxPacketSize = len(data)
		if maxPacketSize == 0 {
			maxPacketSize = 1
		}
	}

	var chunks [][]byte
	for len(data) > maxPacketSize {
		chunks = append(chunks, data[:maxPacketSize])
		data = data[maxPacketSize:]
	}

	last := data
	if addTerminator {
		withTerm := make([]byte, len(last)+1)
		copy(withTerm, last)
		withTerm[len(last)] = 0x00
		last = withTerm
	}
	if len(last) > 0 || addTerminator {
		chunks = append(chunks, last)
	}
	return chunks
}

// ParseControlHeader parses an incoming packet as either a device-to-host
// control header (3-byte CTL_FROMDEV prefix plus opcode) or a bare RECV
// body, per spec.md 4.5.
//
// When isControl is true, opcode and the remaining payload are valid. When
// false, the caller should treat data (already stripped of its trailing
// firmware fill-level byte) as a RECV body.
func ParseControlHeader(data []byte) (isControl bool, opcode protocol.Opcode, payload []byte) {
	if len(data) >= MinCodeLength && data[0] == ctlStart && data[1] == ctlStart && data[2] == CtlFromDev {
		return true, protocol.Opcode(data[3]), data[MinCodeLength:]
	}
	if len(data) == 0 {
		return false, 0, nil
	}
	return false, 0, data[:len(data)-1]
}

// WireHeaderLen is the size of the client<->daemon wire frame header:
// opcode (1 byte), padding (3 bytes), data_len (4 bytes, little endian).
const WireHeaderLen = 8

// WireFrame is one client<->daemon protocol frame.
type WireFrame struct {
	Opcode  protocol.Opcode
	DataLen int32 // negative means -errno when Opcode == protocol.OpDevError
	Payload []byte
}

// WriteWireFrame serializes f to w in the layout spec.md section 6
// describes: an 8-byte header followed by max(0, DataLen) payload bytes.
func WriteWireFrame(w io.Writer, f WireFrame) error {
	header := make([]byte, WireHeaderLen)
	header[0] = byte(f.Opcode)
	binary.LittleEndian.PutUint32(header[4:], uint32(f.DataLen))
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("framing: write header: %w", err)
	}
	if f.DataLen > 0 {
		if int(f.DataLen) != len(f.Payload) {
			return fmt.Errorf("framing: data_len %d does not match payload length %d", f.DataLen, len(f.Payload))
		}
		if _, err := w.Write(f.Payload); err != nil {
			return fmt.Errorf("framing: write payload: %w", err)
		}
	}
	return nil
}

// ReadWireFrame reads one frame from r: the 8-byte header, then the
// payload if data_len is positive.
func ReadWireFrame(r io.Reader) (WireFrame, error) {
	header := make([]byte, WireHeaderLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return WireFrame{}, fmt.Errorf("framing: read header: %w", err)
	}

	f := WireFrame{
		Opcode:  protocol.Opcode(header[0]),
		DataLen: int32(binary.LittleEndian.Uint32(header[4:])),
	}
	if f.DataLen > 0 {
		f.Payload = make([]byte, f.DataLen)
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			return WireFrame{}, fmt.Errorf("framing: read payload: %w", err)
		}
	}
	return f, nil
}
