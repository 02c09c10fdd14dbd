// Package catalog is the Protocol Catalog (C2): a static table mapping
// (opcode, firmware version) to request/response shape, grounded on the
// types[] table in original_source/software/usb_ir/protocol.c.
package catalog

import (
	"fmt"

	"iguanaird/internal/protocol"
)

// Sentinel payload-length values, as in protocol.c's NO_PAYLOAD/ANY_PAYLOAD.
const (
	NoPayload  = -1
	AnyPayload = -2
)

// Row describes one protocol-catalog entry.
type Row struct {
	Opcode        protocol.Opcode
	Direction     protocol.Direction
	RequestLen    int // NoPayload, AnyPayload, or an exact byte count
	ExpectsAck    bool
	ResponseLen   int // NoPayload, AnyPayload, or an exact byte count
	VersionStart  uint16
	VersionEnd    uint16 // 0 means "open ended"
}

// matches reports whether version falls within [VersionStart, VersionEnd]
// (VersionEnd == 0 meaning unbounded above), mirroring findTypeEntry's
// `types[x].start <= version && (types[x].end >= version || types[x].end == 0)`.
func (r Row) matches(version uint16) bool {
	if version < r.VersionStart {
		return false
	}
	return r.VersionEnd == 0 || version <= r.VersionEnd
}

// table is ordered the same way as the C types[] array: the first
// matching row wins.
var table = []Row{
	{protocol.OpExchVersions, protocol.ToDevice, 2, true, 2, 0, 0},

	{protocol.OpGetVersion, protocol.ToDevice, NoPayload, true, 2, 0, 0},

	{protocol.OpGetFeatures, protocol.ToDevice, NoPayload, true, 1, 0, 0},
	{protocol.OpSend, protocol.ToDevice, AnyPayload, true, NoPayload, 0, 0},
	{protocol.OpRecvOn, protocol.ToDevice, NoPayload, true, NoPayload, 0, 0},
	{protocol.OpRawRecvOn, protocol.ToDevice, NoPayload, true, NoPayload, 0, 0},
	{protocol.OpRecvOff, protocol.ToDevice, NoPayload, true, NoPayload, 0, 0},

	// 1 bit per pin of state
	{protocol.OpGetPins, protocol.ToDevice, NoPayload, true, 2, 0, 3},
	{protocol.OpGetPins, protocol.ToDevice, NoPayload, true, 2, 0x101, 0},
	{protocol.OpSetPins, protocol.ToDevice, 2, true, NoPayload, 0, 3},
	{protocol.OpSetPins, protocol.ToDevice, 2, true, NoPayload, 0x101, 0},

	// 1 byte per pin in register format (firmware >= 0x101)
	{protocol.OpGetPinConfig, protocol.ToDevice, NoPayload, true, 16, 0x101, 0},
	{protocol.OpSetPinConfig, protocol.ToDevice, 16, true, NoPayload, 0x101, 0},
	// split CONFIG0/CONFIG1 form (firmware <= 3)
	{protocol.OpGetConfig0, protocol.ToDevice, NoPayload, true, 4, 0, 3},
	{protocol.OpSetConfig0, protocol.ToDevice, 4, true, NoPayload, 0, 3},
	{protocol.OpGetConfig1, protocol.ToDevice, NoPayload, true, 4, 0, 3},
	{protocol.OpSetConfig1, protocol.ToDevice, 4, true, NoPayload, 0, 3},

	{protocol.OpGetBufSize, protocol.ToDevice, NoPayload, true, 1, 0, 0},
	{protocol.OpWriteBlock, protocol.ToDevice, 68, true, AnyPayload, 0, 0},
	{protocol.OpExecute, protocol.ToDevice, NoPayload, false, NoPayload, 0, 0},
	// SET_ID goes out as WRITEBLOCK with a generated ID block.
	{protocol.OpSetID, protocol.ToDevice, AnyPayload, true, AnyPayload, 0, 0},
	{protocol.OpBulkPins, protocol.ToDevice, 64, true, NoPayload, 2, 2},
	{protocol.OpBulkPins, protocol.ToDevice, AnyPayload, true, NoPayload, 3, 0},
	{protocol.OpGetID, protocol.ToDevice, NoPayload, true, 12, 0, 0},
	{protocol.OpDevReset, protocol.ToDevice, NoPayload, false, NoPayload, 0, 0},
	{protocol.OpGetChannels, protocol.ToDevice, NoPayload, true, 1, 4, 0},
	{protocol.OpSetChannels, protocol.ToDevice, 1, true, NoPayload, 4, 0},
	// GET_CARRIER/SET_CARRIER carry the carrier frequency as a 4-byte
	// value rather than the firmware's raw jump-table delay byte; the
	// transactor computes the delay bytes (C1 CarrierDelays) itself.
	{protocol.OpGetCarrier, protocol.ToDevice, NoPayload, true, 4, 1, 0},
	{protocol.OpSetCarrier, protocol.ToDevice, 4, true, 4, 1, 0},
	{protocol.OpResend, protocol.ToDevice, AnyPayload, true, NoPayload, 3, 0},
	{protocol.OpPinBurst, protocol.ToDevice, AnyPayload, true, NoPayload, 3, 0},
	{protocol.OpRepeater, protocol.ToDevice, AnyPayload, true, NoPayload, 3, 0},

	// device-initiated packets
	{protocol.OpRecv, protocol.FromDevice, NoPayload, false, AnyPayload, 0, 0},
	{protocol.OpOverSend, protocol.FromDevice, NoPayload, false, NoPayload, 0, 0},
	{protocol.OpOverRecv, protocol.FromDevice, NoPayload, false, AnyPayload, 0, 0},
}

// ErrUnknownOpcode is returned by Lookup when no row matches.
type ErrUnknownOpcode struct {
	Opcode          protocol.Opcode
	FirmwareVersion uint16
}

func (e ErrUnknownOpcode) Error() string {
	return fmt.Sprintf("catalog: no entry for opcode 0x%02x at firmware version 0x%04x", byte(e.Opcode), e.FirmwareVersion)
}

// Lookup finds the first row whose opcode matches and whose version range
// covers firmwareVersion, as findTypeEntry does in protocol.c. Absence is
// a fatal protocol error for the caller.
func Lookup(opcode protocol.Opcode, firmwareVersion uint16) (Row, error) {
	for _, row := range table {
		if row.Opcode == opcode && row.matches(firmwareVersion) {
			return row, nil
		}
	}
	return Row{}, ErrUnknownOpcode{opcode, firmwareVersion}
}

// PayloadMatch reports whether a payload of the given length satisfies a
// catalog spec value (NoPayload, AnyPayload, or an exact length).
func PayloadMatch(spec int, length int) bool {
	switch spec {
	case NoPayload:
		return length == 0
	case AnyPayload:
		return true
	default:
		return spec == length
	}
}
