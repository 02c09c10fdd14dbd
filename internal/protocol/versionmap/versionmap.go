// Package versionmap implements the Version Map (C3): translation of
// opcode values between the current wire protocol and legacy protocol
// variants, grounded directly on
// original_source/software/usb_ir/protocol-versions.c.
package versionmap

import "iguanaird/internal/protocol"

// CurrentProtocolVersion is the protocol version this daemon natively
// speaks; protocol.IGProtocolVersion mirrors IG_PROTOCOL_VERSION.
const CurrentProtocolVersion = protocol.IGProtocolVersion

// codeRow is a (current, legacy) opcode pair for protocol version 0.
type codeRow struct {
	current protocol.Opcode
	legacy  byte
}

// codeMap0 is the "to device" code translation table for legacy protocol
// v0, reproduced verbatim from codeMap0 in protocol-versions.c.
var codeMap0 = []codeRow{
	{protocol.OpDevError, 0x00},
	{protocol.OpGetVersion, 0x01},
	{protocol.OpSend, 0x02},
	{protocol.OpRecvOn, 0x03},
	{protocol.OpRecvOff, 0x04},
	{protocol.OpGetPins, 0x05},
	{protocol.OpSetPins, 0x06},
	{protocol.OpGetConfig0, 0x07},
	{protocol.OpSetConfig0, 0x08},
	{protocol.OpGetConfig1, 0x09},
	{protocol.OpSetConfig1, 0x0A},
	{protocol.OpGetBufSize, 0x0B},
	{protocol.OpWriteBlock, 0x0C},
	{protocol.OpExecute, 0x0D},
	{protocol.OpPinBurst, 0x0E},
	{protocol.OpGetID, 0x0F},
	{protocol.OpSetChannels, 0x11},
	{protocol.OpRecv, 0x10},
	{protocol.OpOverRecv, 0x20},
	{protocol.OpOverSend, 0x30},
	{protocol.OpDevReset, 0xFF},
}

var codeMaps = [][]codeRow{codeMap0}

// Translate rewrites *code in place between the current opcode namespace
// and the legacy namespace for protocolVersion. toLegacy selects the
// direction: true converts a current-protocol opcode down to its legacy
// wire value, false converts a legacy wire value back up to current. It
// reports whether the opcode was translatable (protocol.OpExchVersions
// and protocolVersion == CurrentProtocolVersion are always no-ops that
// report true, matching translateProtocol's special case).
func Translate(code *protocol.Opcode, protocolVersion uint16, toLegacy bool) bool {
	if protocolVersion == CurrentProtocolVersion || *code == protocol.OpExchVersions {
		return true
	}
	if protocolVersion > CurrentProtocolVersion || int(protocolVersion) >= len(codeMaps) {
		return false
	}

	table := codeMaps[protocolVersion]
	for _, row := range table {
		if toLegacy && row.current == *code {
			*code = protocol.Opcode(row.legacy)
			return true
		}
		if !toLegacy && byte(*code) == row.legacy {
			*code = row.current
			return true
		}
	}
	return false
}

// TranslateForDevice translates between the daemon's current opcode
// namespace and the namespace a device of the given firmware version
// understands. Firmware versions <= 4 speak protocol v0, matching
// translateDevice.
func TranslateForDevice(code *protocol.Opcode, firmwareVersion uint16, toLegacy bool) bool {
	protocolVersion := CurrentProtocolVersion
	if firmwareVersion <= 4 {
		protocolVersion = 0
	}
	return Translate(code, protocolVersion, toLegacy)
}

// Supported reports whether version is one a client is allowed to
// advertise during the EXCH_VERSIONS handshake, the direct translation
// of supportedVersion: {1..4, 0xFF00, 0x0100..0x01FF}.
func Supported(version uint16) bool {
	if version >= 1 && version <= 4 {
		return true
	}
	if version == 0xFF00 {
		return true
	}
	return version >= 0x0100 && version < 0x0200
}
