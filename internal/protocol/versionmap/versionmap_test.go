package versionmap

import (
	"testing"

	"iguanaird/internal/protocol"
)

func TestTranslateCurrentVersionIsNoOp(t *testing.T) {
	code := protocol.OpSend
	if ok := Translate(&code, CurrentProtocolVersion, true); !ok {
		t.Fatal("expected current-version translation to succeed trivially")
	}
	if code != protocol.OpSend {
		t.Fatalf("expected opcode unchanged, got %v", code)
	}
}

func TestTranslateToLegacyAndBackIsInvolution(t *testing.T) {
	for _, op := range []protocol.Opcode{
		protocol.OpDevError, protocol.OpGetVersion, protocol.OpSend,
		protocol.OpRecvOn, protocol.OpRecvOff, protocol.OpGetPins,
		protocol.OpSetPins, protocol.OpGetConfig0, protocol.OpSetConfig0,
		protocol.OpGetConfig1, protocol.OpSetConfig1, protocol.OpGetBufSize,
		protocol.OpWriteBlock, protocol.OpExecute, protocol.OpPinBurst,
		protocol.OpGetID, protocol.OpSetChannels, protocol.OpRecv,
		protocol.OpOverRecv, protocol.OpOverSend, protocol.OpDevReset,
	} {
		code := op
		if ok := Translate(&code, 0, true); !ok {
			t.Fatalf("opcode %v: toLegacy translation failed", op)
		}
		legacy := code
		if ok := Translate(&code, 0, false); !ok {
			t.Fatalf("opcode %v: fromLegacy translation failed (legacy=0x%02x)", op, legacy)
		}
		if code != op {
			t.Fatalf("opcode %v round-tripped to %v (legacy was 0x%02x)", op, code, legacy)
		}
	}
}

func TestTranslateUnknownOpcodeFails(t *testing.T) {
	code := protocol.Opcode(0x77)
	if ok := Translate(&code, 0, true); ok {
		t.Fatal("expected translation of an unmapped opcode to fail")
	}
}

func TestTranslateForDeviceUsesLegacyBelowFirmware5(t *testing.T) {
	code := protocol.OpSend
	if ok := TranslateForDevice(&code, 4, true); !ok {
		t.Fatal("expected translation to succeed for firmware 4")
	}
	if code != protocol.Opcode(0x02) {
		t.Fatalf("expected legacy SEND opcode 0x02, got 0x%02x", code)
	}
}

func TestTranslateForDeviceUsesCurrentAtFirmware5(t *testing.T) {
	code := protocol.OpSend
	if ok := TranslateForDevice(&code, 5, true); !ok {
		t.Fatal("expected translation to succeed for firmware 5")
	}
	if code != protocol.OpSend {
		t.Fatalf("expected opcode unchanged at firmware >=5, got 0x%02x", code)
	}
}

func TestSupportedAcceptsDocumentedRanges(t *testing.T) {
	for _, v := range []uint16{1, 2, 3, 4, 0xFF00, 0x0100, 0x0150, 0x01FF} {
		if !Supported(v) {
			t.Errorf("expected version 0x%04x to be supported", v)
		}
	}
}

func TestSupportedRejectsOutOfRangeVersions(t *testing.T) {
	for _, v := range []uint16{0, 5, 0x0200, 0xFF01, 0xFFFF} {
		if Supported(v) {
			t.Errorf("expected version 0x%04x to be rejected", v)
		}
	}
}
