package codec

import (
	"testing"

	"iguanaird/internal/protocol"
)

func TestDecodeSingleByteRun(t *testing.T) {
	// one pulse byte: length field 9 (=> 10 units), state bit clear (pulse)
	pulses := Decode([]byte{9})
	if len(pulses) != 1 {
		t.Fatalf("expected 1 pulse, got %d", len(pulses))
	}
	if !pulses[0].IsPulse() {
		t.Fatalf("expected a pulse, got a space")
	}
	want := (uint32(10) << 6) / 3
	if pulses[0].Duration() != want {
		t.Fatalf("duration = %d, want %d", pulses[0].Duration(), want)
	}
}

func TestDecodeStateChangeSplitsRuns(t *testing.T) {
	// zero length fields: a pulse run of 1024 units, then a space run of 1024 units
	pulses := Decode([]byte{0, protocol.StateMask})
	if len(pulses) != 2 {
		t.Fatalf("expected 2 pulses, got %d", len(pulses))
	}
	if !pulses[0].IsPulse() || pulses[1].IsPulse() {
		t.Fatalf("expected pulse then space, got %v", pulses)
	}
}

func TestDecodeZeroLengthFieldMeansMaxPlusOne(t *testing.T) {
	pulses := Decode([]byte{0x00})
	want := (uint32(protocol.MaxPulseLength+1) << 6) / 3
	if pulses[0].Duration() != want {
		t.Fatalf("duration = %d, want %d", pulses[0].Duration(), want)
	}
}

func TestDecodeEmpty(t *testing.T) {
	if pulses := Decode(nil); pulses != nil {
		t.Fatalf("expected nil for empty input, got %v", pulses)
	}
}

func TestEncodeRejectsOutOfRangeCarrier(t *testing.T) {
	if _, err := Encode([]protocol.Pulse{protocol.Pulse(protocol.PulseBit | 1000)}, 1000); err == nil {
		t.Fatal("expected an error for a carrier below MinCarrierHz")
	}
	if _, err := Encode([]protocol.Pulse{protocol.Pulse(protocol.PulseBit | 1000)}, 200_000); err == nil {
		t.Fatal("expected an error for a carrier above MaxCarrierHz")
	}
}

func TestEncodeSinglePulseByteCount(t *testing.T) {
	// 9000us at 38kHz: cycles = 9000/1e6*38000 = 342, numBytes = 342/127+1 = 3
	out, err := Encode([]protocol.Pulse{protocol.Pulse(protocol.PulseBit | 9000)}, 38000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("expected 3 encoded bytes, got %d (% x)", len(out), out)
	}
	if out[0] != protocol.LengthMask || out[1] != protocol.LengthMask {
		t.Fatalf("expected two full-length filler bytes, got % x", out)
	}
	if out[2] != 88 {
		t.Fatalf("expected final byte 88, got %d", out[2])
	}
}

func TestCarrierDelaysDefaultLoopCycles(t *testing.T) {
	o7, o4, clamped := CarrierDelays(38000, DefaultLoopCycles)
	if clamped {
		t.Fatalf("38kHz should not clamp")
	}
	// cycles = round(24e6/(38000*2)) = round(315.789) = 316
	// remainder = 316-65 = 251; a=(4-251%4)%4=(4-3)%4=1; b=(251-7)/4=61
	if o7 != byte((4-1)*2) || o4 != byte(110-61) {
		t.Fatalf("got (%d,%d)", o7, o4)
	}
}

func TestCarrierDelaysClampsOutOfRange(t *testing.T) {
	if _, _, clamped := CarrierDelays(1000, DefaultLoopCycles); !clamped {
		t.Fatal("expected clamping below MinCarrierHz")
	}
	if _, _, clamped := CarrierDelays(500_000, DefaultLoopCycles); !clamped {
		t.Fatal("expected clamping above MaxCarrierHz")
	}
}

func TestEncodeAlternatesStateBit(t *testing.T) {
	out, err := Encode([]protocol.Pulse{
		protocol.Pulse(protocol.PulseBit | 100),
		protocol.Pulse(50), // space
	}, 38000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 bytes, got %d", len(out))
	}
	if out[0]&protocol.StateMask != 0 {
		t.Fatalf("first byte should carry the pulse state bit clear, got %x", out[0])
	}
	if out[1]&protocol.StateMask == 0 {
		t.Fatalf("second byte should carry the space state bit set, got %x", out[1])
	}
}
