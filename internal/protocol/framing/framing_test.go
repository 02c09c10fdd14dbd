package framing

import (
	"bytes"
	"testing"

	"iguanaird/internal/protocol"
)

func TestBuildControlPacketInlineOnly(t *testing.T) {
	packet, streamed := BuildControlPacket(protocol.OpSetChannels, []byte{0x05}, 8)
	want := []byte{0x00, 0x00, CtlToDev, byte(protocol.OpSetChannels), 0x05}
	if !bytes.Equal(packet, want) {
		t.Fatalf("packet = % x, want % x", packet, want)
	}
	if streamed != nil {
		t.Fatalf("expected no streamed payload, got % x", streamed)
	}
}

func TestBuildControlPacketSplitsOversizedPayload(t *testing.T) {
	payload := []byte{1, 2, 3, 4, 5, 6}
	packet, streamed := BuildControlPacket(protocol.OpSend, payload, 8)
	if len(packet) != MinCodeLength+MaxInlinePayload {
		t.Fatalf("expected %d inline bytes, got packet of length %d", MaxInlinePayload, len(packet))
	}
	if !bytes.Equal(streamed, payload[MaxInlinePayload:]) {
		t.Fatalf("streamed = % x, want % x", streamed, payload[MaxInlinePayload:])
	}
}

func TestSplitStreamedChunksWithTerminator(t *testing.T) {
	chunks := SplitStreamedChunks([]byte{1, 2, 3}, 8, true)
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
	want := []byte{1, 2, 3, 0x00}
	if !bytes.Equal(chunks[0], want) {
		t.Fatalf("chunk = % x, want % x", chunks[0], want)
	}
}

func TestSplitStreamedChunksAcrossPacketBoundary(t *testing.T) {
	data := make([]byte, 20)
	for i := range data {
		data[i] = byte(i)
	}
	chunks := SplitStreamedChunks(data, 8, false)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	if len(chunks[0]) != 8 || len(chunks[1]) != 8 || len(chunks[2]) != 4 {
		t.Fatalf("unexpected chunk sizes: %d %d %d", len(chunks[0]), len(chunks[1]), len(chunks[2]))
	}
}

func TestParseControlHeaderDetectsFromDev(t *testing.T) {
	data := []byte{0x00, 0x00, CtlFromDev, byte(protocol.OpGetVersion), 0x01, 0x00}
	isControl, opcode, payload := ParseControlHeader(data)
	if !isControl {
		t.Fatal("expected a control header")
	}
	if opcode != protocol.OpGetVersion {
		t.Fatalf("opcode = %v, want GetVersion", opcode)
	}
	if !bytes.Equal(payload, []byte{0x01, 0x00}) {
		t.Fatalf("payload = % x", payload)
	}
}

func TestParseControlHeaderTreatsOtherDataAsRecvBody(t *testing.T) {
	data := []byte{0x11, 0x22, 0x33, 0xFF}
	isControl, _, body := ParseControlHeader(data)
	if isControl {
		t.Fatal("expected a RECV body, not a control header")
	}
	if !bytes.Equal(body, []byte{0x11, 0x22, 0x33}) {
		t.Fatalf("body = % x, want the data minus its trailing fill byte", body)
	}
}

func TestWireFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	original := WireFrame{Opcode: protocol.OpExchVersions, DataLen: 2, Payload: []byte{0x01, 0x00}}
	if err := WriteWireFrame(&buf, original); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := ReadWireFrame(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Opcode != original.Opcode || got.DataLen != original.DataLen || !bytes.Equal(got.Payload, original.Payload) {
		t.Fatalf("got %+v, want %+v", got, original)
	}
}

func TestWireFrameNegativeDataLenCarriesNoPayload(t *testing.T) {
	var buf bytes.Buffer
	original := WireFrame{Opcode: protocol.OpDevError, DataLen: -110}
	if err := WriteWireFrame(&buf, original); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := ReadWireFrame(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.DataLen != -110 || len(got.Payload) != 0 {
		t.Fatalf("got %+v", got)
	}
}
