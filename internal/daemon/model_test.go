package daemon

import (
	"context"
	"testing"

	"iguanaird/internal/usbtransport"
)

type testTransceiver struct{}

func (testTransceiver) MaxPacketSize() int                             { return 8 }
func (testTransceiver) Location() usbtransport.Location                { return usbtransport.Location{} }
func (testTransceiver) Write(context.Context, []byte) (int, error)     { return 0, nil }
func (testTransceiver) Read(context.Context, []byte) (int, error)      { return 0, nil }
func (testTransceiver) Close() error                                   { return nil }

func TestResponseSlotFlushesStale(t *testing.T) {
	var slot ResponseSlot
	slot.Store(ResponsePacket{Opcode: 1})
	stale, had := slot.Store(ResponsePacket{Opcode: 2})
	if !had || stale == nil || stale.Opcode != 1 {
		t.Fatalf("expected the first packet flushed as stale, got %+v (had=%v)", stale, had)
	}
	got, ok := slot.Take()
	if !ok || got.Opcode != 2 {
		t.Fatalf("expected the second packet to remain, got %+v", got)
	}
	if _, ok := slot.Take(); ok {
		t.Fatal("expected the slot to be empty after Take")
	}
}

func TestRecvQueueFIFO(t *testing.T) {
	var q RecvQueue
	q.Push(ResponsePacket{Opcode: 1})
	q.Push(ResponsePacket{Opcode: 2})
	first, _ := q.Pop()
	second, _ := q.Pop()
	if first.Opcode != 1 || second.Opcode != 2 {
		t.Fatalf("expected FIFO order, got %v then %v", first.Opcode, second.Opcode)
	}
	if _, ok := q.Pop(); ok {
		t.Fatal("expected an empty queue")
	}
}

func TestSetCarrierClamps(t *testing.T) {
	ft := &testTransceiver{}
	dev := NewDevice(1, ft, DefaultSettings())
	if got := dev.SetCarrier(10); got != 25_000 {
		t.Fatalf("expected clamp to MinCarrierHz, got %d", got)
	}
	if got := dev.SetCarrier(999_999); got != 150_000 {
		t.Fatalf("expected clamp to MaxCarrierHz, got %d", got)
	}
	if got := dev.SetCarrier(40_000); got != 40_000 {
		t.Fatalf("expected 40000 to pass through unclamped, got %d", got)
	}
}

func TestSetChannelMaskRejectsOutOfRange(t *testing.T) {
	ft := &testTransceiver{}
	dev := NewDevice(1, ft, DefaultSettings())
	if dev.SetChannelMask(0x10) {
		t.Fatal("expected values above 0x0F to be rejected")
	}
	if !dev.SetChannelMask(0x0A) {
		t.Fatal("expected 0x0A to be accepted")
	}
	if dev.ChannelMask() != 0x0A<<4 {
		t.Fatalf("expected the cached mask to be shifted left by 4, got 0x%02x", dev.ChannelMask())
	}
}
