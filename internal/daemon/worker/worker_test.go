package worker

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"iguanaird/internal/daemon"
	"iguanaird/internal/protocol"
	"iguanaird/internal/protocol/framing"
	"iguanaird/internal/transport"
	"iguanaird/internal/usbtransport"
)

// queueTransceiver lets a test script a handful of device reads (e.g. a
// bare RECV body) and otherwise blocks until the context is cancelled.
type queueTransceiver struct {
	queue chan []byte
}

func newQueueTransceiver() *queueTransceiver {
	return &queueTransceiver{queue: make(chan []byte, 8)}
}

func (q *queueTransceiver) push(b []byte) { q.queue <- b }

func (q *queueTransceiver) MaxPacketSize() int { return 8 }
func (q *queueTransceiver) Location() usbtransport.Location {
	return usbtransport.Location{Bus: 0, Address: 1}
}
func (q *queueTransceiver) Write(context.Context, []byte) (int, error) { return 0, nil }
func (q *queueTransceiver) Close() error                               { return nil }
func (q *queueTransceiver) Read(ctx context.Context, buf []byte) (int, error) {
	select {
	case b := <-q.queue:
		return copy(buf, b), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-time.After(5 * time.Millisecond):
		return 0, context.DeadlineExceeded
	}
}

func versionFrame() framing.WireFrame {
	payload := make([]byte, 2)
	binary.LittleEndian.PutUint16(payload, 1)
	return framing.WireFrame{Opcode: protocol.OpExchVersions, DataLen: 2, Payload: payload}
}

func TestWorkerHandshakeAndRecvFanOut(t *testing.T) {
	root := t.TempDir()
	qt := newQueueTransceiver()
	dev := daemon.NewDevice(7, qt, daemon.Settings{RecvTimeout: 5 * time.Millisecond, SendTimeout: 20 * time.Millisecond})
	dev.FirmwareVersion = 5

	w, err := New(dev, root, "", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	conn, err := transport.Dial(root, "7")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteFrame(versionFrame()); err != nil {
		t.Fatalf("WriteFrame handshake: %v", err)
	}
	resp, err := conn.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame handshake: %v", err)
	}
	if resp.Opcode != protocol.OpExchVersions {
		t.Fatalf("unexpected handshake response: %+v", resp)
	}

	if err := conn.WriteFrame(framing.WireFrame{Opcode: protocol.OpRecvOn}); err != nil {
		t.Fatalf("WriteFrame RECVON: %v", err)
	}

	go func() {
		time.Sleep(2 * time.Millisecond)
		dev.Response.Store(daemon.ResponsePacket{Opcode: protocol.OpRecvOn})
		dev.NotifyResponse()
	}()

	resp, err = conn.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame RECVON ack: %v", err)
	}
	if resp.Opcode != protocol.OpRecvOn {
		t.Fatalf("unexpected RECVON response: %+v", resp)
	}

	// A bare (non-control) read off the transceiver: a RECV body with a
	// trailing fill-level byte the reader discards.
	qt.push([]byte{0x9F, 0x0A, 0x8F, 0x02, 0x00})

	frame, err := readWithTimeout(t, conn, 500*time.Millisecond)
	if err != nil {
		t.Fatalf("ReadFrame RECV fan-out: %v", err)
	}
	if frame.Opcode != protocol.OpRecv || len(frame.Payload) != 16 {
		t.Fatalf("expected a cooked 4-pulse RECV frame, got %+v", frame)
	}
}

func readWithTimeout(t *testing.T, conn *transport.FrameConn, d time.Duration) (framing.WireFrame, error) {
	t.Helper()
	type result struct {
		frame framing.WireFrame
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		f, err := conn.ReadFrame()
		ch <- result{f, err}
	}()
	select {
	case r := <-ch:
		return r.frame, r.err
	case <-time.After(d):
		return framing.WireFrame{}, context.DeadlineExceeded
	}
}
