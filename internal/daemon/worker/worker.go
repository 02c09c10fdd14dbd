// Package worker implements the Device Worker (C8): one goroutine per
// device that multiplexes the reader's notification channel, each
// listening socket, and each active client connection, per spec.md
// section 4.8. Go channels + select stand in for the original's
// select/poll/kqueue/IOCP readiness primitive.
package worker

import (
	"context"
	"encoding/binary"
	"strconv"
	"sync"

	"iguanaird/internal/daemon"
	"iguanaird/internal/daemon/logging"
	"iguanaird/internal/daemon/reader"
	"iguanaird/internal/daemon/session"
	"iguanaird/internal/daemon/transactor"
	"iguanaird/internal/protocol"
	"iguanaird/internal/protocol/codec"
	"iguanaird/internal/protocol/framing"
	"iguanaird/internal/transport"
)

// clientMsg is one event from a client connection's read loop: either a
// decoded frame, or a terminal error/EOF.
type clientMsg struct {
	clientID uint64
	frame    framing.WireFrame
	err      error
}

// acceptedConn pairs a freshly accepted connection with the listener it
// came from, purely for logging.
type acceptedConn struct {
	conn   *transport.FrameConn
	source string
}

// client bundles one connection with its session state.
type client struct {
	sess *session.Session
	conn *transport.FrameConn
}

// Worker owns one Device for its entire lifetime: its reader goroutine,
// its listeners, and every client connected to it.
type Worker struct {
	dev *daemon.Device
	tx  *transactor.Transactor
	log *logging.Logger

	listeners []*transport.Listener

	mu        sync.Mutex
	clients   map[uint64]*client
	nextID    uint64
	accept    chan acceptedConn
	incoming  chan clientMsg
}

// New builds a Worker for dev, binding the numeric-ID socket and, if
// alias is non-empty, an alias socket, under root.
func New(dev *daemon.Device, root, alias string, logger *logging.Logger) (*Worker, error) {
	if logger == nil {
		logger = logging.Default
	}

	idListener, err := transport.Listen(root, strconv.Itoa(dev.ID))
	if err != nil {
		return nil, err
	}
	listeners := []*transport.Listener{idListener}

	if alias != "" {
		aliasListener, err := transport.Listen(root, alias)
		if err != nil {
			idListener.Close()
			return nil, err
		}
		listeners = append(listeners, aliasListener)
	}

	return &Worker{
		dev:       dev,
		tx:        transactor.New(dev, logger),
		log:       logger,
		listeners: listeners,
		clients:   make(map[uint64]*client),
		accept:    make(chan acceptedConn, 4),
		incoming:  make(chan clientMsg, 16),
	}, nil
}

// Run drives the device's reader and its client multiplexing loop until
// ctx is cancelled or the reader observes the device is gone. It blocks
// until shutdown is complete.
func (w *Worker) Run(ctx context.Context) {
	readerCtx, cancelReader := context.WithCancel(ctx)
	defer cancelReader()

	go reader.New(w.dev, w.log).Run(readerCtx)

	w.queryCapabilities(ctx)

	for _, ln := range w.listeners {
		go w.acceptLoop(ln)
	}

	for {
		select {
		case <-ctx.Done():
			w.shutdown()
			return

		case ac := <-w.accept:
			w.log.Debug("device %d: accepted a client on %s", w.dev.ID, ac.source)
			w.registerClient(ac.conn)

		case msg := <-w.incoming:
			w.handleClientMsg(msg)

		case _, ok := <-w.dev.ReaderNotify:
			if !ok {
				w.shutdown()
				return
			}
			w.drainRecvQueue()
		}
	}
}

// queryCapabilities runs the GETVERSION/GETFEATURES transaction once at
// device startup (spec.md section 4.9's "FirmwareCapabilities queried
// once at device startup" lifecycle), so the catalog/transactor/codec
// evaluate against the device's real firmware version instead of the
// zero value every Device starts with. A device that never answers is
// logged and left at its zero values rather than aborting the worker,
// matching checkDeviceVersion/checkFeatures's own error handling.
func (w *Worker) queryCapabilities(ctx context.Context) {
	resp, err := w.tx.Transact(ctx, transactor.Request{Opcode: protocol.OpGetVersion}, true)
	if err != nil {
		w.log.Warn("device %d: GETVERSION failed: %v", w.dev.ID, err)
		return
	}
	if len(resp.Payload) == 2 {
		w.dev.FirmwareVersion = binary.LittleEndian.Uint16(resp.Payload)
	}
	w.log.Info("device %d: firmware version 0x%04x", w.dev.ID, w.dev.FirmwareVersion)

	// checkFeatures only asks devices with a body (both version bytes
	// non-zero) for their features.
	version := w.dev.FirmwareVersion
	if version&0x00FF == 0 || version&0xFF00 == 0 {
		return
	}

	resp, err = w.tx.Transact(ctx, transactor.Request{Opcode: protocol.OpGetFeatures}, true)
	if err != nil {
		w.log.Warn("device %d: GETFEATURES failed: %v", w.dev.ID, err)
		return
	}
	if len(resp.Payload) >= 1 {
		w.dev.Features = resp.Payload[0]
	}
	if len(resp.Payload) >= 2 {
		w.dev.Cycles = resp.Payload[1]
	}
}

func (w *Worker) acceptLoop(ln *transport.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		w.accept <- acceptedConn{conn: conn, source: ln.Path()}
	}
}

func (w *Worker) registerClient(conn *transport.FrameConn) {
	w.mu.Lock()
	id := w.nextID
	w.nextID++
	c := &client{sess: session.New(w.dev, w.tx, id, w.log), conn: conn}
	w.clients[id] = c
	w.mu.Unlock()

	go w.readLoop(id, conn)
}

func (w *Worker) readLoop(id uint64, conn *transport.FrameConn) {
	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			w.incoming <- clientMsg{clientID: id, err: err}
			return
		}
		w.incoming <- clientMsg{clientID: id, frame: frame}
	}
}

func (w *Worker) handleClientMsg(msg clientMsg) {
	w.mu.Lock()
	c, ok := w.clients[msg.clientID]
	w.mu.Unlock()
	if !ok {
		return
	}

	if msg.err != nil {
		w.releaseClient(msg.clientID)
		return
	}

	resp := c.sess.Handle(msg.frame)
	if err := c.conn.WriteFrame(resp); err != nil {
		w.log.Warn("device %d: write to client %d failed: %v", w.dev.ID, msg.clientID, err)
		w.releaseClient(msg.clientID)
	} else if c.sess.Client().State == daemon.Closing {
		// A failed handshake: the error frame is sent, then the client goes.
		w.releaseClient(msg.clientID)
	}
}

func (w *Worker) releaseClient(id uint64) {
	w.mu.Lock()
	c, ok := w.clients[id]
	if ok {
		delete(w.clients, id)
	}
	w.mu.Unlock()
	if !ok {
		return
	}
	c.sess.Close()
	c.conn.Close()
}

// drainRecvQueue empties the device's recv queue, fanning each packet out
// per spec.md section 4.8's two-phase raw/cooked delivery.
func (w *Worker) drainRecvQueue() {
	for {
		pkt, ok := w.dev.RecvList.Pop()
		if !ok {
			return
		}
		w.fanOut(pkt)
	}
}

func (w *Worker) fanOut(pkt daemon.ResponsePacket) {
	switch pkt.Opcode {
	case protocol.OpRecv:
		w.deliverTo(daemon.ReceivingRaw, framing.WireFrame{Opcode: pkt.Opcode, DataLen: int32(len(pkt.Payload)), Payload: pkt.Payload})

		pulses := codec.Decode(pkt.Payload)
		cooked := make([]byte, len(pulses)*4)
		for i, p := range pulses {
			binary.LittleEndian.PutUint32(cooked[i*4:], uint32(p))
		}
		w.deliverTo(daemon.ReceivingCooked, framing.WireFrame{Opcode: pkt.Opcode, DataLen: int32(len(cooked)), Payload: cooked})

	case protocol.OpOverRecv, protocol.OpOverSend:
		w.log.Warn("device %d: device reported an overrun (%v)", w.dev.ID, pkt.Opcode)
		w.deliverTo(daemon.ReceivingRaw, framing.WireFrame{Opcode: pkt.Opcode, DataLen: int32(len(pkt.Payload)), Payload: pkt.Payload})

	default:
		w.log.Debug("device %d: dropping unexpected reader-queue opcode %v", w.dev.ID, pkt.Opcode)
	}
}

func (w *Worker) deliverTo(mode daemon.Receiving, frame framing.WireFrame) {
	w.mu.Lock()
	targets := make([]*client, 0, len(w.clients))
	for _, c := range w.clients {
		if c.sess.Client().Receiving == mode {
			targets = append(targets, c)
		}
	}
	w.mu.Unlock()

	for _, c := range targets {
		if err := c.conn.WriteFrame(frame); err != nil {
			w.log.Warn("device %d: RECV delivery to client %d failed: %v", w.dev.ID, c.sess.Client().ID, err)
			w.releaseClient(c.sess.Client().ID)
		}
	}
}

// shutdown implements spec.md section 4.8's shutdown sequence: mark the
// device stopped (unblocking the reader on its next timeout), close
// listeners, and release every remaining client with its subscription
// accounted for via Session.Close's synthetic RECVOFF.
func (w *Worker) shutdown() {
	w.dev.Stopped = true

	for _, ln := range w.listeners {
		ln.Close()
	}

	w.mu.Lock()
	ids := make([]uint64, 0, len(w.clients))
	for id := range w.clients {
		ids = append(ids, id)
	}
	w.mu.Unlock()

	for _, id := range ids {
		w.releaseClient(id)
	}
}
