package usbtransport

import (
	"context"
	"sync"
)

// fakeTransceiver is a minimal in-memory Transceiver double for this
// package's tests: writes go to Written, reads are served from Queued.
type fakeTransceiver struct {
	mu      sync.Mutex
	Written [][]byte
	Queued  [][]byte
	closed  bool
}

func newFakeTransceiver() *fakeTransceiver {
	return &fakeTransceiver{}
}

func (f *fakeTransceiver) MaxPacketSize() int { return MaxUSBPacketSize }

func (f *fakeTransceiver) Location() Location { return Location{Bus: 0, Address: 1} }

func (f *fakeTransceiver) Write(_ context.Context, data []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	f.Written = append(f.Written, cp)
	return len(data), nil
}

func (f *fakeTransceiver) Read(_ context.Context, buf []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Queued) == 0 {
		return 0, context.DeadlineExceeded
	}
	next := f.Queued[0]
	f.Queued = f.Queued[1:]
	n := copy(buf, next)
	return n, nil
}

func (f *fakeTransceiver) QueueRead(data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Queued = append(f.Queued, data)
}

func (f *fakeTransceiver) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}
