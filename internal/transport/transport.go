// Package transport provides the client<->daemon Unix-domain-socket
// transport: a thin net.Conn wrapper that reads and writes
// internal/protocol/framing.WireFrame values, and a Listener that binds
// the per-device and control sockets under the daemon's socket root.
package transport

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"iguanaird/internal/protocol/framing"
)

// FrameConn wraps a net.Conn (a Unix-domain socket, in production) with
// frame-level read/write methods. Writes are serialized: concurrent
// responses to one client must not interleave their header and payload.
type FrameConn struct {
	conn net.Conn
	mu   sync.Mutex
}

// NewFrameConn wraps an already-accepted or already-dialed connection.
func NewFrameConn(conn net.Conn) *FrameConn {
	return &FrameConn{conn: conn}
}

// ReadFrame reads the next wire frame. Safe to call concurrently with
// WriteFrame, but not with another concurrent ReadFrame (the daemon uses
// exactly one reader goroutine per client connection).
func (c *FrameConn) ReadFrame() (framing.WireFrame, error) {
	return framing.ReadWireFrame(c.conn)
}

// WriteFrame writes f atomically with respect to other WriteFrame calls
// on the same connection.
func (c *FrameConn) WriteFrame(f framing.WireFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return framing.WriteWireFrame(c.conn, f)
}

// Close closes the underlying connection.
func (c *FrameConn) Close() error {
	return c.conn.Close()
}

// RemoteAddr exposes the underlying connection's remote address for
// logging; Unix sockets report the peer's path, often empty for
// anonymous client sockets.
func (c *FrameConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// SocketRoot resolves the platform-dependent directory housing the
// daemon's per-device and control sockets, per spec.md section 6. Windows
// named pipes are out of scope for this POSIX-only build (see DESIGN.md).
func SocketRoot(override string) string {
	if override != "" {
		return override
	}
	return "/var/run/iguanaIR"
}

// EnsureSocketRoot creates root (and any missing parents) and removes any
// stale socket files left by a prior daemon instance under it, since
// persisted state is explicitly out of scope (spec.md section 6).
func EnsureSocketRoot(root string) error {
	if err := os.MkdirAll(root, 0755); err != nil {
		return fmt.Errorf("transport: create socket root %s: %w", root, err)
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return fmt.Errorf("transport: read socket root %s: %w", root, err)
	}
	for _, entry := range entries {
		if entry.Type()&os.ModeSocket != 0 {
			_ = os.Remove(filepath.Join(root, entry.Name()))
		}
	}
	return nil
}

// Listener binds a named Unix-domain socket under a socket root and
// accepts FrameConns from it. One Listener exists per device ID, per
// device alias, and one for the control socket.
type Listener struct {
	path string
	ln   net.Listener
}

// Listen binds name (a device ID, an alias, or "ctl") under root.
func Listen(root, name string) (*Listener, error) {
	path := filepath.Join(root, name)
	_ = os.Remove(path)

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("transport: listen on %s: %w", path, err)
	}
	return &Listener{path: path, ln: ln}, nil
}

// Accept blocks for the next client connection.
func (l *Listener) Accept() (*FrameConn, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	return NewFrameConn(conn), nil
}

// Path returns the filesystem path this listener is bound to.
func (l *Listener) Path() string {
	return l.path
}

// Close stops accepting and removes the socket file.
func (l *Listener) Close() error {
	err := l.ln.Close()
	_ = os.Remove(l.path)
	return err
}

// Dial connects to a named socket under root, for use by client tools
// (igclient, igmonitor) and tests.
func Dial(root, name string) (*FrameConn, error) {
	conn, err := net.Dial("unix", filepath.Join(root, name))
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", name, err)
	}
	return NewFrameConn(conn), nil
}
