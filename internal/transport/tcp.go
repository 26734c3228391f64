// Package transport owns the single outbound TCP connection to the edge
// bridge. It performs no retry or rate-limiting policy itself — that is the
// Command Pipeline's job (package pipeline); Transport only reports whether
// a connection exists and provides byte-level primitives over it.
package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// ErrNotConnected is returned by operations attempted without a live socket.
var ErrNotConnected = errors.New("transport: not connected")

// Transport owns one outbound TCP endpoint. Safe for concurrent use, though
// only one caller (the pipeline worker) actually uses it at a time; the
// mutex here only protects the conn field itself.
type Transport struct {
	addr        string
	dialTimeout time.Duration
	log         *zap.Logger

	mu   sync.Mutex
	conn net.Conn
}

// New creates a Transport targeting addr (host:port). Does not dial; call
// EnsureConnected before first use.
func New(addr string, dialTimeout time.Duration, log *zap.Logger) *Transport {
	if log == nil {
		panic("transport.New: log must not be nil")
	}
	return &Transport{addr: addr, dialTimeout: dialTimeout, log: log}
}

// IsConnected reports whether a live connection is currently held.
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

// EnsureConnected dials the edge bridge if not already connected. Safe to
// call when already connected (no-op). Tunes the socket the way the field
// protocol requires: Nagle disabled (frames are short and latency-sensitive)
// and keepalive enabled (the TCP connection is long-lived and otherwise
// idle between commands).
func (t *Transport) EnsureConnected() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		return nil
	}

	conn, err := net.DialTimeout("tcp", t.addr, t.dialTimeout)
	if err != nil {
		return fmt.Errorf("transport: dial %s: %w", t.addr, err)
	}

	tcpConn, ok := conn.(*net.TCPConn)
	if ok {
		if sc, err := tcpConn.SyscallConn(); err == nil {
			_ = sc.Control(func(fd uintptr) {
				_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
				_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1)
			})
		}
	}

	t.conn = conn
	t.log.Info("connected to edge bridge", zap.String("addr", t.addr))
	return nil
}

// closeLocked closes and clears the current connection. Caller must hold mu.
func (t *Transport) closeLocked() {
	if t.conn != nil {
		_ = t.conn.Close()
		t.conn = nil
	}
}

// Close closes the connection if one is open. Safe to call repeatedly.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeLocked()
	return nil
}

// Write sends frame as a single indivisible write; a frame is never split
// across writes. On failure the connection is closed so the next
// EnsureConnected reopens it.
func (t *Transport) Write(frame []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	_, err := conn.Write(frame)
	if err != nil {
		t.mu.Lock()
		t.closeLocked()
		t.mu.Unlock()
		return fmt.Errorf("transport: write: %w", err)
	}
	return nil
}

// ReadByte reads a single byte with the given deadline. Returns
// (0, true, nil) on deadline exceeded (caller treats this as an ACK
// timeout, not a hard failure); returns a non-nil error and closes the
// connection on peer-closed or other I/O errors.
func (t *Transport) ReadByte(deadline time.Time) (b byte, timedOut bool, err error) {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		return 0, false, ErrNotConnected
	}

	if err := conn.SetReadDeadline(deadline); err != nil {
		return 0, false, fmt.Errorf("transport: set deadline: %w", err)
	}

	buf := make([]byte, 1)
	_, err = conn.Read(buf)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return 0, true, nil
		}
		t.mu.Lock()
		t.closeLocked()
		t.mu.Unlock()
		if errors.Is(err, io.EOF) {
			return 0, false, fmt.Errorf("transport: peer closed: %w", err)
		}
		return 0, false, fmt.Errorf("transport: read: %w", err)
	}
	return buf[0], false, nil
}

// Drain performs a brief non-blocking-style read loop to discard any stale
// bytes left from a previous item whose ACK arrived after that item's
// deadline already expired. This is what makes "the most recent ACK
// belongs to the most recently sent frame" hold.
func (t *Transport) Drain() {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return
	}

	buf := make([]byte, 64)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Millisecond))
		n, err := conn.Read(buf)
		if n > 0 {
			t.log.Debug("drained stale bytes", zap.Int("n", n))
		}
		if err != nil {
			return
		}
	}
}

// ForceClose closes the connection, e.g. after a broken-pipe/reset
// detection, before the next retry attempt.
func (t *Transport) ForceClose() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeLocked()
}
