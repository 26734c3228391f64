// Package transporttest provides a scripted TCP peer standing in for the
// edge bridge in tests, so transport/pipeline/assertion/orchestrator tests
// can exercise real socket behaviour (deadlines, resets, dropped, delayed,
// duplicate or spurious ACKs) without a physical ESP32 bridge.
package transporttest

import (
	"net"
	"sync"
	"time"
)

// Behavior controls how the scripted peer responds to an incoming frame.
type Behavior int

const (
	// AckNormal replies 'K' after AckDelay.
	AckNormal Behavior = iota
	// AckDuplicate replies 'K' twice.
	AckDuplicate
	// AckDropped reads the frame but sends nothing.
	AckDropped
	// AckSpurious sends a non-'K' byte before the real 'K'.
	AckSpurious
	// ResetMidFrame closes the connection without reading the frame.
	ResetMidFrame
)

// Peer is a scripted TCP listener. Each received frame is answered with the
// Behavior and AckDelay configured when that frame arrives, so a test can
// change behavior between commands on the same connection.
type Peer struct {
	ln net.Listener

	mu        sync.Mutex
	behavior  Behavior
	ackDelay  time.Duration
	failConns int

	receivedMu sync.Mutex
	received   [][]byte
}

// Listen starts a scripted peer on an ephemeral loopback port.
func Listen() (*Peer, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	p := &Peer{ln: ln, behavior: AckNormal}
	go p.acceptLoop()
	return p, nil
}

// Addr returns the listener's address, suitable for Transport's New().
func (p *Peer) Addr() string {
	return p.ln.Addr().String()
}

// SetBehavior changes how subsequently received frames are answered.
func (p *Peer) SetBehavior(b Behavior) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.behavior = b
}

// SetAckDelay sets the delay before an ACK is sent.
func (p *Peer) SetAckDelay(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ackDelay = d
}

// FailConnections makes the peer close the next n accepted connections
// immediately without reading anything, after which connections are handled
// normally again. Deterministic stand-in for a bridge that drops and comes
// back.
func (p *Peer) FailConnections(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failConns = n
}

// Received returns a copy of every frame the peer has read so far.
func (p *Peer) Received() [][]byte {
	p.receivedMu.Lock()
	defer p.receivedMu.Unlock()
	out := make([][]byte, len(p.received))
	copy(out, p.received)
	return out
}

// Close stops accepting new connections.
func (p *Peer) Close() error {
	return p.ln.Close()
}

func (p *Peer) acceptLoop() {
	for {
		conn, err := p.ln.Accept()
		if err != nil {
			return
		}
		go p.handle(conn)
	}
}

func (p *Peer) handle(conn net.Conn) {
	defer conn.Close()

	p.mu.Lock()
	if p.failConns > 0 {
		p.failConns--
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	for {
		p.mu.Lock()
		reset := p.behavior == ResetMidFrame
		p.mu.Unlock()

		if reset {
			return
		}

		buf := make([]byte, 16)
		_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
		n, err := conn.Read(buf)
		if err != nil || n == 0 {
			return
		}

		frame := make([]byte, n)
		copy(frame, buf[:n])
		p.receivedMu.Lock()
		p.received = append(p.received, frame)
		p.receivedMu.Unlock()

		p.mu.Lock()
		behavior, ackDelay := p.behavior, p.ackDelay
		p.mu.Unlock()

		switch behavior {
		case ResetMidFrame:
			return
		case AckDropped:
			// Send nothing.
		case AckSpurious:
			time.Sleep(ackDelay)
			_, _ = conn.Write([]byte{'X'})
			_, _ = conn.Write([]byte{'K'})
		case AckDuplicate:
			time.Sleep(ackDelay)
			_, _ = conn.Write([]byte{'K'})
			_, _ = conn.Write([]byte{'K'})
		default: // AckNormal
			time.Sleep(ackDelay)
			_, _ = conn.Write([]byte{'K'})
		}
	}
}
