package lib

import (
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type datagram struct {
	data []byte
	addr net.Addr
}

type sentFrame struct {
	frame *Frame
	addr  net.Addr
}

// fakePacketConn is an in-memory socket: tests inject datagrams to be read
// and inspect every frame written.
type fakePacketConn struct {
	local     net.Addr
	in        chan datagram
	out       chan sentFrame
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakePacketConn() *fakePacketConn {
	return &fakePacketConn{
		local:  &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 7080},
		in:     make(chan datagram, 256),
		out:    make(chan sentFrame, 4096),
		closed: make(chan struct{}),
	}
}

func (p *fakePacketConn) inject(t *testing.T, f *Frame, from net.Addr) {
	t.Helper()
	data, err := EncodeFrame(f)
	if err != nil {
		t.Fatalf("encode %v: %v", f, err)
	}
	p.in <- datagram{data: data, addr: from}
}

// next returns the next written frame or fails the test after timeout.
func (p *fakePacketConn) next(t *testing.T, timeout time.Duration) sentFrame {
	t.Helper()
	select {
	case s := <-p.out:
		return s
	case <-time.After(timeout):
		t.Fatalf("no frame written within %v", timeout)
		return sentFrame{}
	}
}

func (p *fakePacketConn) ReadFrom(b []byte) (int, net.Addr, error) {
	select {
	case d := <-p.in:
		return copy(b, d.data), d.addr, nil
	case <-p.closed:
		return 0, nil, net.ErrClosed
	}
}

func (p *fakePacketConn) WriteTo(b []byte, addr net.Addr) (int, error) {
	select {
	case <-p.closed:
		return 0, net.ErrClosed
	default:
	}
	f, err := DecodeFrame(b)
	if err != nil {
		return 0, err
	}
	select {
	case p.out <- sentFrame{frame: f, addr: addr}:
	default:
	}
	return len(b), nil
}

func (p *fakePacketConn) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}

func (p *fakePacketConn) LocalAddr() net.Addr                { return p.local }
func (p *fakePacketConn) SetDeadline(t time.Time) error      { return nil }
func (p *fakePacketConn) SetReadDeadline(t time.Time) error  { return nil }
func (p *fakePacketConn) SetWriteDeadline(t time.Time) error { return nil }

// lossyPacketConn drops every nth datagram written through it.
type lossyPacketConn struct {
	net.PacketConn
	every   int64
	writes  atomic.Int64
	dropped atomic.Int64
}

func (l *lossyPacketConn) WriteTo(b []byte, addr net.Addr) (int, error) {
	if l.writes.Add(1)%l.every == 0 {
		l.dropped.Add(1)
		return len(b), nil
	}
	return l.PacketConn.WriteTo(b, addr)
}

func testEndpointConfig() *EndpointConfig {
	cfg := DefaultEndpointConfig()
	cfg.CookieSecret = []byte("test cookie secret")
	cfg.ConnConfig.RTO = 2 * time.Second
	return cfg
}

var testPeer = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9000}

const (
	testLocalSeq = uint64(1000)
	testPeerSeq  = uint64(5000)
)

// newTestConnection builds an established connection on a fake socket
// without running the dispatch loop. Frames for it are pushed straight into
// route.inbound.
func newTestConnection(t *testing.T, cfg *EndpointConfig) (*Connection, *fakePacketConn) {
	t.Helper()
	fc := newFakePacketConn()
	e, err := NewEndpoint(fc, cfg)
	if err != nil {
		t.Fatalf("NewEndpoint: %v", err)
	}
	t.Cleanup(func() { e.Close() })

	r := newRoute(cfg.ConnConfig.InboundQueueLength)
	c := newConnection(e, testPeer, r, testLocalSeq, testPeerSeq)
	c.peerConfirmed = true
	r.conn = c
	if !e.routes.insert(c.key, r) {
		t.Fatalf("insert route for %s failed", c.key)
	}
	return c, fc
}
