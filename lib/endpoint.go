package lib

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	rp "github.com/Clouded-Sabre/ringpool/lib"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/Clouded-Sabre/utcp/lib"

// Endpoint multiplexes every connection to and from one local UDP socket.
// A single dispatch goroutine owns all reads of the socket and routes each
// frame by peer address.
type Endpoint struct {
	config   *EndpointConfig
	conn     net.PacketConn
	routes   *routeTable
	acceptCh chan *Connection // established connections waiting for Listen
	cookies  *cookieJar
	pool     *rp.RingPool
	metrics  *Metrics
	logger   *zap.Logger
	tracer   trace.Tracer

	startOnce   sync.Once
	closeOnce   sync.Once
	closeSignal chan struct{} // closed by Close to stop the dispatch loop
	wg          sync.WaitGroup
}

// Bind opens a UDP socket on local and wraps it in an Endpoint.
func Bind(local string, config *EndpointConfig) (*Endpoint, error) {
	pc, err := net.ListenPacket("udp", local)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", local, err)
	}
	e, err := NewEndpoint(pc, config)
	if err != nil {
		pc.Close()
		return nil, err
	}
	return e, nil
}

// NewEndpoint wraps an already open packet socket. The endpoint takes
// ownership of pc and closes it in Close.
func NewEndpoint(pc net.PacketConn, config *EndpointConfig) (*Endpoint, error) {
	if config == nil {
		config = DefaultEndpointConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid endpoint config: %w", err)
	}
	cookies, err := newCookieJar(config.CookieSecret)
	if err != nil {
		return nil, err
	}

	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	tracer := config.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}

	e := &Endpoint{
		config:      config,
		conn:        pc,
		acceptCh:    make(chan *Connection, config.AcceptBacklog),
		cookies:     cookies,
		pool:        newDatagramPool(config.PoolSize),
		metrics:     NewMetrics(config.Registerer),
		logger:      logger.With(zap.Stringer("local", pc.LocalAddr())),
		tracer:      tracer,
		closeSignal: make(chan struct{}),
	}
	e.routes = newRouteTable(e.routeRemoved)
	return e, nil
}

// LocalAddr returns the address of the underlying socket.
func (e *Endpoint) LocalAddr() net.Addr {
	return e.conn.LocalAddr()
}

// Metrics exposes the endpoint's collectors.
func (e *Endpoint) Metrics() *Metrics {
	return e.metrics
}

// Peers lists the addresses that currently hold a route, including
// handshakes in progress and connections lingering after close.
func (e *Endpoint) Peers() []string {
	return e.routes.keys()
}

// start launches the dispatch loop the first time it is called.
func (e *Endpoint) start() {
	e.startOnce.Do(func() {
		e.wg.Add(1)
		go e.handleIncomingPackets()
		e.logger.Info("Dispatch loop started")
	})
}

func (e *Endpoint) isClosed() bool {
	select {
	case <-e.closeSignal:
		return true
	default:
		return false
	}
}

// Connect performs the client side of the handshake with peer.
func (e *Endpoint) Connect(peer string) (*Connection, error) {
	return e.ConnectContext(context.Background(), peer)
}

// ConnectContext is Connect with cancellation of the handshake wait.
func (e *Endpoint) ConnectContext(ctx context.Context, peer string) (*Connection, error) {
	ctx, span := e.tracer.Start(ctx, "utcp.Connect",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("net.peer.addr", peer)),
	)
	defer span.End()

	c, err := e.connect(ctx, peer)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.Int64("utcp.send_sequence", int64(c.sendSequence)),
		attribute.Int64("utcp.recv_ack", int64(c.RecvAck())),
	)
	span.SetStatus(codes.Ok, "")
	return c, nil
}

func (e *Endpoint) connect(ctx context.Context, peer string) (*Connection, error) {
	if e.isClosed() {
		return nil, ErrNotConnected
	}
	addr, err := net.ResolveUDPAddr("udp", peer)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", peer, err)
	}
	key := routeKey(addr)

	isn, err := generateISN()
	if err != nil {
		return nil, err
	}

	r := newRoute(e.config.ConnConfig.InboundQueueLength)
	if !e.routes.insert(key, r) {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyConnected, key)
	}
	e.start()

	logger := e.logger.With(zap.String("peer", key))
	syn := NewSynFrame(isn)
	rto := e.config.HandshakeRTO
	for attempt := 1; attempt <= e.config.MaxHandshakeAttempts; attempt++ {
		if err := e.writeFrame(syn, addr); err != nil {
			e.routes.remove(key, r)
			return nil, err
		}
		logger.Debug("SYN sent", zap.Uint64("isn", isn), zap.Int("attempt", attempt), zap.Duration("rto", rto))

		synAck, err := e.awaitSynAck(ctx, r, isn, rto)
		if err != nil {
			e.routes.remove(key, r)
			e.metrics.Handshakes.WithLabelValues("client", "failed").Inc()
			return nil, err
		}
		if synAck == nil {
			rto *= 2
			continue
		}

		c := newConnection(e, addr, r, isn+1, synAck.Sequence+1)
		c.handshakeAck = NewAckFrame(c.sendSequence, c.RecvAck())
		if !e.routes.attach(key, r, c) {
			e.metrics.Handshakes.WithLabelValues("client", "failed").Inc()
			return nil, ErrConnectionAborted
		}
		e.metrics.ActiveConnections.Inc()
		if err := e.writeFrame(c.handshakeAck, addr); err != nil {
			e.routes.remove(key, r)
			return nil, err
		}
		e.metrics.Handshakes.WithLabelValues("client", "established").Inc()
		logger.Info("Connection established", zap.Uint64("send_sequence", c.sendSequence), zap.Uint64("recv_ack", c.RecvAck()))
		return c, nil
	}

	e.routes.remove(key, r)
	e.metrics.Handshakes.WithLabelValues("client", "failed").Inc()
	logger.Info("Handshake gave up", zap.Int("attempts", e.config.MaxHandshakeAttempts))
	return nil, fmt.Errorf("%w: no SYN+ACK from %s after %d attempts", ErrConnectionAborted, key, e.config.MaxHandshakeAttempts)
}

// awaitSynAck waits up to rto for the SYN+ACK answering isn. It returns a nil
// frame on timeout; frames that do not match are ignored.
func (e *Endpoint) awaitSynAck(ctx context.Context, r *route, isn uint64, rto time.Duration) (*Frame, error) {
	timer := time.NewTimer(rto)
	defer timer.Stop()
	for {
		select {
		case f, ok := <-r.inbound:
			if !ok {
				return nil, ErrConnectionAborted
			}
			if f.IsSyn() && f.IsAck() && f.Acked == isn+1 {
				return f, nil
			}
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Listen blocks until a peer completes the handshake.
func (e *Endpoint) Listen() (*Connection, error) {
	return e.ListenContext(context.Background())
}

func (e *Endpoint) ListenContext(ctx context.Context) (*Connection, error) {
	ctx, span := e.tracer.Start(ctx, "utcp.Listen", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	e.start()
	select {
	case c := <-e.acceptCh:
		span.SetAttributes(attribute.String("net.peer.addr", c.key))
		span.SetStatus(codes.Ok, "")
		return c, nil
	case <-e.closeSignal:
		span.SetStatus(codes.Error, ErrNotConnected.Error())
		return nil, ErrNotConnected
	case <-ctx.Done():
		span.RecordError(ctx.Err())
		span.SetStatus(codes.Error, ctx.Err().Error())
		return nil, ctx.Err()
	}
}

// Close stops the dispatch loop, closes the socket and drops every route.
// Connections still in use observe ErrConnectionAborted.
func (e *Endpoint) Close() error {
	var err error
	e.closeOnce.Do(func() {
		close(e.closeSignal)
		err = e.conn.Close()
		e.wg.Wait()
		e.routes.closeAll()
		e.logger.Info("Endpoint closed")
	})
	return err
}

// writeFrame encodes f and sends it to addr. Frames may be dropped here on
// purpose when PacketLossRate is set.
func (e *Endpoint) writeFrame(f *Frame, addr net.Addr) error {
	data, err := EncodeFrame(f)
	if err != nil {
		return err
	}
	if e.config.PacketLossRate > 0 && rand.Float64() < e.config.PacketLossRate {
		e.metrics.FramesDropped.WithLabelValues(dropSimulated).Inc()
		e.logger.Debug("Frame dropped by loss simulation", zap.Stringer("frame", f))
		return nil
	}
	if _, err := e.conn.WriteTo(data, addr); err != nil {
		return fmt.Errorf("write %s to %s: %w", f.kind(), addr, err)
	}
	e.metrics.FramesSent.WithLabelValues(f.kind()).Inc()
	return nil
}

// scheduleLinger removes c's route once the linger period has passed.
func (e *Endpoint) scheduleLinger(c *Connection) {
	e.routes.scheduleRemoval(c.key, c.route, e.config.Linger)
}

func (e *Endpoint) routeRemoved(key string, r *route) {
	if r.conn != nil {
		e.metrics.ActiveConnections.Dec()
	}
	e.logger.Debug("Route removed", zap.String("peer", key))
}

func (e *Endpoint) handleIncomingPackets() {
	defer e.wg.Done()

	for {
		elem := e.pool.GetElement()
		buffer := elem.Data.(*Payload)
		n, addr, err := e.conn.ReadFrom(buffer.Buffer())
		if err != nil {
			e.pool.ReturnElement(elem)
			if e.isClosed() || errors.Is(err, net.ErrClosed) {
				return
			}
			e.logger.Warn("Error reading from socket", zap.Error(err))
			continue
		}
		buffer.SetLength(n)
		frame, err := DecodeFrame(buffer.GetSlice())
		e.pool.ReturnElement(elem)
		if err != nil {
			e.metrics.FramesDropped.WithLabelValues(dropMalformed).Inc()
			e.logger.Debug("Malformed datagram dropped", zap.Stringer("from", addr), zap.Error(err))
			continue
		}
		e.metrics.FramesReceived.WithLabelValues(frame.kind()).Inc()
		e.dispatch(frame, addr)
	}
}

// dispatch routes one decoded frame. It runs only on the dispatch goroutine.
func (e *Endpoint) dispatch(f *Frame, addr net.Addr) {
	key := routeKey(addr)

	if f.IsSyn() && !f.IsAck() {
		e.answerSyn(f, addr, key)
		return
	}

	r, c := e.routes.lookup(key)
	if r == nil {
		e.completeHandshake(f, addr, key)
		return
	}

	if c != nil && c.detached.Load() {
		e.answerDetached(c, f)
		return
	}

	if f.IsRst() {
		switch {
		case c == nil:
			// a handshake in progress has no sequence space to validate against
			e.drop(dropStaleRst, f, key)
		case f.Sequence < c.RecvAck():
			e.drop(dropStaleRst, f, key)
		default:
			e.routes.deliver(r, f)
			e.routes.remove(key, r)
			e.logger.Info("Connection reset by peer", zap.String("peer", key))
		}
		return
	}

	if !e.routes.deliver(r, f) {
		e.drop(dropQueueFull, f, key)
	}
}

// answerSyn replies with the address cookie. No state is kept.
func (e *Endpoint) answerSyn(f *Frame, addr net.Addr, key string) {
	cookie := e.cookies.cookie(key)
	if err := e.writeFrame(NewSynAckFrame(cookie, f.Sequence+1), addr); err != nil {
		e.logger.Warn("Error sending SYN+ACK", zap.String("peer", key), zap.Error(err))
		return
	}
	e.logger.Debug("SYN answered", zap.String("peer", key), zap.Uint64("isn", f.Sequence))
}

// completeHandshake turns a pure ACK carrying a valid cookie into an
// accepted connection. Data frames never qualify: the first one to arrive
// may not be the first of the stream. A client whose handshake ACK was lost
// resends it on every retransmission timeout.
func (e *Endpoint) completeHandshake(f *Frame, addr net.Addr, key string) {
	if !f.IsAck() || f.IsSyn() || f.IsFin() || f.IsRst() || f.PayloadSize > 0 {
		e.drop(dropUnrouted, f, key)
		return
	}
	cookie := e.cookies.cookie(key)
	if f.Acked != cookie+1 {
		e.metrics.Handshakes.WithLabelValues("server", "rejected").Inc()
		e.drop(dropBadCookie, f, key)
		return
	}

	r := newRoute(e.config.ConnConfig.InboundQueueLength)
	c := newConnection(e, addr, r, cookie+1, f.Sequence)
	c.peerConfirmed = true
	r.conn = c
	if !e.routes.insert(key, r) {
		return
	}
	e.metrics.ActiveConnections.Inc()

	select {
	case e.acceptCh <- c:
	default:
		e.routes.remove(key, r)
		e.metrics.Handshakes.WithLabelValues("server", "rejected").Inc()
		e.drop(dropBacklogFull, f, key)
		return
	}
	e.metrics.Handshakes.WithLabelValues("server", "established").Inc()
	e.logger.Info("Connection accepted", zap.String("peer", key), zap.Uint64("send_sequence", c.sendSequence), zap.Uint64("recv_ack", f.Sequence))
}

// answerDetached handles frames for a connection whose owner has finished
// Close. Its sequence state is frozen, so it is read here without locking.
func (e *Endpoint) answerDetached(c *Connection, f *Frame) {
	switch {
	case f.IsRst():
		e.routes.remove(c.key, c.route)
	case f.IsFin() && f.Sequence == c.RecvAck():
		if err := e.writeFrame(NewAckFrame(c.sendSequence, c.RecvAck()+1), c.peer); err != nil {
			e.logger.Warn("Error acknowledging FIN", zap.String("peer", c.key), zap.Error(err))
		}
		e.scheduleLinger(c)
	}
}

func (e *Endpoint) drop(reason string, f *Frame, key string) {
	e.metrics.FramesDropped.WithLabelValues(reason).Inc()
	e.logger.Debug("Frame dropped", zap.String("reason", reason), zap.String("peer", key), zap.Stringer("frame", f))
}
