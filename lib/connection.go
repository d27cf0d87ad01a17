package lib

import (
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Connection is one reliable byte stream with a peer. It is driven entirely
// by the goroutine calling its methods and is not safe for concurrent use;
// the endpoint's dispatch loop only feeds its inbound queue.
type Connection struct {
	endpoint *Endpoint
	key      string
	peer     net.Addr
	route    *route
	config   *ConnectionConfig
	logger   *zap.Logger

	sendSequence uint64        // lowest unacknowledged byte offset
	recvAck      atomic.Uint64 // next byte offset expected from the peer; read by the dispatch loop
	window       int
	inFlight     int
	sndMax       uint64 // one past the highest offset ever transmitted

	sentFin       bool
	receivedFin   bool
	peerConfirmed bool   // false until the peer has sent anything other than SYN+ACK
	handshakeAck  *Frame // resent while the peer is unconfirmed

	delivered [][]byte // accepted payloads not yet returned by Recv
	readBuf   []byte   // unread tail of a payload for Read
	err       error    // terminal error, returned by every later call
	closed    bool

	detached atomic.Bool // set once Close is done; the dispatch loop answers for us afterwards
}

func newConnection(e *Endpoint, peer net.Addr, r *route, sendSeq, recvAck uint64) *Connection {
	key := routeKey(peer)
	c := &Connection{
		endpoint:     e,
		key:          key,
		peer:         peer,
		route:        r,
		config:       e.config.ConnConfig,
		logger:       e.logger.With(zap.String("peer", key)),
		sendSequence: sendSeq,
		window:       e.config.ConnConfig.Window,
		sndMax:       sendSeq,
	}
	c.recvAck.Store(recvAck)
	return c
}

// frame events reported by processNext
type frameEvent uint8

const (
	eventAck frameEvent = 1 << iota
	eventData
	eventFin
	eventTimeout
)

func (c *Connection) PeerAddr() net.Addr { return c.peer }

func (c *Connection) LocalAddr() net.Addr { return c.endpoint.LocalAddr() }

func (c *Connection) SendSequence() uint64 { return c.sendSequence }

func (c *Connection) RecvAck() uint64 { return c.recvAck.Load() }

func (c *Connection) InFlight() int { return c.inFlight }

func (c *Connection) Window() int { return c.window }

// Send delivers content reliably using go-back-n. It returns once every byte
// is acknowledged, or with a *TimeoutError after MaxTransmit consecutive
// retransmission timeouts without progress.
func (c *Connection) Send(content []byte) (int, error) {
	if err := c.usable(); err != nil {
		return 0, err
	}
	if c.sentFin {
		return 0, ErrClosed
	}

	initial := c.sendSequence
	total := uint64(len(content))
	end := initial + total
	mss := uint64(c.config.MaxSegmentSize)
	timeouts := 0

	for c.sendSequence < end {
		for c.inFlight < c.window {
			offset := c.sendSequence + uint64(c.inFlight) - initial
			if offset >= total {
				break
			}
			size := min(total-offset, mss, uint64(c.window-c.inFlight))
			seq := c.sendSequence + uint64(c.inFlight)
			frame := NewDataFrame(seq, c.RecvAck(), content[offset:offset+size])
			if err := c.endpoint.writeFrame(frame, c.peer); err != nil {
				return int(c.sendSequence - initial), err
			}
			c.inFlight += int(size)
			c.sndMax = max(c.sndMax, seq+size)
		}

		progressed, err := c.awaitAck(c.config.RTO)
		if err != nil {
			return int(c.sendSequence - initial), err
		}
		if progressed {
			timeouts = 0
			continue
		}

		// go back to the first unacknowledged byte
		c.inFlight = 0
		c.endpoint.metrics.Retransmissions.Inc()
		timeouts++
		c.logger.Debug("Retransmission timeout", zap.Uint64("send_sequence", c.sendSequence), zap.Int("timeouts", timeouts))
		if !c.peerConfirmed {
			c.resendHandshakeAck()
		}
		if c.config.MaxTransmit > 0 && timeouts >= c.config.MaxTransmit {
			return int(c.sendSequence - initial), &TimeoutError{
				msg: fmt.Sprintf("utcp: no acknowledgment from %s after %d retransmission timeouts", c.key, timeouts),
			}
		}
	}
	return len(content), nil
}

// awaitAck processes inbound frames for up to rto and reports whether the
// cumulative acknowledgment advanced.
func (c *Connection) awaitAck(rto time.Duration) (bool, error) {
	deadline := time.Now().Add(rto)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, nil
		}
		ev, err := c.processNext(remaining)
		if err != nil {
			return false, err
		}
		if ev&eventAck != 0 {
			return true, nil
		}
		if ev&eventTimeout != 0 {
			return false, nil
		}
	}
}

// Recv returns the next in-order payload, blocking until one arrives.
// After the peer's FIN it returns ErrEndOfStream.
func (c *Connection) Recv() ([]byte, error) {
	for {
		if len(c.delivered) > 0 {
			payload := c.delivered[0]
			c.delivered[0] = nil
			c.delivered = c.delivered[1:]
			c.endpoint.metrics.BytesDelivered.Add(float64(len(payload)))
			return payload, nil
		}
		if err := c.usable(); err != nil {
			return nil, err
		}
		if c.receivedFin {
			return nil, ErrEndOfStream
		}
		if _, err := c.processNext(-1); err != nil {
			return nil, err
		}
	}
}

// Read implements io.Reader on top of Recv.
func (c *Connection) Read(p []byte) (int, error) {
	if len(c.readBuf) == 0 {
		payload, err := c.Recv()
		if err != nil {
			return 0, err
		}
		c.readBuf = payload
	}
	n := copy(p, c.readBuf)
	c.readBuf = c.readBuf[n:]
	return n, nil
}

// Write implements io.Writer on top of Send.
func (c *Connection) Write(p []byte) (int, error) {
	return c.Send(p)
}

// Close sends FIN and waits, one RTO at a time, until it is acknowledged or
// the peer's FIN arrives. After MaxFinAttempts unanswered FINs it gives up
// without error. Close always starts the linger, whether or not the peer has
// sent its own FIN: a half-closed route is reclaimed once the linger period
// passes, and until then the endpoint acknowledges the peer's FIN and honors
// its RST on this connection's behalf.
func (c *Connection) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	if c.err != nil {
		return nil
	}
	defer c.detach()

	finSeq := c.sendSequence
	c.sentFin = true
	c.sndMax = max(c.sndMax, finSeq+1)

	for attempt := 1; attempt <= c.config.MaxFinAttempts; attempt++ {
		if err := c.endpoint.writeFrame(NewFinFrame(finSeq, c.RecvAck()), c.peer); err != nil {
			return err
		}
		c.logger.Debug("FIN sent", zap.Uint64("sequence", finSeq), zap.Int("attempt", attempt))

		deadline := time.Now().Add(c.config.RTO)
		for {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				break
			}
			ev, err := c.processNext(remaining)
			if err != nil {
				c.logger.Debug("Close ended early", zap.Error(err))
				return nil
			}
			if c.sendSequence > finSeq || ev&eventFin != 0 {
				c.logger.Info("Connection closed", zap.Bool("peer_fin", c.receivedFin))
				return nil
			}
			if ev&eventTimeout != 0 {
				break
			}
		}
	}
	c.logger.Info("FIN unacknowledged, giving up", zap.Int("attempts", c.config.MaxFinAttempts))
	return nil
}

// detach hands the route over to the dispatch loop and starts the linger.
func (c *Connection) detach() {
	c.detached.Store(true)
	// frames queued before the handover still need an answer
	for {
		select {
		case f, ok := <-c.route.inbound:
			if !ok {
				return
			}
			c.endpoint.answerDetached(c, f)
		default:
			c.endpoint.scheduleLinger(c)
			return
		}
	}
}

// Reset aborts the connection with RST and drops its route immediately.
// A connection that has already failed, for example one reset by the peer,
// sends nothing and returns its terminal error.
func (c *Connection) Reset() error {
	if c.err != nil {
		c.closed = true
		return c.err
	}
	err := c.endpoint.writeFrame(NewRstFrame(c.sendSequence), c.peer)
	c.err = ErrClosed
	c.closed = true
	c.endpoint.routes.remove(c.key, c.route)
	c.logger.Info("Connection reset")
	return err
}

func (c *Connection) usable() error {
	if c.err != nil {
		return c.err
	}
	if c.closed {
		return ErrClosed
	}
	return nil
}

// processNext handles at most one inbound frame, waiting up to timeout for
// it. A negative timeout waits indefinitely.
func (c *Connection) processNext(timeout time.Duration) (frameEvent, error) {
	var expired <-chan time.Time
	if timeout >= 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case f, ok := <-c.route.inbound:
		if !ok {
			return 0, c.routeClosed()
		}
		return c.handleFrame(f)
	case <-expired:
		return eventTimeout, nil
	}
}

// routeClosed records why the inbound queue went away.
func (c *Connection) routeClosed() error {
	if c.err == nil {
		if c.receivedFin {
			return ErrEndOfStream
		}
		c.err = ErrConnectionAborted
	}
	return c.err
}

func (c *Connection) handleFrame(f *Frame) (frameEvent, error) {
	if f.IsRst() {
		c.err = ErrConnectionReset
		c.logger.Info("Connection reset by peer", zap.Uint64("sequence", f.Sequence))
		return 0, c.err
	}
	if f.IsSyn() {
		// a repeated SYN+ACK means our handshake ACK may have been lost
		if !c.peerConfirmed {
			c.resendHandshakeAck()
		}
		return 0, nil
	}
	c.peerConfirmed = true

	var ev frameEvent
	if f.IsAck() && c.acceptAck(f.Acked) {
		ev |= eventAck
	}

	switch {
	case f.IsFin():
		ev |= c.handleFin(f)
	case f.PayloadSize > 0:
		ev |= c.handleData(f)
	}
	return ev, nil
}

// acceptAck applies a cumulative acknowledgment. Acknowledgments that do not
// move forward or that cover bytes never sent are ignored.
func (c *Connection) acceptAck(acked uint64) bool {
	if acked <= c.sendSequence || acked > c.sndMax {
		return false
	}
	advanced := acked - c.sendSequence
	c.sendSequence = acked
	if uint64(c.inFlight) > advanced {
		c.inFlight -= int(advanced)
	} else {
		c.inFlight = 0
	}
	return true
}

func (c *Connection) handleData(f *Frame) frameEvent {
	expected := c.RecvAck()
	if f.Sequence != expected {
		// out of order or duplicate; repeat the cumulative ack
		c.sendAck(expected)
		return 0
	}
	c.recvAck.Store(expected + f.PayloadSize)
	c.delivered = append(c.delivered, f.Payload)
	c.sendAck(c.RecvAck())
	return eventData
}

// handleFin acknowledges the peer's FIN. The FIN occupies one sequence
// number in the ack but recvAck itself does not move, so a repeated FIN
// is answered the same way.
func (c *Connection) handleFin(f *Frame) frameEvent {
	expected := c.RecvAck()
	if f.Sequence != expected {
		c.sendAck(expected)
		return 0
	}
	if !c.receivedFin {
		c.logger.Debug("FIN received", zap.Uint64("sequence", f.Sequence))
	}
	c.receivedFin = true
	c.sendAck(expected + 1)
	if c.sentFin {
		c.endpoint.scheduleLinger(c)
	}
	return eventFin
}

func (c *Connection) sendAck(acked uint64) {
	if err := c.endpoint.writeFrame(NewAckFrame(c.sendSequence, acked), c.peer); err != nil {
		c.logger.Warn("Error sending ACK", zap.Error(err))
	}
}

func (c *Connection) resendHandshakeAck() {
	if c.handshakeAck == nil {
		return
	}
	if err := c.endpoint.writeFrame(c.handshakeAck, c.peer); err != nil {
		c.logger.Warn("Error resending handshake ACK", zap.Error(err))
	}
}
