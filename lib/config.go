package lib

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ConnectionConfig tunes the reliable delivery of a single connection.
type ConnectionConfig struct {
	MaxSegmentSize     int           // largest payload carried by one data frame
	Window             int           // bytes allowed in flight
	RTO                time.Duration // retransmission timeout for data and FIN
	MaxTransmit        int           // consecutive RTOs without progress before Send fails; 0 retries forever
	MaxFinAttempts     int           // FIN transmissions before Close gives up
	InboundQueueLength int           // frames buffered between the dispatch loop and the connection
}

func DefaultConnectionConfig() *ConnectionConfig {
	return &ConnectionConfig{
		MaxSegmentSize:     MaxSegmentSize,
		Window:             DefaultWindow,
		RTO:                InitialRTO,
		MaxTransmit:        50,
		MaxFinAttempts:     MaxFinAttempts,
		InboundQueueLength: 256,
	}
}

func (c *ConnectionConfig) Validate() error {
	switch {
	case c.MaxSegmentSize <= 0 || c.MaxSegmentSize > MaxDatagramSize-FrameHeaderLength:
		return fmt.Errorf("max segment size %d out of range (1..%d)", c.MaxSegmentSize, MaxDatagramSize-FrameHeaderLength)
	case c.Window < c.MaxSegmentSize:
		return fmt.Errorf("window %d is smaller than the max segment size %d", c.Window, c.MaxSegmentSize)
	case c.RTO <= 0:
		return fmt.Errorf("rto must be positive, got %v", c.RTO)
	case c.MaxTransmit < 0:
		return fmt.Errorf("max transmit must not be negative, got %d", c.MaxTransmit)
	case c.MaxFinAttempts <= 0:
		return fmt.Errorf("max fin attempts must be positive, got %d", c.MaxFinAttempts)
	case c.InboundQueueLength <= 0:
		return fmt.Errorf("inbound queue length must be positive, got %d", c.InboundQueueLength)
	}
	return nil
}

// EndpointConfig configures an Endpoint and, through ConnConfig, every
// connection it creates.
type EndpointConfig struct {
	HandshakeRTO         time.Duration // first SYN timeout, doubled on every retry
	MaxHandshakeAttempts int           // SYN transmissions before Connect aborts
	MSL                  time.Duration // maximum segment lifetime
	Linger               time.Duration // how long a closed connection keeps its route
	AcceptBacklog        int           // established connections waiting for Listen
	PoolSize             int           // receive buffers in the datagram ring pool
	CookieSecret         []byte        // BLAKE2b key for SYN cookies; random when empty
	PacketLossRate       float64       // fraction of outgoing frames dropped on purpose, for testing
	ConnConfig           *ConnectionConfig

	Logger     *zap.Logger           // nil logs nothing
	Registerer prometheus.Registerer // nil keeps metrics unregistered
	Tracer     trace.Tracer          // nil uses the global tracer provider
}

func DefaultEndpointConfig() *EndpointConfig {
	return &EndpointConfig{
		HandshakeRTO:         InitialRTO,
		MaxHandshakeAttempts: MaxHandshakeAttempts,
		MSL:                  MSL,
		Linger:               Linger,
		AcceptBacklog:        128,
		PoolSize:             64,
		ConnConfig:           DefaultConnectionConfig(),
	}
}

func (c *EndpointConfig) Validate() error {
	switch {
	case c.HandshakeRTO <= 0:
		return fmt.Errorf("handshake rto must be positive, got %v", c.HandshakeRTO)
	case c.MaxHandshakeAttempts <= 0:
		return fmt.Errorf("max handshake attempts must be positive, got %d", c.MaxHandshakeAttempts)
	case c.Linger < 0:
		return fmt.Errorf("linger must not be negative, got %v", c.Linger)
	case c.AcceptBacklog <= 0:
		return fmt.Errorf("accept backlog must be positive, got %d", c.AcceptBacklog)
	case c.PoolSize <= 0:
		return fmt.Errorf("pool size must be positive, got %d", c.PoolSize)
	case c.PacketLossRate < 0 || c.PacketLossRate > 1:
		return fmt.Errorf("packet loss rate must be within [0, 1], got %v", c.PacketLossRate)
	case c.ConnConfig == nil:
		return fmt.Errorf("connection config is missing")
	}
	return c.ConnConfig.Validate()
}
