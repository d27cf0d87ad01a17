package lib

import "time"

// Flag constants
const (
	ACKFlag uint8 = 1 << 0
	SYNFlag uint8 = 1 << 1
	RSTFlag uint8 = 1 << 2
	FINFlag uint8 = 1 << 3
)

const (
	FrameHeaderLength = 25        // flags(1) + payload size(8) + sequence(8) + acked(8)
	MaxDatagramSize   = 65535     // receive buffer length per datagram
	cookieMask        = 1<<48 - 1 // cookie-derived offsets stay far from 64-bit wraparound
)

// Protocol defaults
const (
	MaxSegmentSize       = 2560
	DefaultWindow        = 4 * MaxSegmentSize
	InitialRTO           = 100 * time.Millisecond
	MaxHandshakeAttempts = 5
	MaxFinAttempts       = 5
	MSL                  = 120 * time.Second
	Linger               = 2 * MSL
)

// frame kinds used for metric labels and logging
const (
	kindSyn    = "syn"
	kindSynAck = "synack"
	kindAck    = "ack"
	kindData   = "data"
	kindFin    = "fin"
	kindRst    = "rst"
)

// reasons a received frame is dropped
const (
	dropMalformed   = "malformed"
	dropUnrouted    = "unrouted"
	dropBadCookie   = "bad_cookie"
	dropQueueFull   = "queue_full"
	dropBacklogFull = "accept_backlog_full"
	dropStaleRst    = "stale_rst"
	dropSimulated   = "simulated_loss"
)
