package lib

import (
	"fmt"

	rp "github.com/Clouded-Sabre/ringpool/lib"
)

// Payload is a reusable datagram receive buffer held in the ring pool.
type Payload struct {
	payloadBytes []byte
	length       int
}

// NewPayload is the ring pool element constructor. Its single parameter is
// the buffer length.
func NewPayload(params ...interface{}) rp.DataInterface {
	bufferLength := MaxDatagramSize
	if len(params) == 1 {
		if n, ok := params[0].(int); ok && n > 0 {
			bufferLength = n
		}
	}
	return &Payload{
		payloadBytes: make([]byte, bufferLength),
	}
}

func newDatagramPool(size int) *rp.RingPool {
	return rp.NewRingPool("utcp: ", size, NewPayload, MaxDatagramSize)
}

// Reset forgets the content; the buffer itself is kept for reuse.
func (p *Payload) Reset() {
	p.length = 0
}

func (p *Payload) PrintContent() {
	fmt.Println("Content:", string(p.payloadBytes[:p.length]))
}

// Buffer exposes the whole backing array for a socket read.
func (p *Payload) Buffer() []byte {
	return p.payloadBytes
}

// SetLength records how many bytes of Buffer hold a datagram.
func (p *Payload) SetLength(n int) {
	p.length = n
}

func (p *Payload) GetSlice() []byte {
	return p.payloadBytes[:p.length]
}
