package lib

import (
	"encoding/binary"
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// LayerTypeFrame lets captured datagrams be decoded with gopacket.NewPacket.
var LayerTypeFrame = gopacket.RegisterLayerType(2727, gopacket.LayerTypeMetadata{
	Name:    "UTCPFrame",
	Decoder: gopacket.DecodeFunc(decodeFrameLayer),
})

// Frame is one protocol datagram. Sequence and Acked are byte offsets.
// The embedded BaseLayer carries the raw header (Contents) and the payload.
type Frame struct {
	layers.BaseLayer
	Flags       uint8
	PayloadSize uint64
	Sequence    uint64
	Acked       uint64
}

func newFrame(flags uint8, seq, acked uint64, payload []byte) *Frame {
	f := &Frame{
		Flags:       flags,
		PayloadSize: uint64(len(payload)),
		Sequence:    seq,
		Acked:       acked,
	}
	f.Payload = payload
	return f
}

func NewSynFrame(seq uint64) *Frame {
	return newFrame(SYNFlag, seq, 0, nil)
}

func NewSynAckFrame(seq, acked uint64) *Frame {
	return newFrame(SYNFlag|ACKFlag, seq, acked, nil)
}

func NewAckFrame(seq, acked uint64) *Frame {
	return newFrame(ACKFlag, seq, acked, nil)
}

// NewDataFrame piggybacks the current cumulative acknowledgment on the payload.
func NewDataFrame(seq, acked uint64, payload []byte) *Frame {
	return newFrame(ACKFlag, seq, acked, payload)
}

func NewFinFrame(seq, acked uint64) *Frame {
	return newFrame(FINFlag|ACKFlag, seq, acked, nil)
}

func NewRstFrame(seq uint64) *Frame {
	return newFrame(RSTFlag, seq, 0, nil)
}

func (f *Frame) IsSyn() bool { return f.Flags&SYNFlag != 0 }
func (f *Frame) IsAck() bool { return f.Flags&ACKFlag != 0 }
func (f *Frame) IsRst() bool { return f.Flags&RSTFlag != 0 }
func (f *Frame) IsFin() bool { return f.Flags&FINFlag != 0 }

// kind classifies the frame for metrics and logs.
func (f *Frame) kind() string {
	switch {
	case f.IsRst():
		return kindRst
	case f.IsSyn() && f.IsAck():
		return kindSynAck
	case f.IsSyn():
		return kindSyn
	case f.IsFin():
		return kindFin
	case f.PayloadSize > 0:
		return kindData
	default:
		return kindAck
	}
}

func (f *Frame) String() string {
	return fmt.Sprintf("%s seq=%d ack=%d len=%d", f.kind(), f.Sequence, f.Acked, f.PayloadSize)
}

func (f *Frame) LayerType() gopacket.LayerType { return LayerTypeFrame }

func (f *Frame) CanDecode() gopacket.LayerClass { return LayerTypeFrame }

func (f *Frame) NextLayerType() gopacket.LayerType { return gopacket.LayerTypePayload }

// DecodeFromBytes parses the fixed header and slices the declared payload out
// of data without copying. Bytes past the declared payload are ignored.
func (f *Frame) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	if len(data) < FrameHeaderLength {
		df.SetTruncated()
		return fmt.Errorf("%w: %d bytes is shorter than the %d byte header", ErrFormat, len(data), FrameHeaderLength)
	}
	f.Flags = data[0]
	f.PayloadSize = binary.BigEndian.Uint64(data[1:9])
	f.Sequence = binary.BigEndian.Uint64(data[9:17])
	f.Acked = binary.BigEndian.Uint64(data[17:25])

	available := uint64(len(data) - FrameHeaderLength)
	if f.PayloadSize > available {
		df.SetTruncated()
		return fmt.Errorf("%w: payload declares %d bytes but %d are present", ErrFormat, f.PayloadSize, available)
	}
	end := FrameHeaderLength + int(f.PayloadSize)
	f.Contents = data[:FrameHeaderLength]
	f.Payload = data[FrameHeaderLength:end]
	return nil
}

// SerializeTo prepends the header to whatever payload is already in b.
func (f *Frame) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	payloadLength := len(b.Bytes())
	header, err := b.PrependBytes(FrameHeaderLength)
	if err != nil {
		return err
	}
	if opts.FixLengths {
		f.PayloadSize = uint64(payloadLength)
	}
	header[0] = f.Flags
	binary.BigEndian.PutUint64(header[1:9], f.PayloadSize)
	binary.BigEndian.PutUint64(header[9:17], f.Sequence)
	binary.BigEndian.PutUint64(header[17:25], f.Acked)
	return nil
}

func decodeFrameLayer(data []byte, p gopacket.PacketBuilder) error {
	f := &Frame{}
	if err := f.DecodeFromBytes(data, p); err != nil {
		return err
	}
	p.AddLayer(f)
	return p.NextDecoder(f.NextLayerType())
}

// EncodeFrame marshals f into a new datagram. PayloadSize is set from the payload.
func EncodeFrame(f *Frame) ([]byte, error) {
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, f, gopacket.Payload(f.Payload)); err != nil {
		return nil, fmt.Errorf("encode %s: %w", f.kind(), err)
	}
	return buf.Bytes(), nil
}

// DecodeFrame parses a datagram. The returned frame owns its memory, so data
// may be reused by the caller afterwards.
func DecodeFrame(data []byte) (*Frame, error) {
	f := &Frame{}
	if err := f.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
		return nil, err
	}
	owned := make([]byte, FrameHeaderLength+len(f.Payload))
	copy(owned, data)
	f.Contents = owned[:FrameHeaderLength]
	f.Payload = owned[FrameHeaderLength:]
	return f, nil
}
