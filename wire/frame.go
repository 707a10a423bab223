package wire

import (
	"encoding/binary"

	"github.com/nexusmsg/broker/brokererr"
)

// lengthPrefixSize is the width, in bytes, of the big-endian frame-length prefix
// used by stream transports (TCP/TLS). WebSocket transports have no prefix: one
// WebSocket message is one frame, enforced by the transport adapter instead.
const lengthPrefixSize = 4

// FrameDecoder incrementally assembles length-prefixed frames out of a stream of
// arbitrarily-chunked reads, retaining partial lengths and partial bodies across
// Feed calls. It is not safe for concurrent use.
type FrameDecoder struct {
	buf      []byte
	maxFrame int
}

// NewFrameDecoder constructs a decoder that rejects any declared frame length
// exceeding maxPayload+maxHeader bytes.
func NewFrameDecoder(maxPayload, maxHeader int) *FrameDecoder {
	return &FrameDecoder{maxFrame: maxPayload + maxHeader}
}

// Feed appends newly-read bytes to the decoder's rolling buffer.
func (d *FrameDecoder) Feed(data []byte) {
	d.buf = append(d.buf, data...)
}

// Next pops one complete frame body from the buffer if one is fully available.
// It returns (nil, nil, false) when more data is needed, (body, nil, true) when a
// frame was extracted, and (nil, err, false) when the declared length exceeds the
// configured maximum — at which point the caller must close the connection.
func (d *FrameDecoder) Next() ([]byte, *brokererr.Error, bool) {
	if len(d.buf) < lengthPrefixSize {
		return nil, nil, false
	}
	declared := binary.BigEndian.Uint32(d.buf[:lengthPrefixSize])
	if int(declared) > d.maxFrame {
		return nil, brokererr.New(brokererr.MalformedMessage, "frame length exceeds maximum"), false
	}
	total := lengthPrefixSize + int(declared)
	if len(d.buf) < total {
		return nil, nil, false
	}
	body := make([]byte, declared)
	copy(body, d.buf[lengthPrefixSize:total])
	remaining := len(d.buf) - total
	copy(d.buf, d.buf[total:])
	d.buf = d.buf[:remaining]
	return body, nil, true
}

// EncodeFrame prepends the big-endian length prefix to a frame body for writing
// to a stream transport.
func EncodeFrame(body []byte) []byte {
	out := make([]byte, lengthPrefixSize+len(body))
	binary.BigEndian.PutUint32(out, uint32(len(body)))
	copy(out[lengthPrefixSize:], body)
	return out
}

// MaxWebSocketFrameSize returns the maximum accepted size of a single WebSocket
// message, used by the WS transport adapter in place of the length prefix.
func MaxWebSocketFrameSize(maxPayload, maxHeader int) int {
	return maxPayload + maxHeader
}
