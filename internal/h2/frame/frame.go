// Package frame provides the HTTP/2 frame header codec and a frame writer.
package frame

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/net/http2"
)

// HeaderLen is the size of every HTTP/2 frame header.
const HeaderLen = 9

// Type is the frame type octet.
type Type uint8

const (
	FrameData         Type = 0x0
	FrameHeaders      Type = 0x1
	FramePriority     Type = 0x2
	FrameRSTStream    Type = 0x3
	FrameSettings     Type = 0x4
	FramePushPromise  Type = 0x5
	FramePing         Type = 0x6
	FrameGoAway       Type = 0x7
	FrameWindowUpdate Type = 0x8
	FrameContinuation Type = 0x9
)

func (t Type) String() string {
	return http2.FrameType(t).String()
}

// Flags is the frame flags octet. Bit meanings depend on the frame type.
type Flags uint8

const (
	FlagAck        Flags = 0x1
	FlagEndStream  Flags = 0x1
	FlagEndHeaders Flags = 0x4
	FlagPadded     Flags = 0x8
	FlagPriority   Flags = 0x20
)

// Has reports whether every bit of v is set.
func (f Flags) Has(v Flags) bool { return f&v == v }

// Header is a decoded 9-byte frame header.
type Header struct {
	Length   uint32
	Type     Type
	Flags    Flags
	StreamID uint32
}

// ErrShortHeader is returned when fewer than HeaderLen bytes are available.
var ErrShortHeader = errors.New("frame: short header")

// AppendHeader encodes h onto dst. Only the low 24 bits of Length are kept
// and the reserved stream id bit is always cleared.
func AppendHeader(dst []byte, h Header) []byte {
	return append(dst,
		byte(h.Length>>16), byte(h.Length>>8), byte(h.Length),
		byte(h.Type),
		byte(h.Flags),
		byte(h.StreamID>>24)&0x7f, byte(h.StreamID>>16), byte(h.StreamID>>8), byte(h.StreamID),
	)
}

// ParseHeader decodes the frame header at the start of b. The reserved bit
// of the stream id is ignored.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderLen {
		return Header{}, ErrShortHeader
	}
	return Header{
		Length:   uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2]),
		Type:     Type(b[3]),
		Flags:    Flags(b[4]),
		StreamID: binary.BigEndian.Uint32(b[5:9]) & 0x7fffffff,
	}, nil
}

// DefaultMaxFrameSize is the initial SETTINGS_MAX_FRAME_SIZE.
const DefaultMaxFrameSize = 16384

// Writer serializes outgoing frames through an http2.Framer. It is owned by
// one session and is not safe for concurrent use.
type Writer struct {
	framer *http2.Framer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{framer: http2.NewFramer(w, nil)}
}

func (w *Writer) WriteSettings(settings ...http2.Setting) error {
	return w.framer.WriteSettings(settings...)
}

func (w *Writer) WriteSettingsAck() error {
	return w.framer.WriteSettingsAck()
}

// WriteHeaders emits a header block as one HEADERS frame followed by as many
// CONTINUATION frames as maxFrameSize requires. An empty block still yields
// a single HEADERS frame.
func (w *Writer) WriteHeaders(streamID uint32, endStream bool, block []byte, maxFrameSize uint32) error {
	if maxFrameSize == 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	first, rest := cut(block, maxFrameSize)
	err := w.framer.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      streamID,
		BlockFragment: first,
		EndStream:     endStream,
		EndHeaders:    len(rest) == 0,
	})
	for err == nil && len(rest) > 0 {
		var frag []byte
		frag, rest = cut(rest, maxFrameSize)
		err = w.framer.WriteContinuation(streamID, len(rest) == 0, frag)
	}
	return errors.Wrap(err, "frame: write headers")
}

func cut(b []byte, n uint32) (head, tail []byte) {
	if uint32(len(b)) <= n {
		return b, nil
	}
	return b[:n], b[n:]
}

func (w *Writer) WriteData(streamID uint32, endStream bool, data []byte) error {
	return w.framer.WriteData(streamID, endStream, data)
}

func (w *Writer) WriteRSTStream(streamID uint32, code http2.ErrCode) error {
	return w.framer.WriteRSTStream(streamID, code)
}

func (w *Writer) WriteGoAway(lastStreamID uint32, code http2.ErrCode, debugData []byte) error {
	return w.framer.WriteGoAway(lastStreamID, code, debugData)
}

// WritePing writes a PING frame, echoing data when ack is set.
func (w *Writer) WritePing(ack bool, data [8]byte) error {
	return w.framer.WritePing(ack, data)
}
