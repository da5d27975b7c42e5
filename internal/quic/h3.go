package quic

import (
	"bytes"
	"fmt"
	"io"

	"github.com/pkg/errors"
	"github.com/quic-go/qpack"
	"github.com/quic-go/quic-go/quicvarint"
)

// FrameType is an HTTP/3 frame type.
type FrameType uint64

const (
	FrameData        FrameType = 0x00
	FrameHeaders     FrameType = 0x01
	FrameCancelPush  FrameType = 0x03
	FrameSettings    FrameType = 0x04
	FramePushPromise FrameType = 0x05
	FrameGoAway      FrameType = 0x07
	FrameMaxPushID   FrameType = 0x0d
)

func (t FrameType) String() string {
	switch t {
	case FrameData:
		return "DATA"
	case FrameHeaders:
		return "HEADERS"
	case FrameCancelPush:
		return "CANCEL_PUSH"
	case FrameSettings:
		return "SETTINGS"
	case FramePushPromise:
		return "PUSH_PROMISE"
	case FrameGoAway:
		return "GOAWAY"
	case FrameMaxPushID:
		return "MAX_PUSH_ID"
	}
	return fmt.Sprintf("UNKNOWN(0x%x)", uint64(t))
}

// ErrTruncatedFrame is returned when a frame extends past the payload.
var ErrTruncatedFrame = errors.New("h3: truncated frame")

// Frame is one HTTP/3 frame. Payload aliases the parsed buffer.
type Frame struct {
	Type    FrameType
	Length  uint64
	Payload []byte
}

// ParseFrames reads consecutive frames from b. It returns the frames parsed
// before the first malformed or truncated one, together with the error.
func ParseFrames(b []byte) ([]Frame, error) {
	var frames []Frame
	r := bytes.NewReader(b)
	for r.Len() > 0 {
		typ, err := quicvarint.Read(r)
		if err != nil {
			return frames, errors.Wrap(ErrTruncatedFrame, "frame type")
		}
		length, err := quicvarint.Read(r)
		if err != nil {
			return frames, errors.Wrap(ErrTruncatedFrame, "frame length")
		}
		if length > uint64(r.Len()) {
			return frames, errors.Wrapf(ErrTruncatedFrame, "%s frame wants %d bytes, %d left", FrameType(typ), length, r.Len())
		}
		off := len(b) - r.Len()
		frames = append(frames, Frame{Type: FrameType(typ), Length: length, Payload: b[off : off+int(length)]})
		_, _ = r.Seek(int64(length), io.SeekCurrent)
	}
	return frames, nil
}

// AppendFrame encodes a frame onto dst.
func AppendFrame(dst []byte, t FrameType, payload []byte) []byte {
	dst = quicvarint.Append(dst, uint64(t))
	dst = quicvarint.Append(dst, uint64(len(payload)))
	return append(dst, payload...)
}

// DecodeHeaders decodes a QPACK header block that uses only the static table
// and literals.
func DecodeHeaders(block []byte) ([]qpack.HeaderField, error) {
	fields, err := qpack.NewDecoder(nil).DecodeFull(block)
	if err != nil {
		return nil, errors.Wrap(err, "qpack")
	}
	return fields, nil
}
