// Package transport implements the server side of an HTTP/2 connection as a
// byte-in, byte-out session. The session never touches a socket: the driver
// feeds it received bytes and flushes whatever it queued.
package transport

import (
	"bytes"
	"encoding/binary"
	"strconv"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/net/http2"

	"github.com/Diogokranzz/HTTP-2/internal/h2/frame"
	"github.com/Diogokranzz/HTTP-2/internal/h2/hpack"
	"github.com/Diogokranzz/HTTP-2/internal/h2/stream"
)

// Preface is the client connection preface.
const Preface = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"

const (
	// DefaultMaxFrameSize is the initial SETTINGS_MAX_FRAME_SIZE.
	DefaultMaxFrameSize = frame.DefaultMaxFrameSize

	serverName = "DK-Server/1.0"
)

var (
	// ErrBadPreface is returned when the first bytes are not the preface.
	ErrBadPreface = errors.New("h2: invalid connection preface")
	// ErrProtocol is returned for connection-level protocol violations.
	ErrProtocol = errors.New("h2: protocol error")
	// ErrFrameSize is returned for frames above the advertised maximum.
	ErrFrameSize = errors.New("h2: frame size error")
	// ErrCompression is returned when a header block cannot be decoded.
	ErrCompression = errors.New("h2: compression error")
	// ErrSessionClosed is returned once a GOAWAY has been queued.
	ErrSessionClosed = errors.New("h2: session closed")
)

var framesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "dk_h2_frames_received_total",
	Help: "HTTP/2 frames received, by frame type.",
}, []string{"type"})

// Request is a complete HTTP/2 request handed to a Dispatcher.
type Request struct {
	StreamID  uint32
	Method    string
	Path      string
	Scheme    string
	Authority string
	Headers   []hpack.HeaderField
	Body      []byte
}

// Header returns the first value of a regular header field.
func (r *Request) Header(name string) string {
	for _, h := range r.Headers {
		if h.Name == name {
			return h.Value
		}
	}
	return ""
}

// Response is what a Dispatcher produces for a request.
type Response struct {
	Status      int
	ContentType string
	Headers     []hpack.HeaderField
	Body        []byte
}

// Dispatcher routes a request. ok is false when nothing matched.
type Dispatcher func(req *Request) (resp Response, ok bool)

// Config configures a Session.
type Config struct {
	// Dispatcher, when set, is called once a request is complete. When nil
	// every HEADERS frame is answered immediately with the demonstration
	// response.
	Dispatcher Dispatcher

	Logger               *zap.Logger
	MaxConcurrentStreams uint32
}

// Session is one HTTP/2 connection. It is not safe for concurrent use.
type Session struct {
	cfg    Config
	logger *zap.Logger

	in  []byte
	out bytes.Buffer
	w   *frame.Writer

	enc     hpack.Encoder
	dec     hpack.Decoder
	hdrBuf  []byte
	streams *stream.Table

	prefaceDone  bool
	goAway       bool
	lastStreamID uint32
	peerMaxFrame uint32

	// Header block assembly across CONTINUATION frames.
	contID        uint32
	contEndStream bool
	block         []byte
}

// NewSession creates a session that has not yet seen the preface.
func NewSession(cfg Config) *Session {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	s := &Session{
		cfg:          cfg,
		logger:       cfg.Logger,
		streams:      stream.NewTable(),
		peerMaxFrame: DefaultMaxFrameSize,
		enc:          hpack.Encoder{Huffman: true},
	}
	s.w = frame.NewWriter(&s.out)
	return s
}

// SendSettings queues the server's initial SETTINGS frame.
func (s *Session) SendSettings() {
	var settings []http2.Setting
	if s.cfg.MaxConcurrentStreams > 0 {
		settings = append(settings, http2.Setting{ID: http2.SettingMaxConcurrentStreams, Val: s.cfg.MaxConcurrentStreams})
	}
	_ = s.w.WriteSettings(settings...)
}

// Pending returns the number of queued output bytes.
func (s *Session) Pending() int {
	return s.out.Len()
}

// ConsumeOutput returns and clears the queued output.
func (s *Session) ConsumeOutput() []byte {
	if s.out.Len() == 0 {
		return nil
	}
	b := bytes.Clone(s.out.Bytes())
	s.out.Reset()
	return b
}

// Stream returns the stream with the given id, if the table holds it.
func (s *Session) Stream(id uint32) (*stream.Stream, bool) {
	return s.streams.Get(id)
}

// StreamCount returns the number of streams in the table.
func (s *Session) StreamCount() int {
	return s.streams.Len()
}

// Closed reports whether a GOAWAY has been queued.
func (s *Session) Closed() bool {
	return s.goAway
}

// OnData appends p to the receive buffer, consumes the preface once and then
// processes every complete frame. An incomplete trailing frame stays
// buffered. A non-nil error means the connection must be abandoned once the
// queued output (usually a GOAWAY) has been flushed.
func (s *Session) OnData(p []byte) error {
	if s.goAway {
		return ErrSessionClosed
	}
	s.in = append(s.in, p...)

	if !s.prefaceDone {
		n := min(len(s.in), len(Preface))
		if string(s.in[:n]) != Preface[:n] {
			s.sendGoAway(http2.ErrCodeProtocol, "invalid connection preface")
			return ErrBadPreface
		}
		if n < len(Preface) {
			return nil
		}
		s.prefaceDone = true
		s.in = s.in[len(Preface):]
	}

	off := 0
	defer func() {
		s.in = append(s.in[:0], s.in[off:]...)
	}()

	for len(s.in)-off >= frame.HeaderLen {
		h, _ := frame.ParseHeader(s.in[off:])
		if h.Length > DefaultMaxFrameSize {
			s.sendGoAway(http2.ErrCodeFrameSize, "frame too large")
			return errors.Wrapf(ErrFrameSize, "%s frame of %d bytes", h.Type, h.Length)
		}
		end := off + frame.HeaderLen + int(h.Length)
		if end > len(s.in) {
			break
		}
		payload := s.in[off+frame.HeaderLen : end]
		off = end

		framesReceived.WithLabelValues(h.Type.String()).Inc()
		if err := s.handleFrame(h, payload); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) handleFrame(h frame.Header, payload []byte) error {
	if s.contID != 0 && (h.Type != frame.FrameContinuation || h.StreamID != s.contID) {
		return s.protocolError("expected CONTINUATION on stream %d, got %s on %d", s.contID, h.Type, h.StreamID)
	}

	switch h.Type {
	case frame.FrameData:
		return s.onData(h, payload)
	case frame.FrameHeaders:
		return s.onHeaders(h, payload)
	case frame.FrameContinuation:
		return s.onContinuation(h, payload)
	case frame.FrameSettings:
		return s.onSettings(h, payload)
	case frame.FramePing:
		if h.Flags.Has(frame.FlagAck) {
			return nil
		}
		if len(payload) != 8 {
			s.sendGoAway(http2.ErrCodeFrameSize, "bad PING length")
			return errors.Wrap(ErrFrameSize, "PING payload")
		}
		var data [8]byte
		copy(data[:], payload)
		_ = s.w.WritePing(true, data)
	case frame.FrameRSTStream:
		var code http2.ErrCode
		if len(payload) >= 4 {
			code = http2.ErrCode(binary.BigEndian.Uint32(payload))
		}
		s.logger.Debug("stream reset by peer", zap.Uint32("stream", h.StreamID), zap.Stringer("code", code))
		s.streams.Delete(h.StreamID)
	default:
		// GOAWAY, PRIORITY, WINDOW_UPDATE, PUSH_PROMISE and unknown types.
	}
	return nil
}

func (s *Session) onData(h frame.Header, payload []byte) error {
	if h.StreamID == 0 {
		return s.protocolError("DATA on stream 0")
	}
	body, ok := stripPadding(h.Flags, payload)
	if !ok {
		return s.protocolError("DATA padding exceeds payload")
	}
	st := s.streams.GetOrCreate(h.StreamID)
	st.Data.Write(body)
	if h.Flags.Has(frame.FlagEndStream) {
		st.State = stream.StateHalfClosedRemote
		if s.cfg.Dispatcher != nil && len(st.Headers) > 0 && !st.Responded {
			s.dispatch(st)
		}
	}
	return nil
}

func (s *Session) onHeaders(h frame.Header, payload []byte) error {
	if h.StreamID == 0 {
		return s.protocolError("HEADERS on stream 0")
	}
	frag, ok := stripPadding(h.Flags, payload)
	if !ok {
		return s.protocolError("HEADERS padding exceeds payload")
	}
	if h.Flags.Has(frame.FlagPriority) {
		if len(frag) < 5 {
			return s.protocolError("HEADERS priority block truncated")
		}
		frag = frag[5:]
	}

	endStream := h.Flags.Has(frame.FlagEndStream)
	if h.Flags.Has(frame.FlagEndHeaders) {
		return s.onHeaderBlock(h.StreamID, endStream, frag)
	}
	s.contID = h.StreamID
	s.contEndStream = endStream
	s.block = append(s.block[:0], frag...)
	return nil
}

func (s *Session) onContinuation(h frame.Header, payload []byte) error {
	if s.contID == 0 {
		return s.protocolError("CONTINUATION without open header block on stream %d", h.StreamID)
	}
	s.block = append(s.block, payload...)
	if !h.Flags.Has(frame.FlagEndHeaders) {
		return nil
	}
	id := s.contID
	s.contID = 0
	return s.onHeaderBlock(id, s.contEndStream, s.block)
}

func (s *Session) onHeaderBlock(id uint32, endStream bool, block []byte) error {
	fields, err := s.dec.Decode(block)
	if err != nil {
		s.sendGoAway(http2.ErrCodeCompression, "header block")
		return errors.Wrap(ErrCompression, err.Error())
	}
	if s.dec.Unresolved > 0 {
		s.logger.Debug("header fields referencing the dynamic table skipped",
			zap.Uint32("stream", id), zap.Int("count", s.dec.Unresolved))
	}

	st, exists := s.streams.Get(id)
	if !exists {
		if limit := int(s.cfg.MaxConcurrentStreams); limit > 0 && s.streams.Len() >= limit {
			s.streams.Prune()
			if s.streams.Len() >= limit {
				_ = s.w.WriteRSTStream(id, http2.ErrCodeRefusedStream)
				return nil
			}
		}
		st = s.streams.GetOrCreate(id)
	}
	if id > s.lastStreamID {
		s.lastStreamID = id
	}

	if st.State == stream.StateOpen && len(st.Headers) > 0 {
		// Trailers.
		if !endStream {
			return s.protocolError("trailers without END_STREAM on stream %d", id)
		}
	} else {
		st.Headers = fields
		st.Unresolved = s.dec.Unresolved
		st.State = stream.StateOpen
	}
	if endStream {
		st.State = stream.StateHalfClosedRemote
	}

	switch {
	case st.Responded:
	case s.cfg.Dispatcher == nil:
		s.respondDemo(st)
	case endStream:
		s.dispatch(st)
	}
	return nil
}

func (s *Session) onSettings(h frame.Header, payload []byte) error {
	if h.StreamID != 0 {
		return s.protocolError("SETTINGS on stream %d", h.StreamID)
	}
	if h.Flags.Has(frame.FlagAck) {
		return nil
	}
	if len(payload)%6 != 0 {
		s.sendGoAway(http2.ErrCodeFrameSize, "bad SETTINGS length")
		return errors.Wrap(ErrFrameSize, "SETTINGS payload")
	}
	for p := payload; len(p) >= 6; p = p[6:] {
		id := http2.SettingID(binary.BigEndian.Uint16(p))
		val := binary.BigEndian.Uint32(p[2:])
		if id == http2.SettingMaxFrameSize && val >= DefaultMaxFrameSize && val <= 1<<24-1 {
			s.peerMaxFrame = val
		}
	}
	_ = s.w.WriteSettingsAck()
	return nil
}

func (s *Session) dispatch(st *stream.Stream) {
	if err := stream.ValidateRequestHeaders(st.Headers); err != nil {
		// Dropped dynamic-table fields can leave pseudo-headers missing.
		if st.Unresolved > 0 {
			s.logger.Debug("request incomplete without dynamic table, answering with demo response",
				zap.Uint32("stream", st.ID), zap.Int("unresolved", st.Unresolved))
			s.respondDemo(st)
			return
		}
		s.logger.Debug("malformed request", zap.Uint32("stream", st.ID), zap.String("error", err.Error()))
		_ = s.w.WriteRSTStream(st.ID, http2.ErrCodeProtocol)
		s.streams.Delete(st.ID)
		return
	}

	req := &Request{StreamID: st.ID, Body: st.Data.Bytes()}
	for _, f := range st.Headers {
		switch f.Name {
		case ":method":
			req.Method = f.Value
		case ":path":
			req.Path = f.Value
		case ":scheme":
			req.Scheme = f.Value
		case ":authority":
			req.Authority = f.Value
		default:
			req.Headers = append(req.Headers, f)
		}
	}

	resp, ok := s.cfg.Dispatcher(req)
	if !ok {
		s.respondDemo(st)
		return
	}
	s.writeResponse(st, resp)
}

func (s *Session) respondDemo(st *stream.Stream) {
	s.writeResponse(st, Response{
		Status:      200,
		ContentType: "text/plain",
		Body:        []byte("Hello from HTTP/2 Stream " + strconv.FormatUint(uint64(st.ID), 10)),
	})
}

func (s *Session) writeResponse(st *stream.Stream, resp Response) {
	if resp.Status == 0 {
		resp.Status = 200
	}
	fields := make([]hpack.HeaderField, 0, 4+len(resp.Headers))
	fields = append(fields, hpack.HeaderField{Name: ":status", Value: strconv.Itoa(resp.Status)})
	if resp.ContentType != "" {
		fields = append(fields, hpack.HeaderField{Name: "content-type", Value: resp.ContentType})
	}
	fields = append(fields,
		hpack.HeaderField{Name: "content-length", Value: strconv.Itoa(len(resp.Body))},
		hpack.HeaderField{Name: "server", Value: serverName},
	)
	fields = append(fields, resp.Headers...)

	s.hdrBuf = s.enc.Encode(s.hdrBuf[:0], fields)
	_ = s.w.WriteHeaders(st.ID, len(resp.Body) == 0, s.hdrBuf, s.peerMaxFrame)

	body := resp.Body
	for len(body) > 0 {
		n := min(len(body), int(s.peerMaxFrame))
		_ = s.w.WriteData(st.ID, n == len(body), body[:n])
		body = body[n:]
	}
	st.Responded = true
}

func (s *Session) protocolError(format string, args ...any) error {
	s.sendGoAway(http2.ErrCodeProtocol, "protocol error")
	return errors.Wrapf(ErrProtocol, format, args...)
}

func (s *Session) sendGoAway(code http2.ErrCode, debug string) {
	if s.goAway {
		return
	}
	s.goAway = true
	_ = s.w.WriteGoAway(s.lastStreamID, code, []byte(debug))
}

// stripPadding removes the pad length byte and trailing padding when the
// PADDED flag is set.
func stripPadding(flags frame.Flags, payload []byte) ([]byte, bool) {
	if !flags.Has(frame.FlagPadded) {
		return payload, true
	}
	if len(payload) == 0 {
		return nil, false
	}
	pad := int(payload[0])
	if pad >= len(payload) {
		return nil, false
	}
	return payload[1 : len(payload)-pad], true
}
