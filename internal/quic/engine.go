package quic

import (
	"net"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/quic-go/qpack"
	"go.uber.org/zap"

	"github.com/Diogokranzz/HTTP-2/internal/logging"
)

var packetsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "dk_quic_packets_total",
	Help: "QUIC datagrams received, by header form.",
}, []string{"form"})

// FrameInfo describes one HTTP/3 frame found in a short-header packet.
type FrameInfo struct {
	Type    FrameType
	Length  uint64
	Headers []qpack.HeaderField
	Err     error
}

// Diagnostic is what the engine learned from one datagram.
type Diagnostic struct {
	From   net.Addr
	Packet Packet
	Frames []FrameInfo
	Err    error
}

// Engine inspects datagrams received on the UDP listener.
type Engine struct {
	logger *zap.Logger
}

// NewEngine creates an engine logging through logger.
func NewEngine(logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{logger: logger}
}

// OnPacket classifies a datagram. Short-header payloads are read as
// plaintext HTTP/3 frames and HEADERS blocks are QPACK-decoded.
func (e *Engine) OnPacket(data []byte, from net.Addr) Diagnostic {
	d := Diagnostic{From: from}
	p, err := ParsePacket(data)
	d.Packet = p
	if err != nil {
		packetsReceived.WithLabelValues("invalid").Inc()
		d.Err = err
		e.logger.Debug("malformed packet", zap.Stringer("from", from), zap.Int("len", len(data)), logging.Error(err))
		return d
	}

	if p.Long {
		packetsReceived.WithLabelValues("long").Inc()
		e.logger.Info("long header packet",
			zap.Stringer("from", from),
			zap.Stringer("type", p.Type),
			zap.Uint32("version", p.Version),
			zap.Stringer("dcid", p.DestCID),
			zap.Stringer("scid", p.SrcCID),
			zap.Int("payload", len(p.Payload)),
		)
		return d
	}

	packetsReceived.WithLabelValues("short").Inc()
	frames, err := ParseFrames(p.Payload)
	d.Err = err
	for _, f := range frames {
		info := FrameInfo{Type: f.Type, Length: f.Length}
		if f.Type == FrameHeaders {
			info.Headers, info.Err = DecodeHeaders(f.Payload)
		}
		d.Frames = append(d.Frames, info)

		fields := []zap.Field{zap.Stringer("type", f.Type), zap.Uint64("len", f.Length)}
		for _, h := range info.Headers {
			fields = append(fields, zap.String(h.Name, h.Value))
		}
		if info.Err != nil {
			fields = append(fields, logging.Error(info.Err))
		}
		e.logger.Info("http3 frame", fields...)
	}
	if err != nil {
		e.logger.Debug("http3 parse error", zap.Stringer("dcid", p.DestCID), logging.Error(err))
	}
	return d
}
