// Package mux is the connection driver. It accepts connections on a reactor
// listener, detects whether each byte stream is HTTP/1.1 or HTTP/2 (after an
// optional TLS handshake) and routes it accordingly. Datagrams received on the
// UDP endpoint are handed to the QUIC diagnostic engine.
package mux

import (
	"net"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/Diogokranzz/HTTP-2/internal/bufpool"
	"github.com/Diogokranzz/HTTP-2/internal/coro"
	"github.com/Diogokranzz/HTTP-2/internal/logging"
	"github.com/Diogokranzz/HTTP-2/internal/quic"
	"github.com/Diogokranzz/HTTP-2/internal/reactor"
	"github.com/Diogokranzz/HTTP-2/internal/router"
	"github.com/Diogokranzz/HTTP-2/internal/secure"
)

const maxDatagram = 64 << 10

var (
	activeConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dk_mux_active_connections",
		Help: "Connections currently owned by a driver task",
	})

	protocolsDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dk_mux_protocol_detected_total",
		Help: "Connections by detected protocol",
	}, []string{"protocol"})

	connectionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dk_mux_connections_rejected_total",
		Help: "Connections dropped before serving, by reason",
	}, []string{"reason"})
)

// Config defines the configuration options for the connection driver.
type Config struct {
	// Router serves HTTP/1.1 requests and, when DispatchH2 is set, HTTP/2
	// requests.
	Router *router.Router
	// Pool provides one read block per connection.
	Pool *bufpool.Pool
	// TLS terminates TLS on every accepted connection when set.
	TLS *secure.Context
	// StaticFile is streamed for unmatched GET / and /index.html.
	StaticFile string
	// MaxBodyBytes bounds HTTP/1.1 request bodies (default 1 MiB).
	MaxBodyBytes int64
	// MaxConcurrentStreams is advertised to HTTP/2 peers; 0 leaves it unset.
	MaxConcurrentStreams uint32
	EnableH2             bool
	// DispatchH2 routes HTTP/2 requests through Router. Without it every
	// HTTP/2 request gets the demonstration response.
	DispatchH2 bool
	Logger     *zap.Logger
}

// Server drives every connection accepted on its listeners as a task on one
// coroutine loop.
type Server struct {
	cfg    Config
	loop   *coro.Loop
	logger *zap.Logger
	quic   *quic.Engine
}

// NewServer creates a driver that spawns its tasks on loop.
func NewServer(loop *coro.Loop, cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Router == nil {
		cfg.Router = router.New()
	}
	if cfg.Pool == nil {
		cfg.Pool = bufpool.New(1024, bufpool.WithName("mux"))
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	return &Server{
		cfg:    cfg,
		loop:   loop,
		logger: cfg.Logger,
		quic:   quic.NewEngine(cfg.Logger.Named("quic")),
	}
}

// ServeTCP spawns the accept task for listener ln.
func (s *Server) ServeTCP(ln reactor.Handle) {
	s.loop.Spawn("accept", func(t *coro.Task) { s.acceptLoop(t, ln) })
}

// ServeUDP spawns the datagram task for endpoint h.
func (s *Server) ServeUDP(h reactor.Handle) {
	s.loop.Spawn("udp", func(t *coro.Task) { s.datagramLoop(t, h) })
}

func (s *Server) acceptLoop(t *coro.Task, ln reactor.Handle) {
	for {
		h, peer, res := t.Accept(ln)
		if res <= 0 {
			s.logger.Info("accept loop stopped", zap.Int("result", res), logging.Error(t.Err()))
			return
		}
		t.Spawn("conn", func(ct *coro.Task) { s.serveConn(ct, h, peer) })
	}
}

func (s *Server) datagramLoop(t *coro.Task, h reactor.Handle) {
	buf := make([]byte, maxDatagram)
	for {
		n, from := t.RecvFrom(h, buf)
		if n < 0 {
			s.logger.Info("datagram loop stopped", zap.Int("result", n), logging.Error(t.Err()))
			return
		}
		s.quic.OnPacket(buf[:n], from)
	}
}

func (s *Server) serveConn(t *coro.Task, h reactor.Handle, peer net.Addr) {
	tok := s.cfg.Pool.Allocate()
	if tok == bufpool.None {
		connectionsRejected.WithLabelValues("pool_exhausted").Inc()
		s.logger.Warn("buffer pool exhausted, dropping connection", zap.Stringer("peer", peer))
		_ = t.Close(h)
		return
	}

	activeConnections.Inc()
	c := &conn{
		s:      s,
		t:      t,
		h:      h,
		buf:    s.cfg.Pool.Bytes(tok),
		logger: s.logger.With(zap.Stringer("peer", peer)),
	}
	defer func() {
		if c.tls != nil {
			c.tls.Close()
		}
		_ = t.Close(h)
		s.cfg.Pool.Deallocate(tok)
		activeConnections.Dec()
	}()

	if err := c.serve(); err != nil {
		c.logger.Debug("connection closed", logging.Error(err))
	}
}
