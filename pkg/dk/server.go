package dk

import (
	"context"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Diogokranzz/HTTP-2/internal/api"
	"github.com/Diogokranzz/HTTP-2/internal/bufpool"
	"github.com/Diogokranzz/HTTP-2/internal/coro"
	"github.com/Diogokranzz/HTTP-2/internal/date"
	"github.com/Diogokranzz/HTTP-2/internal/logging"
	"github.com/Diogokranzz/HTTP-2/internal/mux"
	"github.com/Diogokranzz/HTTP-2/internal/reactor"
	"github.com/Diogokranzz/HTTP-2/internal/router"
	"github.com/Diogokranzz/HTTP-2/internal/secure"
)

// LandingPage is written to Config.StaticFile when WriteStaticFile is set.
const LandingPage = "<html><body><h1>DK Server Online</h1><p>Powered by C++23 & IOCP</p></body></html>"

const drainTimeout = 5 * time.Second

// Server owns the reactor, the coroutine loop and the listeners.
type Server struct {
	config Config
	logger *zap.Logger
	router *router.Router
	tls    *secure.Context

	reactor reactor.Reactor
	loop    *coro.Loop
	tcp     reactor.Handle
	udp     reactor.Handle
	metrics net.Listener
}

// New validates config and builds a server with the demo routes registered.
func New(config Config) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		config: config,
		logger: config.Logger,
		router: router.New(),
		tcp:    reactor.InvalidHandle,
		udp:    reactor.InvalidHandle,
	}

	s.router.Use(router.Recovery(s.logger.Named("router")))
	if config.Tracing {
		s.router.Use(router.Tracing(router.DefaultTracingConfig()))
	}
	s.router.Use(router.Metrics(), router.Logger(s.logger.Named("router")))
	if config.Compression {
		cc := router.DefaultCompressConfig()
		cc.MinSize = config.CompressMinSize
		s.router.Use(router.Compress(cc))
	}
	api.RegisterRoutes(s.router)

	if config.CertFile != "" {
		tlsCtx, err := secure.NewContext(config.CertFile, config.KeyFile)
		if err != nil {
			return nil, err
		}
		s.tls = tlsCtx
	}
	return s, nil
}

// Router returns the route table so callers can add their own routes before
// Run.
func (s *Server) Router() *router.Router { return s.router }

// Addr returns the bound TCP address once Listen has succeeded.
func (s *Server) Addr() net.Addr {
	if s.reactor == nil {
		return nil
	}
	return s.reactor.Addr(s.tcp)
}

// UDPAddr returns the bound UDP address, or nil when QUIC is disabled.
func (s *Server) UDPAddr() net.Addr {
	if s.reactor == nil || s.udp == reactor.InvalidHandle {
		return nil
	}
	return s.reactor.Addr(s.udp)
}

// MetricsAddr returns the bound metrics address, or nil when disabled.
func (s *Server) MetricsAddr() net.Addr {
	if s.metrics == nil {
		return nil
	}
	return s.metrics.Addr()
}

// Run listens and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Listen writes the landing page if configured and binds every endpoint.
// Bind and TLS failures are returned here, before any connection is served.
func (s *Server) Listen() error {
	if s.reactor != nil {
		return errors.New("dk: already listening")
	}
	if s.config.WriteStaticFile {
		if err := os.WriteFile(s.config.StaticFile, []byte(LandingPage), 0o644); err != nil {
			return errors.Wrap(err, "dk: write static file")
		}
	}

	r, err := reactor.New(reactor.Config{
		Backend:      s.config.Backend,
		QueueDepth:   s.config.QueueDepth,
		Multicore:    s.config.Multicore,
		NumEventLoop: s.config.NumEventLoop,
		ReusePort:    s.config.ReusePort,
		Logger:       s.logger.Named("reactor"),
	})
	if err != nil {
		return err
	}

	tcp, err := r.Listen("tcp", s.config.Addr)
	if err != nil {
		_ = r.Shutdown(context.Background())
		return err
	}
	s.reactor, s.tcp = r, tcp

	if s.config.EnableQUIC {
		// Share the port actually bound, which matters when Addr asks for :0.
		udpAddr := s.config.Addr
		if ta, ok := r.Addr(tcp).(*net.TCPAddr); ok {
			host, _, _ := net.SplitHostPort(s.config.Addr)
			udpAddr = net.JoinHostPort(host, strconv.Itoa(ta.Port))
		}
		udp, err := r.Listen("udp", udpAddr)
		if err != nil {
			s.abort()
			return err
		}
		s.udp = udp
	}

	if s.config.MetricsAddr != "" {
		ln, err := net.Listen("tcp", s.config.MetricsAddr)
		if err != nil {
			s.abort()
			return errors.Wrap(err, "dk: metrics listener")
		}
		s.metrics = ln
	}
	return nil
}

func (s *Server) abort() {
	_ = s.reactor.Shutdown(context.Background())
	s.reactor = nil
}

// Serve runs the harvest loop and the metrics endpoint until ctx is
// cancelled. On return every endpoint is closed and every connection task
// has unwound.
func (s *Server) Serve(ctx context.Context) error {
	if s.reactor == nil {
		return errors.New("dk: Serve called before Listen")
	}

	stopDate := date.StartTicker()
	defer stopDate()

	s.loop = coro.NewLoop(s.reactor, s.logger.Named("coro"))
	m := mux.NewServer(s.loop, mux.Config{
		Router:               s.router,
		Pool:                 bufpool.New(s.config.PoolBlocks, bufpool.WithName("connections")),
		TLS:                  s.tls,
		StaticFile:           s.config.StaticFile,
		MaxBodyBytes:         s.config.MaxBodyBytes,
		MaxConcurrentStreams: s.config.MaxConcurrentStreams,
		EnableH2:             s.config.EnableH2,
		DispatchH2:           s.config.DispatchH2,
		Logger:               s.logger.Named("mux"),
	})
	m.ServeTCP(s.tcp)
	if s.udp != reactor.InvalidHandle {
		m.ServeUDP(s.udp)
	}

	s.logger.Info("server started",
		zap.Stringer("addr", s.Addr()),
		zap.String("backend", s.config.Backend),
		zap.Bool("tls", s.tls != nil),
		zap.Bool("h2", s.config.EnableH2),
		zap.Bool("quic", s.udp != reactor.InvalidHandle),
		zap.Strings("routes", s.router.Routes()),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.loop.Run(gctx)
	})
	if s.metrics != nil {
		srv := &http.Server{Handler: promhttp.Handler(), ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error {
			s.logger.Info("metrics endpoint started", zap.Stringer("addr", s.metrics.Addr()))
			if err := srv.Serve(s.metrics); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return errors.Wrap(err, "dk: metrics endpoint")
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	err := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if serr := s.reactor.Shutdown(shutdownCtx); serr != nil {
		s.logger.Warn("reactor shutdown", logging.Error(serr))
	}
	if derr := s.loop.Drain(shutdownCtx); derr != nil {
		s.logger.Warn("connection tasks still pending", zap.Int("tasks", s.loop.Live()), logging.Error(derr))
	}
	s.logger.Info("server stopped")
	return err
}
