package reactor

import (
	"context"
	"io"
	"net"
	"runtime"
	"sync"
	"time"

	"github.com/panjf2000/gnet/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	// maxInbox bounds the bytes copied out of gnet per connection while no
	// read is pending; anything beyond stays in gnet's inbound buffer.
	maxInbox = 64 << 10
	// maxDatagrams bounds the datagrams queued per UDP endpoint.
	maxDatagrams = 1024
)

// gnetReactor emulates a completion queue on top of gnet's readiness-driven
// event loops: gnet callbacks settle pending operations and post them to the
// completion queue drained by the harvest loop.
type gnetReactor struct {
	*completionQueue

	cfg    Config
	logger *zap.Logger

	mu        sync.Mutex
	next      Handle
	endpoints map[Handle]*gnetEndpoint
	conns     map[Handle]*gnetConn
	closed    bool
}

// gnetEndpoint is one gnet engine: a TCP listener or a UDP socket.
type gnetEndpoint struct {
	gnet.BuiltinEventEngine

	r       *gnetReactor
	h       Handle
	network string
	addr    string

	eng     gnet.Engine
	booted  chan struct{}
	stopped chan error
	bound   net.Addr

	// TCP: accepted handles waiting for an accept op.
	backlog       []Handle
	pendingAccept *Op

	// UDP: datagrams waiting for a recvfrom op.
	datagrams   []datagram
	pendingRecv *Op
}

type datagram struct {
	data []byte
	from net.Addr
}

// gnetConn is the reactor-side state of one accepted gnet connection.
type gnetConn struct {
	h           Handle
	c           gnet.Conn
	inbox       []byte
	throttled   bool
	eof         bool
	err         error
	pendingRead *Op
}

func newGnetReactor(cfg Config) *gnetReactor {
	return &gnetReactor{
		completionQueue: newCompletionQueue("gnet", cfg.QueueDepth),
		cfg:             cfg,
		logger:          cfg.Logger.Named("reactor.gnet"),
		endpoints:       make(map[Handle]*gnetEndpoint),
		conns:           make(map[Handle]*gnetConn),
	}
}

func (r *gnetReactor) options() []gnet.Option {
	options := []gnet.Option{
		gnet.WithMulticore(r.cfg.Multicore),
		gnet.WithReusePort(r.cfg.ReusePort),
		gnet.WithTCPNoDelay(gnet.TCPNoDelay),
		gnet.WithTCPKeepAlive(30 * time.Minute),
		gnet.WithLogger(r.logger.Sugar()),
		gnet.WithLockOSThread(false),
		gnet.WithLoadBalancing(gnet.RoundRobin),
	}
	if r.cfg.NumEventLoop > 0 {
		options = append(options, gnet.WithNumEventLoop(r.cfg.NumEventLoop))
	} else if r.cfg.Multicore {
		options = append(options, gnet.WithNumEventLoop(runtime.NumCPU()))
	}
	return options
}

func (r *gnetReactor) Listen(network, addr string) (Handle, error) {
	switch network {
	case "tcp", "tcp4", "tcp6", "udp", "udp4", "udp6":
	default:
		return InvalidHandle, errors.Errorf("reactor: unsupported network %q", network)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return InvalidHandle, ErrClosed
	}
	r.next++
	e := &gnetEndpoint{
		r:       r,
		h:       r.next,
		network: network,
		addr:    addr,
		booted:  make(chan struct{}),
		stopped: make(chan error, 1),
	}
	r.endpoints[e.h] = e
	r.mu.Unlock()

	go func() {
		e.stopped <- gnet.Run(e, network+"://"+addr, r.options()...)
	}()

	select {
	case <-e.booted:
		r.logger.Info("listening", zap.String("network", network), zap.Stringer("addr", e.bound))
		return e.h, nil
	case err := <-e.stopped:
		r.mu.Lock()
		delete(r.endpoints, e.h)
		r.mu.Unlock()
		if err == nil {
			err = errors.New("engine exited before boot")
		}
		return InvalidHandle, errors.Wrapf(err, "listen %s %s", network, addr)
	}
}

// OnBoot records the engine and resolves the bound address.
func (e *gnetEndpoint) OnBoot(eng gnet.Engine) gnet.Action {
	e.eng = eng
	if fd, err := eng.Dup(); err == nil {
		e.bound = socketAddr(fd, e.network)
	}
	if e.bound == nil {
		e.bound = resolveAddr(e.network, e.addr)
	}
	close(e.booted)
	return gnet.None
}

// OnOpen turns a new gnet connection into an accept completion.
func (e *gnetEndpoint) OnOpen(c gnet.Conn) ([]byte, gnet.Action) {
	r := e.r
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, gnet.Close
	}

	r.next++
	gc := &gnetConn{h: r.next, c: c}
	r.conns[gc.h] = gc
	c.SetContext(gc)

	if op := e.pendingAccept; op != nil {
		e.pendingAccept = nil
		op.Peer = c.RemoteAddr()
		r.post(op, int(gc.h), nil)
		return nil, gnet.None
	}
	e.backlog = append(e.backlog, gc.h)
	return nil, gnet.None
}

// OnTraffic settles a pending read or recvfrom with freshly arrived bytes.
func (e *gnetEndpoint) OnTraffic(c gnet.Conn) gnet.Action {
	if e.network[:3] == "udp" {
		return e.onDatagram(c)
	}

	gc, ok := c.Context().(*gnetConn)
	if !ok {
		return gnet.Close
	}

	r := e.r
	r.mu.Lock()
	defer r.mu.Unlock()

	if op := gc.pendingRead; op != nil {
		data, err := c.Next(min(op.Len, c.InboundBuffered()))
		if err != nil {
			gc.pendingRead = nil
			r.post(op, ResultError, err)
			return gnet.Close
		}
		if len(data) == 0 {
			return gnet.None
		}
		n := copy(op.Buf[:op.Len], data)
		gc.pendingRead = nil
		r.post(op, n, nil)
	}

	room := maxInbox - len(gc.inbox)
	if room <= 0 {
		gc.throttled = true
		return gnet.None
	}
	data, err := c.Next(min(room, c.InboundBuffered()))
	if err != nil {
		return gnet.Close
	}
	gc.inbox = append(gc.inbox, data...)
	gc.throttled = len(gc.inbox) >= maxInbox
	return gnet.None
}

func (e *gnetEndpoint) onDatagram(c gnet.Conn) gnet.Action {
	data, err := c.Next(-1)
	if err != nil || len(data) == 0 {
		return gnet.None
	}
	from := c.RemoteAddr()

	r := e.r
	r.mu.Lock()
	defer r.mu.Unlock()

	if op := e.pendingRecv; op != nil {
		e.pendingRecv = nil
		n := copy(op.Buf[:op.Len], data)
		op.Peer = from
		r.post(op, n, nil)
		return gnet.None
	}
	if len(e.datagrams) >= maxDatagrams {
		e.datagrams = e.datagrams[1:]
	}
	e.datagrams = append(e.datagrams, datagram{data: append([]byte(nil), data...), from: from})
	return gnet.None
}

// OnClose marks end of stream and fails a read still waiting on the connection.
func (e *gnetEndpoint) OnClose(c gnet.Conn, err error) gnet.Action {
	gc, ok := c.Context().(*gnetConn)
	if !ok {
		return gnet.None
	}
	r := e.r
	r.mu.Lock()
	defer r.mu.Unlock()

	gc.eof = true
	gc.err = err
	if op := gc.pendingRead; op != nil {
		gc.pendingRead = nil
		if len(gc.inbox) > 0 {
			n := copy(op.Buf[:op.Len], gc.inbox)
			gc.inbox = gc.inbox[n:]
			r.post(op, n, nil)
		} else {
			r.post(op, eofResult(err), err)
		}
	}
	return gnet.None
}

func eofResult(err error) int {
	if err == nil || isEOF(err) {
		return 0
	}
	return ResultError
}

func (r *gnetReactor) Submit(op *Op) bool {
	if !r.reserve(op) {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		r.post(op, ResultError, ErrClosed)
		return true
	}

	switch op.Kind {
	case OpRead:
		gc := r.conns[op.Handle]
		if gc == nil {
			r.post(op, ResultError, ErrBadHandle)
			break
		}
		r.submitRead(gc, op)
	case OpWrite:
		gc := r.conns[op.Handle]
		if gc == nil || gc.eof {
			r.post(op, ResultError, ErrBadHandle)
			break
		}
		r.asyncWrite(gc.c, op, op.Buf[:op.Len])
	case OpSendFile:
		gc := r.conns[op.Handle]
		if gc == nil || gc.eof || op.File == nil {
			r.post(op, ResultError, ErrBadHandle)
			break
		}
		// File reads stay off both the harvest loop and the event loop.
		go func(c gnet.Conn) {
			chunk := make([]byte, op.Len)
			n, err := op.File.ReadAt(chunk, op.Offset)
			if n == 0 && err != nil {
				r.mu.Lock()
				r.post(op, ResultError, err)
				r.mu.Unlock()
				return
			}
			r.mu.Lock()
			r.asyncWrite(c, op, chunk[:n])
			r.mu.Unlock()
		}(gc.c)
	case OpAccept:
		e := r.endpoints[op.Handle]
		if e == nil || e.network[:3] != "tcp" || e.pendingAccept != nil {
			r.post(op, ResultError, ErrBadHandle)
			break
		}
		if len(e.backlog) > 0 {
			h := e.backlog[0]
			e.backlog = e.backlog[1:]
			if gc := r.conns[h]; gc != nil {
				op.Peer = gc.c.RemoteAddr()
			}
			r.post(op, int(h), nil)
			break
		}
		e.pendingAccept = op
	case OpRecvFrom:
		e := r.endpoints[op.Handle]
		if e == nil || e.network[:3] != "udp" || e.pendingRecv != nil {
			r.post(op, ResultError, ErrBadHandle)
			break
		}
		if len(e.datagrams) > 0 {
			d := e.datagrams[0]
			e.datagrams = e.datagrams[1:]
			op.Peer = d.from
			r.post(op, copy(op.Buf[:op.Len], d.data), nil)
			break
		}
		e.pendingRecv = op
	default:
		r.post(op, ResultError, errors.Errorf("reactor: unknown op kind %d", op.Kind))
	}
	return true
}

// submitRead must be called with r.mu held.
func (r *gnetReactor) submitRead(gc *gnetConn, op *Op) {
	if gc.pendingRead != nil {
		r.post(op, ResultError, errors.New("reactor: read already pending"))
		return
	}
	if len(gc.inbox) > 0 {
		n := copy(op.Buf[:op.Len], gc.inbox)
		gc.inbox = gc.inbox[n:]
		if len(gc.inbox) == 0 {
			gc.inbox = nil
		}
		r.post(op, n, nil)
		if gc.throttled && !gc.eof {
			// Pull what gnet kept buffered while the inbox was full.
			gc.throttled = false
			_ = gc.c.Wake(nil)
		}
		return
	}
	if gc.eof {
		r.post(op, eofResult(gc.err), gc.err)
		return
	}
	gc.pendingRead = op
	if gc.throttled {
		gc.throttled = false
		_ = gc.c.Wake(nil)
	}
}

// asyncWrite must be called with r.mu held. gnet invokes the callback once
// the bytes are written or buffered, or with the error that prevented it.
func (r *gnetReactor) asyncWrite(c gnet.Conn, op *Op, data []byte) {
	err := c.AsyncWrite(data, func(_ gnet.Conn, err error) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		if err != nil {
			r.post(op, ResultError, err)
			return nil
		}
		r.post(op, len(data), nil)
		return nil
	})
	if err != nil {
		r.post(op, ResultError, err)
	}
}

func (r *gnetReactor) ProcessCompletions(ctx context.Context, wait bool) (int, error) {
	return r.harvest(ctx, wait)
}

func (r *gnetReactor) Close(h Handle) error {
	r.mu.Lock()
	if gc, ok := r.conns[h]; ok {
		delete(r.conns, h)
		r.mu.Unlock()
		return gc.c.Close()
	}
	e, ok := r.endpoints[h]
	if !ok {
		r.mu.Unlock()
		return ErrBadHandle
	}
	delete(r.endpoints, h)
	r.failEndpoint(e)
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return e.stop(ctx)
}

// failEndpoint must be called with r.mu held.
func (r *gnetReactor) failEndpoint(e *gnetEndpoint) {
	if op := e.pendingAccept; op != nil {
		e.pendingAccept = nil
		r.post(op, ResultError, ErrClosed)
	}
	if op := e.pendingRecv; op != nil {
		e.pendingRecv = nil
		r.post(op, ResultError, ErrClosed)
	}
}

func (e *gnetEndpoint) stop(ctx context.Context) error {
	if err := e.eng.Stop(ctx); err != nil {
		return errors.Wrap(err, "stop gnet engine")
	}
	select {
	case err := <-e.stopped:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *gnetReactor) Addr(h Handle) net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.endpoints[h]; ok {
		return e.bound
	}
	if gc, ok := r.conns[h]; ok {
		return gc.c.LocalAddr()
	}
	return nil
}

func (r *gnetReactor) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	endpoints := make([]*gnetEndpoint, 0, len(r.endpoints))
	for h, e := range r.endpoints {
		r.failEndpoint(e)
		endpoints = append(endpoints, e)
		delete(r.endpoints, h)
	}
	conns := make([]io.Closer, 0, len(r.conns))
	for h, gc := range r.conns {
		conns = append(conns, gc.c)
		delete(r.conns, h)
	}
	r.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
	var firstErr error
	for _, e := range endpoints {
		if err := e.stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.logger.Info("reactor stopped")
	return firstErr
}

func resolveAddr(network, addr string) net.Addr {
	switch network[:3] {
	case "udp":
		a, err := net.ResolveUDPAddr(network, addr)
		if err != nil {
			return nil
		}
		return a
	default:
		a, err := net.ResolveTCPAddr(network, addr)
		if err != nil {
			return nil
		}
		return a
	}
}
