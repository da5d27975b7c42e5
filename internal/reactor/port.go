package reactor

import (
	"context"
	"io"
	"net"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// portReactor completes every operation on its own goroutine and posts the
// result to the shared completion port, the way an I/O completion port hands
// finished overlapped requests back to its waiter.
type portReactor struct {
	*completionQueue

	cfg    Config
	logger *zap.Logger

	mu        sync.Mutex
	next      Handle
	conns     map[Handle]net.Conn
	listeners map[Handle]net.Listener
	packets   map[Handle]net.PacketConn
	closed    bool
}

func newPortReactor(cfg Config) *portReactor {
	return &portReactor{
		completionQueue: newCompletionQueue("port", cfg.QueueDepth),
		cfg:             cfg,
		logger:          cfg.Logger.Named("reactor.port"),
		conns:           make(map[Handle]net.Conn),
		listeners:       make(map[Handle]net.Listener),
		packets:         make(map[Handle]net.PacketConn),
	}
}

func (r *portReactor) Listen(network, addr string) (Handle, error) {
	lc := net.ListenConfig{Control: listenControl(r.cfg.ReusePort)}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return InvalidHandle, ErrClosed
	}

	switch network {
	case "tcp", "tcp4", "tcp6":
		l, err := lc.Listen(context.Background(), network, addr)
		if err != nil {
			return InvalidHandle, errors.Wrapf(err, "listen %s %s", network, addr)
		}
		h := r.allocHandle()
		r.listeners[h] = l
		r.logger.Info("listening", zap.String("network", network), zap.Stringer("addr", l.Addr()))
		return h, nil
	case "udp", "udp4", "udp6":
		pc, err := lc.ListenPacket(context.Background(), network, addr)
		if err != nil {
			return InvalidHandle, errors.Wrapf(err, "listen %s %s", network, addr)
		}
		h := r.allocHandle()
		r.packets[h] = pc
		r.logger.Info("listening", zap.String("network", network), zap.Stringer("addr", pc.LocalAddr()))
		return h, nil
	default:
		return InvalidHandle, errors.Errorf("reactor: unsupported network %q", network)
	}
}

// allocHandle must be called with r.mu held.
func (r *portReactor) allocHandle() Handle {
	r.next++
	return r.next
}

func (r *portReactor) Submit(op *Op) bool {
	if !r.reserve(op) {
		return false
	}

	r.mu.Lock()
	closed := r.closed
	conn := r.conns[op.Handle]
	ln := r.listeners[op.Handle]
	pc := r.packets[op.Handle]
	r.mu.Unlock()

	if closed {
		r.post(op, ResultError, ErrClosed)
		return true
	}

	switch op.Kind {
	case OpRead:
		if conn == nil {
			r.post(op, ResultError, ErrBadHandle)
			break
		}
		go func() {
			n, err := conn.Read(op.Buf[:op.Len])
			r.post(op, ioResult(n, err), err)
		}()
	case OpWrite:
		if conn == nil {
			r.post(op, ResultError, ErrBadHandle)
			break
		}
		go func() {
			n, err := conn.Write(op.Buf[:op.Len])
			if err != nil && n == 0 {
				r.post(op, ResultError, err)
				return
			}
			r.post(op, n, err)
		}()
	case OpAccept:
		if ln == nil {
			r.post(op, ResultError, ErrBadHandle)
			break
		}
		go r.accept(ln, op)
	case OpSendFile:
		if conn == nil || op.File == nil {
			r.post(op, ResultError, ErrBadHandle)
			break
		}
		go func() {
			n, err := sendFile(conn, op.File, op.Offset, int64(op.Len))
			if n == 0 && err != nil {
				r.post(op, ResultError, err)
				return
			}
			r.post(op, int(n), err)
		}()
	case OpRecvFrom:
		if pc == nil {
			r.post(op, ResultError, ErrBadHandle)
			break
		}
		go func() {
			n, addr, err := pc.ReadFrom(op.Buf[:op.Len])
			op.Peer = addr
			if err != nil {
				r.post(op, ResultError, err)
				return
			}
			r.post(op, n, nil)
		}()
	default:
		r.post(op, ResultError, errors.Errorf("reactor: unknown op kind %d", op.Kind))
	}
	return true
}

func (r *portReactor) accept(ln net.Listener, op *Op) {
	c, err := ln.Accept()
	if err != nil {
		r.post(op, ResultError, err)
		return
	}
	if tc, ok := c.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = c.Close()
		r.post(op, ResultError, ErrClosed)
		return
	}
	h := r.allocHandle()
	r.conns[h] = c
	r.mu.Unlock()

	op.Peer = c.RemoteAddr()
	r.post(op, int(h), nil)
}

// sendFile copies n bytes of f starting at off. Wrapping the *os.File in an
// io.LimitedReader keeps the net package on its sendfile(2) path.
func sendFile(dst net.Conn, f interface {
	io.Reader
	io.Seeker
}, off, n int64) (int64, error) {
	if _, err := f.Seek(off, io.SeekStart); err != nil {
		return 0, errors.Wrap(err, "seek")
	}
	return io.Copy(dst, io.LimitReader(f, n))
}

func (r *portReactor) ProcessCompletions(ctx context.Context, wait bool) (int, error) {
	return r.harvest(ctx, wait)
}

func (r *portReactor) Close(h Handle) error {
	r.mu.Lock()
	conn, isConn := r.conns[h]
	ln, isListener := r.listeners[h]
	pc, isPacket := r.packets[h]
	delete(r.conns, h)
	delete(r.listeners, h)
	delete(r.packets, h)
	r.mu.Unlock()

	switch {
	case isConn:
		return conn.Close()
	case isListener:
		return ln.Close()
	case isPacket:
		return pc.Close()
	default:
		return ErrBadHandle
	}
}

func (r *portReactor) Addr(h Handle) net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ln, ok := r.listeners[h]; ok {
		return ln.Addr()
	}
	if pc, ok := r.packets[h]; ok {
		return pc.LocalAddr()
	}
	if c, ok := r.conns[h]; ok {
		return c.LocalAddr()
	}
	return nil
}

func (r *portReactor) Shutdown(_ context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	var closers []io.Closer
	for h, c := range r.conns {
		closers = append(closers, c)
		delete(r.conns, h)
	}
	for h, l := range r.listeners {
		closers = append(closers, l)
		delete(r.listeners, h)
	}
	for h, p := range r.packets {
		closers = append(closers, p)
		delete(r.packets, h)
	}
	r.mu.Unlock()

	for _, c := range closers {
		_ = c.Close()
	}
	r.logger.Info("reactor stopped")
	return nil
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF)
}
