package mux

import (
	"bytes"
	"os"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Diogokranzz/HTTP-2/internal/coro"
	"github.com/Diogokranzz/HTTP-2/internal/h1"
	"github.com/Diogokranzz/HTTP-2/internal/h2/hpack"
	"github.com/Diogokranzz/HTTP-2/internal/h2/transport"
	"github.com/Diogokranzz/HTTP-2/internal/logging"
	"github.com/Diogokranzz/HTTP-2/internal/reactor"
	"github.com/Diogokranzz/HTTP-2/internal/router"
	"github.com/Diogokranzz/HTTP-2/internal/secure"
)

var (
	errPeerClosed   = errors.New("mux: peer closed connection")
	errWriteFailed  = errors.New("mux: write failed")
	errReadFailed   = errors.New("mux: read failed")
	errHandshake    = errors.New("mux: tls handshake failed")
	errRejected     = errors.New("mux: request rejected")
	errNotFound     = errors.New("mux: no route, closing")
	errH2Disabled   = errors.New("mux: http/2 disabled")
	errH2Terminated = errors.New("mux: http/2 session terminated")
)

// conn is the per-connection driver state. Everything here is owned by one
// task.
type conn struct {
	s      *Server
	t      *coro.Task
	h      reactor.Handle
	buf    []byte
	tls    *secure.Session
	logger *zap.Logger
	out    []byte
}

func (c *conn) serve() error {
	if c.s.cfg.TLS != nil {
		protocolsDetected.WithLabelValues("tls").Inc()
		first, err := c.handshake()
		if err != nil {
			return err
		}
		return c.detect(first)
	}
	return c.detect(nil)
}

// recv returns the next chunk of plaintext. For cleartext connections the
// slice aliases the pool block and is only valid until the next recv.
func (c *conn) recv() ([]byte, error) {
	for {
		n := c.t.Read(c.h, c.buf)
		switch {
		case n == 0:
			return nil, errPeerClosed
		case n < 0:
			return nil, errors.Wrap(errReadFailed, errString(c.t.Err()))
		}
		if c.tls == nil {
			return c.buf[:n], nil
		}
		plain, err := c.tls.Decrypt(c.buf[:n])
		if len(plain) > 0 {
			return plain, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// writeRaw sends p, re-submitting the remainder after short writes.
func (c *conn) writeRaw(p []byte) error {
	for len(p) > 0 {
		n := c.t.Write(c.h, p)
		if n <= 0 {
			return errors.Wrap(errWriteFailed, errString(c.t.Err()))
		}
		p = p[n:]
	}
	return nil
}

// send writes plaintext p, sealing it first on TLS connections.
func (c *conn) send(p []byte) error {
	if c.tls == nil {
		return c.writeRaw(p)
	}
	ct, err := c.tls.Encrypt(p)
	if err != nil {
		return err
	}
	return c.writeRaw(ct)
}

// handshake runs the TLS handshake and returns any application data that
// arrived with the client's final flight.
func (c *conn) handshake() ([]byte, error) {
	c.tls = c.s.cfg.TLS.NewSession()
	for {
		switch st := c.tls.HandshakeStep(); st {
		case secure.StatusDone:
			c.logger.Debug("tls established", zap.String("alpn", c.tls.NegotiatedProtocol()))
			return c.tls.Decrypt(nil)
		case secure.StatusWantWrite:
			if err := c.writeRaw(c.tls.Drain()); err != nil {
				return nil, err
			}
		case secure.StatusWantRead:
			n := c.t.Read(c.h, c.buf)
			if n <= 0 {
				return nil, errors.Wrap(errHandshake, "peer went away")
			}
			c.tls.Feed(c.buf[:n])
		default:
			c.logger.Debug("tls handshake failed", logging.Error(c.tls.Err()))
			return nil, errors.Wrap(errHandshake, errString(c.tls.Err()))
		}
	}
}

// detect buffers input until it is known whether the stream starts with the
// HTTP/2 preface.
func (c *conn) detect(pending []byte) error {
	var head []byte
	if len(pending) > 0 {
		head = append(head, pending...)
	}
	for {
		switch {
		case len(head) >= len(transport.Preface) && string(head[:len(transport.Preface)]) == transport.Preface:
			protocolsDetected.WithLabelValues("h2").Inc()
			return c.serveH2(head)
		case len(head) > 0 && !strings.HasPrefix(transport.Preface, string(head)):
			protocolsDetected.WithLabelValues("h1").Inc()
			return c.serveH1(head)
		}
		data, err := c.recv()
		if err != nil {
			return err
		}
		head = append(head, data...)
	}
}

func (c *conn) serveH2(data []byte) error {
	if !c.s.cfg.EnableH2 {
		_ = c.send(h1.BadRequestClose)
		return errH2Disabled
	}

	cfg := transport.Config{
		Logger:               c.logger.Named("h2"),
		MaxConcurrentStreams: c.s.cfg.MaxConcurrentStreams,
	}
	if c.s.cfg.DispatchH2 {
		cfg.Dispatcher = c.dispatchH2
	}
	sess := transport.NewSession(cfg)
	sess.SendSettings()

	for {
		err := sess.OnData(data)
		if out := sess.ConsumeOutput(); out != nil {
			if werr := c.send(out); werr != nil {
				return werr
			}
		}
		if err != nil {
			return err
		}
		if sess.Closed() {
			return errH2Terminated
		}
		if data, err = c.recv(); err != nil {
			return err
		}
	}
}

func (c *conn) dispatchH2(req *transport.Request) (transport.Response, bool) {
	headers := make([]router.Header, len(req.Headers))
	for i, f := range req.Headers {
		headers[i] = router.Header{Name: f.Name, Value: f.Value}
	}
	resp, ok := c.s.cfg.Router.Dispatch(router.NewRequest(req.Method, req.Path, "HTTP/2", headers, req.Body))
	if !ok {
		return transport.Response{}, false
	}
	out := transport.Response{Status: resp.Status, ContentType: resp.ContentType, Body: resp.Body}
	for _, h := range resp.Headers {
		out.Headers = append(out.Headers, hpack.HeaderField{Name: strings.ToLower(h.Name), Value: h.Value})
	}
	return out, true
}

func (c *conn) serveH1(data []byte) error {
	p := h1.NewParser()
	for {
		for len(data) > 0 {
			if !p.Parse(data) {
				_ = c.send(h1.BadRequestClose)
				return errors.Wrap(errRejected, "malformed request")
			}
			data = data[p.Consumed():]
			if !p.Complete() {
				break
			}

			req := p.Request()
			if req.Chunked {
				_ = c.send(h1.NotImplementedClose)
				return errors.Wrap(errRejected, "chunked request body")
			}
			if req.ContentLength > c.s.cfg.MaxBodyBytes {
				_ = c.send(h1.PayloadTooLargeClose)
				return errors.Wrap(errRejected, "request body too large")
			}

			var err error
			if req.ContentLength > 0 {
				if data, err = c.readBody(req, data); err != nil {
					return err
				}
			}
			if err = c.respondH1(req); err != nil {
				return err
			}
			if !req.KeepAlive() {
				return nil
			}
			p.Reset()
		}

		var err error
		if data, err = c.recv(); err != nil {
			return err
		}
	}
}

// readBody collects req.ContentLength bytes, starting with what is left in
// data, and returns the input that follows the body.
func (c *conn) readBody(req *h1.Request, data []byte) ([]byte, error) {
	n := int(req.ContentLength)
	body := make([]byte, 0, n)
	for {
		take := min(n-len(body), len(data))
		body = append(body, data[:take]...)
		data = data[take:]
		if len(body) == n {
			req.Body = body
			return data, nil
		}
		var err error
		if data, err = c.recv(); err != nil {
			return nil, err
		}
	}
}

func (c *conn) respondH1(req *h1.Request) error {
	proto := "HTTP/1.1"
	if req.VersionMinor == 0 {
		proto = "HTTP/1.0"
	}
	headers := make([]router.Header, req.HeaderCount)
	for i := 0; i < req.HeaderCount; i++ {
		headers[i] = router.Header{Name: string(req.Headers[i].Name), Value: string(req.Headers[i].Value)}
	}
	rr := router.NewRequest(string(req.Method), string(req.URI), proto, headers, req.Body)
	keepAlive := req.KeepAlive()

	resp, ok := c.s.cfg.Router.Dispatch(rr)
	if !ok {
		if rr.Method == "GET" && (rr.Path == "/" || rr.Path == "/index.html") {
			return c.sendStatic(keepAlive)
		}
		_ = c.send(h1.NotFoundClose)
		return errors.Wrapf(errNotFound, "%s %s", rr.Method, rr.Path)
	}

	var extra [][2]string
	for _, h := range resp.Headers {
		extra = append(extra, [2]string{h.Name, h.Value})
	}
	c.out = h1.AppendResponse(c.out[:0], resp.Status, resp.ContentType, extra, resp.Body, keepAlive)
	return c.send(c.out)
}

// sendStatic streams the landing page. Cleartext connections use send-file;
// TLS connections must seal the bytes, so the file is read and encrypted.
func (c *conn) sendStatic(keepAlive bool) error {
	f, err := os.Open(c.s.cfg.StaticFile)
	if err != nil {
		_ = c.send(h1.NotFoundClose)
		return errors.Wrap(err, "open static file")
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		_ = c.send(h1.NotFoundClose)
		return errors.Wrap(err, "stat static file")
	}
	size := info.Size()

	c.out = h1.AppendFileHeader(c.out[:0], "text/html", size, keepAlive)
	if c.tls != nil {
		var body bytes.Buffer
		if _, err := body.ReadFrom(f); err != nil {
			return errors.Wrap(err, "read static file")
		}
		c.out = append(c.out, body.Bytes()...)
		return c.send(c.out)
	}

	if err := c.writeRaw(c.out); err != nil {
		return err
	}
	var off int64
	for off < size {
		n := c.t.SendFile(c.h, f, off, int(size-off))
		if n <= 0 {
			return errors.Wrap(errWriteFailed, errString(c.t.Err()))
		}
		off += int64(n)
	}
	return nil
}

func errString(err error) string {
	if err == nil {
		return "no cause"
	}
	return err.Error()
}
