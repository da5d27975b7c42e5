// Package secure wraps crypto/tls as a byte filter. The connection driver
// moves ciphertext through its own reads and writes; a Session only turns
// ciphertext into plaintext and back.
package secure

import (
	"crypto/tls"
	"io"

	"github.com/pkg/errors"
)

// ErrHandshake is returned when the TLS handshake fails.
var ErrHandshake = errors.New("secure: handshake failed")

// Status is the outcome of one handshake step.
type Status int

const (
	// StatusDone means the handshake has completed.
	StatusDone Status = iota
	// StatusWantRead means more ciphertext from the peer is needed.
	StatusWantRead
	// StatusWantWrite means Drain has ciphertext to send to the peer.
	StatusWantWrite
	// StatusError means the handshake failed.
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusDone:
		return "done"
	case StatusWantRead:
		return "want-read"
	case StatusWantWrite:
		return "want-write"
	case StatusError:
		return "error"
	}
	return "unknown"
}

// Context holds the server TLS configuration shared by every session.
type Context struct {
	config *tls.Config
}

// NewContext loads a certificate and key pair from PEM files.
func NewContext(certFile, keyFile string) (*Context, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, errors.Wrap(err, "secure: load key pair")
	}
	return NewContextFromCertificate(cert), nil
}

// NewContextFromCertificate builds a context serving cert.
func NewContextFromCertificate(cert tls.Certificate) *Context {
	return &Context{config: &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		NextProtos:   []string{"h2", "http/1.1"},
	}}
}

// NewSession starts a server-side session.
func (c *Context) NewSession() *Session {
	mem := newMemConn()
	return &Session{mem: mem, conn: tls.Server(mem, c.config)}
}

// Session is the TLS state of one connection. Handshake steps run the
// crypto/tls handshake on a helper goroutine that blocks on ciphertext
// supplied through Feed; once the handshake is done every call is
// synchronous.
type Session struct {
	mem  *memConn
	conn *tls.Conn

	started bool
	done    bool
	hsErr   error
}

// Feed hands received ciphertext to the session.
func (s *Session) Feed(ciphertext []byte) {
	s.mem.feed(ciphertext)
}

// Drain returns and clears ciphertext waiting to be sent.
func (s *Session) Drain() []byte {
	return s.mem.drain()
}

// HandshakeStep advances the handshake as far as the buffered ciphertext
// allows and reports what the caller must do next.
func (s *Session) HandshakeStep() Status {
	m := s.mem
	if !s.started {
		s.started = true
		go s.handshake()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		if m.closed {
			return StatusError
		}
		if s.done {
			switch {
			case len(m.out) > 0:
				return StatusWantWrite
			case s.hsErr != nil:
				return StatusError
			default:
				return StatusDone
			}
		}
		if m.waiting && len(m.in) == 0 {
			if len(m.out) > 0 {
				return StatusWantWrite
			}
			return StatusWantRead
		}
		m.cond.Wait()
	}
}

func (s *Session) handshake() {
	err := s.conn.Handshake()
	s.mem.mu.Lock()
	s.done = true
	if err != nil {
		s.hsErr = errors.Wrap(ErrHandshake, err.Error())
	} else {
		s.mem.blocking = false
	}
	s.mem.cond.Broadcast()
	s.mem.mu.Unlock()
}

// Err returns the handshake error, if any.
func (s *Session) Err() error {
	s.mem.mu.Lock()
	defer s.mem.mu.Unlock()
	return s.hsErr
}

// NegotiatedProtocol returns the ALPN protocol agreed in the handshake.
func (s *Session) NegotiatedProtocol() string {
	return s.conn.ConnectionState().NegotiatedProtocol
}

// Decrypt feeds ciphertext and returns every complete plaintext record that
// is now available. Partial records stay buffered. io.EOF is returned once
// the peer has sent close_notify. Call it with nil right after the handshake
// to collect data that arrived with the peer's final flight.
func (s *Session) Decrypt(ciphertext []byte) ([]byte, error) {
	if !s.handshakeComplete() {
		return nil, errors.New("secure: decrypt before handshake")
	}
	s.mem.feed(ciphertext)

	var (
		plain []byte
		buf   [16 << 10]byte
	)
	for {
		n, err := s.conn.Read(buf[:])
		plain = append(plain, buf[:n]...)
		if err == nil {
			continue
		}
		if errors.Is(err, errWouldBlock) {
			return plain, nil
		}
		if err == io.EOF {
			return plain, io.EOF
		}
		return plain, errors.Wrap(err, "secure: decrypt")
	}
}

// Encrypt seals plaintext into records and returns the ciphertext to send.
func (s *Session) Encrypt(plaintext []byte) ([]byte, error) {
	if !s.handshakeComplete() {
		return nil, errors.New("secure: encrypt before handshake")
	}
	if _, err := s.conn.Write(plaintext); err != nil {
		return nil, errors.Wrap(err, "secure: encrypt")
	}
	return s.mem.drain(), nil
}

// Close releases the session and stops a pending handshake.
func (s *Session) Close() {
	_ = s.mem.Close()
}

func (s *Session) handshakeComplete() bool {
	s.mem.mu.Lock()
	defer s.mem.mu.Unlock()
	return s.done && s.hsErr == nil
}
