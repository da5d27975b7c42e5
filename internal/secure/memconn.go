package secure

import (
	"io"
	"net"
	"sync"
	"time"
)

// wouldBlockError reports an empty input buffer in non-blocking mode. It is
// a temporary net.Error so crypto/tls does not treat it as fatal.
type wouldBlockError struct{}

func (wouldBlockError) Error() string   { return "secure: no buffered ciphertext" }
func (wouldBlockError) Timeout() bool   { return true }
func (wouldBlockError) Temporary() bool { return true }

var errWouldBlock net.Error = wouldBlockError{}

// memConn is the transport under a tls.Conn: ciphertext is pushed in with
// feed and pulled out with drain instead of touching a socket.
type memConn struct {
	mu       sync.Mutex
	cond     *sync.Cond
	in       []byte
	out      []byte
	closed   bool
	blocking bool
	waiting  bool
}

func newMemConn() *memConn {
	m := &memConn{blocking: true}
	m.cond = sync.NewCond(&m.mu)
	return m
}

func (m *memConn) Read(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.in) == 0 {
		if m.closed {
			return 0, io.EOF
		}
		if !m.blocking {
			return 0, errWouldBlock
		}
		m.waiting = true
		m.cond.Broadcast()
		m.cond.Wait()
		m.waiting = false
	}
	n := copy(p, m.in)
	m.in = m.in[n:]
	return n, nil
}

func (m *memConn) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, net.ErrClosed
	}
	m.out = append(m.out, p...)
	m.cond.Broadcast()
	return len(p), nil
}

func (m *memConn) feed(p []byte) {
	m.mu.Lock()
	m.in = append(m.in, p...)
	m.cond.Broadcast()
	m.mu.Unlock()
}

func (m *memConn) drain() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.out) == 0 {
		return nil
	}
	b := m.out
	m.out = nil
	return b
}

func (m *memConn) setBlocking(b bool) {
	m.mu.Lock()
	m.blocking = b
	m.cond.Broadcast()
	m.mu.Unlock()
}

func (m *memConn) Close() error {
	m.mu.Lock()
	m.closed = true
	m.cond.Broadcast()
	m.mu.Unlock()
	return nil
}

func (m *memConn) LocalAddr() net.Addr              { return memAddr{} }
func (m *memConn) RemoteAddr() net.Addr             { return memAddr{} }
func (m *memConn) SetDeadline(time.Time) error      { return nil }
func (m *memConn) SetReadDeadline(time.Time) error  { return nil }
func (m *memConn) SetWriteDeadline(time.Time) error { return nil }

type memAddr struct{}

func (memAddr) Network() string { return "mem" }
func (memAddr) String() string  { return "mem" }
