// Package reactor implements a completion-based I/O interface: callers submit
// an operation tagged with a continuation and later harvest exactly one
// completion for it, at which point the continuation is resumed.
//
// Two interchangeable backends exist. The gnet backend emulates completions on
// top of gnet's event loops; the port backend runs every operation on its own
// goroutine over the net package and posts the result to a completion port.
package reactor

import (
	"context"
	"net"
	"os"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Kind is the type of a pending operation.
type Kind uint8

// Operation kinds.
const (
	OpRead Kind = iota
	OpWrite
	OpAccept
	OpSendFile
	OpRecvFrom
)

func (k Kind) String() string {
	switch k {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpAccept:
		return "accept"
	case OpSendFile:
		return "sendfile"
	case OpRecvFrom:
		return "recvfrom"
	default:
		return "unknown"
	}
}

// Handle names an endpoint owned by a Reactor: a listener, a datagram socket
// or an accepted connection.
type Handle int64

// InvalidHandle never refers to an endpoint.
const InvalidHandle Handle = -1

// Result codes written into Op.Result for failed operations.
const (
	ResultError     = -1
	ResultQueueFull = -2
)

var (
	// ErrQueueFull is reported when the submission queue is at capacity.
	ErrQueueFull = errors.New("reactor: submission queue full")
	// ErrBadHandle is reported for operations on unknown or closed handles.
	ErrBadHandle = errors.New("reactor: bad handle")
	// ErrClosed is returned once the reactor has been shut down.
	ErrClosed = errors.New("reactor: closed")
)

// Continuation is resumed by the harvest loop once its operation completes.
type Continuation interface {
	Resume()
}

// Op is one outstanding I/O request. The caller owns it; the reactor only
// writes Result, Err and (for recvfrom) Peer before resuming Cont.
type Op struct {
	Kind   Kind
	Handle Handle
	Buf    []byte
	Len    int

	// Send-file payload.
	File   *os.File
	Offset int64

	// Peer is filled in for recvfrom and accept.
	Peer net.Addr

	// Result is a byte count, an accepted Handle, 0 for end of stream or a
	// negative code. Err carries the cause of a negative result.
	Result int
	Err    error

	Cont Continuation
}

// Reactor is the completion queue abstraction shared by both backends.
type Reactor interface {
	// Listen opens a "tcp" or "udp" endpoint.
	Listen(network, addr string) (Handle, error)
	// Submit queues op. It returns false when the queue is full, in which
	// case op is dropped and will never complete.
	Submit(op *Op) bool
	// ProcessCompletions harvests at most one completion and resumes its
	// continuation. With wait set it blocks until one is available or ctx ends.
	ProcessCompletions(ctx context.Context, wait bool) (int, error)
	// Close closes the endpoint behind h. Pending operations on it complete
	// with a failure.
	Close(h Handle) error
	// Addr returns the local address of a listening endpoint.
	Addr(h Handle) net.Addr
	// Shutdown stops the backend and closes every endpoint.
	Shutdown(ctx context.Context) error
}

// Config selects and tunes a backend.
type Config struct {
	Backend      string // "gnet" or "port"
	QueueDepth   int
	Multicore    bool
	NumEventLoop int
	ReusePort    bool
	Logger       *zap.Logger
}

// New builds the backend named by cfg.Backend.
func New(cfg Config) (Reactor, error) {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 4096
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	switch strings.ToLower(cfg.Backend) {
	case "", "gnet":
		return newGnetReactor(cfg), nil
	case "port":
		return newPortReactor(cfg), nil
	default:
		return nil, errors.Errorf("reactor: unknown backend %q", cfg.Backend)
	}
}
