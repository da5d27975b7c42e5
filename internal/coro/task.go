package coro

import (
	"net"
	"os"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/Diogokranzz/HTTP-2/internal/reactor"
)

// Task is one cooperative routine. It implements reactor.Continuation, and
// its single embedded Op is the only pending operation that may reference it.
type Task struct {
	loop   *Loop
	name   string
	resume chan struct{}
	yield  chan struct{}
	op     reactor.Op
	done   bool
}

// Resume hands the baton to the task and blocks until it suspends again or
// returns.
func (t *Task) Resume() {
	if t.done {
		return
	}
	t.resume <- struct{}{}
	<-t.yield
}

func (t *Task) run(fn func(*Task)) {
	<-t.resume
	defer func() {
		if v := recover(); v != nil {
			t.loop.logger.Error("task panicked",
				zap.String("task", t.name),
				zap.Any("panic", v),
				zap.ByteString("stack", debug.Stack()))
		}
		t.done = true
		t.loop.live.Add(-1)
		t.yield <- struct{}{}
	}()
	fn(t)
}

// Name returns the label given at spawn time.
func (t *Task) Name() string { return t.name }

// Loop returns the loop the task runs on.
func (t *Task) Loop() *Loop { return t.loop }

// Spawn starts a sibling task on the same loop.
func (t *Task) Spawn(name string, fn func(*Task)) *Task {
	return t.loop.Spawn(name, fn)
}

// await submits t.op and suspends until the reactor resumes the task. A full
// submission queue yields reactor.ResultQueueFull right away instead of
// leaving the task suspended forever.
func (t *Task) await() int {
	t.op.Cont = t
	if !t.loop.r.Submit(&t.op) {
		t.op.Result = reactor.ResultQueueFull
		t.op.Err = reactor.ErrQueueFull
		return t.op.Result
	}
	t.yield <- struct{}{}
	<-t.resume
	return t.op.Result
}

// Err returns the error attached to the last completed operation, if any.
func (t *Task) Err() error { return t.op.Err }

// Read reads into buf. It returns the byte count, 0 at end of stream or a
// negative code on failure.
func (t *Task) Read(h reactor.Handle, buf []byte) int {
	t.op = reactor.Op{Kind: reactor.OpRead, Handle: h, Buf: buf, Len: len(buf)}
	return t.await()
}

// Write writes buf and returns the number of bytes accepted by the
// transport, which may be short.
func (t *Task) Write(h reactor.Handle, buf []byte) int {
	t.op = reactor.Op{Kind: reactor.OpWrite, Handle: h, Buf: buf, Len: len(buf)}
	return t.await()
}

// Accept waits for a connection on listener h and returns its handle.
func (t *Task) Accept(h reactor.Handle) (reactor.Handle, net.Addr, int) {
	t.op = reactor.Op{Kind: reactor.OpAccept, Handle: h}
	res := t.await()
	if res <= 0 {
		return reactor.InvalidHandle, nil, res
	}
	return reactor.Handle(res), t.op.Peer, res
}

// SendFile transfers n bytes of f starting at off to connection h.
func (t *Task) SendFile(h reactor.Handle, f *os.File, off int64, n int) int {
	t.op = reactor.Op{Kind: reactor.OpSendFile, Handle: h, File: f, Offset: off, Len: n}
	return t.await()
}

// RecvFrom reads one datagram from h into buf.
func (t *Task) RecvFrom(h reactor.Handle, buf []byte) (int, net.Addr) {
	t.op = reactor.Op{Kind: reactor.OpRecvFrom, Handle: h, Buf: buf, Len: len(buf)}
	res := t.await()
	return res, t.op.Peer
}

// Close closes handle h. It does not suspend.
func (t *Task) Close(h reactor.Handle) error {
	return t.loop.r.Close(h)
}
