package coro

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Diogokranzz/HTTP-2/internal/reactor"
)

// fakeReactor queues submissions so tests decide completion order.
type fakeReactor struct {
	full      bool
	submitted []*reactor.Op
	done      chan *reactor.Op
}

func newFakeReactor() *fakeReactor {
	return &fakeReactor{done: make(chan *reactor.Op, 16)}
}

func (f *fakeReactor) Listen(string, string) (reactor.Handle, error) { return 1, nil }

func (f *fakeReactor) Submit(op *reactor.Op) bool {
	if f.full {
		return false
	}
	f.submitted = append(f.submitted, op)
	return true
}

func (f *fakeReactor) complete(i, result int) {
	op := f.submitted[i]
	op.Result = result
	f.done <- op
}

func (f *fakeReactor) ProcessCompletions(ctx context.Context, wait bool) (int, error) {
	var op *reactor.Op
	if wait {
		select {
		case op = <-f.done:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	} else {
		select {
		case op = <-f.done:
		default:
			return 0, nil
		}
	}
	op.Cont.Resume()
	return 1, nil
}

func (f *fakeReactor) Close(reactor.Handle) error      { return nil }
func (f *fakeReactor) Addr(reactor.Handle) net.Addr    { return nil }
func (f *fakeReactor) Shutdown(context.Context) error { return nil }

func TestTask_ResumesInCompletionOrder(t *testing.T) {
	defer leaktest.Check(t)()

	fr := newFakeReactor()
	loop := NewLoop(fr, zap.NewNop())

	var order []string
	results := make(map[string]int)
	for _, name := range []string{"a", "b"} {
		name := name
		loop.Spawn(name, func(task *Task) {
			results[name] = task.Read(7, make([]byte, 8))
			order = append(order, name)
		})
	}

	n, err := loop.RunOnce(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	require.Len(t, fr.submitted, 2)
	assert.Equal(t, reactor.OpRead, fr.submitted[0].Kind)
	assert.Equal(t, reactor.Handle(7), fr.submitted[0].Handle)

	fr.complete(1, 5)
	fr.complete(0, 3)
	for i := 0; i < 2; i++ {
		n, err = loop.RunOnce(context.Background(), true)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	}

	assert.Equal(t, []string{"b", "a"}, order)
	assert.Equal(t, 3, results["a"])
	assert.Equal(t, 5, results["b"])
	assert.Equal(t, 0, loop.Live())
}

func TestTask_QueueFullReturnsImmediately(t *testing.T) {
	defer leaktest.Check(t)()

	fr := newFakeReactor()
	fr.full = true
	loop := NewLoop(fr, nil)

	var got int
	var gotErr error
	loop.Spawn("writer", func(task *Task) {
		got = task.Write(3, []byte("x"))
		gotErr = task.Err()
	})
	_, err := loop.RunOnce(context.Background(), false)
	require.NoError(t, err)

	assert.Equal(t, reactor.ResultQueueFull, got)
	assert.ErrorIs(t, gotErr, reactor.ErrQueueFull)
	assert.Equal(t, 0, loop.Live())
}

func TestTask_PanicIsContained(t *testing.T) {
	defer leaktest.Check(t)()

	loop := NewLoop(newFakeReactor(), nil)
	loop.Spawn("boom", func(*Task) { panic("boom") })
	ran := false
	loop.Spawn("after", func(*Task) { ran = true })

	_, err := loop.RunOnce(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, 0, loop.Live())
}

func TestTask_SpawnFromTask(t *testing.T) {
	defer leaktest.Check(t)()

	fr := newFakeReactor()
	loop := NewLoop(fr, nil)

	var child string
	loop.Spawn("parent", func(task *Task) {
		h, _, res := task.Accept(1)
		if res <= 0 {
			return
		}
		task.Spawn("child", func(c *Task) {
			child = c.Name()
			_ = h
		})
	})

	_, err := loop.RunOnce(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, fr.submitted, 1)
	assert.Equal(t, reactor.OpAccept, fr.submitted[0].Kind)

	fr.complete(0, 42)
	_, err = loop.RunOnce(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, "child", child)
	assert.Equal(t, 0, loop.Live())
}

func TestLoop_RunStopsOnCancel(t *testing.T) {
	loop := NewLoop(newFakeReactor(), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.NoError(t, loop.Run(ctx))
}

func TestTask_EchoOverPortReactor(t *testing.T) {
	r, err := reactor.New(reactor.Config{Backend: "port", QueueDepth: 16})
	require.NoError(t, err)
	defer r.Shutdown(context.Background())

	lh, err := r.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	loop := NewLoop(r, nil)
	loop.Spawn("echo", func(task *Task) {
		h, _, res := task.Accept(lh)
		if res <= 0 {
			return
		}
		defer task.Close(h)
		buf := make([]byte, 64)
		n := task.Read(h, buf)
		if n <= 0 {
			return
		}
		task.Write(h, buf[:n])
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() { _ = loop.Run(ctx) }()

	c, err := net.Dial("tcp", r.Addr(lh).String())
	require.NoError(t, err)
	defer c.Close()
	_, err = c.Write([]byte("hello"))
	require.NoError(t, err)

	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	got := make([]byte, 5)
	_, err = c.Read(got)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
}

func TestLoop_DrainAfterShutdown(t *testing.T) {
	r, err := reactor.New(reactor.Config{Backend: "port", QueueDepth: 16})
	require.NoError(t, err)

	lh, err := r.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	loop := NewLoop(r, nil)
	var res int
	loop.Spawn("acceptor", func(task *Task) {
		_, _, res = task.Accept(lh)
	})
	_, err = loop.RunOnce(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, 1, loop.Live())

	require.NoError(t, r.Shutdown(context.Background()))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, loop.Drain(ctx))
	assert.Equal(t, 0, loop.Live())
	assert.Equal(t, reactor.ResultError, res)
}
