// Package coro runs connection routines as cooperative tasks on top of a
// reactor. Each task is a goroutine that only executes while the harvest loop
// has handed it the baton; at every I/O call it submits one operation, passes
// the baton back and sleeps until the reactor resumes it with the result.
// Handler bodies of different tasks therefore never run concurrently.
package coro

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Diogokranzz/HTTP-2/internal/reactor"
)

// Loop owns the harvest loop for one reactor.
type Loop struct {
	r      reactor.Reactor
	logger *zap.Logger

	mu    sync.Mutex
	ready []*Task
	live  atomic.Int64
}

// NewLoop creates a loop driving r.
func NewLoop(r reactor.Reactor, logger *zap.Logger) *Loop {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{r: r, logger: logger}
}

// Reactor returns the reactor the loop harvests.
func (l *Loop) Reactor() reactor.Reactor { return l.r }

// Spawn creates a task running fn. The task first runs on the next pass of
// the loop. Spawn may be called before Run or from inside a running task.
func (l *Loop) Spawn(name string, fn func(t *Task)) *Task {
	t := &Task{
		loop:   l,
		name:   name,
		resume: make(chan struct{}),
		yield:  make(chan struct{}),
	}
	l.live.Add(1)
	go t.run(fn)

	l.mu.Lock()
	l.ready = append(l.ready, t)
	l.mu.Unlock()
	return t
}

// Live returns the number of tasks that have not finished.
func (l *Loop) Live() int { return int(l.live.Load()) }

// Run alternates between starting spawned tasks and harvesting one completion
// until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	for {
		if _, err := l.RunOnce(ctx, true); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// Drain harvests completions until every task has returned or ctx ends. It
// is used after the reactor has been shut down, when every pending operation
// completes with a failure and its task unwinds.
func (l *Loop) Drain(ctx context.Context) error {
	for l.Live() > 0 {
		if _, err := l.RunOnce(ctx, true); err != nil {
			return err
		}
	}
	return nil
}

// RunOnce starts every spawned task and harvests at most one completion.
func (l *Loop) RunOnce(ctx context.Context, wait bool) (int, error) {
	l.startReady()
	n, err := l.r.ProcessCompletions(ctx, wait)
	if err != nil {
		return n, errors.Wrap(err, "process completions")
	}
	// Tasks spawned by the resumed continuation start before the next wait.
	l.startReady()
	return n, nil
}

func (l *Loop) startReady() {
	for {
		l.mu.Lock()
		if len(l.ready) == 0 {
			l.mu.Unlock()
			return
		}
		t := l.ready[0]
		l.ready = l.ready[1:]
		l.mu.Unlock()
		t.Resume()
	}
}
