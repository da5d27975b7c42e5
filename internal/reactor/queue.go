package reactor

import (
	"context"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	opsSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dk_reactor_ops_submitted_total",
			Help: "Operations accepted by the reactor submission queue",
		},
		[]string{"backend", "kind"},
	)

	opsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dk_reactor_ops_dropped_total",
			Help: "Operations rejected because the submission queue was full",
		},
		[]string{"backend", "kind"},
	)

	opsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dk_reactor_ops_completed_total",
			Help: "Completions harvested from the reactor",
		},
		[]string{"backend", "kind"},
	)
)

// completionQueue bounds the number of in-flight operations and carries
// finished ones to the harvest loop. The channel capacity equals the depth,
// so posting a completion never blocks.
type completionQueue struct {
	backend  string
	depth    int64
	inflight atomic.Int64
	done     chan *Op
}

func newCompletionQueue(backend string, depth int) *completionQueue {
	return &completionQueue{
		backend: backend,
		depth:   int64(depth),
		done:    make(chan *Op, depth),
	}
}

// reserve claims one submission slot.
func (q *completionQueue) reserve(op *Op) bool {
	if q.inflight.Add(1) > q.depth {
		q.inflight.Add(-1)
		opsDropped.WithLabelValues(q.backend, op.Kind.String()).Inc()
		return false
	}
	opsSubmitted.WithLabelValues(q.backend, op.Kind.String()).Inc()
	return true
}

// post records the outcome of op and hands it to the harvest loop.
func (q *completionQueue) post(op *Op, result int, err error) {
	op.Result = result
	op.Err = err
	q.done <- op
}

func (q *completionQueue) harvest(ctx context.Context, wait bool) (int, error) {
	var op *Op
	if wait {
		select {
		case op = <-q.done:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	} else {
		select {
		case op = <-q.done:
		default:
			return 0, nil
		}
	}
	q.inflight.Add(-1)
	opsCompleted.WithLabelValues(q.backend, op.Kind.String()).Inc()
	if op.Cont != nil {
		op.Cont.Resume()
	}
	return 1, nil
}

// ioResult converts a (n, err) pair from the net package into a result code.
func ioResult(n int, err error) int {
	if n > 0 {
		return n
	}
	if err == nil || isEOF(err) {
		return 0
	}
	return ResultError
}
