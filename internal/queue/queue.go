// Package queue runs registration exchanges one at a time, in submission
// order. Serializing the exchanges means a delete submitted after a fetch for
// the same key always observes the fetch's effect.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chinmina/regtoken/internal/remote"
	"github.com/chinmina/regtoken/internal/token"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Result is the outcome of an operation.
type Result struct {
	Action remote.Action
	Token  string
	Err    error
}

// Operation is a unit of work for the queue.
type Operation struct {
	Request remote.Request

	// OnStart, if set, runs on the worker immediately before the exchange.
	OnStart func(ctx context.Context)

	// OnComplete, if set, runs exactly once with the result, before any
	// waiter is released. It runs on the worker, except for operations
	// cancelled by Stop.
	OnComplete func(ctx context.Context, result Result)
}

// Pending tracks a submitted operation.
type Pending struct {
	op  Operation
	ctx context.Context

	once   sync.Once
	done   chan struct{}
	result Result
}

// Done is closed when the operation has completed.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the operation completes and returns its result. If ctx
// ends first, ctx.Err() is returned; the operation itself is unaffected and
// still completes.
func (p *Pending) Wait(ctx context.Context) (Result, error) {
	select {
	case <-p.done:
		return p.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (p *Pending) complete(ctx context.Context, result Result) bool {
	completed := false
	p.once.Do(func() {
		completed = true
		p.result = result
		defer close(p.done)

		if p.op.OnComplete != nil {
			p.op.OnComplete(ctx, result)
		}
	})
	return completed
}

func (p *Pending) cancel() {
	p.complete(p.ctx, Result{Action: p.op.Request.Action, Err: token.ErrCancelled})
}

// Queue executes operations against an Operator with a single worker.
type Queue struct {
	operator remote.Operator

	mu             sync.Mutex
	pending        []*Pending
	inFlight       *Pending
	cancelInFlight context.CancelFunc
	stopped        bool

	wake     chan struct{}
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	depth metric.Registration
}

// New creates a queue and starts its worker.
func New(operator remote.Operator) *Queue {
	initMetrics()

	q := &Queue{
		operator: operator,
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	q.depth = observeDepth(q)

	go q.run()

	return q
}

// Submit enqueues op. The operation runs with the values of ctx, but it is
// not cancelled when ctx is: only Stop cancels queued operations. After Stop,
// the returned operation is already complete with token.ErrCancelled.
func (q *Queue) Submit(ctx context.Context, op Operation) *Pending {
	p := &Pending{
		op:   op,
		ctx:  context.WithoutCancel(ctx),
		done: make(chan struct{}),
	}

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		recordOperation(ctx, op.Request.Action, "cancelled")
		p.cancel()
		return p
	}
	q.pending = append(q.pending, p)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}

	return p
}

// Len returns the number of operations waiting to start.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.pending)
}

// Stop cancels the in-flight operation and every pending operation, each
// completing with token.ErrCancelled, then waits for the worker to exit.
// Stop may be called more than once.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() {
		q.mu.Lock()
		q.stopped = true
		inFlight, cancelInFlight := q.inFlight, q.cancelInFlight
		pending := q.pending
		q.pending = nil
		q.mu.Unlock()

		close(q.stop)

		if q.depth != nil {
			if err := q.depth.Unregister(); err != nil {
				otel.Handle(err)
			}
		}

		if cancelInFlight != nil {
			cancelInFlight()
		}
		if inFlight != nil {
			inFlight.cancel()
		}
		for _, p := range pending {
			recordOperation(p.ctx, p.op.Request.Action, "cancelled")
			p.cancel()
		}

		log.Info().
			Bool("in_flight", inFlight != nil).
			Int("pending", len(pending)).
			Msg("operation queue stopped")
	})

	<-q.done
}

func (q *Queue) run() {
	defer close(q.done)

	for {
		p, ctx, ok := q.next()
		if !ok {
			return
		}

		q.execute(ctx, p)

		q.mu.Lock()
		q.inFlight = nil
		if q.cancelInFlight != nil {
			q.cancelInFlight()
			q.cancelInFlight = nil
		}
		q.mu.Unlock()
	}
}

// next blocks until an operation is available or the queue is stopped. The
// dequeued operation is marked in flight under the same lock, so Stop sees
// every operation either as pending or in flight.
func (q *Queue) next() (*Pending, context.Context, bool) {
	for {
		q.mu.Lock()
		if q.stopped {
			q.mu.Unlock()
			return nil, nil, false
		}

		if len(q.pending) > 0 {
			p := q.pending[0]
			q.pending[0] = nil
			q.pending = q.pending[1:]

			ctx, cancel := context.WithCancel(p.ctx)
			q.inFlight = p
			q.cancelInFlight = cancel
			q.mu.Unlock()

			return p, ctx, true
		}
		q.mu.Unlock()

		select {
		case <-q.wake:
		case <-q.stop:
		}
	}
}

func (q *Queue) execute(ctx context.Context, p *Pending) {
	action := p.op.Request.Action

	tracer := otel.Tracer("github.com/chinmina/regtoken/internal/queue")
	ctx, span := tracer.Start(ctx, "registration_"+action.String(),
		trace.WithAttributes(
			attribute.String("registration.action", action.String()),
			attribute.String("registration.entity", p.op.Request.Key.AuthorizedEntity),
			attribute.String("registration.scope", p.op.Request.Key.Scope),
		),
	)
	defer span.End()

	result := Result{Action: action}
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic during registration %s: %v", action, r)
			span.RecordError(err)
			span.SetStatus(codes.Error, "registration operation panicked")
			log.Warn().Interface("panic", r).Stringer("action", action).Msg("registration operation panicked, recovered")

			result.Err = token.OperationError{Reason: "internal failure", Cause: err}
			q.finish(ctx, p, result, start)
		}
	}()

	if p.op.OnStart != nil {
		p.op.OnStart(ctx)
	}

	result.Token, result.Err = q.operator.Perform(ctx, p.op.Request)

	if result.Err != nil {
		span.RecordError(result.Err)
		span.SetStatus(codes.Error, "registration operation failed")
	} else {
		span.SetStatus(codes.Ok, "registration operation complete")
	}

	q.finish(ctx, p, result, start)
}

func (q *Queue) finish(ctx context.Context, p *Pending, result Result, start time.Time) {
	if !p.complete(ctx, result) {
		// already cancelled by Stop
		return
	}

	status := "success"
	if result.Err != nil {
		status = "error"
	}
	recordOperation(ctx, result.Action, status)
	recordDuration(ctx, result.Action, status, time.Since(start))
}
