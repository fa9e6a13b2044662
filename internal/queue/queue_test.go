package queue_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"testing/synctest"
	"time"

	"github.com/chinmina/regtoken/internal/queue"
	"github.com/chinmina/regtoken/internal/remote"
	"github.com/chinmina/regtoken/internal/token"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func request(action remote.Action, scope string) remote.Request {
	return remote.Request{
		Action: action,
		Key:    token.Key{AuthorizedEntity: "sender", Scope: scope},
	}
}

func TestQueue_ExecutesInOrderOneAtATime(t *testing.T) {
	var (
		mu       sync.Mutex
		order    []string
		active   atomic.Int32
		maxSeen  atomic.Int32
		scopes   = []string{"a", "b", "c", "d", "e", "f", "g", "h"}
		pendings []*queue.Pending
	)

	q := queue.New(remote.OperatorFunc(func(ctx context.Context, req remote.Request) (string, error) {
		n := active.Add(1)
		defer active.Add(-1)
		if n > maxSeen.Load() {
			maxSeen.Store(n)
		}

		time.Sleep(time.Millisecond)

		mu.Lock()
		order = append(order, req.Key.Scope)
		mu.Unlock()

		return "tok-" + req.Key.Scope, nil
	}))
	defer q.Stop()

	for _, s := range scopes {
		pendings = append(pendings, q.Submit(context.Background(), queue.Operation{Request: request(remote.Fetch, s)}))
	}

	for i, p := range pendings {
		result, err := p.Wait(context.Background())
		require.NoError(t, err)
		assert.NoError(t, result.Err)
		assert.Equal(t, remote.Fetch, result.Action)
		assert.Equal(t, "tok-"+scopes[i], result.Token)
	}

	assert.Equal(t, scopes, order)
	assert.Equal(t, int32(1), maxSeen.Load())
}

func TestQueue_FetchThenDeleteDoNotInterleave(t *testing.T) {
	var (
		mu     sync.Mutex
		events []string
	)
	record := func(e string) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	}

	q := queue.New(remote.OperatorFunc(func(ctx context.Context, req remote.Request) (string, error) {
		record(req.Action.String() + ":start")
		time.Sleep(5 * time.Millisecond)
		record(req.Action.String() + ":end")
		return "", nil
	}))
	defer q.Stop()

	fetch := q.Submit(context.Background(), queue.Operation{Request: request(remote.Fetch, "fcm")})
	del := q.Submit(context.Background(), queue.Operation{Request: request(remote.Delete, "fcm")})

	_, err := fetch.Wait(context.Background())
	require.NoError(t, err)
	_, err = del.Wait(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"fetch:start", "fetch:end", "delete:start", "delete:end"}, events)
}

func TestQueue_HooksRunAroundExchange(t *testing.T) {
	var calls []string

	q := queue.New(remote.OperatorFunc(func(ctx context.Context, req remote.Request) (string, error) {
		calls = append(calls, "perform")
		return "T1", nil
	}))
	defer q.Stop()

	p := q.Submit(context.Background(), queue.Operation{
		Request: request(remote.Fetch, "fcm"),
		OnStart: func(ctx context.Context) {
			calls = append(calls, "start")
		},
		OnComplete: func(ctx context.Context, result queue.Result) {
			calls = append(calls, "complete:"+result.Token)
		},
	})

	result, err := p.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "T1", result.Token)
	assert.Equal(t, []string{"start", "perform", "complete:T1"}, calls)
}

func TestQueue_OperationErrorPassesThrough(t *testing.T) {
	opErr := token.OperationError{Reason: "QUOTA_EXCEEDED"}

	q := queue.New(remote.OperatorFunc(func(ctx context.Context, req remote.Request) (string, error) {
		return "", opErr
	}))
	defer q.Stop()

	result, err := q.Submit(context.Background(), queue.Operation{Request: request(remote.Fetch, "fcm")}).Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, opErr, result.Err)
}

func TestQueue_StopCancelsInFlightAndPendingExactlyOnce(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		var performed atomic.Int32

		q := queue.New(remote.OperatorFunc(func(ctx context.Context, req remote.Request) (string, error) {
			performed.Add(1)
			<-ctx.Done()
			return "", ctx.Err()
		}))

		var completions [3]atomic.Int32
		pendings := make([]*queue.Pending, 3)
		for i := range pendings {
			pendings[i] = q.Submit(context.Background(), queue.Operation{
				Request: request(remote.Fetch, "fcm"),
				OnComplete: func(ctx context.Context, result queue.Result) {
					completions[i].Add(1)
				},
			})
		}

		// worker is now blocked in the first exchange
		synctest.Wait()
		assert.Equal(t, int32(1), performed.Load())
		assert.Equal(t, 2, q.Len())

		q.Stop()
		q.Stop()

		for i, p := range pendings {
			result, err := p.Wait(context.Background())
			require.NoError(t, err)
			assert.ErrorIs(t, result.Err, token.ErrCancelled, "operation %d", i)
			assert.Equal(t, int32(1), completions[i].Load(), "operation %d", i)
		}

		assert.Equal(t, int32(1), performed.Load(), "pending operations never reach the operator")
	})
}

func TestQueue_SubmitAfterStop(t *testing.T) {
	q := queue.New(remote.OperatorFunc(func(ctx context.Context, req remote.Request) (string, error) {
		t.Fatal("operator must not be called after stop")
		return "", nil
	}))
	q.Stop()

	var completed int
	p := q.Submit(context.Background(), queue.Operation{
		Request: request(remote.Delete, "fcm"),
		OnComplete: func(ctx context.Context, result queue.Result) {
			completed++
		},
	})

	select {
	case <-p.Done():
	default:
		t.Fatal("operation should be complete")
	}

	result, err := p.Wait(context.Background())
	require.NoError(t, err)
	assert.ErrorIs(t, result.Err, token.ErrCancelled)
	assert.Equal(t, remote.Delete, result.Action)
	assert.Equal(t, 1, completed)
}

func TestQueue_AbandonedWaitStillCompletes(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		release := make(chan struct{})
		q := queue.New(remote.OperatorFunc(func(ctx context.Context, req remote.Request) (string, error) {
			<-release
			return "T1", nil
		}))
		defer q.Stop()

		var stored string
		p := q.Submit(context.Background(), queue.Operation{
			Request: request(remote.Fetch, "fcm"),
			OnComplete: func(ctx context.Context, result queue.Result) {
				stored = result.Token
			},
		})

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		_, err := p.Wait(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)

		close(release)
		<-p.Done()
		assert.Equal(t, "T1", stored)
	})
}

func TestQueue_CallerCancellationDoesNotCancelOperation(t *testing.T) {
	q := queue.New(remote.OperatorFunc(func(ctx context.Context, req remote.Request) (string, error) {
		return "T1", ctx.Err()
	}))
	defer q.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := q.Submit(ctx, queue.Operation{Request: request(remote.Fetch, "fcm")}).Wait(context.Background())
	require.NoError(t, err)
	assert.NoError(t, result.Err)
	assert.Equal(t, "T1", result.Token)
}

func TestQueue_RecoversFromPanic(t *testing.T) {
	calls := 0
	q := queue.New(remote.OperatorFunc(func(ctx context.Context, req remote.Request) (string, error) {
		calls++
		if calls == 1 {
			panic("boom")
		}
		return "T2", nil
	}))
	defer q.Stop()

	first, err := q.Submit(context.Background(), queue.Operation{Request: request(remote.Fetch, "a")}).Wait(context.Background())
	require.NoError(t, err)
	assert.ErrorIs(t, first.Err, token.ErrNetworkOperationFailed)
	assert.ErrorContains(t, first.Err, "boom")

	second, err := q.Submit(context.Background(), queue.Operation{Request: request(remote.Fetch, "b")}).Wait(context.Background())
	require.NoError(t, err)
	assert.NoError(t, second.Err)
	assert.Equal(t, "T2", second.Token)

	assert.False(t, errors.Is(second.Err, token.ErrCancelled))
}
