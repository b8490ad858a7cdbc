package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_CollectsAllResults(t *testing.T) {
	pool, err := New(Config{Workers: 4, QueueSize: 16, GracefulShutdownTimeout: time.Second}, func(_ context.Context, task *Task) *Result {
		return &Result{TaskID: task.ID, Success: true, Data: task.Payload}
	}, nil)
	require.NoError(t, err)
	pool.Start()
	defer pool.Stop()

	for i := 0; i < 10; i++ {
		require.NoError(t, pool.Submit(&Task{ID: fmt.Sprint(i), Payload: i}))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	results, err := pool.Collect(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, results, 10)
	assert.Equal(t, int64(10), pool.Stats().TasksCompleted)
}

func TestPool_RetriesOnlyRetryableErrors(t *testing.T) {
	fatal := errors.New("fatal")
	var calls int32
	pool, err := New(Config{
		Workers:                 1,
		QueueSize:               4,
		MaxRetries:              3,
		RetryDelay:              time.Millisecond,
		GracefulShutdownTimeout: time.Second,
		Retryable:               func(err error) bool { return !errors.Is(err, fatal) },
	}, func(_ context.Context, task *Task) *Result {
		atomic.AddInt32(&calls, 1)
		return &Result{TaskID: task.ID, Error: fatal}
	}, nil)
	require.NoError(t, err)
	pool.Start()
	defer pool.Stop()

	require.NoError(t, pool.Submit(&Task{ID: "a"}))
	results, err := pool.Collect(context.Background(), 1)
	require.NoError(t, err)
	assert.False(t, results[0].Success)
	assert.ErrorIs(t, results[0].Error, fatal)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}
