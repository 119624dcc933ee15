package ingest

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runQueue(t *testing.T, q *MemoryQueue) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = q.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestMemoryQueueProcessesJobs(t *testing.T) {
	q := NewMemoryQueue(QueueOptions{Workers: 2, MaxAttempts: 3, RetryBackoff: 10 * time.Millisecond})
	var seen atomic.Int32
	q.Handle("messenger", func(_ context.Context, job *Job) error {
		assert.JSONEq(t, `{"object":"page"}`, string(job.Payload))
		seen.Add(1)
		return nil
	})
	runQueue(t, q)

	require.NoError(t, q.Enqueue(NewJob("messenger", []byte(`{"object":"page"}`))))
	require.NoError(t, q.Enqueue(NewJob("messenger", []byte(`{"object":"page"}`))))

	assert.Eventually(t, func() bool { return seen.Load() == 2 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return q.Stats().Processed == 2 }, time.Second, 5*time.Millisecond)
}

func TestMemoryQueueRetriesThenSucceeds(t *testing.T) {
	q := NewMemoryQueue(QueueOptions{Workers: 1, MaxAttempts: 3, RetryBackoff: 5 * time.Millisecond})
	var calls atomic.Int32
	q.Handle("instagram", func(context.Context, *Job) error {
		if calls.Add(1) < 3 {
			return errors.New("database is locked")
		}
		return nil
	})
	runQueue(t, q)

	require.NoError(t, q.Enqueue(NewJob("instagram", []byte(`{}`))))
	assert.Eventually(t, func() bool { return q.Stats().Processed == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(3), calls.Load())
	assert.Empty(t, q.DeadLetters())
}

func TestMemoryQueueDeadLetterAndManualRetry(t *testing.T) {
	q := NewMemoryQueue(QueueOptions{Workers: 1, MaxAttempts: 2, RetryBackoff: 5 * time.Millisecond})
	var healthy atomic.Bool
	q.Handle("messenger", func(context.Context, *Job) error {
		if !healthy.Load() {
			return errors.New("store unavailable")
		}
		return nil
	})
	runQueue(t, q)

	job := NewJob("messenger", []byte(`{}`))
	require.NoError(t, q.Enqueue(job))

	assert.Eventually(t, func() bool { return len(q.DeadLetters()) == 1 }, 2*time.Second, 5*time.Millisecond)
	dead := q.DeadLetters()[0]
	assert.Equal(t, job.ID, dead.ID)
	assert.Equal(t, JobDead, dead.Status)
	assert.Equal(t, 2, dead.Attempts)
	assert.Equal(t, "store unavailable", dead.LastError)

	healthy.Store(true)
	require.NoError(t, q.Retry(job.ID))
	assert.Eventually(t, func() bool { return q.Stats().Processed == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, q.DeadLetters())

	assert.ErrorIs(t, q.Retry("missing"), ErrJobNotFound)
}

func TestMemoryQueueUnknownKindGoesStraightToDeadLetters(t *testing.T) {
	q := NewMemoryQueue(QueueOptions{Workers: 1, MaxAttempts: 5})
	runQueue(t, q)

	require.NoError(t, q.Enqueue(NewJob("telegram", []byte(`{}`))))
	assert.Eventually(t, func() bool { return q.Stats().Dead == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, q.DeadLetters()[0].Attempts)
}

func TestMemoryQueueRecoversHandlerPanic(t *testing.T) {
	q := NewMemoryQueue(QueueOptions{Workers: 1, MaxAttempts: 1})
	q.Handle("messenger", func(context.Context, *Job) error { panic("boom") })
	runQueue(t, q)

	require.NoError(t, q.Enqueue(NewJob("messenger", []byte(`{}`))))
	assert.Eventually(t, func() bool { return q.Stats().Dead == 1 }, time.Second, 5*time.Millisecond)
	assert.Contains(t, q.DeadLetters()[0].LastError, "boom")
}

func TestMemoryQueueFull(t *testing.T) {
	q := NewMemoryQueue(QueueOptions{Size: 1})
	require.NoError(t, q.Enqueue(NewJob("messenger", nil)))
	assert.Error(t, q.Enqueue(NewJob("messenger", nil)))
	assert.Equal(t, 1, q.Stats().Queued)
}
