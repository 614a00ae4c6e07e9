package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iamasit07/souqchat/internal/domain"
)

func TestPool_SameKeyRunsInOrder(t *testing.T) {
	p := New("test", 4, 100)

	var mu sync.Mutex
	var got []int
	for i := 0; i < 50; i++ {
		i := i
		require.NoError(t, p.Submit("conv-1", func(context.Context) {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		}))
	}
	require.NoError(t, p.Shutdown(context.Background()))

	require.Len(t, got, 50)
	for i := range got {
		assert.Equal(t, i, got[i])
	}
}

func TestPool_QueueFull(t *testing.T) {
	p := New("test", 1, 1)
	release := make(chan struct{})
	started := make(chan struct{})

	require.NoError(t, p.Submit("k", func(context.Context) {
		close(started)
		<-release
	}))
	<-started
	require.NoError(t, p.Submit("k", func(context.Context) {}))

	err := p.Submit("k", func(context.Context) {})
	assert.True(t, errors.Is(err, domain.ErrQueueFull))

	close(release)
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestPool_SubmitAfterShutdown(t *testing.T) {
	p := New("test", 2, 2)
	require.NoError(t, p.Shutdown(context.Background()))
	assert.ErrorIs(t, p.Submit("k", func(context.Context) {}), ErrPoolClosed)
	// second shutdown is a no-op
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestPool_ShutdownTimeoutCancelsJobs(t *testing.T) {
	p := New("test", 1, 1)
	cancelled := make(chan struct{})
	require.NoError(t, p.Submit("k", func(ctx context.Context) {
		<-ctx.Done()
		close(cancelled)
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("running job did not observe cancellation")
	}
}

func TestPool_PanicDoesNotKillWorker(t *testing.T) {
	p := New("test", 1, 4)
	ran := make(chan struct{})
	require.NoError(t, p.Submit("k", func(context.Context) { panic("boom") }))
	require.NoError(t, p.Submit("k", func(context.Context) { close(ran) }))

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("worker died after panic")
	}
	require.NoError(t, p.Shutdown(context.Background()))
}
