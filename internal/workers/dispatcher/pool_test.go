package dispatcher

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPool_RunsJobsAndReturnsErrors(t *testing.T) {
	p := New(4, 8, zap.NewNop())
	defer p.Stop()

	boom := errors.New("boom")
	var ran atomic.Int32
	var results []<-chan error
	for i := 0; i < 20; i++ {
		i := i
		results = append(results, p.Submit(context.Background(), func(context.Context) error {
			ran.Add(1)
			if i%5 == 0 {
				return boom
			}
			return nil
		}))
	}

	failures := 0
	for _, r := range results {
		if err := <-r; err != nil {
			assert.ErrorIs(t, err, boom)
			failures++
		}
	}
	assert.Equal(t, int32(20), ran.Load())
	assert.Equal(t, 4, failures)
}

func TestPool_RunsConcurrently(t *testing.T) {
	p := New(3, 3, zap.NewNop())
	defer p.Stop()

	var (
		mu      sync.Mutex
		active  int
		maxSeen int
	)
	release := make(chan struct{})
	var results []<-chan error
	for i := 0; i < 3; i++ {
		results = append(results, p.Submit(context.Background(), func(context.Context) error {
			mu.Lock()
			active++
			if active > maxSeen {
				maxSeen = active
			}
			mu.Unlock()
			<-release
			mu.Lock()
			active--
			mu.Unlock()
			return nil
		}))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return maxSeen == 3
	}, time.Second, 5*time.Millisecond)
	close(release)
	for _, r := range results {
		assert.NoError(t, <-r)
	}
}

func TestPool_RecoversPanics(t *testing.T) {
	p := New(1, 1, zap.NewNop())
	defer p.Stop()

	err := p.Do(context.Background(), func(context.Context) error { panic("bad job") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad job")

	assert.NoError(t, p.Do(context.Background(), func(context.Context) error { return nil }))
}

func TestPool_SubmitHonoursContextWhenFull(t *testing.T) {
	p := New(1, 0, zap.NewNop())
	defer p.Stop()

	block := make(chan struct{})
	first := p.Submit(context.Background(), func(context.Context) error { <-block; return nil })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := <-p.Submit(ctx, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(block)
	assert.NoError(t, <-first)
}

func TestPool_TrySubmitReportsFullQueue(t *testing.T) {
	p := New(1, 1, zap.NewNop())
	defer p.Stop()

	block := make(chan struct{})
	started := make(chan struct{})
	running := p.Submit(context.Background(), func(context.Context) error { close(started); <-block; return nil })
	<-started

	queued, err := p.TrySubmit(context.Background(), func(context.Context) error { return nil })
	require.NoError(t, err)
	_, err = p.TrySubmit(context.Background(), func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrQueueFull)

	close(block)
	assert.NoError(t, <-running)
	assert.NoError(t, <-queued)
}

func TestPool_StopDrainsAndRejects(t *testing.T) {
	p := New(2, 10, zap.NewNop())

	var ran atomic.Int32
	var results []<-chan error
	for i := 0; i < 10; i++ {
		results = append(results, p.Submit(context.Background(), func(context.Context) error {
			time.Sleep(time.Millisecond)
			ran.Add(1)
			return nil
		}))
	}
	p.Stop()
	assert.Equal(t, int32(10), ran.Load())
	for _, r := range results {
		assert.NoError(t, <-r)
	}

	assert.ErrorIs(t, <-p.Submit(context.Background(), func(context.Context) error { return nil }), ErrPoolClosed)
	p.Stop()
}
