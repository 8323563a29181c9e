package workerpool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPool_RunsTasksInOrderWithOneWorker(t *testing.T) {
	p := New(Config{Name: "test", MaxWorkers: 1, QueueSize: 16, Logger: zap.NewNop()})

	var mu sync.Mutex
	var order []int
	for i := 0; i < 10; i++ {
		i := i
		require.True(t, p.TrySubmit(Task{ID: "t", Fn: func(context.Context) error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		}}))
	}

	require.NoError(t, p.Stop(time.Second))
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, order)

	stats := p.Stats()
	assert.Equal(t, uint64(10), stats.Submitted)
	assert.Equal(t, uint64(10), stats.Completed)
	assert.Zero(t, stats.Failed)
}

func TestPool_TrySubmitRejectsWhenFull(t *testing.T) {
	p := New(Config{Name: "test", MaxWorkers: 1, QueueSize: 1, Logger: zap.NewNop()})

	release := make(chan struct{})
	started := make(chan struct{})
	require.True(t, p.TrySubmit(Task{ID: "block", Fn: func(context.Context) error {
		close(started)
		<-release
		return nil
	}}))
	<-started

	assert.True(t, p.TrySubmit(Task{ID: "queued", Fn: func(context.Context) error { return nil }}))
	assert.False(t, p.TrySubmit(Task{ID: "overflow", Fn: func(context.Context) error { return nil }}))
	assert.Equal(t, uint64(1), p.Stats().Rejected)

	close(release)
	require.NoError(t, p.Stop(time.Second))
	assert.False(t, p.TrySubmit(Task{ID: "late", Fn: func(context.Context) error { return nil }}))
}

func TestPool_CountsFailuresAndPanics(t *testing.T) {
	p := New(Config{Name: "test", MaxWorkers: 2, QueueSize: 4})

	p.TrySubmit(Task{ID: "err", Fn: func(context.Context) error { return errors.New("boom") }})
	p.TrySubmit(Task{ID: "panic", Fn: func(context.Context) error { panic("boom") }})
	p.TrySubmit(Task{ID: "ok", Fn: func(context.Context) error { return nil }})

	require.NoError(t, p.Stop(time.Second))
	stats := p.Stats()
	assert.Equal(t, uint64(2), stats.Failed)
	assert.Equal(t, uint64(1), stats.Completed)
}

func TestPool_TaskTimeout(t *testing.T) {
	p := New(Config{Name: "test", MaxWorkers: 1, QueueSize: 1, TaskTimeout: 10 * time.Millisecond})

	p.TrySubmit(Task{ID: "slow", Fn: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})

	require.NoError(t, p.Stop(time.Second))
	assert.Equal(t, uint64(1), p.Stats().Failed)
}

func TestPool_StopTimeout(t *testing.T) {
	p := New(Config{Name: "test", MaxWorkers: 1, QueueSize: 1})

	release := make(chan struct{})
	defer close(release)
	p.TrySubmit(Task{ID: "stuck", Fn: func(context.Context) error {
		<-release
		return nil
	}})

	assert.Error(t, p.Stop(20*time.Millisecond))
}
