package workerpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/devrev/pairdb/distcache/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestWorkerPool_SameKeyRunsInOrder(t *testing.T) {
	pool := NewWorkerPool(&Config{Name: "test", MaxWorkers: 4, QueueSize: 64, Logger: zap.NewNop()})
	defer pool.Stop(time.Second)

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	for i := 0; i < 50; i++ {
		i := i
		wg.Add(1)
		require.NoError(t, pool.Submit(Task{Key: 7, Fn: func(context.Context) error {
			defer wg.Done()
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		}}))
	}
	wg.Wait()

	for i := range order {
		assert.Equal(t, i, order[i])
	}
}

func TestWorkerPool_RecoversPanicsAndCountsFailures(t *testing.T) {
	pool := NewWorkerPool(&Config{Name: "test", MaxWorkers: 1, QueueSize: 4})
	defer pool.Stop(time.Second)

	var ran atomic.Int32
	require.NoError(t, pool.Submit(Task{Fn: func(context.Context) error { panic("boom") }}))
	require.NoError(t, pool.Submit(Task{Fn: func(context.Context) error { return errors.New("failed") }}))
	require.NoError(t, pool.Submit(Task{Fn: func(context.Context) error { ran.Add(1); return nil }}))

	require.Eventually(t, func() bool {
		s := pool.Stats()
		return s.CompletedTasks == 1 && s.FailedTasks == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), ran.Load())
}

func TestWorkerPool_RejectsWhenFullOrStopped(t *testing.T) {
	pool := NewWorkerPool(&Config{Name: "test", MaxWorkers: 1, QueueSize: 1})

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, pool.Submit(Task{Fn: func(context.Context) error {
		close(started)
		<-release
		return nil
	}}))
	<-started

	require.NoError(t, pool.Submit(Task{Fn: func(context.Context) error { return nil }}))
	assert.Error(t, pool.Submit(Task{Fn: func(context.Context) error { return nil }}), "lane is full")
	assert.Equal(t, 1, pool.Stats().BusyLanes)

	close(release)
	require.NoError(t, pool.Stop(time.Second))
	assert.Error(t, pool.Submit(Task{Fn: func(context.Context) error { return nil }}))
	assert.Equal(t, uint64(2), pool.Stats().RejectedTasks)
}

func TestWorkerPool_StopCancelsRunningTask(t *testing.T) {
	pool := NewWorkerPool(&Config{Name: "test", MaxWorkers: 1, QueueSize: 1})

	started := make(chan struct{})
	cancelled := make(chan struct{})
	require.NoError(t, pool.Submit(Task{Fn: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	}}))
	<-started

	require.NoError(t, pool.Stop(time.Second))
	select {
	case <-cancelled:
	default:
		t.Fatal("running task was not cancelled")
	}
}

func TestWorkerPool_RecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	pool := NewWorkerPool(&Config{Name: "drain", MaxWorkers: 1, QueueSize: 4, Metrics: metrics.NewMetrics("a", reg)})
	defer pool.Stop(time.Second)

	require.NoError(t, pool.Submit(Task{Fn: func(context.Context) error { return nil }}))
	require.NoError(t, pool.Submit(Task{Fn: func(context.Context) error { return errors.New("failed") }}))

	require.Eventually(t, func() bool {
		s := pool.Stats()
		return s.CompletedTasks == 1 && s.FailedTasks == 1
	}, time.Second, 5*time.Millisecond)

	families, err := reg.Gather()
	require.NoError(t, err)
	found := false
	for _, f := range families {
		if f.GetName() == "distcache_workers_tasks_total" {
			found = true
			assert.Len(t, f.GetMetric(), 2)
		}
	}
	assert.True(t, found)
}
