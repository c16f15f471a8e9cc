package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/suitegraph/metrics"
)

func TestScheduler_NeverExceedsLimit(t *testing.T) {
	s := New(3)

	var active, peak, done int32
	for i := 0; i < 10; i++ {
		err := s.Submit(context.Background(), func(ctx context.Context) error {
			n := atomic.AddInt32(&active, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&active, -1)
			atomic.AddInt32(&done, 1)
			return nil
		})
		require.NoError(t, err)
	}

	require.NoError(t, s.Wait(context.Background()))
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(3))
	assert.Equal(t, int32(10), atomic.LoadInt32(&done))

	st := s.Stats()
	assert.Equal(t, 10, st.Submitted)
	assert.Equal(t, 10, st.Completed)
	assert.LessOrEqual(t, st.PeakActive, 3)
	assert.Zero(t, st.Active)
	assert.Zero(t, st.Queued)
}

func TestScheduler_StartsInSubmissionOrder(t *testing.T) {
	s := New(1)

	var mu sync.Mutex
	var order []int
	for i := 0; i < 5; i++ {
		i := i
		require.NoError(t, s.Submit(context.Background(), func(ctx context.Context) error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		}))
	}

	require.NoError(t, s.Wait(context.Background()))
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestScheduler_FailuresDoNotStopOthers(t *testing.T) {
	s := New(2)
	boom := errors.New("boom")

	var ran int32
	for i := 0; i < 6; i++ {
		i := i
		require.NoError(t, s.Submit(context.Background(), func(ctx context.Context) error {
			atomic.AddInt32(&ran, 1)
			if i%2 == 0 {
				return boom
			}
			return nil
		}))
	}

	err := s.Wait(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTasksFailed)
	assert.ErrorIs(t, err, boom)

	var taskErr *TaskError
	require.ErrorAs(t, err, &taskErr)
	assert.Len(t, taskErr.Errors, 3)
	assert.Equal(t, int32(6), atomic.LoadInt32(&ran))
	assert.Equal(t, 3, s.Stats().Failed)
}

func TestScheduler_PanicIsReportedAsFailure(t *testing.T) {
	s := New(Unbounded)
	require.NoError(t, s.Submit(context.Background(), func(ctx context.Context) error {
		panic("kaboom")
	}))

	err := s.Wait(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestScheduler_CancelAll(t *testing.T) {
	s := New(1)

	started := make(chan struct{})
	require.NoError(t, s.Submit(context.Background(), func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}))

	var queuedRan int32
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Submit(context.Background(), func(ctx context.Context) error {
			atomic.AddInt32(&queuedRan, 1)
			return nil
		}))
	}

	<-started
	s.CancelAll()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, atomic.LoadInt32(&queuedRan))
	assert.Equal(t, 3, s.Stats().Discarded)
}

func TestScheduler_WaitHonoursContext(t *testing.T) {
	s := New(1)
	release := make(chan struct{})
	defer close(release)

	require.NoError(t, s.Submit(context.Background(), func(ctx context.Context) error {
		<-release
		return nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Wait(ctx), context.DeadlineExceeded)
}

func TestScheduler_WaitWithNothingSubmitted(t *testing.T) {
	assert.NoError(t, New(2).Wait(context.Background()))
}

func TestScheduler_NilTask(t *testing.T) {
	assert.ErrorIs(t, New(1).Submit(context.Background(), nil), ErrNilTask)
}

func TestScheduler_PublishesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := New(1, WithMetrics(metrics.NewPrometheusMetrics(reg)))

	release := make(chan struct{})
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Submit(context.Background(), func(ctx context.Context) error {
			<-release
			return nil
		}))
	}

	assert.Equal(t, 1.0, gauge(t, reg, "suitegraph_scheduler_active_tasks"))
	assert.Equal(t, 2.0, gauge(t, reg, "suitegraph_scheduler_queued_tasks"))

	close(release)
	require.NoError(t, s.Wait(context.Background()))
	assert.Equal(t, 0.0, gauge(t, reg, "suitegraph_scheduler_active_tasks"))
	assert.Equal(t, 0.0, gauge(t, reg, "suitegraph_scheduler_queued_tasks"))
}

func gauge(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			require.Len(t, mf.GetMetric(), 1)
			return mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	t.Fatalf("metric %s not registered", name)
	return 0
}

func TestRun(t *testing.T) {
	var n int32
	tasks := make([]Task, 4)
	for i := range tasks {
		tasks[i] = func(ctx context.Context) error {
			atomic.AddInt32(&n, 1)
			return nil
		}
	}

	require.NoError(t, Run(context.Background(), 2, tasks...))
	assert.Equal(t, int32(4), atomic.LoadInt32(&n))
}

func TestRun_CancelledContextCancelsTasks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})

	go func() {
		<-started
		cancel()
	}()

	err := Run(ctx, 1,
		func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		},
		func(ctx context.Context) error {
			t.Error("queued task should have been discarded")
			return nil
		},
	)
	assert.ErrorIs(t, err, context.Canceled)
}
