package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPoolRunsSubmittedJobs(t *testing.T) {
	p := New(Options{Size: 2, QueueSize: 4})
	defer p.Close()

	var ran atomic.Int32
	for i := 0; i < 10; i++ {
		require.NoError(t, p.Submit(func(ctx context.Context) error {
			ran.Add(1)
			return nil
		}))
	}

	require.Eventually(t, func() bool { return ran.Load() == 10 }, time.Second, 5*time.Millisecond)
}

func TestSubmitAndWaitReturnsJobError(t *testing.T) {
	p := New(DefaultOptions())
	defer p.Close()

	boom := errBoom{}
	err := p.SubmitAndWait(func(ctx context.Context) error { return boom })
	require.ErrorIs(t, err, boom)
}

type errBoom struct{}

func (errBoom) Error() string { return "boom" }

func TestPoolRejectsSubmitAfterClose(t *testing.T) {
	p := New(Options{Size: 1, QueueSize: 1})
	require.NoError(t, p.Close())

	err := p.Submit(func(ctx context.Context) error { return nil })
	require.Error(t, err)
}

func TestPoolStatsReportsWorkerCount(t *testing.T) {
	p := New(Options{Size: 3, QueueSize: 3})
	defer p.Close()

	stats := p.Stats()
	require.Equal(t, 3, stats.TotalWorkers)
}
