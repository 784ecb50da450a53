package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ms-admission/internal/config"
	"ms-admission/internal/logger"
	"ms-admission/internal/models"
	"ms-admission/internal/payment/syncengine"
)

type countingReconciler struct {
	calls atomic.Int32
	err   error
}

func (c *countingReconciler) BulkReconcile(ctx context.Context) (*syncengine.BulkResult, error) {
	c.calls.Add(1)
	if c.err != nil {
		return nil, c.err
	}
	return &syncengine.BulkResult{Checked: 3, Updated: 1}, nil
}

type countingCleaner struct {
	calls atomic.Int32
}

func (c *countingCleaner) CleanupStale(ctx context.Context) (*models.CleanupResult, error) {
	c.calls.Add(1)
	return &models.CleanupResult{ExpiredOrders: 1}, nil
}

func TestScheduler_RunsJobs(t *testing.T) {
	rec, clean := &countingReconciler{}, &countingCleaner{}
	s, err := New(rec, clean, config.SchedulerConfig{
		ReconcileEvery: 20 * time.Millisecond,
		CleanupEvery:   20 * time.Millisecond,
		SchedulerTZ:    "UTC",
	}, logger.NewLoggerWithOutput(nil))
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Shutdown() })

	assert.Eventually(t, func() bool {
		return rec.calls.Load() >= 2 && clean.calls.Load() >= 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestScheduler_ZeroIntervalDisablesJob(t *testing.T) {
	rec, clean := &countingReconciler{}, &countingCleaner{}
	s, err := New(rec, clean, config.SchedulerConfig{CleanupEvery: 10 * time.Millisecond}, logger.NewLoggerWithOutput(nil))
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	assert.Eventually(t, func() bool { return clean.calls.Load() > 0 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, s.Shutdown())
	assert.Zero(t, rec.calls.Load())
}

func TestScheduler_BadTimezone(t *testing.T) {
	_, err := New(&countingReconciler{}, &countingCleaner{}, config.SchedulerConfig{SchedulerTZ: "Mars/Olympus"}, nil)
	assert.Error(t, err)
}

func TestRunReconcile_SurvivesErrors(t *testing.T) {
	rec := &countingReconciler{err: errors.New("redis down")}
	s, err := New(rec, &countingCleaner{}, config.SchedulerConfig{}, logger.NewLoggerWithOutput(nil))
	require.NoError(t, err)

	assert.NotPanics(t, func() { s.RunReconcile(context.Background()) })
	assert.Equal(t, int32(1), rec.calls.Load())
}
