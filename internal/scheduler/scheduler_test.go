package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunJobExecutesRunner(t *testing.T) {
	cfg := Config{Jobs: []Job{
		{Name: "snap", Type: JobBanditSnapshot, Interval: time.Hour, Enabled: true},
	}}
	s := New(cfg, zerolog.Nop())

	var calls int32
	s.Register(JobBanditSnapshot, func(context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})

	res, err := s.RunJob(context.Background(), "snap")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	status := s.GetStatus()
	assert.Equal(t, 1, status.EnabledJobs)
	assert.True(t, status.LastResults["snap"].Success)
}

func TestRunJobRecordsFailure(t *testing.T) {
	cfg := Config{Jobs: []Job{
		{Name: "drift", Type: JobDriftMonitor, Interval: time.Hour, Enabled: true},
	}}
	s := New(cfg, zerolog.Nop())
	s.Register(JobDriftMonitor, func(context.Context) error {
		return errors.New("store offline")
	})

	res, err := s.RunJob(context.Background(), "drift")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "store offline")
}

func TestRunJobUnknownName(t *testing.T) {
	s := New(DefaultConfig(), zerolog.Nop())
	_, err := s.RunJob(context.Background(), "nope")
	assert.Error(t, err)

	// Known job, no runner bound.
	_, err = s.RunJob(context.Background(), "nightly-retrain")
	assert.Error(t, err)
}

func TestStartRunsOnInterval(t *testing.T) {
	cfg := Config{Jobs: []Job{
		{Name: "fast", Type: JobCacheSweep, Interval: 10 * time.Millisecond, Enabled: true},
		{Name: "off", Type: JobRetrainSweep, Interval: 10 * time.Millisecond, Enabled: false},
	}}
	s := New(cfg, zerolog.Nop())

	var sweeps int32
	s.Register(JobCacheSweep, func(context.Context) error {
		atomic.AddInt32(&sweeps, 1)
		return nil
	})
	var retrains int32
	s.Register(JobRetrainSweep, func(context.Context) error {
		atomic.AddInt32(&retrains, 1)
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()
	err := s.Start(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	assert.GreaterOrEqual(t, atomic.LoadInt32(&sweeps), int32(3))
	assert.Equal(t, int32(0), atomic.LoadInt32(&retrains), "disabled jobs never run")
}

func TestDefaultConfigCoversAllJobTypes(t *testing.T) {
	types := map[string]bool{}
	for _, job := range DefaultConfig().Jobs {
		types[job.Type] = true
		assert.Greater(t, job.Interval, time.Duration(0), job.Name)
	}
	for _, want := range []string{JobRetrainSweep, JobDriftMonitor, JobBanditSnapshot, JobCacheSweep} {
		assert.True(t, types[want], want)
	}
}
