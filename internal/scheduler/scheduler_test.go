package scheduler

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	return New(Options{Grace: 50 * time.Millisecond}, zerolog.Nop())
}

func TestNextFiring(t *testing.T) {
	now := time.Date(2026, 8, 24, 8, 30, 0, 0, time.UTC)

	next := nextFiring(now, 9, 0)
	assert.Equal(t, time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC), next)

	// Already past today's slot: roll to tomorrow.
	next = nextFiring(now, 8, 0)
	assert.Equal(t, time.Date(2026, 8, 25, 8, 0, 0, 0, time.UTC), next)

	// Exactly at the slot also rolls forward.
	next = nextFiring(time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC), 9, 0)
	assert.Equal(t, time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC), next)
}

func TestTriggerRunsJob(t *testing.T) {
	s := newTestScheduler(t)
	var runs atomic.Int32
	s.Add(Job{Name: "price-crawl", Hour: 9, Run: func(context.Context) error {
		runs.Add(1)
		return nil
	}})

	res, err := s.Trigger("price-crawl")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "manual", res.Trigger)
	assert.Equal(t, int32(1), runs.Load())
}

func TestTriggerUnknownJob(t *testing.T) {
	s := newTestScheduler(t)
	_, err := s.Trigger("nope")
	assert.ErrorIs(t, err, ErrUnknownJob)
}

func TestTriggerRecordsFailure(t *testing.T) {
	s := newTestScheduler(t)
	s.Add(Job{Name: "reddit-collection", Run: func(context.Context) error {
		return errors.New("feed unreachable")
	}})

	res, err := s.Trigger("reddit-collection")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "feed unreachable")
}

func TestInFlightFiringIsDropped(t *testing.T) {
	s := newTestScheduler(t)
	started := make(chan struct{})
	release := make(chan struct{})
	s.Add(Job{Name: "price-crawl", Run: func(context.Context) error {
		close(started)
		<-release
		return nil
	}})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := s.Trigger("price-crawl")
		assert.NoError(t, err)
	}()
	<-started

	_, err := s.Trigger("price-crawl")
	assert.ErrorIs(t, err, ErrJobBusy)

	close(release)
	wg.Wait()
}

func TestHistoryRingIsBounded(t *testing.T) {
	s := newTestScheduler(t)
	var n atomic.Int32
	s.Add(Job{Name: "price-crawl", Run: func(context.Context) error {
		if n.Add(1)%2 == 0 {
			return errors.New("boom")
		}
		return nil
	}})

	for i := 0; i < historySize+10; i++ {
		_, err := s.Trigger("price-crawl")
		require.NoError(t, err)
	}

	st := s.Status()
	assert.Len(t, st.History, historySize)
	// Oldest entries fell off: the first retained run is number 11.
	assert.Equal(t, int32(historySize+10), n.Load())
}

func TestStartIsIdempotentAndStopIsSafe(t *testing.T) {
	s := newTestScheduler(t)
	s.Add(Job{Name: "price-crawl", Hour: 23, Minute: 59, Run: func(context.Context) error { return nil }})

	s.Start()
	s.Start() // no-op

	st := s.Status()
	assert.True(t, st.Running)
	require.Len(t, st.Jobs, 1)
	assert.Equal(t, "23:59", st.Jobs[0].FiresAt)

	require.NoError(t, s.Stop(context.Background()))
	assert.False(t, s.Status().Running)

	// Stopping again is a no-op.
	require.NoError(t, s.Stop(context.Background()))
}

func TestStopCancelsInFlightJobAfterGrace(t *testing.T) {
	s := New(Options{Grace: 20 * time.Millisecond}, zerolog.Nop())
	started := make(chan struct{})
	s.Add(Job{Name: "price-crawl", Run: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}})
	s.Start()

	go s.Trigger("price-crawl")
	<-started

	done := make(chan struct{})
	go func() {
		require.NoError(t, s.Stop(context.Background()))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after grace expired")
	}
}

func TestTriggerAfterStopIsRefused(t *testing.T) {
	s := newTestScheduler(t)
	var runs atomic.Int32
	s.Add(Job{Name: "price-crawl", Hour: 23, Minute: 59, Run: func(context.Context) error {
		runs.Add(1)
		return nil
	}})

	s.Start()
	require.NoError(t, s.Stop(context.Background()))

	_, err := s.Trigger("price-crawl")
	assert.ErrorIs(t, err, ErrStopped)
	assert.Zero(t, runs.Load())
}

func TestStateSnapshotRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scheduler.state.json")
	s := New(Options{Grace: 50 * time.Millisecond, StatePath: path}, zerolog.Nop())
	s.Add(Job{Name: "reddit-collection", Hour: 10, Run: func(context.Context) error { return nil }})

	_, err := s.Trigger("reddit-collection")
	require.NoError(t, err)

	st, err := ReadState(path)
	require.NoError(t, err)
	require.Len(t, st.History, 1)
	assert.Equal(t, "reddit-collection", st.History[0].JobName)
	assert.True(t, st.History[0].Success)
	require.Len(t, st.Jobs, 1)
	assert.Equal(t, "10:00", st.Jobs[0].FiresAt)
}

func TestReadStateMissingFile(t *testing.T) {
	_, err := ReadState(filepath.Join(t.TempDir(), "absent.json"))
	assert.Error(t, err)
}

func TestJobsReportLastRun(t *testing.T) {
	s := newTestScheduler(t)
	s.Add(Job{Name: "price-crawl", Hour: 9, Run: func(context.Context) error { return nil }})
	s.Add(Job{Name: "reddit-collection", Hour: 10, Run: func(context.Context) error {
		return fmt.Errorf("bad day")
	}})

	_, err := s.Trigger("price-crawl")
	require.NoError(t, err)
	_, err = s.Trigger("reddit-collection")
	require.NoError(t, err)

	jobs := s.Jobs()
	require.Len(t, jobs, 2)
	assert.True(t, jobs[0].LastOK)
	assert.False(t, jobs[1].LastOK)
	assert.False(t, jobs[0].LastRun.IsZero())
}
