// Package scheduler fires the collection jobs at fixed daily times and
// keeps a bounded run history for the CLI to inspect.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/gpupulse/gpupulse/internal/telemetry"
)

// historySize bounds the in-memory run history ring.
const historySize = 50

// ErrJobBusy is returned when a trigger collides with an in-flight run of
// the same job.
var ErrJobBusy = errors.New("job already running")

// ErrUnknownJob is returned for a trigger naming no registered job.
var ErrUnknownJob = errors.New("unknown job")

// ErrStopped is returned for a trigger arriving after Stop.
var ErrStopped = errors.New("scheduler stopped")

// Job is one daily job: a name, a firing time, and the work itself.
type Job struct {
	Name   string
	Hour   int
	Minute int
	Run    func(ctx context.Context) error
}

// JobResult is the outcome of one execution.
type JobResult struct {
	JobName   string        `json:"job_name"`
	Trigger   string        `json:"trigger"` // "schedule" or "manual"
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
}

// JobStatus is the introspection view of one registered job.
type JobStatus struct {
	Name     string    `json:"name"`
	FiresAt  string    `json:"fires_at"`
	NextRun  time.Time `json:"next_run"`
	LastRun  time.Time `json:"last_run,omitempty"`
	LastOK   bool      `json:"last_ok"`
	InFlight bool      `json:"in_flight"`
}

// Status is the scheduler-level introspection view, also what the state
// snapshot file holds.
type Status struct {
	Running   bool          `json:"running"`
	StartedAt time.Time     `json:"started_at,omitempty"`
	Uptime    time.Duration `json:"uptime,omitempty"`
	Jobs      []JobStatus   `json:"jobs"`
	History   []JobResult   `json:"history"`
}

type job struct {
	Job
	inFlight atomic.Bool
	lastRun  atomic.Pointer[JobResult]
}

// Options configures the scheduler.
type Options struct {
	// Grace bounds how long Stop waits for in-flight jobs before
	// cancelling them. Defaults to 30s.
	Grace time.Duration
	// StatePath is where the status snapshot is written after every run;
	// empty disables the snapshot.
	StatePath string
	Metrics   *telemetry.Metrics
}

// Scheduler drives registered jobs. One run per job at a time; a firing
// that collides with an in-flight run is dropped, never queued.
type Scheduler struct {
	jobs    []*job
	grace   time.Duration
	state   *stateFile
	metrics *telemetry.Metrics
	log     zerolog.Logger
	now     func() time.Time

	mu         sync.Mutex
	running    bool
	stopped    bool
	startedAt  time.Time
	history    []JobResult
	cancelLoop context.CancelFunc
	cancelJobs context.CancelFunc
	jobCtx     context.Context
	wg         sync.WaitGroup
}

// New builds an empty scheduler; register jobs with Add before Start.
func New(opts Options, log zerolog.Logger) *Scheduler {
	if opts.Grace <= 0 {
		opts.Grace = 30 * time.Second
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewMetrics()
	}
	return &Scheduler{
		grace:   opts.Grace,
		state:   newStateFile(opts.StatePath),
		metrics: opts.Metrics,
		log:     log.With().Str("component", "scheduler").Logger(),
		now:     time.Now,
	}
}

// Add registers a job. Call before Start.
func (s *Scheduler) Add(j Job) {
	s.jobs = append(s.jobs, &job{Job: j})
}

// Start launches one timer loop per job. Starting a running scheduler is a
// logged no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.log.Warn().Msg("scheduler already running")
		return
	}
	s.running = true
	s.stopped = false
	s.startedAt = s.now()

	loopCtx, cancelLoop := context.WithCancel(context.Background())
	jobCtx, cancelJobs := context.WithCancel(context.Background())
	s.cancelLoop = cancelLoop
	s.cancelJobs = cancelJobs
	s.jobCtx = jobCtx
	s.mu.Unlock()

	for _, j := range s.jobs {
		go s.loop(loopCtx, j)
		s.log.Info().Str("job", j.Name).
			Str("fires_at", fmt.Sprintf("%02d:%02d", j.Hour, j.Minute)).
			Msg("job scheduled")
	}
	s.persist()
}

func (s *Scheduler) loop(ctx context.Context, j *job) {
	for {
		next := nextFiring(s.now(), j.Hour, j.Minute)
		timer := time.NewTimer(next.Sub(s.now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			if _, err := s.execute(j, "schedule"); err != nil {
				s.log.Warn().Err(err).Str("job", j.Name).Msg("scheduled firing not run")
			}
		}
	}
}

// nextFiring returns the next wall-clock occurrence of HH:MM after now.
func nextFiring(now time.Time, hour, minute int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next
}

// Trigger runs a job out of band, honoring the same in-flight guard the
// timer uses. It blocks until the run finishes.
func (s *Scheduler) Trigger(name string) (*JobResult, error) {
	for _, j := range s.jobs {
		if j.Name != name {
			continue
		}
		res, err := s.execute(j, "manual")
		if err != nil {
			return nil, fmt.Errorf("%w: %s", err, name)
		}
		return res, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownJob, name)
}

// execute runs the job once. A collision with an in-flight run of the same
// job drops the attempt; a firing after Stop is refused so no job runs on a
// cancelled context. Registration with the wait group happens under the
// lock, before Stop can observe it, so Stop never misses an in-flight run.
func (s *Scheduler) execute(j *job, trigger string) (*JobResult, error) {
	if !j.inFlight.CompareAndSwap(false, true) {
		s.log.Warn().Str("job", j.Name).Str("trigger", trigger).
			Msg("job still running, firing dropped")
		return nil, ErrJobBusy
	}
	defer j.inFlight.Store(false)

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, ErrStopped
	}
	ctx := s.jobCtx
	if ctx == nil {
		ctx = context.Background()
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	start := s.now()
	s.log.Info().Str("job", j.Name).Str("trigger", trigger).Msg("job started")
	err := j.Run(ctx)
	end := s.now()

	res := JobResult{
		JobName:   j.Name,
		Trigger:   trigger,
		StartTime: start,
		EndTime:   end,
		Duration:  end.Sub(start),
		Success:   err == nil,
	}
	status := "success"
	if err != nil {
		res.Error = err.Error()
		status = "error"
		s.log.Error().Err(err).Str("job", j.Name).Dur("duration", res.Duration).Msg("job failed")
	} else {
		s.log.Info().Str("job", j.Name).Dur("duration", res.Duration).Msg("job finished")
	}
	s.metrics.JobRuns.WithLabelValues(j.Name, status).Inc()

	j.lastRun.Store(&res)
	s.appendHistory(res)
	s.persist()
	return &res, nil
}

func (s *Scheduler) appendHistory(res JobResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, res)
	if len(s.history) > historySize {
		s.history = s.history[len(s.history)-historySize:]
	}
}

// Stop halts the timers, waits up to the grace period for in-flight jobs,
// then cancels them. Safe to call on a stopped scheduler.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.stopped = true
	cancelLoop := s.cancelLoop
	cancelJobs := s.cancelJobs
	s.mu.Unlock()

	cancelLoop()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(s.grace):
		s.log.Warn().Dur("grace", s.grace).Msg("grace period elapsed, cancelling in-flight jobs")
		cancelJobs()
		<-done
	case <-ctx.Done():
		cancelJobs()
		<-done
	}
	cancelJobs()
	s.persist()
	s.log.Info().Msg("scheduler stopped")
	return nil
}

// Jobs returns the per-job introspection view.
func (s *Scheduler) Jobs() []JobStatus {
	now := s.now()
	out := make([]JobStatus, 0, len(s.jobs))
	for _, j := range s.jobs {
		st := JobStatus{
			Name:     j.Name,
			FiresAt:  fmt.Sprintf("%02d:%02d", j.Hour, j.Minute),
			NextRun:  nextFiring(now, j.Hour, j.Minute),
			InFlight: j.inFlight.Load(),
		}
		if last := j.lastRun.Load(); last != nil {
			st.LastRun = last.StartTime
			st.LastOK = last.Success
		}
		out = append(out, st)
	}
	return out
}

// Status returns the scheduler-level view including run history.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	running := s.running
	startedAt := s.startedAt
	history := make([]JobResult, len(s.history))
	copy(history, s.history)
	s.mu.Unlock()

	st := Status{
		Running: running,
		Jobs:    s.Jobs(),
		History: history,
	}
	if running {
		st.StartedAt = startedAt
		st.Uptime = s.now().Sub(startedAt)
	}
	return st
}

func (s *Scheduler) persist() {
	if err := s.state.write(s.Status()); err != nil {
		s.log.Warn().Err(err).Msg("state snapshot not written")
	}
}
