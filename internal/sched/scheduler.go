package sched

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Job is one periodic maintenance task: checkpointing, health polling,
// backups, integrity checks, audit pruning.
type Job struct {
	Name     string
	Interval time.Duration

	// Immediate runs the job once at startup before the first tick.
	Immediate bool

	// Gate, when non-nil, is consulted before every run; a false return
	// skips the tick. Used for low-activity windows.
	Gate func(now time.Time) bool

	Run func(ctx context.Context) error
}

// Scheduler runs registered jobs on their intervals, one goroutine per
// job. A job that panics or errors never takes the loop down with it.
type Scheduler struct {
	log    *logrus.Entry
	now    func() time.Time
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	jobs    []*Job
	status  map[string]*JobStatus
	running bool
}

// JobStatus is the recorded outcome of a job's most recent run.
type JobStatus struct {
	LastRun   time.Time `json:"last_run"`
	LastError string    `json:"last_error,omitempty"`
	Runs      int       `json:"runs"`
	Failures  int       `json:"failures"`
}

func New() *Scheduler {
	return &Scheduler{
		log:    logrus.WithField("component", "sched"),
		now:    time.Now,
		status: make(map[string]*JobStatus),
	}
}

// Register adds a job. Registration after Start is an error.
func (s *Scheduler) Register(job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler already running")
	}
	if job.Interval <= 0 {
		return fmt.Errorf("job %s: interval must be positive", job.Name)
	}
	for _, existing := range s.jobs {
		if existing.Name == job.Name {
			return fmt.Errorf("job %s already registered", job.Name)
		}
	}
	s.jobs = append(s.jobs, job)
	s.status[job.Name] = &JobStatus{}
	return nil
}

// Start launches one loop per registered job.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	if len(s.jobs) == 0 {
		s.mu.Unlock()
		return fmt.Errorf("no jobs registered")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.running = true
	jobs := s.jobs
	s.mu.Unlock()

	for _, job := range jobs {
		s.wg.Add(1)
		go s.runLoop(ctx, job)
	}

	s.log.WithField("jobs", len(jobs)).Info("scheduler started")
	return nil
}

// Stop cancels all loops and waits for in-flight runs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.running = false
	s.mu.Unlock()

	s.wg.Wait()
	s.log.Info("scheduler stopped")
}

func (s *Scheduler) runLoop(ctx context.Context, job *Job) {
	defer s.wg.Done()

	if job.Immediate {
		s.runOnce(ctx, job, false)
	}

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx, job, false)
		}
	}
}

// runOnce executes one tick of a job, recovering panics and recording the
// outcome. Gated jobs can decline the tick without counting as a run;
// force skips the gate.
func (s *Scheduler) runOnce(ctx context.Context, job *Job, force bool) {
	now := s.now()
	if !force && job.Gate != nil && !job.Gate(now) {
		return
	}

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("job panicked: %v", r)
			}
		}()
		return job.Run(ctx)
	}()

	s.mu.Lock()
	st := s.status[job.Name]
	st.LastRun = now
	st.Runs++
	if err != nil {
		st.Failures++
		st.LastError = err.Error()
	} else {
		st.LastError = ""
	}
	s.mu.Unlock()

	if err != nil && ctx.Err() == nil {
		s.log.WithError(err).WithField("job", job.Name).Warn("job failed")
	}
}

// RunNow forces an immediate run of a job, bypassing its gate but
// recording the outcome the same way a tick does.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.RLock()
	var target *Job
	for _, job := range s.jobs {
		if job.Name == name {
			target = job
			break
		}
	}
	s.mu.RUnlock()

	if target == nil {
		return fmt.Errorf("job not found: %s", name)
	}
	s.runOnce(ctx, target, true)

	s.mu.RLock()
	defer s.mu.RUnlock()
	if msg := s.status[name].LastError; msg != "" {
		return fmt.Errorf("job %s: %s", name, msg)
	}
	return nil
}

// Status returns a copy of every job's recorded status.
func (s *Scheduler) Status() map[string]JobStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot := make(map[string]JobStatus, len(s.status))
	for name, st := range s.status {
		snapshot[name] = *st
	}
	return snapshot
}
