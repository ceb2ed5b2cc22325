package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"

	"webp-migrator/internal/database"
	"webp-migrator/internal/logging"
	"webp-migrator/internal/metrics"
	"webp-migrator/internal/pipeline"
	"webp-migrator/internal/queue"
	"webp-migrator/internal/settings"
)

const (
	DefaultBatchDelay       = 1500 * time.Millisecond
	DefaultBatchTimeout     = 300 * time.Second
	DefaultReprocessTimeout = 180 * time.Second
	DefaultStopTimeout      = 120 * time.Second

	// Only the most recent lines of the unit log are kept.
	maxLogLines = 500
)

var (
	// ErrAlreadyRunning is returned when a job is started while another one
	// is in progress.
	ErrAlreadyRunning = errors.New("a migration job is already running")

	// ErrNotRunning is returned by Stop when there is nothing to stop.
	ErrNotRunning = errors.New("no migration job is running")
)

const inflightWarning = "emergency stop: the attachment in flight may be left inconsistent, check its status"

// State is the lifecycle of a job.
type State string

const (
	StateIdle              State = "idle"
	StateRunning           State = "running"
	StateStopping          State = "stopping"
	StateCompleted         State = "completed"
	StateStoppedGracefully State = "stopped_gracefully"
	StateStoppedEmergency  State = "stopped_emergency"
	StateFailed            State = "failed"
)

// Processor runs a single attachment.
type Processor interface {
	Process(ctx context.Context, id int64, opts pipeline.Options) (*pipeline.Result, error)
}

// Selector picks and counts eligible attachments.
type Selector interface {
	Select(ctx context.Context, limit int, f queue.Filter) ([]database.AttachmentRef, error)
	Count(ctx context.Context, limit int, override bool, f queue.Filter) (queue.CountResult, error)
}

// ErrorIDs lists the attachments in the error ledger.
type ErrorIDs interface {
	AllIDs(ctx context.Context) ([]int64, error)
}

// PressureGate holds dispatch back while the process is short of memory.
type PressureGate interface {
	Wait(ctx context.Context) error
}

// SettingsLoader returns the current migration settings. It is called
// before every batch.
type SettingsLoader func(ctx context.Context) (settings.Settings, error)

// Config holds the timing knobs. Zero durations take the defaults, except
// BatchDelay where a negative value disables pacing.
type Config struct {
	BatchDelay       time.Duration
	BatchTimeout     time.Duration
	ReprocessTimeout time.Duration
	StopTimeout      time.Duration
}

func (c *Config) applyDefaults() {
	if c.BatchDelay == 0 {
		c.BatchDelay = DefaultBatchDelay
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = DefaultBatchTimeout
	}
	if c.ReprocessTimeout <= 0 {
		c.ReprocessTimeout = DefaultReprocessTimeout
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultStopTimeout
	}
}

// RunOptions tune one job.
type RunOptions struct {
	// Limit caps the number of attachments the job dispatches; 0 runs
	// until the queue is empty.
	Limit int
	// Adjust is applied to the settings after every reload. The CLI uses
	// it for its per-run overrides.
	Adjust func(*settings.Settings)
}

// LogLine is one entry of the unit log stream.
type LogLine struct {
	Time         time.Time        `json:"time"`
	Level        string           `json:"level"`
	AttachmentID int64            `json:"attachment_id,omitempty"`
	Outcome      pipeline.Outcome `json:"outcome,omitempty"`
	Message      string           `json:"message"`
}

// Progress is a snapshot of the current or last job.
type Progress struct {
	JobID        string    `json:"job_id,omitempty"`
	State        State     `json:"state"`
	Processed    int       `json:"processed_so_far"`
	Errors       int       `json:"errors_so_far"`
	Remaining    int       `json:"remaining_estimate"`
	InitialCount int       `json:"initial_count"`
	Batches      int       `json:"batches"`
	Current      int64     `json:"current_attachment,omitempty"`
	StartedAt    time.Time `json:"started_at,omitzero"`
	FinishedAt   time.Time `json:"finished_at,omitzero"`
	Warning      string    `json:"warning,omitempty"`
	Error        string    `json:"error,omitempty"`
	Log          []LogLine `json:"log"`

	// Reprocess is set when the job was a pass over the error ledger.
	Reprocess *ReprocessSummary `json:"reprocess,omitempty"`
}

type job struct {
	id        string
	ctx       context.Context
	cancel    context.CancelFunc
	stop      chan struct{}
	stopOnce  sync.Once
	done      chan struct{}
	emergency atomic.Bool
	stamp     string

	// busy holds units another run had locked; they get one more pass
	// once the queue is drained.
	busy        []database.AttachmentRef
	busyRetried bool
}

func (j *job) stopRequested() bool {
	select {
	case <-j.stop:
		return true
	default:
		return false
	}
}

// interrupted reports whether the job should not dispatch another unit.
func (j *job) interrupted() bool {
	return j.stopRequested() || j.ctx.Err() != nil
}

func (j *job) stoppedState() State {
	if j.emergency.Load() || j.ctx.Err() != nil {
		return StateStoppedEmergency
	}
	return StateStoppedGracefully
}

// Scheduler drives migration jobs. At most one job runs at a time and
// units are dispatched one after another in id order.
type Scheduler struct {
	proc     Processor
	queue    Selector
	errors   ErrorIDs
	settings SettingsLoader
	cfg      Config
	gate     PressureGate
	now      func() time.Time

	mu       sync.Mutex
	current  *job
	progress Progress
}

// New creates a Scheduler.
func New(proc Processor, sel Selector, errs ErrorIDs, load SettingsLoader, cfg Config) *Scheduler {
	cfg.applyDefaults()
	return &Scheduler{
		proc:     proc,
		queue:    sel,
		errors:   errs,
		settings: load,
		cfg:      cfg,
		now:      time.Now,
		progress: Progress{State: StateIdle},
	}
}

// SetPressureGate installs a gate consulted before every unit.
func (s *Scheduler) SetPressureGate(g PressureGate) {
	s.gate = g
}

// Progress returns a snapshot of the current or last job.
func (s *Scheduler) Progress() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.progress
	p.Log = append([]LogLine(nil), s.progress.Log...)
	return p
}

// Running reports whether a job is in progress.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil
}

// Run executes a job and blocks until it ends.
func (s *Scheduler) Run(ctx context.Context, opts RunOptions) (Progress, error) {
	j, err := s.begin(ctx)
	if err != nil {
		return Progress{}, err
	}
	st, err := s.run(j, opts)
	s.end(j, st, err)
	return s.Progress(), err
}

// Start launches a job in the background and returns its id. The job
// outlives ctx; use Stop to end it.
func (s *Scheduler) Start(ctx context.Context, opts RunOptions) (string, error) {
	j, err := s.begin(context.WithoutCancel(ctx))
	if err != nil {
		return "", err
	}
	go func() {
		st, err := s.run(j, opts)
		s.end(j, st, err)
	}()
	return j.id, nil
}

// Wait blocks until the running job, if any, has ended.
func (s *Scheduler) Wait(ctx context.Context) error {
	s.mu.Lock()
	j := s.current
	s.mu.Unlock()
	if j == nil {
		return nil
	}
	select {
	case <-j.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop asks the running job to stop. A graceful stop lets the unit in
// flight finish and dispatches nothing after it; if the unit has not
// finished within the stop timeout the job is cancelled. An emergency stop
// cancels immediately.
func (s *Scheduler) Stop(emergency bool) error {
	s.mu.Lock()
	j := s.current
	if j == nil {
		s.mu.Unlock()
		return ErrNotRunning
	}
	if emergency {
		j.emergency.Store(true)
		s.progress.State = StateStopping
		s.progress.Warning = inflightWarning
		s.mu.Unlock()
		logging.Warn("Emergency stop requested for job %s", j.id)
		j.cancel()
		return nil
	}
	s.progress.State = StateStopping
	s.mu.Unlock()

	first := false
	j.stopOnce.Do(func() {
		close(j.stop)
		first = true
	})
	if !first {
		return nil
	}
	logging.Info("Stop requested for job %s, finishing the current attachment", j.id)

	go func() {
		t := time.NewTimer(s.cfg.StopTimeout)
		defer t.Stop()
		select {
		case <-j.done:
		case <-t.C:
			j.emergency.Store(true)
			s.mu.Lock()
			if s.current == j {
				s.progress.Warning = inflightWarning
			}
			s.mu.Unlock()
			logging.Warn("Job %s did not stop within %s, cancelling", j.id, s.cfg.StopTimeout)
			j.cancel()
		}
	}()
	return nil
}

func (s *Scheduler) begin(parent context.Context) (*job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		return nil, ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(parent)
	now := s.now()
	j := &job{
		id:     ulid.Make().String(),
		ctx:    ctx,
		cancel: cancel,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		stamp:  now.Format(pipeline.BackupStampLayout),
	}
	s.current = j
	s.progress = Progress{JobID: j.id, State: StateRunning, StartedAt: now}
	metrics.SchedulerRunning.Set(1)
	logging.SetRecorder(s.record)
	return j, nil
}

func (s *Scheduler) end(j *job, st State, err error) {
	logging.SetRecorder(nil)

	s.mu.Lock()
	s.progress.State = st
	s.progress.Current = 0
	s.progress.FinishedAt = s.now()
	if err != nil {
		s.progress.Error = err.Error()
	}
	s.current = nil
	p := s.progress
	s.mu.Unlock()

	j.cancel()
	close(j.done)
	metrics.SchedulerRunning.Set(0)
	logging.Info("Job %s ended: %s (processed %d, errors %d, remaining %d)",
		j.id, st, p.Processed, p.Errors, p.Remaining)
}

func (s *Scheduler) run(j *job, opts RunOptions) (State, error) {
	set, err := s.load(j.ctx, opts)
	if err != nil {
		return StateFailed, err
	}
	if c, err := s.queue.Count(j.ctx, 0, false, queue.FilterFromSettings(set)); err != nil {
		logging.Warn("Initial count failed: %v", err)
	} else {
		s.update(func(p *Progress) {
			p.InitialCount = c.Count
			p.Remaining = c.Count
		})
		metrics.QueueRemaining.Set(float64(c.Count))
	}

	var limiter *rate.Limiter
	if s.cfg.BatchDelay > 0 {
		limiter = rate.NewLimiter(rate.Every(s.cfg.BatchDelay), 1)
	}

	var cursor int64
	dispatched := 0
	for {
		if j.interrupted() {
			return j.stoppedState(), nil
		}
		if err := s.pace(j, limiter); err != nil {
			return j.stoppedState(), nil
		}

		if set, err = s.load(j.ctx, opts); err != nil {
			metrics.BatchesTotal.WithLabelValues("error").Inc()
			return StateFailed, err
		}
		size := set.BatchSize
		if opts.Limit > 0 {
			size = min(size, opts.Limit-dispatched)
			if size <= 0 {
				return StateCompleted, nil
			}
		}

		f := queue.FilterFromSettings(set)
		f.AfterID = cursor
		refs, err := s.queue.Select(j.ctx, size, f)
		if err != nil {
			if j.ctx.Err() != nil {
				return j.stoppedState(), nil
			}
			metrics.BatchesTotal.WithLabelValues("error").Inc()
			return StateFailed, fmt.Errorf("failed to select attachments: %w", err)
		}
		if len(refs) == 0 {
			if len(j.busy) == 0 || j.busyRetried {
				s.update(func(p *Progress) { p.Remaining = 0 })
				metrics.QueueRemaining.Set(0)
				return StateCompleted, nil
			}
			refs, j.busy, j.busyRetried = j.busy, nil, true
			if len(refs) > size {
				refs = refs[:size]
			}
			logging.Info("Retrying %d attachments that were locked by another run", len(refs))
		}

		outcome, last, n := s.runBatch(j, refs, set)
		dispatched += n
		if last > cursor {
			cursor = last
		}
		metrics.BatchesTotal.WithLabelValues(outcome).Inc()
		s.update(func(p *Progress) { p.Batches++ })
		s.refreshRemaining(j.ctx, f, cursor)
	}
}

// runBatch dispatches refs one at a time. It returns the batch outcome,
// the last id dispatched and the number of units dispatched. Units another
// run has locked are set aside on the job.
func (s *Scheduler) runBatch(j *job, refs []database.AttachmentRef, set settings.Settings) (string, int64, int) {
	deadline := s.now().Add(s.cfg.BatchTimeout)
	var last int64
	n := 0
	for _, ref := range refs {
		if j.interrupted() {
			return "stopped", last, n
		}
		if s.now().After(deadline) {
			logging.Warn("Batch exceeded %s, continuing with the next batch", s.cfg.BatchTimeout)
			return "timeout", last, n
		}
		if err := s.waitForMemory(j); err != nil {
			return "stopped", last, n
		}

		s.update(func(p *Progress) { p.Current = ref.ID })
		res, err := s.proc.Process(j.ctx, ref.ID, pipeline.Options{Settings: set, BackupStamp: j.stamp})
		s.update(func(p *Progress) { p.Current = 0 })
		n++

		if err != nil && j.ctx.Err() != nil {
			s.unit(LogLine{Level: "error", AttachmentID: ref.ID, Message: "interrupted: " + err.Error()}, true)
			return "stopped", last, n
		}
		if errors.Is(err, pipeline.ErrBusy) {
			j.busy = append(j.busy, ref)
		}
		last = ref.ID
		s.recordResult(ref.ID, res, err)
	}
	return "complete", last, n
}

// waitForMemory blocks on the pressure gate. A stop request releases it.
func (s *Scheduler) waitForMemory(j *job) error {
	if s.gate == nil {
		return nil
	}
	ctx, cancel := context.WithCancel(j.ctx)
	defer cancel()
	go func() {
		select {
		case <-j.stop:
			cancel()
		case <-ctx.Done():
		}
	}()
	return s.gate.Wait(ctx)
}

// refreshRemaining re-estimates the queue beyond cursor.
func (s *Scheduler) refreshRemaining(ctx context.Context, f queue.Filter, cursor int64) {
	f.AfterID = cursor
	c, err := s.queue.Count(ctx, 0, false, f)
	if err != nil {
		if ctx.Err() == nil {
			logging.Warn("Failed to refresh remaining count: %v", err)
		}
		return
	}
	s.update(func(p *Progress) { p.Remaining = c.Count })
	metrics.QueueRemaining.Set(float64(c.Count))
}

// pace waits out the inter-batch delay. A stop request ends the wait early.
func (s *Scheduler) pace(j *job, limiter *rate.Limiter) error {
	if limiter == nil {
		return nil
	}
	r := limiter.Reserve()
	d := r.Delay()
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-j.stop:
		r.Cancel()
		return errors.New("stop requested")
	case <-j.ctx.Done():
		r.Cancel()
		return j.ctx.Err()
	}
}

func (s *Scheduler) load(ctx context.Context, opts RunOptions) (settings.Settings, error) {
	set, err := s.settings(ctx)
	if err != nil {
		return set, fmt.Errorf("failed to load settings: %w", err)
	}
	if opts.Adjust != nil {
		opts.Adjust(&set)
		set.Normalize()
	}
	return set, nil
}

// recordResult counts a unit and appends it to the log stream.
func (s *Scheduler) recordResult(id int64, res *pipeline.Result, err error) {
	line := LogLine{Level: "info", AttachmentID: id}
	failed := false
	switch {
	case errors.Is(err, pipeline.ErrBusy):
		line.Level = "warn"
		line.Message = "skipped: attachment is locked by another run"
		s.unit(line, false)
		return
	case res != nil:
		line.Outcome = res.Outcome
		line.Message = res.Message
		if res.Outcome == pipeline.OutcomeFailed || err != nil {
			line.Level = "error"
			failed = true
		}
	case err != nil:
		line.Level = "error"
		line.Message = err.Error()
		failed = true
	}
	if line.Message == "" && err != nil {
		line.Message = err.Error()
	}
	s.unit(line, failed)
	s.update(func(p *Progress) { p.Processed++ })
}

func (s *Scheduler) unit(line LogLine, failed bool) {
	line.Time = s.now()
	s.update(func(p *Progress) {
		if failed {
			p.Errors++
		}
		p.Log = appendLog(p.Log, line)
	})
}

// record is the logging.Recorder installed while a job runs. Only
// warnings and errors reach the stream; unit results are added separately.
func (s *Scheduler) record(level logging.LogLevel, msg string) {
	if level < logging.LevelWarn {
		return
	}
	line := LogLine{Time: s.now(), Level: level.String(), Message: msg}
	s.update(func(p *Progress) { p.Log = appendLog(p.Log, line) })
}

func (s *Scheduler) update(fn func(p *Progress)) {
	s.mu.Lock()
	fn(&s.progress)
	s.mu.Unlock()
}

func appendLog(log []LogLine, line LogLine) []LogLine {
	log = append(log, line)
	if len(log) > maxLogLines {
		log = append(log[:0:0], log[len(log)-maxLogLines:]...)
	}
	return log
}
