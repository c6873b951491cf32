// Package jobs runs crawl sessions in the background. At most MaxConcurrent
// sessions run at once; further submissions wait in a priority queue, and
// failed jobs may be restarted with backoff.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/learning-bits-crawler/internal/clock/system"
	"github.com/JakeFAU/learning-bits-crawler/internal/crawler"
	"github.com/JakeFAU/learning-bits-crawler/internal/id/uuid"
	"github.com/JakeFAU/learning-bits-crawler/internal/logging"
	"github.com/JakeFAU/learning-bits-crawler/internal/metrics"
	"github.com/JakeFAU/learning-bits-crawler/internal/queue/memory"
	"github.com/JakeFAU/learning-bits-crawler/internal/session"
)

var (
	// ErrClosed is returned by Submit after Shutdown.
	ErrClosed = errors.New("job manager is shut down")
	// ErrQueueFull is returned by Submit when the wait queue is at capacity.
	ErrQueueFull = memory.ErrFull
)

const publishTimeout = 5 * time.Second

// Runner is one attempt at a job. *session.Session satisfies it.
type Runner interface {
	Run(ctx context.Context) error
	Stop()
	Progress() crawler.JobProgress
}

// RunnerFactory builds a fresh Runner for each attempt of job.
type RunnerFactory func(job crawler.CrawlJob) (Runner, error)

// Config governs concurrency and restarts.
type Config struct {
	MaxConcurrent      int
	QueueDepth         int // 0 = unbounded
	AutoRestart        bool
	MaxRestarts        int
	RestartCooldown    time.Duration
	RestartMaxCooldown time.Duration
	EventsTopic        string
	Defaults           crawler.CrawlConfig
}

// SubmitRequest describes a new job. Config nil means the manager defaults.
type SubmitRequest struct {
	JobID    string
	SeedURL  string
	Config   *crawler.CrawlConfig
	Priority crawler.JobPriority
}

// Submission states.
const (
	SubmitStarted = "started"
	SubmitQueued  = "queued"
)

// SubmitResult reports where a new job landed.
type SubmitResult struct {
	JobID string `json:"job_id"`
	State string `json:"state"`
}

type job struct {
	snap    crawler.CrawlJob
	runner  Runner
	prior   crawler.JobProgress
	stopped bool
	restart *time.Timer
}

// Manager owns every job and its sessions. It is safe for concurrent use.
type Manager struct {
	cfg       Config
	factory   RunnerFactory
	ids       crawler.IDGenerator
	clock     crawler.Clock
	publisher crawler.Publisher
	logger    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	jobs    map[string]*job
	queue   *memory.Queue
	running int
	closed  bool
}

// Option customizes a Manager.
type Option func(*Manager)

// WithIDGenerator overrides the UUIDv7 generator.
func WithIDGenerator(ids crawler.IDGenerator) Option {
	return func(m *Manager) { m.ids = ids }
}

// WithClock overrides the wall clock.
func WithClock(clock crawler.Clock) Option {
	return func(m *Manager) { m.clock = clock }
}

// WithPublisher sends job lifecycle events to publisher.
func WithPublisher(publisher crawler.Publisher) Option {
	return func(m *Manager) { m.publisher = publisher }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// NewManager builds a Manager.
func NewManager(cfg Config, factory RunnerFactory, opts ...Option) (*Manager, error) {
	if factory == nil {
		return nil, errors.New("runner factory is required")
	}
	if cfg.MaxConcurrent <= 0 {
		return nil, fmt.Errorf("max concurrent jobs must be > 0, got %d", cfg.MaxConcurrent)
	}
	if cfg.MaxRestarts < 0 {
		return nil, fmt.Errorf("max restarts must be >= 0, got %d", cfg.MaxRestarts)
	}
	if cfg.RestartCooldown <= 0 {
		cfg.RestartCooldown = 5 * time.Second
	}
	if cfg.RestartMaxCooldown < cfg.RestartCooldown {
		cfg.RestartMaxCooldown = cfg.RestartCooldown * 12
	}
	if cfg.Defaults == (crawler.CrawlConfig{}) {
		cfg.Defaults = crawler.DefaultCrawlConfig()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:     cfg,
		factory: factory,
		ids:     uuid.New(),
		clock:   system.New(),
		ctx:     ctx,
		cancel:  cancel,
		jobs:    make(map[string]*job),
		queue:   memory.NewQueue(cfg.QueueDepth),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logging.OrNop(m.logger).Named("jobs")
	return m, nil
}

// Submit validates and registers a job, starting it now when a slot is free.
// Invalid input yields a *crawler.ConfigError before anything runs.
func (m *Manager) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	cfg := m.cfg.Defaults
	if req.Config != nil {
		cfg = *req.Config
	}
	if err := crawler.ValidateSeed(req.SeedURL); err != nil {
		return SubmitResult{}, err
	}
	if err := cfg.Validate(); err != nil {
		return SubmitResult{}, err
	}
	if !req.Priority.Valid() {
		return SubmitResult{}, &crawler.ConfigError{Field: "priority", Reason: "must be high, normal or low"}
	}
	priority := req.Priority
	if priority == "" {
		priority = crawler.PriorityNormal
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return SubmitResult{}, ErrClosed
	}
	id := req.JobID
	if id == "" {
		generated, err := m.ids.NewID()
		if err != nil {
			m.mu.Unlock()
			return SubmitResult{}, fmt.Errorf("generate job id: %w", err)
		}
		id = generated
	}
	if _, exists := m.jobs[id]; exists {
		m.mu.Unlock()
		return SubmitResult{}, fmt.Errorf("submit %s: %w", id, crawler.ErrJobExists)
	}
	j := &job{snap: crawler.CrawlJob{
		ID:          id,
		SeedURL:     req.SeedURL,
		Config:      cfg,
		Priority:    priority,
		Status:      crawler.JobStatusQueued,
		SubmittedAt: m.clock.Now(),
	}}
	if m.running >= m.cfg.MaxConcurrent {
		if err := m.queue.Push(id, priority); err != nil {
			m.mu.Unlock()
			return SubmitResult{}, fmt.Errorf("queue job %s: %w", id, err)
		}
	}
	result := SubmitResult{JobID: id, State: SubmitQueued}
	var events []Event
	if m.running < m.cfg.MaxConcurrent {
		started, err := m.startLocked(j)
		if err != nil {
			m.mu.Unlock()
			return SubmitResult{}, fmt.Errorf("start job %s: %w", id, err)
		}
		events = started
		result.State = SubmitStarted
	} else {
		metrics.ObserveJob(string(crawler.JobStatusQueued))
		events = append(events, m.eventLocked(j))
	}
	m.jobs[id] = j
	m.gaugesLocked()
	m.mu.Unlock()

	m.logger.Info("job submitted",
		zap.String("job_id", id),
		zap.String("seed_url", req.SeedURL),
		zap.String("priority", string(priority)),
		zap.String("state", result.State),
	)
	m.publish(ctx, events)
	return result, nil
}

// startLocked launches a fresh runner for j. m.mu must be held. When no
// runner can be built, j is left untouched and the error returned.
func (m *Manager) startLocked(j *job) ([]Event, error) {
	runner, err := m.factory(j.snap)
	if err != nil {
		return nil, fmt.Errorf("build session: %w", err)
	}
	now := m.clock.Now()
	j.runner = runner
	j.snap.Status = crawler.JobStatusRunning
	j.snap.StartedAt = &now
	j.snap.FinishedAt = nil
	j.snap.Attempts++
	m.running++
	metrics.ObserveJob(string(crawler.JobStatusRunning))

	m.wg.Add(1)
	go m.run(j, runner)
	return []Event{m.eventLocked(j)}, nil
}

// startOrFailLocked starts j, marking it failed when no runner can be built.
func (m *Manager) startOrFailLocked(j *job) []Event {
	events, err := m.startLocked(j)
	if err != nil {
		m.finishLocked(j, crawler.JobStatusFailed, err)
		return []Event{m.eventLocked(j)}
	}
	return events
}

func (m *Manager) run(j *job, runner Runner) {
	defer m.wg.Done()
	err := runner.Run(m.ctx)

	m.mu.Lock()
	m.running--
	j.prior = addProgress(j.prior, runner.Progress())
	j.runner = nil
	status := crawler.JobStatusCompleted
	switch {
	case err == nil:
	case errors.Is(err, session.ErrStopped) || j.stopped:
		status = crawler.JobStatusStopped
		err = nil
	default:
		status = crawler.JobStatusFailed
	}
	m.finishLocked(j, status, err)
	events := []Event{m.eventLocked(j)}
	if status == crawler.JobStatusFailed {
		m.scheduleRestartLocked(j)
	}
	events = append(events, m.promoteLocked()...)
	m.gaugesLocked()
	m.mu.Unlock()

	logFn := m.logger.Info
	if status == crawler.JobStatusFailed {
		logFn = m.logger.Warn
	}
	logFn("job finished",
		zap.String("job_id", j.snap.ID),
		zap.String("status", string(status)),
		zap.Int("attempt", j.snap.Attempts),
		zap.Error(err),
	)

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	m.publish(ctx, events)
}

func (m *Manager) finishLocked(j *job, status crawler.JobStatus, err error) {
	now := m.clock.Now()
	j.snap.Status = status
	j.snap.FinishedAt = &now
	j.snap.Progress = j.prior
	if err != nil {
		j.snap.LastError = err.Error()
	}
	metrics.ObserveJob(string(status))
}

// promoteLocked starts queued jobs while capacity allows.
func (m *Manager) promoteLocked() []Event {
	var events []Event
	for !m.closed && m.running < m.cfg.MaxConcurrent {
		id, ok := m.queue.Pop()
		if !ok {
			break
		}
		if j, exists := m.jobs[id]; exists {
			events = append(events, m.startOrFailLocked(j)...)
		}
	}
	return events
}

// scheduleRestartLocked arranges another attempt after an exponential
// cooldown, unless restarts are off or exhausted. The job reports failed
// until the restart fires.
func (m *Manager) scheduleRestartLocked(j *job) {
	restarts := j.snap.Attempts - 1
	if !m.cfg.AutoRestart || m.closed || j.stopped || restarts >= m.cfg.MaxRestarts {
		return
	}
	delay := RestartDelay(m.cfg.RestartCooldown, m.cfg.RestartMaxCooldown, j.snap.Attempts)
	m.logger.Info("job restart scheduled",
		zap.String("job_id", j.snap.ID),
		zap.Int("attempt", j.snap.Attempts+1),
		zap.Duration("delay", delay),
	)
	j.restart = time.AfterFunc(delay, func() { m.restartJob(j) })
}

func (m *Manager) restartJob(j *job) {
	m.mu.Lock()
	j.restart = nil
	if m.closed || j.stopped || j.snap.Status != crawler.JobStatusFailed {
		m.mu.Unlock()
		return
	}
	var events []Event
	if m.running < m.cfg.MaxConcurrent {
		events = m.startOrFailLocked(j)
	} else if err := m.queue.Push(j.snap.ID, j.snap.Priority); err == nil {
		j.snap.Status = crawler.JobStatusQueued
		events = append(events, m.eventLocked(j))
	} else {
		m.logger.Warn("job restart dropped", zap.String("job_id", j.snap.ID), zap.Error(err))
	}
	m.gaugesLocked()
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	m.publish(ctx, events)
}

// RestartDelay returns cooldown × 2^(attempt−1), capped at maxDelay.
func RestartDelay(cooldown, maxDelay time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := cooldown
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxDelay {
			return maxDelay
		}
	}
	return min(d, maxDelay)
}

// Stop ends a job. A queued job (or one waiting to restart) becomes stopped
// at once; a running job is asked to stop and becomes stopped when its
// session notices. Stopping a finished job is a no-op.
func (m *Manager) Stop(ctx context.Context, jobID string) (crawler.CrawlJob, error) {
	m.mu.Lock()
	j, ok := m.jobs[jobID]
	if !ok {
		m.mu.Unlock()
		return crawler.CrawlJob{}, fmt.Errorf("stop %s: %w", jobID, crawler.ErrJobNotFound)
	}
	var events []Event
	switch {
	case j.snap.Status == crawler.JobStatusQueued:
		m.queue.Remove(jobID)
		j.stopped = true
		m.finishLocked(j, crawler.JobStatusStopped, nil)
		events = append(events, m.eventLocked(j))
	case j.snap.Status == crawler.JobStatusRunning:
		j.stopped = true
		j.runner.Stop()
	case j.restart != nil:
		j.restart.Stop()
		j.restart = nil
		j.stopped = true
		m.finishLocked(j, crawler.JobStatusStopped, nil)
		events = append(events, m.eventLocked(j))
	}
	m.gaugesLocked()
	snap := m.snapshotLocked(j)
	m.mu.Unlock()

	m.logger.Info("job stop requested", zap.String("job_id", jobID), zap.String("status", string(snap.Status)))
	m.publish(ctx, events)
	return snap, nil
}

// Status returns a snapshot of one job, with live progress while it runs.
func (m *Manager) Status(jobID string) (crawler.CrawlJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return crawler.CrawlJob{}, fmt.Errorf("status %s: %w", jobID, crawler.ErrJobNotFound)
	}
	return m.snapshotLocked(j), nil
}

// List returns snapshots of every job in submission order.
func (m *Manager) List() []crawler.CrawlJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]crawler.CrawlJob, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, m.snapshotLocked(j))
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].SubmittedAt.Equal(out[b].SubmittedAt) {
			return out[a].SubmittedAt.Before(out[b].SubmittedAt)
		}
		return out[a].ID < out[b].ID
	})
	return out
}

// Counts reports running and queued jobs.
func (m *Manager) Counts() (running, queued int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running, m.queue.Len()
}

func (m *Manager) snapshotLocked(j *job) crawler.CrawlJob {
	snap := j.snap
	if j.runner != nil {
		snap.Progress = addProgress(j.prior, j.runner.Progress())
	}
	return snap
}

func (m *Manager) gaugesLocked() {
	metrics.SetJobGauges(m.running, m.queue.Len())
}

// Shutdown stops queued and running jobs and waits for sessions to exit or
// ctx to expire. Later Submits fail with ErrClosed.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		for _, id := range m.queue.Drain() {
			if j, ok := m.jobs[id]; ok {
				j.stopped = true
				m.finishLocked(j, crawler.JobStatusStopped, nil)
			}
		}
		for _, j := range m.jobs {
			if j.restart != nil {
				j.restart.Stop()
				j.restart = nil
			}
			if j.runner != nil {
				j.stopped = true
				j.runner.Stop()
			}
		}
		m.gaugesLocked()
	}
	m.mu.Unlock()
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.logger.Info("job manager stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for sessions: %w", ctx.Err())
	}
}

func addProgress(a, b crawler.JobProgress) crawler.JobProgress {
	return crawler.JobProgress{
		PagesFetched:    a.PagesFetched + b.PagesFetched,
		PagesFailed:     a.PagesFailed + b.PagesFailed,
		PagesSkipped:    a.PagesSkipped + b.PagesSkipped,
		BitsExtracted:   a.BitsExtracted + b.BitsExtracted,
		DuplicateBits:   a.DuplicateBits + b.DuplicateBits,
		CrossReferences: a.CrossReferences + b.CrossReferences,
		FailedChunks:    a.FailedChunks + b.FailedChunks,
		Retries:         a.Retries + b.Retries,
	}
}
