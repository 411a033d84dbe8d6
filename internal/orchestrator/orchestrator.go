// Package orchestrator pulls device-management jobs off an internal
// queue, resolves their target devices, fans notifications out through
// the provider registry with platform fallback, and writes the
// aggregated outcome back through the repository.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"fleetpush/internal/fleet"
	"fleetpush/internal/push"
	"fleetpush/internal/retry"
)

var (
	// ErrQueueFull is returned by Submit when the bounded queue has no
	// room. The job record stays PENDING in the repository.
	ErrQueueFull = errors.New("job queue full")

	// ErrNotRunning is returned by Submit outside Start/Stop.
	ErrNotRunning = errors.New("orchestrator not running")

	// ErrDuplicateJob is returned when a collapse key is already
	// reserved by a queued job for the same site/segment.
	ErrDuplicateJob = errors.New("duplicate job: collapse key already queued")
)

// Repository is the persistence contract the orchestrator consumes.
// The database layer behind it owns transaction isolation; the
// orchestrator never holds a transaction across a provider call.
type Repository interface {
	FindDevices(ctx context.Context, siteID, segment string) ([]fleet.DeviceRef, error)
	GetJob(ctx context.Context, id string) (*fleet.Job, error)
	CreateJob(ctx context.Context, job *fleet.Job) error
	UpdateJobStatus(ctx context.Context, id string, status fleet.JobStatus, result *fleet.JobResult, errorMessage string) error
}

// ProviderSource hands out providers with fallback. A nil return means
// no delivery is possible for that ordered preference list.
type ProviderSource interface {
	GetFallback(ctx context.Context, platforms []string) push.Provider
}

// Deduper reserves collapse keys so a queued job supersedes re-submits
// for the same logical target. Optional. Release frees a reservation
// when the job it guarded was never persisted.
type Deduper interface {
	Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// Observer is invoked after each persisted job state transition.
// Side effects (metrics, audit) hang off this hook instead of living
// inside the dispatch algorithm.
type Observer func(job *fleet.Job, from, to fleet.JobStatus)

// Config tunes the orchestrator.
type Config struct {
	// Workers is the fixed pool size: the maximum number of jobs in
	// flight at once.
	Workers int

	// QueueSize bounds the internal FIFO queue.
	QueueSize int

	// DeviceConcurrency bounds concurrent per-device sends within one
	// job.
	DeviceConcurrency int

	// SendPolicy is the per-device retry budget for transient send
	// failures. The default is a single attempt, matching one attempt
	// per device per job; raising MaxAttempts enables bounded retries
	// that honor the provider's retry-after hint.
	SendPolicy retry.Policy

	// FallbackOrder maps a device type to its ordered platform
	// preference list. Devices without an entry use the device's own
	// platform followed by DefaultFallback.
	FallbackOrder map[string][]string

	// DefaultFallback is the tail of every preference list, normally
	// ending in the simulation platform so dispatch always has a
	// safety net.
	DefaultFallback []string
}

// Stats is a point-in-time orchestrator snapshot for health reporting.
type Stats struct {
	Running      bool  `json:"running"`
	Workers      int   `json:"workers"`
	QueueDepth   int   `json:"queue_depth"`
	Enqueued     int64 `json:"enqueued"`
	Processed    int64 `json:"processed"`
	Acknowledged int64 `json:"acknowledged"`
	Failed       int64 `json:"failed"`
}

// Orchestrator is the queue plus fixed worker pool.
type Orchestrator struct {
	repo      Repository
	providers ProviderSource
	dedup     Deduper
	observer  Observer
	config    Config
	logger    *zap.Logger

	queue   chan *fleet.Job
	stop    chan struct{}
	wg      sync.WaitGroup
	running atomic.Bool

	enqueued     atomic.Int64
	processed    atomic.Int64
	acknowledged atomic.Int64
	failed       atomic.Int64
}

// Option adjusts optional collaborators.
type Option func(*Orchestrator)

// WithDeduper enables collapse-key deduplication at submit time.
func WithDeduper(d Deduper) Option {
	return func(o *Orchestrator) { o.dedup = d }
}

// WithObserver installs the state-transition callback.
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) { o.observer = obs }
}

func New(repo Repository, providers ProviderSource, cfg Config, logger *zap.Logger, opts ...Option) *Orchestrator {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.DeviceConcurrency <= 0 {
		cfg.DeviceConcurrency = 8
	}
	if cfg.SendPolicy.MaxAttempts <= 0 {
		cfg.SendPolicy = retry.DefaultPolicy()
	}
	if len(cfg.DefaultFallback) == 0 {
		cfg.DefaultFallback = []string{push.PlatformSimulation}
	}

	o := &Orchestrator{
		repo:      repo,
		providers: providers,
		config:    cfg,
		logger:    logger,
		queue:     make(chan *fleet.Job, cfg.QueueSize),
		stop:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Start launches the worker pool. Workers run until Stop.
func (o *Orchestrator) Start(ctx context.Context) {
	if !o.running.CompareAndSwap(false, true) {
		return
	}

	for i := 0; i < o.config.Workers; i++ {
		o.wg.Add(1)
		go o.workerLoop(ctx, i)
	}

	o.logger.Info("orchestrator started",
		zap.Int("workers", o.config.Workers),
		zap.Int("queue_size", o.config.QueueSize),
	)
}

// Stop flags shutdown and waits for workers to drain. In-flight jobs
// finish; shutdown latency is bounded by per-job duration, while
// between jobs workers notice the flag immediately. The context bounds
// how long Stop waits.
func (o *Orchestrator) Stop(ctx context.Context) error {
	if !o.running.CompareAndSwap(true, false) {
		return nil
	}

	close(o.stop)

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.logger.Info("orchestrator stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("orchestrator stop: %w", ctx.Err())
	}
}

// Submit persists a new PENDING job and enqueues it for dispatch.
func (o *Orchestrator) Submit(ctx context.Context, job *fleet.Job) error {
	if !o.running.Load() {
		return ErrNotRunning
	}
	if job.SiteID == "" || job.Action == "" {
		return fmt.Errorf("job requires site id and action")
	}

	var dedupKey string
	if o.dedup != nil && job.CollapseKey != "" {
		key := fmt.Sprintf("%s:%s:%s", job.SiteID, job.Segment, job.CollapseKey)
		ttl := time.Duration(job.TTLSeconds) * time.Second
		reserved, err := o.dedup.Reserve(ctx, key, ttl)
		if err != nil {
			// Dedup is best-effort; a dedup-store outage must not
			// block job submission.
			o.logger.Warn("collapse-key reservation unavailable", zap.Error(err))
		} else if !reserved {
			return ErrDuplicateJob
		} else {
			dedupKey = key
		}
	}

	job.Status = fleet.StatusPending
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if err := o.repo.CreateJob(ctx, job); err != nil {
		// The reservation guards a job that never existed; free it so
		// a retry of the same submission is not locked out.
		if dedupKey != "" {
			if relErr := o.dedup.Release(ctx, dedupKey); relErr != nil {
				o.logger.Warn("collapse-key release failed", zap.Error(relErr))
			}
		}
		return fmt.Errorf("create job: %w", err)
	}

	select {
	case o.queue <- job:
		o.enqueued.Add(1)
		o.logger.Info("job enqueued",
			zap.String("job_id", job.ID),
			zap.String("action", job.Action),
			zap.String("site_id", job.SiteID),
			zap.String("segment", job.Segment),
		)
		return nil
	default:
		o.logger.Warn("job queue full, job left pending", zap.String("job_id", job.ID))
		return ErrQueueFull
	}
}

// Enqueue queues an already-persisted job (e.g. PENDING rows picked up
// after a restart) without re-creating it.
func (o *Orchestrator) Enqueue(job *fleet.Job) error {
	if !o.running.Load() {
		return ErrNotRunning
	}
	select {
	case o.queue <- job:
		o.enqueued.Add(1)
		return nil
	default:
		return ErrQueueFull
	}
}

func (o *Orchestrator) Stats() Stats {
	return Stats{
		Running:      o.running.Load(),
		Workers:      o.config.Workers,
		QueueDepth:   len(o.queue),
		Enqueued:     o.enqueued.Load(),
		Processed:    o.processed.Load(),
		Acknowledged: o.acknowledged.Load(),
		Failed:       o.failed.Load(),
	}
}

// workerLoop dequeues and processes one job at a time. A worker never
// interleaves two jobs, and a fault in one job never kills the worker.
func (o *Orchestrator) workerLoop(ctx context.Context, id int) {
	defer o.wg.Done()
	logger := o.logger.With(zap.Int("worker", id))

	for {
		select {
		case <-ctx.Done():
			logger.Info("worker stopping", zap.String("reason", "context cancelled"))
			return
		case <-o.stop:
			logger.Info("worker stopping", zap.String("reason", "shutdown"))
			return
		case job := <-o.queue:
			o.runJob(ctx, logger, job)
		}
	}
}

// runJob is the fault boundary around one job: a panic anywhere in
// dispatch marks the job FAILED and the worker resumes polling.
func (o *Orchestrator) runJob(ctx context.Context, logger *zap.Logger, job *fleet.Job) {
	// In-flight jobs run to completion even while Stop is waiting, so
	// dispatch gets a context detached from loop cancellation.
	jobCtx := context.WithoutCancel(ctx)

	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("job dispatch panicked",
				zap.String("job_id", job.ID),
				zap.Any("panic", rec),
			)
			o.markFailed(jobCtx, job, nil, fmt.Sprintf("internal fault: %v", rec))
		}
		o.processed.Add(1)
	}()

	o.processJob(jobCtx, logger, job)
}

func (o *Orchestrator) processJob(ctx context.Context, logger *zap.Logger, job *fleet.Job) {
	start := time.Now()

	// SENT is persisted before any network activity so an external
	// observer sees the job in flight even if this process dies
	// mid-dispatch.
	if err := o.transition(ctx, job, fleet.StatusSent, nil, ""); err != nil {
		logger.Error("failed to mark job sent", zap.String("job_id", job.ID), zap.Error(err))
		o.markFailed(ctx, job, nil, fmt.Sprintf("mark sent: %v", err))
		return
	}

	devices, err := o.repo.FindDevices(ctx, job.SiteID, job.Segment)
	if err != nil {
		o.markFailed(ctx, job, nil, fmt.Sprintf("resolve devices: %v", err))
		return
	}

	if len(devices) == 0 {
		result := &fleet.JobResult{Message: "no devices found for target segment"}
		o.markAcknowledged(ctx, job, result)
		logger.Info("job completed with zero targets",
			zap.String("job_id", job.ID),
			zap.String("site_id", job.SiteID),
			zap.String("segment", job.Segment),
		)
		return
	}

	payload := o.buildPayload(job)
	outcomes := o.dispatchToDevices(ctx, devices, payload)

	result := &fleet.JobResult{Devices: outcomes}
	for _, oc := range outcomes {
		if oc.Success {
			result.Successful++
		} else {
			result.Failed++
		}
	}

	if result.Failed == 0 {
		o.markAcknowledged(ctx, job, result)
	} else {
		result.Message = fmt.Sprintf("Failed to send to %d/%d devices", result.Failed, len(devices))
		o.markFailed(ctx, job, result, result.Message)
	}

	logger.Info("job dispatched",
		zap.String("job_id", job.ID),
		zap.Int("devices", len(devices)),
		zap.Int("successful", result.Successful),
		zap.Int("failed", result.Failed),
		zap.Duration("duration", time.Since(start)),
	)
}

// dispatchToDevices fans out sends with bounded concurrency. Outcomes
// come back in device order; one device's failure never aborts the
// rest.
func (o *Orchestrator) dispatchToDevices(ctx context.Context, devices []fleet.DeviceRef, payload *push.Payload) []fleet.DeviceOutcome {
	outcomes := make([]fleet.DeviceOutcome, len(devices))
	var wg sync.WaitGroup
	sem := make(chan struct{}, o.config.DeviceConcurrency)

	for i, dev := range devices {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, dev fleet.DeviceRef) {
			defer wg.Done()
			defer func() { <-sem }()
			defer func() {
				if rec := recover(); rec != nil {
					outcomes[i] = fleet.DeviceOutcome{
						DeviceID:  dev.DeviceID,
						Success:   false,
						ErrorCode: push.CodeUnknown,
						Message:   fmt.Sprintf("send panicked: %v", rec),
					}
				}
			}()
			outcomes[i] = o.sendToDevice(ctx, dev, payload)
		}(i, dev)
	}
	wg.Wait()
	return outcomes
}

func (o *Orchestrator) sendToDevice(ctx context.Context, dev fleet.DeviceRef, payload *push.Payload) fleet.DeviceOutcome {
	provider := o.providers.GetFallback(ctx, o.fallbackOrder(dev))
	if provider == nil {
		return fleet.DeviceOutcome{
			DeviceID:  dev.DeviceID,
			Success:   false,
			ErrorCode: push.CodeNoProvider,
			Message:   "no provider available for device",
		}
	}

	result := o.sendWithRetry(ctx, provider, dev.PushToken, payload)

	outcome := fleet.DeviceOutcome{
		DeviceID:  dev.DeviceID,
		Platform:  result.Platform,
		Success:   result.Success,
		ErrorCode: result.ErrorCode,
		Message:   result.Message,
		MessageID: result.MessageID,
	}
	if result.RetryAfter > 0 {
		outcome.RetryAfter = int(result.RetryAfter / time.Second)
	}
	return outcome
}

// sendWithRetry issues the send, re-attempting transient failures
// within the configured budget and honoring the provider's retry-after
// hint. The default budget is one attempt.
func (o *Orchestrator) sendWithRetry(ctx context.Context, provider push.Provider, token string, payload *push.Payload) push.Result {
	policy := o.config.SendPolicy

	var result push.Result
	for attempt := 1; ; attempt++ {
		result = provider.Send(ctx, token, payload)
		if result.Success || !push.Retryable(result.ErrorCode) || attempt >= policy.MaxAttempts {
			return result
		}
		if err := retry.Sleep(ctx, policy.Delay(attempt, result.RetryAfter)); err != nil {
			return result
		}
	}
}

// fallbackOrder builds the ordered platform preference list for a
// device: the configured list for its type, else its own platform
// followed by the default chain.
func (o *Orchestrator) fallbackOrder(dev fleet.DeviceRef) []string {
	if order, ok := o.config.FallbackOrder[dev.DeviceType]; ok {
		return order
	}

	order := make([]string, 0, len(o.config.DefaultFallback)+1)
	if dev.Platform != "" {
		order = append(order, dev.Platform)
	}
	for _, name := range o.config.DefaultFallback {
		if dev.Platform != name {
			order = append(order, name)
		}
	}
	return order
}

func (o *Orchestrator) buildPayload(job *fleet.Job) *push.Payload {
	data := map[string]string{"action": job.Action, "job_id": job.ID}
	if len(job.Payload) > 0 {
		data["payload"] = string(job.Payload)
	}

	title := job.Title
	if title == "" {
		title = job.Action
	}

	opts := []push.PayloadOption{push.WithData(data)}
	if job.CollapseKey != "" {
		opts = append(opts, push.WithCollapseKey(job.CollapseKey))
	}

	ttl := job.TTLSeconds
	if ttl <= 0 {
		ttl = 3600
	}
	return push.NewPayload(title, job.Body, jobPriority(job.Priority), ttl, opts...)
}

func jobPriority(p int) push.Priority {
	switch {
	case p <= 0:
		return push.PriorityLow
	case p == 1:
		return push.PriorityNormal
	case p == 2:
		return push.PriorityHigh
	default:
		return push.PriorityCritical
	}
}

// transition persists a status change and notifies the observer. The
// aggregate-and-persist step is the single sequential point per job;
// no two goroutines write one job's status.
func (o *Orchestrator) transition(ctx context.Context, job *fleet.Job, to fleet.JobStatus, result *fleet.JobResult, errMsg string) error {
	from := job.Status
	if err := o.repo.UpdateJobStatus(ctx, job.ID, to, result, errMsg); err != nil {
		return err
	}

	now := time.Now().UTC()
	job.Status = to
	job.Result = result
	job.ErrorMessage = errMsg
	switch to {
	case fleet.StatusSent:
		job.StartedAt = &now
	case fleet.StatusAcknowledged, fleet.StatusFailed:
		job.CompletedAt = &now
	}

	if o.observer != nil {
		o.observer(job, from, to)
	}
	return nil
}

func (o *Orchestrator) markAcknowledged(ctx context.Context, job *fleet.Job, result *fleet.JobResult) {
	if err := o.transition(ctx, job, fleet.StatusAcknowledged, result, ""); err != nil {
		o.logger.Error("failed to persist acknowledged status",
			zap.String("job_id", job.ID),
			zap.Error(err),
		)
		return
	}
	o.acknowledged.Add(1)
}

// markFailed is best-effort: if even the failure write fails there is
// nothing left to do but log, the repository being the record of
// truth a restart reconciles against.
func (o *Orchestrator) markFailed(ctx context.Context, job *fleet.Job, result *fleet.JobResult, errMsg string) {
	if job.Status.Terminal() {
		return
	}
	if err := o.transition(ctx, job, fleet.StatusFailed, result, errMsg); err != nil {
		o.logger.Error("failed to persist failed status",
			zap.String("job_id", job.ID),
			zap.String("job_error", errMsg),
			zap.Error(err),
		)
		return
	}
	o.failed.Add(1)
}
