package stockify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultConcurrency is the per-batch fan-out used when none is configured.
	DefaultConcurrency = 4

	// DefaultRetention is how long finished jobs stay queryable.
	DefaultRetention = time.Hour
)

// Orchestrator fans batches of images out to an InferenceClient under the
// quota ledger and rate limiter, and tracks per-task outcomes.
type Orchestrator struct {
	cfg       Config
	client    InferenceClient
	ledger    QuotaLedger
	limiter   RateLimiter
	retry     RetryPolicy
	meter     Meter
	fanout    int
	retention time.Duration
	now       func() time.Time
	poll      time.Duration // max idle wait; 0 means sleep until the next eligibility

	mu   sync.RWMutex
	jobs map[string]*batchRun
	wg   sync.WaitGroup
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithQuotaLedger sets the quota ledger.
func WithQuotaLedger(l QuotaLedger) Option {
	return func(o *Orchestrator) { o.ledger = l }
}

// WithRateLimiter sets the rate limiter.
func WithRateLimiter(l RateLimiter) Option {
	return func(o *Orchestrator) { o.limiter = l }
}

// WithRetryPolicy sets the retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(o *Orchestrator) { o.retry = p }
}

// WithMeter sets the meter.
func WithMeter(m Meter) Option {
	return func(o *Orchestrator) { o.meter = m }
}

// clockPoll bounds how long the scheduler sleeps under an injected clock.
const clockPoll = 10 * time.Millisecond

// WithClock overrides the wall clock used for eligibility timestamps and
// retention. Waits for deferred tasks still run on real timers, so with an
// injected clock the scheduler re-checks eligibility every 10ms instead of
// sleeping for the full computed wait. Deferred tasks only become eligible
// once the injected clock reaches their eligibility time.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
		o.poll = clockPoll
	}
}

// NewOrchestrator creates an Orchestrator for the given config and client.
// Default components (unlimited ledger, no throttling, single attempt, NoopMeter)
// are used unless overridden via options.
func NewOrchestrator(cfg Config, client InferenceClient, opts ...Option) (*Orchestrator, error) {
	if client == nil {
		return nil, fmt.Errorf("stockify: an inference client is required")
	}

	o := &Orchestrator{
		cfg:       cfg,
		client:    client,
		fanout:    cfg.Concurrency,
		retention: cfg.Retention,
		now:       time.Now,
		jobs:      make(map[string]*batchRun),
	}

	for _, opt := range opts {
		opt(o)
	}

	// Apply defaults after options.
	if o.fanout <= 0 {
		o.fanout = DefaultConcurrency
	}
	if o.retention <= 0 {
		o.retention = DefaultRetention
	}
	if o.ledger == nil {
		o.ledger = &noopLedger{}
	}
	if o.limiter == nil {
		o.limiter = &noopLimiter{}
	}
	if o.retry == nil {
		o.retry = &singleAttemptPolicy{}
	}
	if o.meter == nil {
		o.meter = &noopMeter{}
	}

	// Seed ceilings and rates from the catalog if the components support it.
	// A zero ceiling or rate means the model is not limited on that axis.
	if init, ok := o.ledger.(QuotaInitializer); ok {
		for _, m := range cfg.Models {
			if m.DailyCeiling > 0 {
				if err := init.SetCeiling(m.ID, m.DailyCeiling, m.QuotaWindow()); err != nil {
					return nil, fmt.Errorf("stockify: seed quota for %s: %w", m.ID, err)
				}
			}
		}
	}
	if init, ok := o.limiter.(LimitInitializer); ok {
		for _, m := range cfg.Models {
			if m.Rate() > 0 {
				init.SetLimit(m.ID, m.Rate(), m.Burst)
			}
		}
	}

	return o, nil
}

// Submit starts processing images with model and returns the new job.
// An empty model selects the configured default.
func (o *Orchestrator) Submit(ctx context.Context, images []Image, model string) (BatchJob, error) {
	if err := ctx.Err(); err != nil {
		return BatchJob{}, err
	}
	if len(images) == 0 {
		return BatchJob{}, ErrEmptyBatch
	}
	if model == "" {
		model = o.cfg.DefaultModel
	}
	if model == "" {
		return BatchJob{}, fmt.Errorf("%w: no model selected", ErrUnknownModel)
	}
	if len(o.cfg.Models) > 0 {
		if _, ok := o.cfg.Model(model); !ok {
			return BatchJob{}, fmt.Errorf("%w: %q", ErrUnknownModel, model)
		}
	}

	now := o.now()
	r := &batchRun{
		id:        uuid.New().String(),
		model:     model,
		createdAt: now,
		tasks:     make([]*ImageTask, len(images)),
		slots:     make(chan struct{}, o.fanout),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	for i, img := range images {
		r.tasks[i] = &ImageTask{
			ID:    uuid.New().String(),
			Image: img,
			Model: model,
			State: TaskPending,
			tried: []string{model},
		}
	}

	o.mu.Lock()
	o.purge(now)
	o.jobs[r.id] = r
	o.mu.Unlock()

	job := r.snapshot()

	// The job outlives the submitting request; only values are inherited.
	runCtx := context.WithoutCancel(ctx)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.run(runCtx, r)
	}()

	return job, nil
}

// Status returns the current summary of a job.
func (o *Orchestrator) Status(jobID string) (BatchResult, error) {
	r, err := o.lookup(jobID)
	if err != nil {
		return BatchResult{}, err
	}
	return r.result(), nil
}

// Cancel marks every non-terminal task of a job failed with ErrCancelled.
// Calls already in flight complete, but their results are discarded.
func (o *Orchestrator) Cancel(jobID string) error {
	r, err := o.lookup(jobID)
	if err != nil {
		return err
	}

	var events []TaskEvent
	r.mu.Lock()
	r.stopped = true
	for _, t := range r.tasks {
		if !t.State.Terminal() {
			events = append(events, o.terminate(r, t, TaskFailedTerminal, ErrCancelled))
		}
	}
	r.mu.Unlock()

	for _, e := range events {
		o.meter.OnTaskDone(e)
	}
	r.signal()
	return nil
}

// Wait blocks until every task of the job is terminal or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context, jobID string) (BatchResult, error) {
	r, err := o.lookup(jobID)
	if err != nil {
		return BatchResult{}, err
	}

	select {
	case <-r.done:
		return r.result(), nil
	case <-ctx.Done():
		return r.result(), ctx.Err()
	}
}

// Shutdown cancels all unfinished jobs and waits for outstanding calls to return.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.RLock()
	ids := make([]string, 0, len(o.jobs))
	for id := range o.jobs {
		ids = append(ids, id)
	}
	o.mu.RUnlock()

	for _, id := range ids {
		_ = o.Cancel(id)
	}

	idle := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(idle)
	}()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) lookup(jobID string) (*batchRun, error) {
	o.mu.RLock()
	r, ok := o.jobs[jobID]
	o.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return r, nil
}

// purge drops jobs that finished more than the retention period ago.
// Must be called with o.mu held.
func (o *Orchestrator) purge(now time.Time) {
	for id, r := range o.jobs {
		r.mu.Lock()
		finished := r.finishedAt
		r.mu.Unlock()
		if !finished.IsZero() && now.Sub(finished) >= o.retention {
			delete(o.jobs, id)
		}
	}
}

// singleAttemptPolicy never retries.
type singleAttemptPolicy struct{}

func (p *singleAttemptPolicy) Classify(err error) RetryClass {
	if IsRetryable(err) {
		return Retryable
	}
	return Terminal
}
func (p *singleAttemptPolicy) Delay(int, error) time.Duration { return 0 }
func (p *singleAttemptPolicy) MaxAttempts() int               { return 1 }

// noopLedger is a ledger that allows everything (no ceilings).
type noopLedger struct{}

func (l *noopLedger) TryConsume(_ context.Context, model string, amount int64) (Grant, error) {
	return Grant{Model: model, Amount: amount, Allowed: true, Unlimited: true}, nil
}
func (l *noopLedger) Refund(context.Context, Grant) error             { return nil }
func (l *noopLedger) Remaining(context.Context, string) (int64, error) { return UnlimitedQuota, nil }

// noopLimiter never throttles.
type noopLimiter struct{}

func (l *noopLimiter) Acquire(string) time.Duration { return 0 }

// noopMeter is a meter that does nothing.
type noopMeter struct{}

func (m *noopMeter) OnDispatch(DispatchEvent) {}
func (m *noopMeter) OnResult(ResultEvent)     {}
func (m *noopMeter) OnTaskDone(TaskEvent)     {}
