package stockify

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"
)

// outcome collects meter events produced under a job lock so they can be
// reported after it is released.
type outcome struct {
	result *ResultEvent
	done   []TaskEvent
}

func (o *Orchestrator) emit(out outcome) {
	if out.result != nil {
		o.meter.OnResult(*out.result)
	}
	for _, e := range out.done {
		o.meter.OnTaskDone(e)
	}
}

// run drives one job until every task is terminal.
// A fan-out slot is held before any task is picked; workers release it.
func (o *Orchestrator) run(ctx context.Context, r *batchRun) {
	for {
		select {
		case r.slots <- struct{}{}:
		case <-r.done:
			return
		}

		t, model, wait, finished := o.next(r)
		if finished {
			<-r.slots
			return
		}
		if t == nil {
			<-r.slots
			o.idle(r, wait)
			continue
		}

		if !o.dispatch(ctx, r, t, model) {
			<-r.slots
		}
	}
}

// next returns the first pending task that is eligible now. If none is, it
// returns the time until the earliest one becomes eligible, or -1 if only
// in-flight tasks remain.
func (o *Orchestrator) next(r *batchRun) (*ImageTask, string, time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.finishedAt.IsZero() {
		return nil, "", 0, true
	}

	now := o.now()
	wait := time.Duration(-1)
	for _, t := range r.tasks {
		if t.State != TaskPending {
			continue
		}
		if !t.eligibleAt.After(now) {
			return t, t.Model, 0, false
		}
		if d := t.eligibleAt.Sub(now); wait < 0 || d < wait {
			wait = d
		}
	}
	return nil, "", wait, false
}

// idle parks the scheduler until a task settles, a deferred task becomes
// eligible, or the job finishes.
func (o *Orchestrator) idle(r *batchRun, wait time.Duration) {
	// wait was measured on o.now; under an injected clock it says nothing
	// about real time.
	if o.poll > 0 && wait > o.poll {
		wait = o.poll
	}

	var timeout <-chan time.Time
	if wait >= 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-r.wake:
	case <-timeout:
	case <-r.done:
	}
}

// dispatch runs the admission steps for t and starts a worker if the task
// was admitted. It returns false if no worker took over the fan-out slot.
func (o *Orchestrator) dispatch(ctx context.Context, r *batchRun, t *ImageTask, model string) bool {
	now := o.now()

	// Throttled: defer this task and move on to the next one.
	// The token is spent before the ledger is asked, so a quota denial or a
	// fallback switch below consumes one rate token without making a call.
	if wait := o.limiter.Acquire(model); wait > 0 {
		r.mu.Lock()
		if t.State == TaskPending {
			t.eligibleAt = now.Add(wait)
		}
		r.mu.Unlock()
		return false
	}

	grant, err := o.ledger.TryConsume(ctx, model, 1)
	if err != nil {
		var out outcome
		r.mu.Lock()
		if t.State == TaskPending {
			t.Attempts++
			o.settleFailure(r, t, fmt.Errorf("%w: quota ledger: %w", ErrUnavailable, err), &out)
		}
		r.mu.Unlock()
		o.emit(out)
		return false
	}

	if !grant.Allowed {
		var out outcome
		r.mu.Lock()
		if t.State == TaskPending {
			if fb := o.fallbackFor(t); fb != "" {
				t.Model = fb
				t.tried = append(t.tried, fb)
				t.eligibleAt = time.Time{}
			} else {
				out.done = append(out.done, o.terminate(r, t, TaskFailedTerminal, &QuotaError{Model: model, ResetAt: grant.ResetAt}))
			}
		}
		r.mu.Unlock()
		o.emit(out)
		return false
	}

	r.mu.Lock()
	if t.State != TaskPending || r.stopped {
		r.mu.Unlock()
		_ = o.ledger.Refund(ctx, grant)
		return false
	}
	t.State = TaskInFlight
	t.Attempts++
	attempt := t.Attempts
	r.mu.Unlock()

	o.meter.OnDispatch(DispatchEvent{
		JobID:   r.id,
		TaskID:  t.ID,
		Model:   model,
		Attempt: attempt,
	})

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.work(ctx, r, t, model, grant, attempt)
	}()
	return true
}

// work performs one call and settles the task. It owns the fan-out slot
// acquired by the scheduler.
func (o *Orchestrator) work(ctx context.Context, r *batchRun, t *ImageTask, model string, grant Grant, attempt int) {
	defer func() {
		<-r.slots
		r.signal()
	}()

	start := time.Now()
	md, err := o.client.Infer(ctx, t.Image, model)
	duration := time.Since(start)

	// A failed call does not count against the quota.
	if err != nil {
		_ = o.ledger.Refund(ctx, grant)
	}

	ev := ResultEvent{
		JobID:    r.id,
		TaskID:   t.ID,
		Model:    model,
		Attempt:  attempt,
		Success:  err == nil,
		Duration: duration,
		Err:      err,
	}

	var out outcome
	r.mu.Lock()
	switch {
	case t.State != TaskInFlight:
		// Cancelled while in flight.
		ev.Discarded = true
	case err == nil:
		t.Metadata = &md
		t.Err = nil
		out.done = append(out.done, o.terminate(r, t, TaskSucceeded, nil))
	default:
		ev.Class, ev.Delay = o.settleFailure(r, t, err, &out)
	}
	r.mu.Unlock()

	out.result = &ev
	o.emit(out)
}

// settleFailure applies the retry policy to a failed attempt of t.
// Must be called with r.mu held.
func (o *Orchestrator) settleFailure(r *batchRun, t *ImageTask, err error, out *outcome) (RetryClass, time.Duration) {
	class := o.retry.Classify(err)

	switch {
	case errors.Is(err, ErrUnauthorized):
		// A credential problem fails every other image too.
		out.done = append(out.done, o.terminate(r, t, TaskFailedTerminal, err))
		out.done = append(out.done, o.abort(r, err)...)
		return Terminal, 0
	case class == Terminal:
		out.done = append(out.done, o.terminate(r, t, TaskFailedTerminal, err))
		return class, 0
	case r.stopped:
		out.done = append(out.done, o.terminate(r, t, TaskFailedTerminal, fmt.Errorf("%w: %w", ErrBatchAborted, err)))
		return class, 0
	case t.Attempts >= o.retry.MaxAttempts():
		out.done = append(out.done, o.terminate(r, t, TaskFailedTerminal,
			fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, t.Attempts, err)))
		return class, 0
	}

	delay := o.retry.Delay(t.Attempts, err)
	t.State = TaskPending
	t.Err = err
	t.eligibleAt = o.now().Add(delay)
	return class, delay
}

// abort stops issuing calls for r and fails every pending task with cause.
// In-flight tasks are left to finish. Must be called with r.mu held.
func (o *Orchestrator) abort(r *batchRun, cause error) []TaskEvent {
	r.stopped = true

	var events []TaskEvent
	for _, t := range r.tasks {
		if t.State == TaskPending {
			events = append(events, o.terminate(r, t, TaskFailedTerminal, fmt.Errorf("%w: %w", ErrBatchAborted, cause)))
		}
	}
	return events
}

// terminate moves t to a terminal state. Must be called with r.mu held.
func (o *Orchestrator) terminate(r *batchRun, t *ImageTask, state TaskState, err error) TaskEvent {
	t.State = state
	t.Err = err
	r.finishLocked(o.now())

	return TaskEvent{
		JobID:    r.id,
		TaskID:   t.ID,
		Model:    t.Model,
		State:    state,
		Attempts: t.Attempts,
		Kind:     Kind(err),
		Err:      err,
	}
}

// fallbackFor returns the first fallback of t's current model that t has not
// tried yet, or "" if there is none.
func (o *Orchestrator) fallbackFor(t *ImageTask) string {
	m, ok := o.cfg.Model(t.Model)
	if !ok {
		return ""
	}
	for _, fb := range m.Fallback {
		if !slices.Contains(t.tried, fb) {
			return fb
		}
	}
	return ""
}
