package stockify_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/stockify"
	"github.com/ineyio/stockify/inference/mock"
	"github.com/ineyio/stockify/meter"
	"github.com/ineyio/stockify/mocks"
	"github.com/ineyio/stockify/quota"
	"github.com/ineyio/stockify/ratelimit"
	"github.com/ineyio/stockify/retry"
)

func fastRetry(maxAttempts int) *retry.Policy {
	return retry.New(
		retry.WithMaxAttempts(maxAttempts),
		retry.WithBaseDelay(time.Millisecond),
		retry.WithMaxDelay(5*time.Millisecond),
		retry.WithJitter(0),
	)
}

func images(n int) []stockify.Image {
	imgs := make([]stockify.Image, n)
	for i := range imgs {
		imgs[i] = stockify.Image{
			Name:     fmt.Sprintf("img-%d.jpg", i),
			MIMEType: "image/jpeg",
			Data:     []byte{0xff, 0xd8, 0xff, 0xd9},
		}
	}
	return imgs
}

func oneModel(ceiling int64, concurrency int) stockify.Config {
	return stockify.Config{
		DefaultModel: "flash",
		Concurrency:  concurrency,
		Models:       []stockify.ModelConfig{{ID: "flash", DailyCeiling: ceiling}},
	}
}

func newTestOrchestrator(t *testing.T, cfg stockify.Config, client stockify.InferenceClient, opts ...stockify.Option) *stockify.Orchestrator {
	t.Helper()
	defaults := []stockify.Option{
		stockify.WithQuotaLedger(quota.NewMemoryLedger()),
		stockify.WithRetryPolicy(fastRetry(3)),
		stockify.WithMeter(&meter.NoopMeter{}),
	}
	o, err := stockify.NewOrchestrator(cfg, client, append(defaults, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		o.Shutdown(ctx)
	})
	return o
}

func submitAndWait(t *testing.T, o *stockify.Orchestrator, imgs []stockify.Image, model string) stockify.BatchResult {
	t.Helper()
	job, err := o.Submit(context.Background(), imgs, model)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := o.Wait(ctx, job.ID)
	require.NoError(t, err)
	return res
}

func TestSubmit_AllSucceed(t *testing.T) {
	client := mock.New()
	o := newTestOrchestrator(t, oneModel(100, 3), client)

	job, err := o.Submit(context.Background(), images(5), "")
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, "flash", job.Model)
	require.Len(t, job.Tasks, 5)

	ids := map[string]bool{}
	for _, task := range job.Tasks {
		ids[task.ID] = true
	}
	assert.Len(t, ids, 5)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := o.Wait(ctx, job.ID)
	require.NoError(t, err)

	assert.True(t, res.Done())
	assert.Equal(t, 5, res.Succeeded)
	assert.Equal(t, 0, res.Failed)
	for i, task := range res.Tasks {
		assert.Equal(t, job.Tasks[i].ID, task.ID)
		assert.Equal(t, stockify.TaskSucceeded, task.State)
		assert.Equal(t, 1, task.Attempts)
		require.NotNil(t, task.Metadata)
		assert.NotEmpty(t, task.Metadata.Description)
	}
	assert.Equal(t, int64(5), client.CallCount())
}

func TestSubmit_TransientFailuresRetried(t *testing.T) {
	client := mock.New(mock.WithScript("img-0.jpg",
		stockify.ErrUnavailable, stockify.ErrUnavailable, stockify.ErrUnavailable, nil))
	o := newTestOrchestrator(t, oneModel(100, 1), client,
		stockify.WithRetryPolicy(fastRetry(5)))

	res := submitAndWait(t, o, images(1), "")

	task := res.Tasks[0]
	assert.Equal(t, stockify.TaskSucceeded, task.State)
	assert.Equal(t, 4, task.Attempts)
	assert.NoError(t, task.Err)
	assert.Equal(t, 4, client.CallsFor("img-0.jpg"))
}

func TestSubmit_TerminalErrorNotRetried(t *testing.T) {
	client := mock.New(mock.WithScript("img-0.jpg", stockify.ErrInvalid))
	o := newTestOrchestrator(t, oneModel(100, 1), client,
		stockify.WithRetryPolicy(fastRetry(5)))

	res := submitAndWait(t, o, images(2), "")

	assert.Equal(t, stockify.TaskFailedTerminal, res.Tasks[0].State)
	assert.Equal(t, 1, res.Tasks[0].Attempts)
	assert.Equal(t, stockify.KindInvalid, res.Tasks[0].Kind())
	assert.Equal(t, stockify.TaskSucceeded, res.Tasks[1].State)
	assert.Equal(t, 1, client.CallsFor("img-0.jpg"))
}

func TestSubmit_RetriesExhausted(t *testing.T) {
	client := mock.New(mock.WithError(&stockify.InferenceError{Err: stockify.ErrRateLimited, Model: "flash"}))
	o := newTestOrchestrator(t, oneModel(100, 2), client,
		stockify.WithRetryPolicy(fastRetry(3)))

	res := submitAndWait(t, o, images(2), "")

	assert.Equal(t, 2, res.Failed)
	for _, task := range res.Tasks {
		assert.Equal(t, stockify.TaskFailedTerminal, task.State)
		assert.Equal(t, 3, task.Attempts)
		assert.Equal(t, stockify.KindRetriesExhausted, task.Kind())
		assert.ErrorIs(t, task.Err, stockify.ErrRateLimited)
	}
	assert.Equal(t, int64(6), client.CallCount())
}

func TestSubmit_QuotaCeiling(t *testing.T) {
	client := mock.New()
	ledger := quota.NewMemoryLedger()
	o := newTestOrchestrator(t, oneModel(2, 1), client, stockify.WithQuotaLedger(ledger))

	res := submitAndWait(t, o, images(4), "")

	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, 2, res.Failed)
	assert.Equal(t, int64(2), client.CallCount())

	for _, task := range res.Tasks[2:] {
		assert.Equal(t, stockify.KindQuotaExceeded, task.Kind())
		assert.Equal(t, 0, task.Attempts)

		var qe *stockify.QuotaError
		require.True(t, errors.As(task.Err, &qe))
		assert.Equal(t, "flash", qe.Model)
		assert.True(t, qe.ResetAt.After(time.Now()))
	}

	remaining, err := ledger.Remaining(context.Background(), "flash")
	require.NoError(t, err)
	assert.Equal(t, int64(0), remaining)
}

func TestSubmit_FailedCallsRefundQuota(t *testing.T) {
	client := mock.New(mock.WithScript("img-0.jpg", stockify.ErrUnavailable, nil))
	ledger := quota.NewMemoryLedger()
	o := newTestOrchestrator(t, oneModel(1, 1), client, stockify.WithQuotaLedger(ledger))

	res := submitAndWait(t, o, images(1), "")

	assert.Equal(t, stockify.TaskSucceeded, res.Tasks[0].State)
	assert.Equal(t, 2, res.Tasks[0].Attempts)

	remaining, _ := ledger.Remaining(context.Background(), "flash")
	assert.Equal(t, int64(0), remaining)
}

func TestSubmit_FallbackModel(t *testing.T) {
	cfg := stockify.Config{
		DefaultModel: "flash",
		Concurrency:  1,
		Models: []stockify.ModelConfig{
			{ID: "flash", DailyCeiling: 1, Fallback: []string{"lite"}},
			{ID: "lite", DailyCeiling: 10},
		},
	}
	client := mock.New()
	o := newTestOrchestrator(t, cfg, client)

	res := submitAndWait(t, o, images(3), "")

	assert.Equal(t, 3, res.Succeeded)
	assert.Equal(t, "flash", res.Tasks[0].Model)
	assert.Equal(t, "lite", res.Tasks[1].Model)
	assert.Equal(t, "lite", res.Tasks[2].Model)
	assert.Equal(t, []string{"lite"}, client.ModelsFor("img-1.jpg"))
}

func TestSubmit_FallbackExhausted(t *testing.T) {
	cfg := stockify.Config{
		DefaultModel: "flash",
		Concurrency:  1,
		Models: []stockify.ModelConfig{
			{ID: "flash", DailyCeiling: 1, Fallback: []string{"lite"}},
			{ID: "lite", DailyCeiling: 1, Fallback: []string{"flash"}},
		},
	}
	o := newTestOrchestrator(t, cfg, mock.New())

	res := submitAndWait(t, o, images(3), "")

	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, stockify.KindQuotaExceeded, res.Tasks[2].Kind())
}

func TestSubmit_UnauthorizedAbortsBatch(t *testing.T) {
	client := mock.New(mock.WithScript("img-2.jpg",
		&stockify.InferenceError{Err: stockify.ErrUnauthorized, Model: "flash"}))
	o := newTestOrchestrator(t, oneModel(100, 1), client)

	res := submitAndWait(t, o, images(10), "")

	assert.Equal(t, stockify.TaskSucceeded, res.Tasks[0].State)
	assert.Equal(t, stockify.TaskSucceeded, res.Tasks[1].State)
	assert.Equal(t, stockify.KindUnauthorized, res.Tasks[2].Kind())
	for _, task := range res.Tasks[3:] {
		assert.Equal(t, stockify.TaskFailedTerminal, task.State)
		assert.Equal(t, stockify.KindAborted, task.Kind())
		assert.ErrorIs(t, task.Err, stockify.ErrUnauthorized)
		assert.Equal(t, 0, task.Attempts)
	}
	assert.Equal(t, int64(3), client.CallCount())
}

// gatedClient answers each image with a scripted error. Images listed in
// gated wait for release before answering.
type gatedClient struct {
	errs    map[string]error
	gated   map[string]bool
	release chan struct{}

	mu    sync.Mutex
	calls []string
}

func (c *gatedClient) Infer(ctx context.Context, img stockify.Image, model string) (stockify.Metadata, error) {
	c.mu.Lock()
	c.calls = append(c.calls, img.Name)
	c.mu.Unlock()

	if c.gated[img.Name] {
		select {
		case <-c.release:
		case <-ctx.Done():
			return stockify.Metadata{}, ctx.Err()
		}
	}
	if err := c.errs[img.Name]; err != nil {
		return stockify.Metadata{}, err
	}
	return stockify.Metadata{Description: "Stock photo " + img.Name, Keywords: []string{"stock"}}, nil
}

func (c *gatedClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func TestSubmit_UnauthorizedAbortLetsInFlightFinish(t *testing.T) {
	client := &gatedClient{
		errs: map[string]error{
			"img-1.jpg": &stockify.InferenceError{Err: stockify.ErrUnavailable, Model: "flash"},
			"img-2.jpg": &stockify.InferenceError{Err: stockify.ErrUnauthorized, Model: "flash"},
		},
		gated:   map[string]bool{"img-0.jpg": true, "img-1.jpg": true},
		release: make(chan struct{}),
	}
	o := newTestOrchestrator(t, oneModel(100, 3), client,
		stockify.WithRetryPolicy(fastRetry(5)))

	job, err := o.Submit(context.Background(), images(8), "")
	require.NoError(t, err)

	// img-0 and img-1 are still in flight when img-2 aborts the batch.
	require.Eventually(t, func() bool {
		res, err := o.Status(job.ID)
		return err == nil && res.Tasks[7].State == stockify.TaskFailedTerminal
	}, 5*time.Second, time.Millisecond)

	mid, err := o.Status(job.ID)
	require.NoError(t, err)
	assert.Equal(t, stockify.TaskInFlight, mid.Tasks[0].State)
	assert.Equal(t, stockify.TaskInFlight, mid.Tasks[1].State)
	assert.False(t, mid.Done())

	close(client.release)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := o.Wait(ctx, job.ID)
	require.NoError(t, err)

	assert.Equal(t, stockify.TaskSucceeded, res.Tasks[0].State)
	require.NotNil(t, res.Tasks[0].Metadata)
	assert.Equal(t, "Stock photo img-0.jpg", res.Tasks[0].Metadata.Description)

	// A retryable failure after the abort is not retried.
	assert.Equal(t, stockify.TaskFailedTerminal, res.Tasks[1].State)
	assert.Equal(t, stockify.KindAborted, res.Tasks[1].Kind())
	assert.ErrorIs(t, res.Tasks[1].Err, stockify.ErrUnavailable)
	assert.Equal(t, 1, res.Tasks[1].Attempts)

	assert.Equal(t, stockify.KindUnauthorized, res.Tasks[2].Kind())
	for _, task := range res.Tasks[3:] {
		assert.Equal(t, stockify.KindAborted, task.Kind())
		assert.ErrorIs(t, task.Err, stockify.ErrUnauthorized)
		assert.Equal(t, 0, task.Attempts)
	}
	assert.Equal(t, 3, client.callCount())
}

func TestCancel_DiscardsInFlightResults(t *testing.T) {
	block := make(chan struct{})
	client := mock.New(mock.WithBlock(block))
	o := newTestOrchestrator(t, oneModel(100, 2), client)

	job, err := o.Submit(context.Background(), images(5), "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		res, _ := o.Status(job.ID)
		return res.InFlight == 2
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, o.Cancel(job.ID))

	res, err := o.Status(job.ID)
	require.NoError(t, err)
	assert.True(t, res.Done())
	assert.Equal(t, 5, res.Failed)

	close(block)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, o.Shutdown(ctx))

	res, err = o.Status(job.ID)
	require.NoError(t, err)
	for _, task := range res.Tasks {
		assert.Equal(t, stockify.TaskFailedTerminal, task.State)
		assert.Equal(t, stockify.KindCancelled, task.Kind())
		assert.Nil(t, task.Metadata)
	}
	assert.Equal(t, int64(2), client.CallCount())
}

func TestCancel_FinishedJobUnchanged(t *testing.T) {
	o := newTestOrchestrator(t, oneModel(100, 2), mock.New())
	res := submitAndWait(t, o, images(2), "")

	require.NoError(t, o.Cancel(res.JobID))

	after, err := o.Status(res.JobID)
	require.NoError(t, err)
	assert.Equal(t, 2, after.Succeeded)
}

func TestStatus_Idempotent(t *testing.T) {
	o := newTestOrchestrator(t, oneModel(100, 2), mock.New())
	res := submitAndWait(t, o, images(3), "")

	a, err := o.Status(res.JobID)
	require.NoError(t, err)
	b, err := o.Status(res.JobID)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestUnknownJob(t *testing.T) {
	o := newTestOrchestrator(t, oneModel(100, 1), mock.New())

	_, err := o.Status("missing")
	assert.ErrorIs(t, err, stockify.ErrJobNotFound)
	assert.ErrorIs(t, o.Cancel("missing"), stockify.ErrJobNotFound)
}

func TestSubmit_Validation(t *testing.T) {
	o := newTestOrchestrator(t, oneModel(100, 1), mock.New())

	_, err := o.Submit(context.Background(), nil, "")
	assert.ErrorIs(t, err, stockify.ErrEmptyBatch)

	_, err = o.Submit(context.Background(), images(1), "pro")
	assert.ErrorIs(t, err, stockify.ErrUnknownModel)
}

func TestSubmit_RateLimited(t *testing.T) {
	cfg := stockify.Config{
		DefaultModel: "flash",
		Concurrency:  4,
		Models:       []stockify.ModelConfig{{ID: "flash", RatePerSecond: 20, Burst: 1}},
	}
	o := newTestOrchestrator(t, cfg, mock.New(), stockify.WithRateLimiter(ratelimit.New()))

	start := time.Now()
	res := submitAndWait(t, o, images(4), "")
	elapsed := time.Since(start)

	assert.Equal(t, 4, res.Succeeded)
	// One token up front, then one every 50ms.
	assert.GreaterOrEqual(t, elapsed, 140*time.Millisecond)
}

func TestSubmit_QuotaDenialSpendsRateToken(t *testing.T) {
	cfg := stockify.Config{
		DefaultModel: "flash",
		Concurrency:  1,
		Models:       []stockify.ModelConfig{{ID: "flash", DailyCeiling: 1, RatePerSecond: 0.001, Burst: 2}},
	}
	limiter := ratelimit.New()
	client := mock.New()
	o := newTestOrchestrator(t, cfg, client, stockify.WithRateLimiter(limiter))

	res := submitAndWait(t, o, images(2), "")

	assert.Equal(t, stockify.TaskSucceeded, res.Tasks[0].State)
	assert.Equal(t, stockify.KindQuotaExceeded, res.Tasks[1].Kind())
	assert.Equal(t, int64(1), client.CallCount())
	assert.Less(t, limiter.Tokens("flash"), 1.0)
}

func TestSubmit_RetryAfterHonored(t *testing.T) {
	client := mock.New(mock.WithScript("img-0.jpg",
		&stockify.InferenceError{Err: stockify.ErrRateLimited, Model: "flash", RetryAfter: 100 * time.Millisecond}))
	o := newTestOrchestrator(t, oneModel(100, 1), client)

	start := time.Now()
	res := submitAndWait(t, o, images(1), "")

	assert.Equal(t, stockify.TaskSucceeded, res.Tasks[0].State)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

type failingLedger struct{}

func (failingLedger) TryConsume(context.Context, string, int64) (stockify.Grant, error) {
	return stockify.Grant{}, errors.New("connection refused")
}
func (failingLedger) Refund(context.Context, stockify.Grant) error { return nil }
func (failingLedger) Remaining(context.Context, string) (int64, error) {
	return 0, errors.New("connection refused")
}

func TestSubmit_LedgerErrorCountsAsUnavailable(t *testing.T) {
	client := mock.New()
	o := newTestOrchestrator(t, oneModel(100, 1), client,
		stockify.WithQuotaLedger(failingLedger{}),
		stockify.WithRetryPolicy(fastRetry(2)))

	res := submitAndWait(t, o, images(1), "")

	task := res.Tasks[0]
	assert.Equal(t, stockify.TaskFailedTerminal, task.State)
	assert.Equal(t, 2, task.Attempts)
	assert.Equal(t, stockify.KindRetriesExhausted, task.Kind())
	assert.ErrorIs(t, task.Err, stockify.ErrUnavailable)
	assert.Equal(t, int64(0), client.CallCount())
}

// unseedableLedger cannot store ceilings.
type unseedableLedger struct {
	failingLedger
}

func (unseedableLedger) SetCeiling(string, int64, time.Duration) error {
	return errors.New("connection refused")
}

func TestNewOrchestrator_SeedFailureIsError(t *testing.T) {
	_, err := stockify.NewOrchestrator(oneModel(100, 1), mock.New(),
		stockify.WithQuotaLedger(unseedableLedger{}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "seed quota for flash")
}

func TestSubmit_LazyRetentionPurge(t *testing.T) {
	var mu sync.Mutex
	now := time.Now()
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	cfg := oneModel(100, 1)
	cfg.Retention = time.Hour
	o := newTestOrchestrator(t, cfg, mock.New(), stockify.WithClock(clock))

	first := submitAndWait(t, o, images(1), "")

	mu.Lock()
	now = now.Add(2 * time.Hour)
	mu.Unlock()

	_, err := o.Status(first.JobID)
	require.NoError(t, err, "purge happens on the next submit")

	submitAndWait(t, o, images(1), "")

	_, err = o.Status(first.JobID)
	assert.ErrorIs(t, err, stockify.ErrJobNotFound)
}

func TestWithClock_DeferredTaskFollowsInjectedClock(t *testing.T) {
	var mu sync.Mutex
	now := time.Now()
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	client := mock.New(mock.WithScript("img-0.jpg",
		&stockify.InferenceError{Err: stockify.ErrRateLimited, Model: "flash", RetryAfter: time.Hour}))
	o := newTestOrchestrator(t, oneModel(100, 1), client, stockify.WithClock(clock))

	job, err := o.Submit(context.Background(), images(1), "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		res, err := o.Status(job.ID)
		return err == nil && res.Tasks[0].Attempts == 1 && res.Tasks[0].State == stockify.TaskPending
	}, 5*time.Second, time.Millisecond)

	// A frozen clock keeps the task deferred.
	time.Sleep(50 * time.Millisecond)
	res, err := o.Status(job.ID)
	require.NoError(t, err)
	assert.Equal(t, stockify.TaskPending, res.Tasks[0].State)
	assert.Equal(t, int64(1), client.CallCount())

	mu.Lock()
	now = now.Add(time.Hour)
	mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err = o.Wait(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, stockify.TaskSucceeded, res.Tasks[0].State)
	assert.Equal(t, 2, res.Tasks[0].Attempts)
}

func TestMeter_Events(t *testing.T) {
	ctrl := gomock.NewController(t)
	m := mocks.NewMockMeter(ctrl)

	m.EXPECT().OnDispatch(gomock.Any()).Times(2)
	gomock.InOrder(
		m.EXPECT().OnResult(resultMatcher{success: false, class: stockify.Retryable}),
		m.EXPECT().OnResult(resultMatcher{success: true}),
	)
	m.EXPECT().OnTaskDone(taskMatcher{state: stockify.TaskSucceeded, attempts: 2})

	client := mock.New(mock.WithScript("img-0.jpg", stockify.ErrUnavailable))
	o := newTestOrchestrator(t, oneModel(100, 1), client, stockify.WithMeter(m))

	submitAndWait(t, o, images(1), "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, o.Shutdown(ctx))
}

type resultMatcher struct {
	success bool
	class   stockify.RetryClass
}

func (m resultMatcher) Matches(x interface{}) bool {
	e, ok := x.(stockify.ResultEvent)
	if !ok || e.Success != m.success {
		return false
	}
	return m.success || e.Class == m.class
}

func (m resultMatcher) String() string {
	return fmt.Sprintf("result success=%v class=%s", m.success, m.class)
}

type taskMatcher struct {
	state    stockify.TaskState
	attempts int
}

func (m taskMatcher) Matches(x interface{}) bool {
	e, ok := x.(stockify.TaskEvent)
	return ok && e.State == m.state && e.Attempts == m.attempts
}

func (m taskMatcher) String() string {
	return fmt.Sprintf("task state=%s attempts=%d", m.state, m.attempts)
}
