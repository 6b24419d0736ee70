package stockify

import "time"

// Meter observes pipeline events for monitoring/logging.
//
//go:generate mockgen -destination=mocks/mock_meter.go -package=mocks github.com/ineyio/stockify Meter
type Meter interface {
	// OnDispatch is called when a task is handed to the InferenceClient.
	OnDispatch(event DispatchEvent)

	// OnResult is called when a call returns, with the retry decision taken for it.
	OnResult(event ResultEvent)

	// OnTaskDone is called once per task when it reaches a terminal state.
	OnTaskDone(event TaskEvent)
}

// DispatchEvent describes a call about to be made.
type DispatchEvent struct {
	JobID   string
	TaskID  string
	Model   string
	Attempt int
}

// ResultEvent describes the outcome of one call.
type ResultEvent struct {
	JobID     string
	TaskID    string
	Model     string
	Attempt   int
	Success   bool
	Duration  time.Duration
	Err       error
	Class     RetryClass
	Delay     time.Duration // backoff before the next attempt; zero unless retried
	Discarded bool          // the job was cancelled while the call was in flight
}

// TaskEvent describes a task reaching a terminal state.
type TaskEvent struct {
	JobID    string
	TaskID   string
	Model    string
	State    TaskState
	Attempts int
	Kind     ErrorKind
	Err      error
}
