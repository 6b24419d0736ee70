package stockify

import "time"

// Image is an already-validated image handle. The pipeline never decodes it;
// it is passed through to the InferenceClient as-is.
type Image struct {
	Name     string `json:"name"`
	MIMEType string `json:"mime_type"`
	Data     []byte `json:"-"`
}

// Metadata is the stock-photography record produced for one image.
type Metadata struct {
	Description string   `json:"description"`
	Keywords    []string `json:"keywords"`
	Categories  []string `json:"categories"`
}

// TaskState is the lifecycle state of an ImageTask.
type TaskState string

const (
	TaskPending        TaskState = "pending"
	TaskInFlight       TaskState = "in_flight"
	TaskSucceeded      TaskState = "succeeded"
	TaskFailedTerminal TaskState = "failed_terminal"
)

// Terminal reports whether no further transition can occur from s.
func (s TaskState) Terminal() bool {
	return s == TaskSucceeded || s == TaskFailedTerminal
}

// ImageTask is one image within a job. The ID is stable across retries.
type ImageTask struct {
	ID       string    `json:"id"`
	Image    Image     `json:"image"`
	Model    string    `json:"model"`
	State    TaskState `json:"state"`
	Attempts int       `json:"attempts"`
	Err      error     `json:"-"`
	Metadata *Metadata `json:"metadata,omitempty"`

	eligibleAt time.Time
	tried      []string
}

// Kind returns the error kind of the last failure, or "" if none.
func (t ImageTask) Kind() ErrorKind {
	return Kind(t.Err)
}

// BatchJob is one submitted batch.
type BatchJob struct {
	ID        string      `json:"id"`
	Model     string      `json:"model"`
	CreatedAt time.Time   `json:"created_at"`
	Tasks     []ImageTask `json:"tasks"`
}

// BatchResult is a derived summary of a BatchJob, recomputed on demand.
type BatchResult struct {
	JobID     string      `json:"job_id"`
	Model     string      `json:"model"`
	CreatedAt time.Time   `json:"created_at"`
	Total     int         `json:"total"`
	Succeeded int         `json:"succeeded"`
	Failed    int         `json:"failed"`
	Pending   int         `json:"pending"`
	InFlight  int         `json:"in_flight"`
	Tasks     []ImageTask `json:"tasks"`
}

// Done reports whether every task has reached a terminal state.
func (r BatchResult) Done() bool {
	return r.Succeeded+r.Failed == r.Total
}
