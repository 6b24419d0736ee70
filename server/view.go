package server

import (
	"time"

	"github.com/ineyio/stockify"
)

type taskView struct {
	ID       string             `json:"id"`
	Filename string             `json:"filename"`
	Model    string             `json:"model"`
	State    stockify.TaskState `json:"state"`
	Attempts int                `json:"attempts"`
	Kind     stockify.ErrorKind `json:"error_kind,omitempty"`
	Error    string             `json:"error,omitempty"`
	Metadata *stockify.Metadata `json:"metadata,omitempty"`
}

type resultView struct {
	JobID     string     `json:"job_id"`
	Model     string     `json:"model"`
	CreatedAt time.Time  `json:"created_at"`
	Done      bool       `json:"done"`
	Total     int        `json:"total"`
	Succeeded int        `json:"succeeded"`
	Failed    int        `json:"failed"`
	Pending   int        `json:"pending"`
	InFlight  int        `json:"in_flight"`
	Tasks     []taskView `json:"tasks"`
}

func toResultView(res stockify.BatchResult) resultView {
	v := resultView{
		JobID:     res.JobID,
		Model:     res.Model,
		CreatedAt: res.CreatedAt,
		Done:      res.Done(),
		Total:     res.Total,
		Succeeded: res.Succeeded,
		Failed:    res.Failed,
		Pending:   res.Pending,
		InFlight:  res.InFlight,
		Tasks:     make([]taskView, len(res.Tasks)),
	}
	for i, t := range res.Tasks {
		tv := taskView{
			ID:       t.ID,
			Filename: t.Image.Name,
			Model:    t.Model,
			State:    t.State,
			Attempts: t.Attempts,
			Metadata: t.Metadata,
		}
		if t.Err != nil {
			tv.Kind = t.Kind()
			tv.Error = t.Err.Error()
		}
		v.Tasks[i] = tv
	}
	return v
}
