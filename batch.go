package stockify

import (
	"sync"
	"time"
)

// batchRun is the orchestrator-owned state of one job.
type batchRun struct {
	id        string
	model     string
	createdAt time.Time

	mu         sync.Mutex
	tasks      []*ImageTask
	stopped    bool      // no new calls are issued once set
	finishedAt time.Time // set when the last task turned terminal

	slots chan struct{} // fan-out limit
	wake  chan struct{} // scheduler wake-up, buffered 1
	done  chan struct{} // closed with finishedAt
}

func (r *batchRun) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// finishLocked closes done once every task is terminal. Must be called with r.mu held.
func (r *batchRun) finishLocked(now time.Time) {
	if !r.finishedAt.IsZero() {
		return
	}
	for _, t := range r.tasks {
		if !t.State.Terminal() {
			return
		}
	}
	r.finishedAt = now
	close(r.done)
}

func (r *batchRun) snapshot() BatchJob {
	r.mu.Lock()
	defer r.mu.Unlock()

	job := BatchJob{
		ID:        r.id,
		Model:     r.model,
		CreatedAt: r.createdAt,
		Tasks:     make([]ImageTask, len(r.tasks)),
	}
	for i, t := range r.tasks {
		job.Tasks[i] = *t
	}
	return job
}

func (r *batchRun) result() BatchResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	res := BatchResult{
		JobID:     r.id,
		Model:     r.model,
		CreatedAt: r.createdAt,
		Total:     len(r.tasks),
		Tasks:     make([]ImageTask, len(r.tasks)),
	}
	for i, t := range r.tasks {
		res.Tasks[i] = *t
		switch t.State {
		case TaskSucceeded:
			res.Succeeded++
		case TaskFailedTerminal:
			res.Failed++
		case TaskInFlight:
			res.InFlight++
		default:
			res.Pending++
		}
	}
	return res
}
