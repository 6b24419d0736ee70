package meter

import (
	"log/slog"

	"github.com/ineyio/stockify"
)

// LogMeter logs pipeline events using slog.
type LogMeter struct {
	Logger *slog.Logger
}

var _ stockify.Meter = (*LogMeter)(nil)

// NewLogMeter creates a LogMeter with the given logger.
// If logger is nil, slog.Default() is used.
func NewLogMeter(logger *slog.Logger) *LogMeter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMeter{Logger: logger}
}

func (m *LogMeter) OnDispatch(e stockify.DispatchEvent) {
	m.Logger.Debug("dispatch",
		"job", e.JobID,
		"task", e.TaskID,
		"model", e.Model,
		"attempt", e.Attempt,
	)
}

func (m *LogMeter) OnResult(e stockify.ResultEvent) {
	switch {
	case e.Discarded:
		m.Logger.Info("result_discarded",
			"job", e.JobID,
			"task", e.TaskID,
			"model", e.Model,
			"attempt", e.Attempt,
			"duration_ms", e.Duration.Milliseconds(),
		)
	case e.Success:
		m.Logger.Info("result",
			"job", e.JobID,
			"task", e.TaskID,
			"model", e.Model,
			"attempt", e.Attempt,
			"duration_ms", e.Duration.Milliseconds(),
		)
	default:
		m.Logger.Warn("result_error",
			"job", e.JobID,
			"task", e.TaskID,
			"model", e.Model,
			"attempt", e.Attempt,
			"duration_ms", e.Duration.Milliseconds(),
			"class", e.Class.String(),
			"retry_in_ms", e.Delay.Milliseconds(),
			"error", e.Err,
		)
	}
}

func (m *LogMeter) OnTaskDone(e stockify.TaskEvent) {
	if e.State == stockify.TaskSucceeded {
		m.Logger.Info("task_done",
			"job", e.JobID,
			"task", e.TaskID,
			"model", e.Model,
			"state", string(e.State),
			"attempts", e.Attempts,
		)
		return
	}
	m.Logger.Warn("task_failed",
		"job", e.JobID,
		"task", e.TaskID,
		"model", e.Model,
		"state", string(e.State),
		"attempts", e.Attempts,
		"kind", string(e.Kind),
		"error", e.Err,
	)
}
