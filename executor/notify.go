package executor

import (
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/bruno/job"
)

// Phase names a lifecycle notification
type Phase string

// Lifecycle phases, delivered per job in this order: started, then exactly
// one of completed or failed.
const (
	PhaseStarted   Phase = "started"
	PhaseCompleted Phase = "completed"
	PhaseFailed    Phase = "failed"
)

// Notification is one lifecycle event for a job
type Notification struct {
	JobID  string
	Phase  Phase
	Time   time.Time
	Result *job.Result // terminal phases only
}

// Notifications returns the engine's lifecycle event channel. Events for a
// single job arrive in order because they are emitted from the goroutine
// executing that job. The channel is never closed; consumers should select
// against their own done signal.
func (e *Engine) Notifications() <-chan Notification {
	return e.notifications
}

// notify emits a lifecycle event without ever blocking an execution. A full
// channel drops the event and counts it.
func (e *Engine) notify(jobID string, phase Phase, result *job.Result) {
	n := Notification{
		JobID:  jobID,
		Phase:  phase,
		Time:   time.Now(),
		Result: result,
	}
	select {
	case e.notifications <- n:
	default:
		e.droppedNotifications.Add(1)
		e.logger.Warn("notification dropped, channel full",
			zap.String("job_id", jobID),
			zap.String("phase", string(phase)))
	}
}
