package eventbus

import "time"

// Task lifecycle events published by the lifecycle controller.
const (
	TaskCreated   = "task.created"
	TaskFired     = "task.fired"
	TaskDelivered = "task.delivered"
	TaskRetired   = "task.retired"
	TaskRemoved   = "task.removed"
	TaskMisfired  = "task.misfired"
)

// Job events published by the delivery executor.
const (
	JobStarted  = "job.started"
	JobFinished = "job.finished"
	JobFailed   = "job.failed"
	JobDropped  = "job.dropped"
)

// TaskInfo is the Data of task.* events.
type TaskInfo struct {
	ID          string    `json:"id"`
	Destination string    `json:"destination"`
	Kind        string    `json:"kind"`
	Due         time.Time `json:"due,omitempty"`
	Error       string    `json:"error,omitempty"`
}
