// internal/models/event.go
package models

import (
	"time"
)

// TaskEvent is a lifecycle notification published on task transitions
type TaskEvent struct {
	TaskID         int64        `json:"taskId"`
	Status         TaskStatus   `json:"status"`
	ApkBuildStatus *BuildStatus `json:"apkBuildStatus,omitempty"`
	Detail         string       `json:"detail,omitempty"`
	Timestamp      time.Time    `json:"timestamp"`
}

// NewTaskEvent creates a task event stamped with the current time
func NewTaskEvent(taskID int64, status TaskStatus) *TaskEvent {
	return &TaskEvent{
		TaskID:    taskID,
		Status:    status,
		Timestamp: time.Now(),
	}
}
