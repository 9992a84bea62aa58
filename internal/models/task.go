// internal/models/task.go
package models

import (
	"encoding/json"
	"time"
)

// TaskStatus represents the current state of a generation task
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "PENDING"
	TaskStatusRunning   TaskStatus = "RUNNING"
	TaskStatusCompleted TaskStatus = "COMPLETED"
	TaskStatusFailed    TaskStatus = "FAILED"
	TaskStatusCancelled TaskStatus = "CANCELLED"
)

// IsTerminal reports whether no further status transitions are allowed
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// BuildStatus represents the state of the optional APK build step.
// Tracked independently of TaskStatus: a task stays COMPLETED even
// when its APK build fails.
type BuildStatus string

const (
	BuildStatusBuilding    BuildStatus = "BUILDING"
	BuildStatusBuilded     BuildStatus = "BUILDED"
	BuildStatusBuildFailed BuildStatus = "BUILDFAILED"
)

// Task represents a single software-generation request and its tracked lifecycle
type Task struct {
	ID             int64           `json:"id"`
	Status         TaskStatus      `json:"status"`
	ApkBuildStatus *BuildStatus    `json:"apkBuildStatus,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
	RequestData    GenerateRequest `json:"requestData"`
	ResultPath     *string         `json:"resultPath,omitempty"`
	ArtifactPath   *string         `json:"artifactPath,omitempty"`
	ErrorMessage   *string         `json:"errorMessage,omitempty"`
	ProcessID      *int            `json:"processId,omitempty"`
}

// ToJSON converts the task to JSON
func (t *Task) ToJSON() ([]byte, error) {
	return json.Marshal(t)
}

// FromJSON populates the task from JSON
func (t *Task) FromJSON(data []byte) error {
	return json.Unmarshal(data, t)
}
