// internal/models/request.go
package models

import "time"

// Default values applied to optional GenerateRequest fields
const (
	DefaultConfig = "Default"
	DefaultOrg    = "DefaultOrganization"
	DefaultModel  = "CLAUDE_3_5_SONNET"
)

// GenerateRequest is the validated payload for a generation task.
// The core stores it verbatim on the task record and only reads the
// fields named here; it never makes control decisions on anything else.
type GenerateRequest struct {
	// Environment settings
	APIKey  string `json:"api_key" validate:"required"`
	BaseURL string `json:"base_url,omitempty" validate:"omitempty,url"`

	// Project settings
	Task     string `json:"task" validate:"required"`
	Name     string `json:"name" validate:"required"`
	Config   string `json:"config"`
	Org      string `json:"org"`
	Model    string `json:"model"`
	Path     string `json:"path,omitempty"`
	BuildAPK bool   `json:"build_apk"`
}

// ApplyDefaults fills optional project settings that were left empty
func (r *GenerateRequest) ApplyDefaults() {
	if r.Config == "" {
		r.Config = DefaultConfig
	}
	if r.Org == "" {
		r.Org = DefaultOrg
	}
	if r.Model == "" {
		r.Model = DefaultModel
	}
}

// TaskResponse is returned when a generation task is accepted
type TaskResponse struct {
	TaskID    int64      `json:"task_id"`
	Status    TaskStatus `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
}

// TaskStatusResponse is returned for task status queries
type TaskStatusResponse struct {
	TaskID         int64        `json:"task_id"`
	Status         TaskStatus   `json:"status"`
	ApkBuildStatus *BuildStatus `json:"apk_build_status,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
	ResultPath     *string      `json:"result_path,omitempty"`
	ArtifactPath   *string      `json:"artifact_path,omitempty"`
	ErrorMessage   *string      `json:"error_message,omitempty"`
}

// StatusResponseFrom builds a TaskStatusResponse from a task record
func StatusResponseFrom(t *Task) TaskStatusResponse {
	return TaskStatusResponse{
		TaskID:         t.ID,
		Status:         t.Status,
		ApkBuildStatus: t.ApkBuildStatus,
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
		ResultPath:     t.ResultPath,
		ArtifactPath:   t.ArtifactPath,
		ErrorMessage:   t.ErrorMessage,
	}
}
