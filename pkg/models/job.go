package models

import (
	"time"
)

// JobStatus represents the status of a submodel optimization job
type JobStatus string

const (
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// SubmodelJob is one workflow engine invocation for a single submodel
type SubmodelJob struct {
	Submodel    Submodel    `json:"submodel"`
	ModelID     string      `json:"model_id"` // base or variant identifier, see Submodel.VariantSensitive
	Accelerator Accelerator `json:"accelerator"`
	ConfigPath  string      `json:"config_path,omitempty"`
	Status      JobStatus   `json:"status"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	Error       string      `json:"error,omitempty"`
}

// Duration returns how long the job ran, or zero if it has not finished
func (j *SubmodelJob) Duration() time.Duration {
	if j.StartedAt == nil || j.CompletedAt == nil {
		return 0
	}
	return j.CompletedAt.Sub(*j.StartedAt)
}

// Artifact is a model file produced by one workflow pass
type Artifact struct {
	Path    string `json:"path"`
	Pass    string `json:"pass"`
	ModelID string `json:"model_id,omitempty"`
}

// ModelArtifacts holds both build outputs for one submodel
type ModelArtifacts struct {
	Submodel    Submodel `json:"submodel"`
	Unoptimized Artifact `json:"unoptimized"`
	Optimized   Artifact `json:"optimized"`
}
