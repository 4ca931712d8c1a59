package optimizer

import (
	"time"

	"github.com/psantana5/diffusion-optimizer/pkg/models"
)

// StageTiming is the wall time of one stage
type StageTiming struct {
	Name     string        `json:"name" yaml:"name"`
	Duration time.Duration `json:"duration" yaml:"duration"`
}

// Report summarizes one optimization run
type Report struct {
	RunID          string                  `json:"run_id" yaml:"run_id"`
	ModelID        string                  `json:"model_id" yaml:"model_id"`
	BaseModelID    string                  `json:"base_model_id" yaml:"base_model_id"`
	Accelerator    models.Accelerator      `json:"accelerator" yaml:"accelerator"`
	Dimensions     models.Dimensions       `json:"dimensions" yaml:"dimensions"`
	UnoptimizedDir string                  `json:"unoptimized_dir" yaml:"unoptimized_dir"`
	OptimizedDir   string                  `json:"optimized_dir" yaml:"optimized_dir"`
	Jobs           []models.SubmodelJob    `json:"jobs" yaml:"jobs"`
	Artifacts      []models.ModelArtifacts `json:"artifacts" yaml:"artifacts"`
	Stages         []StageTiming           `json:"stages" yaml:"stages"`
	StartedAt      time.Time               `json:"started_at" yaml:"started_at"`
	Duration       time.Duration           `json:"duration" yaml:"duration"`
}

// IsVariant reports whether the optimized model differs from its base
func (r *Report) IsVariant() bool {
	return r.BaseModelID != "" && r.BaseModelID != r.ModelID
}

// Artifact returns the artifacts recorded for a submodel
func (r *Report) Artifact(sub models.Submodel) (models.ModelArtifacts, bool) {
	for _, a := range r.Artifacts {
		if a.Submodel == sub {
			return a, true
		}
	}
	return models.ModelArtifacts{}, false
}

// Job returns the job recorded for a submodel
func (r *Report) Job(sub models.Submodel) (models.SubmodelJob, bool) {
	for _, j := range r.Jobs {
		if j.Submodel == sub {
			return j, true
		}
	}
	return models.SubmodelJob{}, false
}
